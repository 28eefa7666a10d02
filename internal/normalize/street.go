package normalize

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/mozillazg/go-unidecode"
	"gopkg.in/yaml.v3"
)

//go:embed rules/street_terms.yaml
var streetTermsYAML []byte

// termsFile is the on-disk shape of the abbreviation table
type termsFile struct {
	RoadTypes  map[string][]string `yaml:"road_types"`
	Directions map[string][]string `yaml:"directions"`
}

// AbbrevRules maps every known spelling of a road type or direction to the
// single contracted form stored in normalized names.
type AbbrevRules struct {
	canonical     map[string]string
	roadSpellings []string
	dirSpellings  []string
}

// LoadAbbrevRules parses a YAML abbreviation table. A canonical form may not
// also be an alias of a different form.
func LoadAbbrevRules(data []byte) (*AbbrevRules, error) {
	var tf termsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse abbreviation rules: %w", err)
	}

	ar := &AbbrevRules{canonical: make(map[string]string)}
	add := func(group map[string][]string) error {
		for canon, aliases := range group {
			canon = strings.ToLower(canon)
			if prev, ok := ar.canonical[canon]; ok && prev != canon {
				return fmt.Errorf("canonical form %q is already an alias of %q", canon, prev)
			}
			ar.canonical[canon] = canon
			for _, alias := range aliases {
				alias = strings.ToLower(alias)
				if prev, ok := ar.canonical[alias]; ok && prev != canon {
					return fmt.Errorf("alias %q maps to both %q and %q", alias, prev, canon)
				}
				ar.canonical[alias] = canon
			}
		}
		return nil
	}
	if err := add(tf.RoadTypes); err != nil {
		return nil, err
	}
	if err := add(tf.Directions); err != nil {
		return nil, err
	}

	ar.roadSpellings = spellings(tf.RoadTypes)
	ar.dirSpellings = spellings(tf.Directions)
	return ar, nil
}

// spellings flattens a group into its sorted lower-case canonical forms and
// aliases.
func spellings(group map[string][]string) []string {
	var out []string
	for canon, aliases := range group {
		out = append(out, strings.ToLower(canon))
		for _, alias := range aliases {
			out = append(out, strings.ToLower(alias))
		}
	}
	sort.Strings(out)
	return out
}

var (
	defaultRules     *AbbrevRules
	defaultRulesOnce sync.Once
)

// DefaultAbbrevRules returns the embedded North American street table.
func DefaultAbbrevRules() *AbbrevRules {
	defaultRulesOnce.Do(func() {
		rules, err := LoadAbbrevRules(streetTermsYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded street terms are invalid: %v", err))
		}
		defaultRules = rules
	})
	return defaultRules
}

// Contract maps a single lower-case token to its canonical form, or returns
// it unchanged when the token is not a known road type or direction.
func (ar *AbbrevRules) Contract(token string) string {
	if c, ok := ar.canonical[token]; ok {
		return c
	}
	return token
}

// RoadTypeSpellings returns every lower-case spelling of every road type,
// canonical forms included, sorted. The slice is shared; do not modify it.
func (ar *AbbrevRules) RoadTypeSpellings() []string {
	return ar.roadSpellings
}

// DirectionSpellings is RoadTypeSpellings for compass directions.
func (ar *AbbrevRules) DirectionSpellings() []string {
	return ar.dirSpellings
}

// Normalize canonicalizes a street name: transliterated to ASCII, lower-cased,
// punctuation dropped, whitespace collapsed, and each road type or direction
// contracted to one form. Normalize(Normalize(s)) == Normalize(s).
func (ar *AbbrevRules) Normalize(raw string) string {
	tokens := Tokenize(raw)
	for i, tok := range tokens {
		tokens[i] = ar.Contract(tok)
	}
	return strings.Join(tokens, " ")
}

// Normalize applies the default rules.
func Normalize(raw string) string {
	return DefaultAbbrevRules().Normalize(raw)
}

// Tokenize splits a raw name into lower-case ASCII word tokens. Apostrophes
// are removed so "St. Mary's" yields ["st", "marys"]; every other
// non-alphanumeric rune separates tokens.
func Tokenize(raw string) []string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	s = strings.ToLower(unidecode.Unidecode(s))

	b := strings.Builder{}
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\'' || r == '`':
			// dropped without a separator
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}
