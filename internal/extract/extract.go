// Package extract finds street-name candidates in free text such as
// disruption titles and descriptions.
package extract

import (
	"iter"
	"regexp"
	"sort"
	"strings"

	"github.com/segmatch/internal/normalize"
)

// a capitalised word, or a numbered street like 1st or 42nd
const word = `(?:[A-Z][a-zA-Z'\-]*|\d+(?:st|nd|rd|th))`

// same in upper case, for all-caps feed titles
const upperWord = `(?:[A-Z][A-Z'\-]*|\d+(?:ST|ND|RD|TH))`

// words that are never part of a street name
var stopwords = map[string]bool{
	"on": true, "near": true, "at": true, "the": true, "between": true,
	"from": true, "to": true, "along": true, "and": true, "of": true,
	"in": true, "via": true, "closed": true, "closure": true,
	"northbound": true, "southbound": true, "eastbound": true, "westbound": true,
	"nb": true, "sb": true, "eb": true, "wb": true,
}

type hit struct {
	start int
	text  string
}

// pattern is one regular expression with the rule that turns a match into
// hits. Hits of one match are ordered by start.
type pattern struct {
	re   *regexp.Regexp
	hits func(text string, loc []int) []hit
}

// patterns are tried in this order when two hits start at the same offset.
var patterns = buildPatterns(normalize.DefaultAbbrevRules())

func buildPatterns(rules *normalize.AbbrevRules) []pattern {
	roads := rules.RoadTypeSpellings()
	dirs := rules.DirectionSpellings()

	roadTitle := alternation(roads, titleCase)
	roadUpper := alternation(roads, strings.ToUpper)
	dirMixed := alternation(dirs, func(s string) string {
		if len(s) <= 2 {
			return strings.ToUpper(s)
		}
		return titleCase(s)
	})
	dirUpper := alternation(dirs, strings.ToUpper)

	named := func(w, road, dir string) *regexp.Regexp {
		return regexp.MustCompile(`\b(` + w + `(?:\s+` + w + `)*?)\s+(?:` + road + `)\b\.?(?:\s+(?:` + dir + `)\b\.?)?`)
	}

	return []pattern{
		{re: named(word, roadTitle, dirMixed), hits: namedHits},
		{re: named(upperWord, roadUpper, dirUpper), hits: namedHits},
		// "between Bathurst and Spadina"
		{re: regexp.MustCompile(
			`(?i:\bbetween)\s+(` + word + `(?:\s+` + word + `)*)\s+(?:and|&)\s+(` + word + `(?:\s+` + word + `)*)`),
			hits: groupHits},
		// "Queen and Spadina", "King & Bay"
		{re: regexp.MustCompile(
			`\b(` + word + `(?:\s+` + word + `)*)\s+(?:and|&)\s+(` + word + `(?:\s+` + word + `)*)`),
			hits: groupHits},
	}
}

// alternation joins the spellings longest first so a longer spelling wins
// over its prefix.
func alternation(spellings []string, form func(string) string) string {
	sorted := append([]string(nil), spellings...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, s := range sorted {
		quoted[i] = regexp.QuoteMeta(form(s))
	}
	return strings.Join(quoted, "|")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Candidates yields the street-name-like substrings of text in order of
// first appearance. Each candidate is the raw text as written; duplicates
// are removed by exact string equality only. A name with several words
// before its road type is followed by its shorter tails, so "Watermain
// Break Queen Street West" also yields "Queen Street West".
//
// The text is scanned only as far as the consumer ranges. The sequence is
// pure and may be ranged over any number of times.
func Candidates(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if strings.TrimSpace(text) == "" {
			return
		}

		scanners := make([]*scanner, len(patterns))
		for i, p := range patterns {
			scanners[i] = &scanner{p: p, text: text}
		}

		seen := make(map[string]bool)
		for {
			var next *scanner
			for _, s := range scanners {
				s.fill()
				if len(s.pending) == 0 {
					continue
				}
				if next == nil || s.pending[0].start < next.pending[0].start {
					next = s
				}
			}
			if next == nil {
				return
			}

			h := next.pending[0]
			next.pending = next.pending[1:]
			if seen[h.text] {
				continue
			}
			seen[h.text] = true
			if !yield(h.text) {
				return
			}
		}
	}
}

// scanner walks one pattern through the text a match at a time. Every hit
// of a later match starts after every hit of an earlier one.
type scanner struct {
	p       pattern
	text    string
	pos     int
	pending []hit
	done    bool
}

func (s *scanner) fill() {
	for len(s.pending) == 0 && !s.done {
		loc := s.p.re.FindStringSubmatchIndex(s.text[s.pos:])
		if loc == nil {
			s.done = true
			return
		}
		for i := range loc {
			if loc[i] >= 0 {
				loc[i] += s.pos
			}
		}
		s.pos = loc[1]
		s.pending = s.p.hits(s.text, loc)
	}
}

// namedHits keeps the match from the first word after its last stopword,
// then adds each shorter tail that still has a name word before the road
// type. Group 1 is the name part.
func namedHits(text string, loc []int) []hit {
	from, to, nameEnd := loc[0], loc[1], loc[3]
	spans := words(text[from:to])

	names := 0
	for names < len(spans) && from+spans[names][0] < nameEnd {
		names++
	}
	keep := afterStopwords(text[from:to], spans[:names])

	var out []hit
	for i := keep; i < names; i++ {
		start := from + spans[i][0]
		out = append(out, hit{start: start, text: strings.TrimRight(text[start:to], " \t,;:")})
	}
	return out
}

// groupHits returns one hit per submatch group, each with stopwords cleaned.
func groupHits(text string, loc []int) []hit {
	var out []hit
	for g := 1; 2*g+1 < len(loc); g++ {
		from, to := loc[2*g], loc[2*g+1]
		if from < 0 {
			continue
		}
		s := text[from:to]
		spans := words(s)
		keep := afterStopwords(s, spans)
		if keep >= len(spans) {
			continue
		}
		start := from + spans[keep][0]
		out = append(out, hit{start: start, text: strings.TrimRight(text[start:to], " \t,;:")})
	}
	return out
}

// afterStopwords returns the index of the first span after the last
// stopword, so "Repair On Yonge" keeps "Yonge".
func afterStopwords(s string, spans [][2]int) int {
	keep := 0
	for i, sp := range spans {
		if stopwords[strings.ToLower(s[sp[0]:sp[1]])] {
			keep = i + 1
		}
	}
	return keep
}

// words returns the byte spans of the whitespace-separated words of s.
func words(s string) [][2]int {
	var spans [][2]int
	start := -1
	for i, r := range s {
		space := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		switch {
		case space && start >= 0:
			spans = append(spans, [2]int{start, i})
			start = -1
		case !space && start < 0:
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}
