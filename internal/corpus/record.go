// Package corpus fetches the street-segment reference corpus and replaces
// the stored copy when it goes stale.
package corpus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Record is one upstream centreline row. Field names follow the City of
// Toronto centreline dataset.
type Record struct {
	ID                 flexString      `json:"CENTRELINE_ID"`
	StreetName         string          `json:"LINEAR_NAME_FULL"`
	FeatureCode        flexString      `json:"FEATURE_CODE"`
	FeatureDescription string          `json:"FEATURE_CODE_DESC"`
	LeftFrom           flexInt         `json:"LO_NUM_L"`
	LeftTo             flexInt         `json:"HI_NUM_L"`
	RightFrom          flexInt         `json:"LO_NUM_R"`
	RightTo            flexInt         `json:"HI_NUM_R"`
	Geometry           json.RawMessage `json:"geometry"`
}

// flexInt decodes a number or a numeric string. Every other value, including
// null, booleans, objects, fractions and integers too large to hold exactly,
// decodes as absent so one odd field never rejects a whole page.
type flexInt struct {
	Value *int
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	f.Value = nil
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) || math.Abs(n) > 1<<53 {
		return nil
	}
	v := int(n)
	f.Value = &v
	return nil
}

func (f flexInt) MarshalJSON() ([]byte, error) {
	if f.Value == nil {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(*f.Value)), nil
}

// flexString decodes a string or a number into its text form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	// ids arrive as 1.4673432e+07 from some exports
	if f64, err := n.Float64(); err == nil && f64 == math.Trunc(f64) && math.Abs(f64) < 1<<53 {
		*f = flexString(strconv.FormatInt(int64(f64), 10))
		return nil
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

// NewRecord builds a record in code, mostly for sources that are not JSON.
func NewRecord(id, streetName string, bounds [4]*int, geometry []byte) Record {
	return Record{
		ID:         flexString(id),
		StreetName: streetName,
		LeftFrom:   flexInt{bounds[0]},
		LeftTo:     flexInt{bounds[1]},
		RightFrom:  flexInt{bounds[2]},
		RightTo:    flexInt{bounds[3]},
		Geometry:   geometry,
	}
}
