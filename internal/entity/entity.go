// Package entity defines the categories, spans and statistics shared by the
// matchers, the transform dispatcher and the rewrite executor.
//
// Every Span satisfies src[s.Start:s.End] == s.Text, where offsets are byte
// offsets into the UTF-8 source. Spans from different matchers may overlap;
// the rewrite executor resolves conflicts.
package entity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Category classifies a sensitive span.
type Category int

// Recognized categories.
const (
	Age         Category = iota // age with unit marker, e.g. 45岁
	Date                        // calendar date, optionally with time
	Name                        // patient or relative name
	Doctor                      // clinical staff name, optionally with title
	Institution                 // hospital, clinic, centre, floor/room locator
	Location                    // residential address
	OtherID                     // labelled identifier (ID card, phone, MRN, bed)
)

var categoryNames = [...]string{
	Age:         "AGE",
	Date:        "DATE",
	Name:        "NAME",
	Doctor:      "DOCTOR",
	Institution: "INSTITUTION",
	Location:    "LOCATION",
	OtherID:     "OTHER_ID",
}

var categoryKeys = [...]string{
	Age:         "age",
	Date:        "date",
	Name:        "name",
	Doctor:      "doctor",
	Institution: "institution",
	Location:    "location",
	OtherID:     "other_id",
}

// All lists every category in matcher order. Dates run before ages so a
// date token is never fragmented by a shorter pattern.
var All = []Category{Date, Age, OtherID, Location, Doctor, Name, Institution}

// String returns the upper-case name, e.g. "OTHER_ID".
func (c Category) String() string {
	if int(c) >= 0 && int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// Key returns the lower-case toggle and statistics key, e.g. "other_id".
func (c Category) Key() string {
	if int(c) >= 0 && int(c) < len(categoryKeys) {
		return categoryKeys[c]
	}
	return strings.ToLower(c.String())
}

// NameLike reports whether spans of this category go through the candidate filter.
func (c Category) NameLike() bool {
	return c == Name || c == Doctor
}

// Parse accepts either the upper-case name or the lower-case key.
func Parse(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for i := range categoryNames {
		if strings.EqualFold(s, categoryNames[i]) || s == categoryKeys[i] {
			return Category(i), nil
		}
	}
	const maxErrLen = 50
	if len(s) > maxErrLen {
		s = s[:maxErrLen] + "..."
	}
	return 0, fmt.Errorf("unknown category: %q", s)
}

// MarshalJSON encodes the category as its upper-case name.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes "DATE" or "date" into a Category.
func (c *Category) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Span is a candidate sensitive substring.
type Span struct {
	Start    int      `json:"start"`           // byte offset, inclusive
	End      int      `json:"end"`             // byte offset, exclusive
	Category Category `json:"category"`        // classification
	Text     string   `json:"text"`            // source[Start:End]
	Field    string   `json:"field,omitempty"` // identifier label or pattern family
}

// String returns a debug form such as DATE("2024-05-15")[12:22].
func (s Span) String() string {
	return fmt.Sprintf("%s(%q)[%d:%d]", s.Category, s.Text, s.Start, s.End)
}

// Valid reports whether the span satisfies its offset invariant against src.
func (s Span) Valid(src string) bool {
	return s.Start >= 0 && s.Start < s.End && s.End <= len(src) && src[s.Start:s.End] == s.Text
}

// SortSpans orders spans by start offset, longer spans first on ties.
func SortSpans(spans []Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
}

// Stats maps a category key to the number of substitutions made.
// Only positive counts are stored.
type Stats map[string]int

// Add increments key by n. Non-positive n is ignored.
func (s Stats) Add(key string, n int) {
	if n <= 0 {
		return
	}
	s[key] += n
}

// Merge adds every count in other to s.
func (s Stats) Merge(other Stats) {
	for k, n := range other {
		s.Add(k, n)
	}
}

// Total returns the sum of all counts.
func (s Stats) Total() int {
	total := 0
	for _, n := range s {
		total += n
	}
	return total
}
