package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxTagBytes is the protocol limit on the total size of a transaction's tags
const DefaultMaxTagBytes = 2048

var (
	ErrDuplicateTag  = errors.New("domain: duplicate tag name")
	ErrDuplicateTags = errors.New("domain: tag set contains duplicate names")
	ErrTagsTooLarge  = errors.New("domain: tags exceed maximum size")
)

// Tag is one key-value metadata pair attached to a transaction.
// Most tags carry a single value; query filters may carry several.
type Tag struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// NewTag creates a tag with one or more values
func NewTag(name string, values ...string) Tag {
	return Tag{Name: name, Values: append([]string(nil), values...)}
}

// Value returns the first value, or "" for a value-less tag
func (t Tag) Value() string {
	if len(t.Values) == 0 {
		return ""
	}
	return t.Values[0]
}

// Size is the byte length of the name plus all values
func (t Tag) Size() int {
	n := len(t.Name)
	for _, v := range t.Values {
		n += len(v)
	}
	return n
}

// Equal reports whether both tags have the same name and values in order
func (t Tag) Equal(o Tag) bool {
	if t.Name != o.Name || len(t.Values) != len(o.Values) {
		return false
	}
	for i := range t.Values {
		if t.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// TagSet is an ordered group of tags indexed by name
type TagSet struct {
	tags          []Tag
	index         map[string]int
	maxBytes      int
	HasDuplicates bool
}

// NewTagSet creates an empty set validated against maxBytes.
// A non-positive maxBytes selects DefaultMaxTagBytes.
func NewTagSet(maxBytes int) *TagSet {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxTagBytes
	}
	return &TagSet{index: make(map[string]int), maxBytes: maxBytes}
}

// TagSetOf builds a set from tags, tolerating duplicate names
func TagSetOf(tags ...Tag) *TagSet {
	ts := NewTagSet(0)
	for _, t := range tags {
		ts.Add(t, true)
	}
	return ts
}

// Add appends a tag. A name collision fails unless allowDuplicates is set,
// in which case the tag is kept and HasDuplicates is flipped.
func (ts *TagSet) Add(t Tag, allowDuplicates bool) error {
	if _, ok := ts.index[t.Name]; ok {
		if !allowDuplicates {
			return fmt.Errorf("%w: %s", ErrDuplicateTag, t.Name)
		}
		ts.HasDuplicates = true
		ts.tags = append(ts.tags, t)
		return nil
	}
	ts.index[t.Name] = len(ts.tags)
	ts.tags = append(ts.tags, t)
	return nil
}

// Get returns the first tag with the given name
func (ts *TagSet) Get(name string) (Tag, bool) {
	if ts == nil {
		return Tag{}, false
	}
	i, ok := ts.index[name]
	if !ok {
		return Tag{}, false
	}
	return ts.tags[i], true
}

// Value returns the first value of the named tag, or ""
func (ts *TagSet) Value(name string) string {
	t, _ := ts.Get(name)
	return t.Value()
}

// Has reports whether a tag with this name exists
func (ts *TagSet) Has(name string) bool {
	_, ok := ts.Get(name)
	return ok
}

// Tags returns a copy of the tags in insertion order
func (ts *TagSet) Tags() []Tag {
	if ts == nil {
		return nil
	}
	return append([]Tag(nil), ts.tags...)
}

func (ts *TagSet) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.tags)
}

// Size is the total byte size of every tag in the set
func (ts *TagSet) Size() int {
	if ts == nil {
		return 0
	}
	n := 0
	for _, t := range ts.tags {
		n += t.Size()
	}
	return n
}

// MaxBytes returns the size limit Validate enforces
func (ts *TagSet) MaxBytes() int {
	return ts.maxBytes
}

// Validate fails on duplicate names or when the set exceeds its size limit
func (ts *TagSet) Validate() error {
	if ts.HasDuplicates {
		return ErrDuplicateTags
	}
	if size := ts.Size(); size > ts.maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTagsTooLarge, size, ts.maxBytes)
	}
	return nil
}

// Equal compares two sets tag by tag, order included
func (ts *TagSet) Equal(o *TagSet) bool {
	if ts.Len() != o.Len() {
		return false
	}
	if ts.Len() == 0 {
		return true
	}
	for i := range ts.tags {
		if !ts.tags[i].Equal(o.tags[i]) {
			return false
		}
	}
	return true
}

// ToQueryFragment renders the set as a GraphQL tag filter list:
//
//	[{name: "Entity-Type", values: ["file"]}]
//
// An empty set renders as "".
func (ts *TagSet) ToQueryFragment() string {
	if ts.Len() == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("[")
	for i, t := range ts.tags {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("{name: ")
		sb.WriteString(QuoteString(t.Name))
		sb.WriteString(", values: [")
		for j, v := range t.Values {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(QuoteString(v))
		}
		sb.WriteString("]}")
	}
	sb.WriteString("]")
	return sb.String()
}

// MarshalJSON encodes the set as a list of {name, value} pairs
func (ts *TagSet) MarshalJSON() ([]byte, error) {
	type pair struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	out := make([]pair, 0, ts.Len())
	for _, t := range ts.Tags() {
		out = append(out, pair{Name: t.Name, Value: strings.Join(t.Values, ",")})
	}
	return json.Marshal(out)
}

// QuoteString renders s as a GraphQL string literal
func QuoteString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
