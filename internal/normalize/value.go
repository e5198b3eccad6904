// Package normalize turns a raw XML subtree into a canonical tree value and
// computes its content hash.
package normalize

import (
	"encoding/json"
	"sort"
)

// Value is the normalized tree shape from spec: a scalar, an ordered list of
// values, or a mapping from name to value with case-sensitive unique keys.
// Exactly one of the three is populated; IsScalar/IsList/IsMap report which.
type Value struct {
	scalar   string
	isScalar bool
	list     []Value
	mapping  map[string]Value
	// keys preserves first-insertion order during construction; canonical
	// serialization re-sorts it lexicographically on demand, it is not relied
	// on for correctness.
	keys []string
}

// Scalar builds a leaf value. Empty scalars are preserved, not dropped.
func Scalar(s string) Value {
	return Value{scalar: s, isScalar: true}
}

// List builds an ordered-list value, preserving document order.
func List(items []Value) Value {
	return Value{list: items}
}

// NewMap builds an empty mapping value ready for Set.
func NewMap() Value {
	return Value{mapping: map[string]Value{}}
}

// Set inserts or replaces child under name, creating the mapping if v has
// none yet; callers only ever call this during construction from NewMap.
func (v *Value) Set(name string, child Value) {
	if v.mapping == nil {
		v.mapping = map[string]Value{}
	}
	if _, exists := v.mapping[name]; !exists {
		v.keys = append(v.keys, name)
	}
	v.mapping[name] = child
}

func (v Value) IsScalar() bool { return v.isScalar }
func (v Value) IsList() bool   { return v.list != nil || (!v.isScalar && v.mapping == nil) }
func (v Value) IsMap() bool    { return v.mapping != nil }

// ScalarString returns the scalar payload; empty if v is not a scalar.
func (v Value) ScalarString() string { return v.scalar }

// Get returns the child named name and whether it was present.
func (v Value) Get(name string) (Value, bool) {
	child, ok := v.mapping[name]
	return child, ok
}

// Items returns the list's elements in document order.
func (v Value) Items() []Value { return v.list }

// SortedKeys returns this mapping's keys in case-sensitive lexicographic
// order, the order canonical serialization always uses regardless of
// insertion order.
func (v Value) SortedKeys() []string {
	keys := make([]string, 0, len(v.mapping))
	for k := range v.mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON renders v per the canonical traversal: mapping keys in
// case-sensitive lexicographic order, lists in document order, scalars as
// JSON strings. This is also the wire payload format for Message.Payload.
func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case v.isScalar:
		return json.Marshal(v.scalar)
	case v.mapping != nil:
		keys := v.SortedKeys()
		var buf []byte
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := v.mapping[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	default:
		var buf []byte
		buf = append(buf, '[')
		for i, item := range v.list {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := item.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	}
}
