package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/discogsography/extractor/internal/xmlstream"
)

// NormalizationError reports a structural precondition violated on a single
// record; the offending record is skipped, everything else continues.
type NormalizationError struct {
	Element string
	Reason  string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: %s: %s", e.Element, e.Reason)
}

// Normalize converts a raw parsed subtree into the canonical Value described
// in spec: a mapping of case-sensitive unique keys, with repeated sibling
// elements folded into an ordered list under their shared name, attributes
// folded in as reserved-prefixed mapping entries, and scalar leaves trimmed.
// Normalize is pure, total on valid subtrees, and idempotent.
func Normalize(el xmlstream.Element) Value {
	if len(el.Children) == 0 {
		if el.Attrs == nil {
			return Scalar(el.Text)
		}
		return normalizeWithAttrs(el, NewMap())
	}

	groups := make(map[string][]Value)
	order := make([]string, 0, len(el.Children))
	for _, child := range el.Children {
		v := Normalize(child)
		if _, seen := groups[child.Name]; !seen {
			order = append(order, child.Name)
		}
		groups[child.Name] = append(groups[child.Name], v)
	}

	m := NewMap()
	for _, name := range order {
		vals := groups[name]
		if len(vals) == 1 {
			m.Set(name, vals[0])
		} else {
			m.Set(name, List(vals))
		}
	}
	return normalizeWithAttrs(el, m)
}

// normalizeWithAttrs folds an element's attributes into base as reserved
// "@name" mapping keys, distinguishable from child elements which never
// start with "@".
func normalizeWithAttrs(el xmlstream.Element, base Value) Value {
	if len(el.Attrs) == 0 {
		return base
	}
	for name, val := range el.Attrs {
		base.Set("@"+name, Scalar(val))
	}
	return base
}

// ExtractID returns the record's stable identifier, carried in a nested
// element named "id", and returns it in its string form (spec.md's open
// question on string-vs-integer id serialization). Only the "id" child
// element is read; an attribute named id (folded in as "@id") is not.
func ExtractID(v Value) (string, error) {
	if !v.IsMap() {
		return "", &NormalizationError{Element: "<record>", Reason: "record root is not a mapping"}
	}
	idVal, ok := v.Get("id")
	if !ok {
		return "", &NormalizationError{Element: "<record>", Reason: "missing id element"}
	}
	if !idVal.IsScalar() {
		return "", &NormalizationError{Element: "id", Reason: "id is not a scalar"}
	}
	return idVal.ScalarString(), nil
}

// Hash computes the 256-bit content hash over v's canonical serialization,
// rendered as lowercase hex. Identical normalized records always produce the
// same hash across runs, machines, and compilation targets.
func Hash(v Value) (string, error) {
	body, err := v.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("normalize: hash: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}
