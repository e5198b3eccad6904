package normalize

import (
	"testing"

	"github.com/discogsography/extractor/internal/xmlstream"
)

func artistElement(id, name string) xmlstream.Element {
	return xmlstream.Element{
		Name: "artist",
		Children: []xmlstream.Element{
			{Name: "id", Text: id},
			{Name: "name", Text: name},
		},
	}
}

func TestNormalize_hashDeterminism(t *testing.T) {
	v1 := Normalize(artistElement("1", "A"))
	v2 := Normalize(artistElement("1", "A"))
	h1, err := Hash(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s != %s", h1, h2)
	}
}

func TestNormalize_distinctRecordsDistinctHash(t *testing.T) {
	h1, _ := Hash(Normalize(artistElement("1", "A")))
	h2, _ := Hash(Normalize(artistElement("2", "B")))
	if h1 == h2 {
		t.Error("distinct records produced the same hash")
	}
}

func TestNormalize_keyOrderInsensitive(t *testing.T) {
	el1 := xmlstream.Element{
		Name: "artist",
		Children: []xmlstream.Element{
			{Name: "id", Text: "1"},
			{Name: "name", Text: "A"},
		},
	}
	el2 := xmlstream.Element{
		Name: "artist",
		Children: []xmlstream.Element{
			{Name: "name", Text: "A"},
			{Name: "id", Text: "1"},
		},
	}
	h1, _ := Hash(Normalize(el1))
	h2, _ := Hash(Normalize(el2))
	if h1 != h2 {
		t.Error("hash should be insensitive to child element order for distinct-name siblings at the same level")
	}
}

func TestNormalize_idempotent(t *testing.T) {
	v := Normalize(artistElement("1", "A"))
	b1, err := v.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	// Re-marshaling the same Value is the identity; Normalize has no
	// second-order form to re-normalize (Value is already canonical).
	b2, err := v.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(b1) != string(b2) {
		t.Error("re-serializing a normalized value should be stable")
	}
}

func TestNormalize_repeatedSiblingsBecomeList(t *testing.T) {
	el := xmlstream.Element{
		Name: "artist",
		Children: []xmlstream.Element{
			{Name: "id", Text: "1"},
			{Name: "alias", Text: "A"},
			{Name: "alias", Text: "B"},
		},
	}
	v := Normalize(el)
	aliasVal, ok := v.Get("alias")
	if !ok {
		t.Fatal("expected alias key")
	}
	if !aliasVal.IsList() {
		t.Fatal("repeated siblings should become a list")
	}
	items := aliasVal.Items()
	if len(items) != 2 || items[0].ScalarString() != "A" || items[1].ScalarString() != "B" {
		t.Errorf("alias list = %+v", items)
	}
}

func TestNormalize_emptyElementYieldsEmptyScalar(t *testing.T) {
	el := xmlstream.Element{Name: "notes", Text: ""}
	v := Normalize(el)
	if !v.IsScalar() || v.ScalarString() != "" {
		t.Errorf("expected empty scalar, got %+v", v)
	}
}

func TestExtractID(t *testing.T) {
	v := Normalize(artistElement("42", "Someone"))
	id, err := ExtractID(v)
	if err != nil {
		t.Fatal(err)
	}
	if id != "42" {
		t.Errorf("ExtractID = %q, want %q", id, "42")
	}
}

func TestExtractID_missing(t *testing.T) {
	el := xmlstream.Element{
		Name:     "artist",
		Children: []xmlstream.Element{{Name: "name", Text: "A"}},
	}
	v := Normalize(el)
	if _, err := ExtractID(v); err == nil {
		t.Fatal("expected NormalizationError for missing id")
	}
}

func TestNormalize_attributesFoldedAsReservedKeys(t *testing.T) {
	el := xmlstream.Element{
		Name:  "image",
		Attrs: map[string]string{"type": "primary"},
	}
	v := Normalize(el)
	if !v.IsMap() {
		t.Fatal("element with attrs but no children should normalize to a map")
	}
	got, ok := v.Get("@type")
	if !ok || got.ScalarString() != "primary" {
		t.Errorf("expected @type=primary, got %+v ok=%v", got, ok)
	}
}
