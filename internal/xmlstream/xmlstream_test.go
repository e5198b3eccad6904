package xmlstream

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func gzipBytes(t *testing.T, s string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(buf.Bytes())
}

func TestReader_twoRecords(t *testing.T) {
	xmlDoc := `<?xml version="1.0"?>
<artists>
  <artist><id>1</id><name>A</name></artist>
  <artist><id>2</id><name>B</name></artist>
</artists>`
	r, err := Open(gzipBytes(t, xmlDoc), "artist")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	el1, err := r.Next()
	if err != nil {
		t.Fatalf("Next 1: %v", err)
	}
	if el1.Name != "artist" {
		t.Errorf("el1.Name = %q", el1.Name)
	}
	if len(el1.Children) != 2 {
		t.Fatalf("el1.Children = %d, want 2", len(el1.Children))
	}
	if el1.Children[0].Name != "id" || el1.Children[0].Text != "1" {
		t.Errorf("el1.Children[0] = %+v", el1.Children[0])
	}

	el2, err := r.Next()
	if err != nil {
		t.Fatalf("Next 2: %v", err)
	}
	if el2.Children[0].Text != "2" {
		t.Errorf("el2 id = %q", el2.Children[0].Text)
	}

	_, err = r.Next()
	if err != io.EOF {
		t.Fatalf("Next 3 = %v, want io.EOF", err)
	}
}

func TestReader_zeroRecords(t *testing.T) {
	r, err := Open(gzipBytes(t, `<artists></artists>`), "artist")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	_, err = r.Next()
	if err != io.EOF {
		t.Fatalf("Next = %v, want io.EOF", err)
	}
}

func TestReader_emptyElementYieldsEmptyChildren(t *testing.T) {
	r, err := Open(gzipBytes(t, `<artists><artist></artist></artists>`), "artist")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	el, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if len(el.Children) != 0 {
		t.Errorf("expected no children, got %d", len(el.Children))
	}
}

func TestReader_malformed(t *testing.T) {
	r, err := Open(gzipBytes(t, `<artists><artist><id>1</id></artist`), "artist")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	_, err = r.Next()
	if err == nil {
		t.Fatal("expected parse error for truncated document")
	}
	var perr *XMLParseError
	if !asXMLParseError(err, &perr) {
		t.Fatalf("expected *XMLParseError, got %T: %v", err, err)
	}
}

func asXMLParseError(err error, target **XMLParseError) bool {
	if pe, ok := err.(*XMLParseError); ok {
		*target = pe
		return true
	}
	return false
}

func TestReader_attributesAndRepeatedSiblings(t *testing.T) {
	xmlDoc := `<artists><artist id="x"><alias>A</alias><alias>B</alias></artist></artists>`
	r, err := Open(gzipBytes(t, xmlDoc), "artist")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	el, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if el.Attrs["id"] != "x" {
		t.Errorf("attrs[id] = %q", el.Attrs["id"])
	}
	if len(el.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(el.Children))
	}
}
