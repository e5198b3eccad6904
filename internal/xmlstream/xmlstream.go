// Package xmlstream incrementally decompresses and walks a Discogs dump
// file, yielding one record subtree at a time without materializing the
// whole document.
package xmlstream

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Element is a raw, unnormalized XML subtree: an element name, its
// attributes, any direct text content, and its direct children in document
// order. Normalizer turns this into a canonical Value.
type Element struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []Element
}

// XMLParseError reports a malformed document. Line and Column are the
// decoder's position in the decompressed XML when the error was detected.
type XMLParseError struct {
	Line    int
	Column  int
	Message string
}

func (e *XMLParseError) Error() string {
	return fmt.Sprintf("xml parse error at %d:%d: %s", e.Line, e.Column, e.Message)
}

// Reader lazily yields one Element per call to Next, one for each direct
// child of the document root whose name equals rootTag. It is not
// restartable: to re-read, open a new Reader from byte zero.
type Reader struct {
	dec     *xml.Decoder
	gz      *gzip.Reader
	rootTag string
	depth   int
	done    bool
}

// Open wraps r in a streaming gzip reader and returns a Reader
// that yields subtrees rooted at rootTag (the kind's singular element name).
// The caller owns closing the returned Reader.
func Open(r io.Reader, rootTag string) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("xmlstream: open gzip: %w", err)
	}
	dec := xml.NewDecoder(gz)
	return &Reader{dec: dec, gz: gz, rootTag: rootTag}, nil
}

// Close releases the underlying gzip reader.
func (r *Reader) Close() error {
	if r.gz == nil {
		return nil
	}
	return r.gz.Close()
}

// Next returns the next record subtree, or io.EOF when the stream is
// exhausted. Returns *XMLParseError on malformed input; previously returned
// elements remain valid.
func (r *Reader) Next() (Element, error) {
	if r.done {
		return Element{}, io.EOF
	}
	for {
		tok, err := r.dec.Token()
		if err == io.EOF {
			r.done = true
			return Element{}, io.EOF
		}
		if err != nil {
			line, col := tokenPos(r.dec)
			return Element{}, &XMLParseError{Line: line, Column: col, Message: err.Error()}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			r.depth++
			if r.depth == 2 && localName(t.Name) == r.rootTag {
				el, err := buildElement(r.dec, t)
				r.depth--
				if err != nil {
					line, col := tokenPos(r.dec)
					return Element{}, &XMLParseError{Line: line, Column: col, Message: err.Error()}
				}
				return el, nil
			}
		case xml.EndElement:
			r.depth--
		}
	}
}

// buildElement consumes decoder tokens from just after start until the
// matching end-element, materializing the subtree. Namespaces, processing
// instructions, and comments are ignored; repeated sibling names produce
// ordered lists at normalization time (xmlstream preserves document order in
// Children, letting Normalize group them).
func buildElement(dec *xml.Decoder, start xml.StartElement) (Element, error) {
	el := Element{Name: localName(start.Name)}
	if len(start.Attr) > 0 {
		el.Attrs = make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			el.Attrs[localName(a.Name)] = a.Value
		}
	}
	var textBuf strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return Element{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := buildElement(dec, t)
			if err != nil {
				return Element{}, err
			}
			el.Children = append(el.Children, child)
		case xml.EndElement:
			el.Text = normalizeWhitespace(textBuf.String())
			return el, nil
		case xml.CharData:
			textBuf.Write(t)
		// xml.Comment, xml.ProcInst, xml.Directive: ignored.
		default:
		}
	}
}

func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

func localName(n xml.Name) string {
	return n.Local
}

// tokenPos returns the decoder's current 1-based line and column, as
// reported by encoding/xml's Decoder.InputPos.
func tokenPos(dec *xml.Decoder) (line, col int) {
	return dec.InputPos()
}
