// Package sourcecatalog enumerates Discogs dump versions available upstream
// by scraping the public-facing HTML index, since the upstream bucket
// permits GetObject on known keys but denies anonymous ListBucket.
package sourcecatalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/discogsography/extractor/internal/httpclient"
)

// TransientFetchError wraps a network-level failure fetching a catalog page.
// Retry-eligible.
type TransientFetchError struct {
	URL string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("sourcecatalog: transient fetch error for %s: %v", e.URL, e.Err)
}
func (e *TransientFetchError) Unwrap() error { return e.Err }

// CatalogShapeError reports that the index page no longer matches the
// expected layout. Fatal, operator-visible: retrying will not help.
type CatalogShapeError struct {
	Reason string
}

func (e *CatalogShapeError) Error() string {
	return "sourcecatalog: unexpected page layout: " + e.Reason
}

// Kind names, matching the wire package's routing keys, kept local to avoid
// an import cycle back into wire from this early pipeline stage.
var dataKinds = []string{"artists", "labels", "masters", "releases"}

// versionLinkPattern matches the download proxy links the index pages use:
// ...?download=data%2F<YYYY>%2Fdiscogs_<YYYYMMDD>_<kind>.xml.gz (or CHECKSUM.txt).
var versionLinkPattern = regexp.MustCompile(`download=data%2F(\d{4})%2F(discogs_(\d{8})_(\w+)\.xml\.gz|discogs_(\d{8})_CHECKSUM\.txt)`)

// yearLinkPattern matches a directory index entry for one year, e.g. "2026/".
var yearLinkPattern = regexp.MustCompile(`^(\d{4})/$`)

// Version is one discovered dump: its YYYYMMDD identifier and the full set
// of filenames belonging to it (four data files plus one checksum file).
type Version struct {
	ID    string
	Files []string
}

// Catalog scrapes the upstream index to enumerate available versions.
type Catalog struct {
	baseURL string
	client  *http.Client
}

// New returns a Catalog rooted at baseURL (e.g. the S3 bucket's public HTTPS
// endpoint).
func New(baseURL string) *Catalog {
	return &Catalog{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpclient.Default(),
	}
}

// ListVersions returns up to recentN versions, newest first. recentN of 0
// defaults to 2, matching spec.md's default.
func (c *Catalog) ListVersions(ctx context.Context, recentN int) ([]Version, error) {
	if recentN <= 0 {
		recentN = 2
	}
	years, err := c.listYears(ctx)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(years)))

	byVersion := map[string]map[string]bool{}
	var order []string
	for i, year := range years {
		if i >= 2 {
			break // only the two most recent year pages are fetched, per spec.md §4.1
		}
		links, err := c.fetchPageLinks(ctx, c.baseURL+"/index.html?prefix=data/"+year+"/")
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			m := versionLinkPattern.FindStringSubmatch(link)
			if m == nil {
				continue
			}
			var version, filename string
			if m[3] != "" {
				version = m[3]
				kind := m[4]
				filename = fmt.Sprintf("discogs_%s_%s.xml.gz", version, kind)
			} else {
				version = m[5]
				filename = fmt.Sprintf("discogs_%s_CHECKSUM.txt", version)
			}
			if byVersion[version] == nil {
				byVersion[version] = map[string]bool{}
				order = append(order, version)
			}
			byVersion[version][filename] = true
		}
	}

	var versions []Version
	for _, v := range order {
		files := byVersion[v]
		if !hasFullSet(v, files) {
			continue
		}
		names := make([]string, 0, len(files))
		for f := range files {
			names = append(names, f)
		}
		sort.Strings(names)
		versions = append(versions, Version{ID: v, Files: names})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID > versions[j].ID })
	if len(versions) > recentN {
		versions = versions[:recentN]
	}
	return versions, nil
}

// hasFullSet checks that version has all four data kinds plus the checksum
// file, per spec.md §4.1's "reject a version that lacks the full five-file
// set."
func hasFullSet(version string, files map[string]bool) bool {
	for _, kind := range dataKinds {
		if !files[fmt.Sprintf("discogs_%s_%s.xml.gz", version, kind)] {
			return false
		}
	}
	return files[fmt.Sprintf("discogs_%s_CHECKSUM.txt", version)]
}

// listYears fetches the root index page and extracts year directory names.
func (c *Catalog) listYears(ctx context.Context) ([]string, error) {
	links, err := c.fetchPageLinks(ctx, c.baseURL+"/index.html?prefix=data/")
	if err != nil {
		return nil, err
	}
	var years []string
	for _, link := range links {
		segment := lastPathSegment(link)
		if m := yearLinkPattern.FindStringSubmatch(segment); m != nil {
			years = append(years, m[1])
		}
	}
	if len(years) == 0 {
		return nil, &CatalogShapeError{Reason: "no year directories found on index page"}
	}
	return years, nil
}

// lastPathSegment returns the final "/"-delimited segment of link, keeping
// a trailing slash if present (directory-style links end in "/").
func lastPathSegment(link string) string {
	trimmed := strings.TrimSuffix(link, "/")
	idx := strings.LastIndex(trimmed, "/")
	segment := trimmed[idx+1:]
	if strings.HasSuffix(link, "/") {
		segment += "/"
	}
	return segment
}

// fetchPageLinks fetches url and returns every href attribute found in the
// document, in document order.
func (c *Catalog) fetchPageLinks(ctx context.Context, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpclient.DoWithRetry(ctx, c.client, req, httpclient.CatalogRetryPolicy)
	if err != nil {
		return nil, &TransientFetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransientFetchError{URL: url, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return extractLinks(resp.Body)
}

// extractLinks walks the HTML token stream for href attributes. Grounded on
// x/net/html's tokenizer, the standard way to parse untrusted HTML in Go
// without a full DOM.
func extractLinks(r io.Reader) ([]string, error) {
	var links []string
	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return links, nil
			}
			return nil, &CatalogShapeError{Reason: z.Err().Error()}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "a" {
				continue
			}
			for _, attr := range tok.Attr {
				if attr.Key == "href" {
					links = append(links, attr.Val)
				}
			}
		}
	}
}
