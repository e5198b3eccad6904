// Package downloader fetches dump files over HTTPS with resumable,
// checksum-verified semantics, reporting progress into the State Marker.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/discogsography/extractor/internal/httpclient"
	"github.com/discogsography/extractor/internal/metrics"
	"github.com/discogsography/extractor/internal/statemarker"
)

// maxConcurrentFiles bounds how many of a version's files are in flight at
// once. Each file fetch still passes through httpclient.GlobalHostSem, so
// this mainly controls how many temp files and goroutines the Downloader
// keeps alive simultaneously.
const maxConcurrentFiles = 3

// TransientFetchError wraps an HTTP-level failure. Retry-eligible with
// capped exponential backoff up to MaxAttempts.
type TransientFetchError struct {
	File string
	Err  error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("downloader: transient fetch error for %s: %v", e.File, e.Err)
}
func (e *TransientFetchError) Unwrap() error { return e.Err }

// ChecksumMismatch reports that a completed download's content hash does
// not match the version's checksum manifest.
type ChecksumMismatch struct {
	File     string
	Expected string
	Got      string
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("downloader: checksum mismatch for %s: expected %s, got %s", e.File, e.Expected, e.Got)
}

const (
	// MaxAttempts bounds the retry loop for a single file's download.
	MaxAttempts = 5
	// IdleReadTimeout triggers a reconnect if no bytes arrive for this long.
	IdleReadTimeout = 60 * time.Second
)

// Downloader acquires one version's files into a local directory.
type Downloader struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// New returns a Downloader rooted at the same base URL as the Source
// Catalog. limiter paces requests per-host, layered underneath
// httpclient.GlobalHostSem's concurrency cap.
func New(baseURL string) *Downloader {
	return &Downloader{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpclient.ForStreaming(),
		limiter: rate.NewLimiter(rate.Limit(4), 4),
	}
}

// Manifest maps filename to its expected lowercase-hex SHA-256, parsed from
// the version's CHECKSUM.txt.
type Manifest map[string]string

// ParseManifest parses the plain-text "<hex-hash>  <filename>" lines of a
// CHECKSUM.txt body.
func ParseManifest(r io.Reader) (Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m := Manifest{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		m[fields[1]] = strings.ToLower(fields[0])
	}
	return m, nil
}

// Acquire downloads every file in files for version into dataRoot, skipping
// any file whose on-disk content already matches manifest, verifying
// checksums on every freshly completed download, and reporting progress
// into state before and after each file.
func (d *Downloader) Acquire(ctx context.Context, version string, files []string, manifest Manifest, dataRoot string, state *statemarker.State) error {
	state.StartDownload(len(files))
	if err := state.Save(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFiles)
	for _, filename := range files {
		if strings.HasSuffix(filename, "CHECKSUM.txt") {
			continue
		}
		filename := filename
		g.Go(func() error {
			if err := d.acquireOne(gctx, version, filename, manifest, dataRoot, state); err != nil {
				state.FailFileDownload(filename, err.Error())
				_ = state.Save()
				return err
			}
			_ = state.Save()
			return nil
		})
	}
	firstErr := g.Wait()

	state.CompleteDownload()
	if err := state.Save(); err != nil {
		return err
	}
	return firstErr
}

func (d *Downloader) acquireOne(ctx context.Context, version, filename string, manifest Manifest, dataRoot string, state *statemarker.State) error {
	localPath := filepath.Join(dataRoot, filename)
	expected := manifest[filename]

	if existing, err := checksumOf(localPath); err == nil && expected != "" && existing == expected {
		info, _ := os.Stat(localPath)
		var size int64
		if info != nil {
			size = info.Size()
		}
		state.StartFileDownload(filename)
		state.FileDownloaded(filename, size)
		return nil
	}

	state.StartFileDownload(filename)

	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		bytes, err := d.downloadOnce(ctx, filename, localPath)
		if err != nil {
			lastErr = &TransientFetchError{File: filename, Err: err}
			continue
		}
		sum, err := checksumOf(localPath)
		if err != nil {
			lastErr = err
			continue
		}
		if expected != "" && sum != expected {
			os.Remove(localPath)
			if attempt == 0 {
				lastErr = &ChecksumMismatch{File: filename, Expected: expected, Got: sum}
				continue
			}
			return &ChecksumMismatch{File: filename, Expected: expected, Got: sum}
		}
		state.FileDownloaded(filename, bytes)
		metrics.BytesDownloaded.WithLabelValues(version).Add(float64(bytes))
		return nil
	}
	return lastErr
}

// downloadOnce streams the download-proxy URL for filename directly to
// localPath, never buffering the whole body in memory.
func (d *Downloader) downloadOnce(ctx context.Context, filename, localPath string) (int64, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	downloadURL := d.proxyURL(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, err
	}
	release := httpclient.GlobalHostSem.Acquire(downloadURL)
	resp, err := d.client.Do(req)
	release()
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, filename)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*.tmp")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, idleTimeoutReader{r: resp.Body, timeout: IdleReadTimeout})
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if copyErr != nil {
			return 0, copyErr
		}
		return 0, closeErr
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

// proxyURL builds the public download-proxy endpoint URL for filename,
// URL-encoding the object key. The object key is prefixed by the version's
// year, derived from the embedded YYYYMMDD token in "discogs_<version>_*".
func (d *Downloader) proxyURL(filename string) string {
	year := yearOf(filename)
	key := "data/" + year + "/" + filename
	return d.baseURL + "/?download=" + url.QueryEscape(key)
}

// yearOf extracts the 4-digit year from a "discogs_<YYYYMMDD>_*" filename,
// falling back to an empty prefix if the name doesn't match the expected shape.
func yearOf(filename string) string {
	const prefix = "discogs_"
	if !strings.HasPrefix(filename, prefix) {
		return ""
	}
	rest := filename[len(prefix):]
	if len(rest) < 4 {
		return ""
	}
	return rest[:4]
}

func checksumOf(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func backoff(attempt int) time.Duration {
	base := time.Second * time.Duration(1<<uint(attempt))
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	return base
}

// idleTimeoutReader wraps an io.Reader, returning an error if a single Read
// call blocks longer than timeout waiting for data.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
}

func (r idleTimeoutReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(r.timeout):
		return 0, fmt.Errorf("idle read timeout after %s", r.timeout)
	}
}
