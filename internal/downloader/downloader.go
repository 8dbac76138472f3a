// Package downloader fetches a release asset to a local temp file with
// bounded exponential-backoff retry, leaving verification and promotion to
// later stages of the install pipeline.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// HTTPDoer allows tests to stub transport.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TempFile is a downloaded, not-yet-consumed asset. Callers must call
// either Keep (to take ownership of the path) or Cleanup (to discard it);
// Cleanup is also safe to call after Keep, as a no-op.
type TempFile struct {
	Path string
	Size int64

	kept bool
}

// Keep marks the temp file as consumed by the caller, who now owns
// removing it. Returns the path for convenience.
func (t *TempFile) Keep() string {
	t.kept = true
	return t.Path
}

// Cleanup removes the temp file unless Keep was already called.
func (t *TempFile) Cleanup() {
	if t.kept {
		return
	}
	os.Remove(t.Path)
}

// NetworkError wraps a transport-level failure that exhausted all retries.
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return fmt.Sprintf("download failed: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError is returned for a non-2xx response after retries (or
// immediately for non-retryable 4xx responses).
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// Options configures a Fetch call. Zero value is usable defaults.
type Options struct {
	Token      string
	MaxRetries uint64 // retries after the first attempt; 0 means the package default of 2 (3 attempts in all)
	Clock      backoff.Clock
}

const defaultMaxRetries = 2

// Fetch downloads url into a new temp file under outDir, retrying
// transient network and 5xx failures with exponential backoff. 4xx
// responses are treated as permanent and not retried.
func Fetch(ctx context.Context, doer HTTPDoer, url, outDir string, opts Options) (*TempFile, error) {
	if doer == nil {
		doer = &http.Client{Timeout: 5 * time.Minute}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	var result *TempFile
	attempt := func() error {
		tf, err := attemptFetch(ctx, doer, url, outDir, opts.Token)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = tf
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	if opts.Clock != nil {
		expBackoff.Clock = opts.Clock
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expBackoff, maxRetries), ctx)

	if err := backoff.Retry(attempt, bo); err != nil {
		// Retry hands back a Permanent error already unwrapped.
		if !isRetryable(err) {
			return nil, err
		}
		return nil, &NetworkError{Err: err}
	}
	return result, nil
}

func attemptFetch(ctx context.Context, doer HTTPDoer, url, outDir, token string) (*TempFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Accept", "application/octet-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := doer.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}

	f, err := os.CreateTemp(outDir, "asset-*.download")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	written, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, &NetworkError{Err: fmt.Errorf("copy response body: %w", err)}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("fsync downloaded file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close downloaded file: %w", err)
	}

	return &TempFile{Path: path, Size: written}, nil
}

func isRetryable(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
