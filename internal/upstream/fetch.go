// Package upstream fetches original images from their source URL or,
// failing that, from an ordered list of mirrors.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

// ErrAllFallbacksFailed indicates every mirror candidate and the
// default image failed.
var ErrAllFallbacksFailed = errors.New("all fallbacks failed")

// defaultTimeout is the per-candidate connect/response/read timeout.
const defaultTimeout = 10 * time.Second

// maxRedirects caps redirect chains per candidate.
const maxRedirects = 5

// Result is a successful fetch.
type Result struct {
	Bytes []byte
	// URL is the candidate that produced the bytes.
	URL string
	// IsFallback marks bytes sourced from the default image rather
	// than any mirror; fallback responses get a short cache TTL.
	IsFallback bool
}

// Options tune a single fetch.
type Options struct {
	Timeout time.Duration
	// SkipURLs removes candidates from the ladder, e.g. a source that
	// already produced undecodable bytes.
	SkipURLs []string
}

// Fetcher walks the mirror ladder for original images.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	logger    *slog.Logger

	// ladder builds the candidate list; swapped out in tests.
	ladder func(urlString, urlParams string) []string
}

// New creates a Fetcher. maxBytes bounds how much of a body is read;
// zero means no limit.
func New(userAgent string, maxBytes int64, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Fetcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: userAgent,
		maxBytes:  maxBytes,
		logger:    logger,
		ladder:    candidates,
	}
}

// candidates builds the ordered mirror ladder for a URL. urlParams is
// the original base58 token so same-software mirrors can resolve the
// exact request.
func candidates(urlString, urlParams string) []string {
	return []string{
		urlString,
		"https://images.hive.blog/0x0/" + urlString,
		"https://steemitimages.com/0x0/" + urlString,
		"https://wsrv.nl/?url=" + urlString,
		"https://img.leopedia.io/0x0/" + urlString,
		"https://images.hive.blog/p/" + urlParams,
		"https://steemitimages.com/p/" + urlParams,
	}
}

// Fetch tries each ladder candidate in order and returns the first
// 2xx non-empty body. When the ladder is exhausted it tries defaultURL
// once, tagging the result as fallback. Candidates run strictly
// sequentially to preserve mirror preference and avoid amplifying
// load.
func (f *Fetcher) Fetch(ctx context.Context, urlString, urlParams, defaultURL string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	for _, candidate := range f.ladder(urlString, urlParams) {
		if slices.Contains(opts.SkipURLs, candidate) {
			continue
		}
		body, err := f.get(ctx, candidate, timeout)
		if err != nil {
			f.logger.Debug("mirror attempt failed", "url", candidate, "error", err)
			continue
		}
		return &Result{Bytes: body, URL: candidate}, nil
	}

	if defaultURL != "" {
		body, err := f.get(ctx, defaultURL, timeout)
		if err == nil {
			f.logger.Debug("serving default image", "url", defaultURL)
			return &Result{Bytes: body, URL: defaultURL, IsFallback: true}, nil
		}
		f.logger.Debug("default image fetch failed", "url", defaultURL, "error", err)
	}

	return nil, ErrAllFallbacksFailed
}

// FetchURL issues a single GET outside the ladder, e.g. for the
// upload-store mirror probe.
func (f *Fetcher) FetchURL(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return f.get(ctx, url, timeout)
}

// get issues a single GET with the per-attempt timeout. Only 2xx with
// a non-empty body counts as success.
func (f *Fetcher) get(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	return body, nil
}
