// Package blacklist maintains the image and account deny sets.
//
// The predicate unions a static seed file with periodically refreshed
// remote sets. Refresh swaps an immutable snapshot, so readers never
// block and never observe a torn set.
package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ecency/imagehoster/internal/config"
)

// maxFailCount is the number of consecutive refresh failures before
// the refresher backs off to three refresh intervals.
const maxFailCount = 5

// File is the on-disk seed format.
type File struct {
	Images   []string `json:"images"`
	Accounts []string `json:"accounts"`
}

type snapshot struct {
	images   map[string]struct{}
	accounts map[string]struct{}
}

// Blacklist answers membership queries over the current snapshot.
type Blacklist struct {
	imagesURL   string
	accountsURL string
	ttl         time.Duration
	client      *retryablehttp.Client
	logger      *slog.Logger

	seed    snapshot
	current atomic.Pointer[snapshot]

	failCount int
}

// New builds a blacklist from configuration, loading the seed file if
// one is configured.
func New(cfg config.BlacklistConfig, logger *slog.Logger) (*Blacklist, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	b := &Blacklist{
		imagesURL:   cfg.ImagesURL,
		accountsURL: cfg.AccountsURL,
		ttl:         cfg.CacheTTL,
		client:      client,
		logger:      logger,
		seed: snapshot{
			images:   make(map[string]struct{}),
			accounts: make(map[string]struct{}),
		},
	}
	if b.ttl <= 0 {
		b.ttl = 5 * time.Minute
	}

	if cfg.SeedFile != "" {
		if err := b.loadSeed(cfg.SeedFile); err != nil {
			return nil, err
		}
	}

	initial := b.seed
	b.current.Store(&initial)
	return b, nil
}

func (b *Blacklist) loadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read blacklist seed: %w", err)
	}
	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse blacklist seed: %w", err)
	}
	for _, img := range file.Images {
		b.seed.images[img] = struct{}{}
	}
	for _, name := range file.Accounts {
		b.seed.accounts[name] = struct{}{}
	}
	b.logger.Debug("loaded blacklist seed",
		"images", len(b.seed.images), "accounts", len(b.seed.accounts))
	return nil
}

// ContainsImage reports whether the URL is blacklisted.
func (b *Blacklist) ContainsImage(url string) bool {
	snap := b.current.Load()
	_, ok := snap.images[url]
	return ok
}

// ContainsAccount reports whether the account name is blacklisted.
func (b *Blacklist) ContainsAccount(name string) bool {
	snap := b.current.Load()
	_, ok := snap.accounts[name]
	return ok
}

// Start launches the background refresher. It returns immediately; the
// refresher stops when ctx is canceled.
func (b *Blacklist) Start(ctx context.Context) {
	if b.imagesURL == "" && b.accountsURL == "" {
		return
	}
	go b.run(ctx)
}

func (b *Blacklist) run(ctx context.Context) {
	// Refresh once up front so the remote sets apply before the first
	// tick, then settle into the interval.
	b.refresh(ctx)
	for {
		interval := b.ttl
		if b.failCount >= maxFailCount {
			interval = 3 * b.ttl
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			b.refresh(ctx)
		}
	}
}

// refresh fetches the remote sets and swaps in a new snapshot. On any
// failure the previous snapshot stays in place.
func (b *Blacklist) refresh(ctx context.Context) {
	images, err := b.fetchSet(ctx, b.imagesURL)
	if err != nil {
		b.failCount++
		b.logger.Warn("blacklist image refresh failed", "error", err, "failures", b.failCount)
		return
	}
	accounts, err := b.fetchSet(ctx, b.accountsURL)
	if err != nil {
		b.failCount++
		b.logger.Warn("blacklist account refresh failed", "error", err, "failures", b.failCount)
		return
	}
	b.failCount = 0

	next := snapshot{
		images:   make(map[string]struct{}, len(b.seed.images)+len(images)),
		accounts: make(map[string]struct{}, len(b.seed.accounts)+len(accounts)),
	}
	for img := range b.seed.images {
		next.images[img] = struct{}{}
	}
	for _, img := range images {
		next.images[img] = struct{}{}
	}
	for name := range b.seed.accounts {
		next.accounts[name] = struct{}{}
	}
	for _, name := range accounts {
		next.accounts[name] = struct{}{}
	}
	b.current.Store(&next)
	b.logger.Debug("refreshed blacklist",
		"images", len(next.images), "accounts", len(next.accounts))
}

// fetchSet retrieves a remote deny list. The body may be a JSON string
// array or newline-separated entries.
func (b *Blacklist) fetchSet(ctx context.Context, url string) ([]string, error) {
	if url == "" {
		return nil, nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return parseSet(body), nil
}

func parseSet(body []byte) []string {
	var entries []string
	if err := json.Unmarshal(body, &entries); err == nil {
		return entries
	}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			entries = append(entries, line)
		}
	}
	return entries
}
