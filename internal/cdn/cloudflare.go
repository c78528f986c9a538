// Package cdn purges edge caches in front of the service.
package cdn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ecency/imagehoster/internal/config"
)

// Purger invalidates a URL at the CDN edge.
type Purger interface {
	Purge(ctx context.Context, url string) error
}

// Noop is used when no CDN is configured.
type Noop struct{}

// Purge does nothing.
func (Noop) Purge(context.Context, string) error { return nil }

// Cloudflare purges URLs through the Cloudflare zone API.
type Cloudflare struct {
	token  string
	zone   string
	client *http.Client
	logger *slog.Logger
}

// New returns a Cloudflare purger, or Noop when token/zone are unset.
func New(cfg config.CloudflareConfig, logger *slog.Logger) Purger {
	if cfg.Token == "" || cfg.Zone == "" {
		return Noop{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cloudflare{
		token:  cfg.Token,
		zone:   cfg.Zone,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// apiBase is swapped out in tests.
var apiBase = "https://api.cloudflare.com/client/v4"

// Purge removes a single URL from the zone cache.
func (c *Cloudflare) Purge(ctx context.Context, url string) error {
	payload, err := json.Marshal(map[string][]string{"files": {url}})
	if err != nil {
		return fmt.Errorf("marshal purge request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/zones/%s/purge_cache", apiBase, c.zone)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build purge request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("purge %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("purge %s: status %d", url, resp.StatusCode)
	}
	c.logger.Debug("purged cdn url", "url", url)
	return nil
}
