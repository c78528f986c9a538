// Package store provides the named blob stores backing uploads and
// proxied artifacts.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ecency/imagehoster/internal/config"
)

// ErrNotFound indicates the key is not present in the store.
var ErrNotFound = errors.New("blob not found")

// Store is the contract shared by the upload and proxy stores.
// Concurrent writers for the same key are permitted; last writer wins.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	ReadAll(ctx context.Context, key string) ([]byte, error)
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)
	Write(ctx context.Context, key string, data []byte) error
	Remove(ctx context.Context, key string) error
}

// New creates a store from configuration.
func New(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch cfg.Type {
	case "fs", "":
		return NewFS(cfg.Path, logger)
	case "s3":
		return NewS3(ctx, cfg, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// validateKey rejects keys that could escape the store namespace.
// Store keys are base58 strings plus the D/U prefix and the image-key
// suffix characters, so anything path-like is a caller bug.
func validateKey(key string) error {
	if key == "" {
		return errors.New("empty key")
	}
	if strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
