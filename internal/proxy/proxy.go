// Package proxy is the transform cache: it maps (original key,
// transform options) to stored artifacts, fetching and transcoding on
// miss.
package proxy

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/sync/singleflight"

	"github.com/ecency/imagehoster/internal/apierr"
	"github.com/ecency/imagehoster/internal/cdn"
	"github.com/ecency/imagehoster/internal/imagekey"
	"github.com/ecency/imagehoster/internal/pipeline"
	"github.com/ecency/imagehoster/internal/store"
	"github.com/ecency/imagehoster/internal/upstream"
)

// Cache-Control values per response source.
const (
	CacheControlHit    = "public,max-age=31536000,immutable"
	CacheControlMiss   = "public,max-age=3600,stale-while-revalidate=86400"
	CacheControlShort  = "public,max-age=600"
	CacheControlBypass = "no-cache,must-revalidate"
)

// Request is a resolved proxy request.
type Request struct {
	// URL is the canonicalized target.
	URL *url.URL
	// URLParams is the original base58 token, handed to mirrors that
	// run the same software.
	URLParams string
	Opts      imagekey.TransformOptions
	// DefaultURL is served when the mirror ladder is exhausted.
	DefaultURL string

	IgnoreCache bool
	Invalidate  bool
	Refetch     bool
	// ShortTTL forces the short cache policy regardless of source,
	// e.g. for blacklisted URLs answered with the default image.
	ShortTTL bool
}

// bypass reports whether caches must be skipped for this request.
func (r Request) bypass() bool {
	return r.IgnoreCache || r.Invalidate || r.Refetch
}

// Result is the bytes to serve plus their response metadata.
type Result struct {
	Bytes        []byte
	ContentType  string
	CacheControl string
	ETag         string
	ImageKey     string
	IsFallback   bool
}

// Fetcher walks the mirror ladder for original bytes.
type Fetcher interface {
	Fetch(ctx context.Context, urlString, urlParams, defaultURL string, opts upstream.Options) (*upstream.Result, error)
}

// Service implements the proxy pipeline over the two stores.
type Service struct {
	origStore    store.Store
	proxyStore   store.Store
	fetcher      Fetcher
	pipe         *pipeline.Pipeline
	purger       cdn.Purger
	maxImageSize int64
	logger       *slog.Logger

	// group coalesces concurrent misses for the same image key; the
	// stores are write-idempotent so this is purely an efficiency
	// measure.
	group singleflight.Group
}

// New creates the proxy service.
func New(origStore, proxyStore store.Store, fetcher Fetcher, pipe *pipeline.Pipeline,
	purger cdn.Purger, maxImageSize int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if purger == nil {
		purger = cdn.Noop{}
	}
	return &Service{
		origStore:    origStore,
		proxyStore:   proxyStore,
		fetcher:      fetcher,
		pipe:         pipe,
		purger:       purger,
		maxImageSize: maxImageSize,
		logger:       logger,
	}
}

// Keys derives the original and image keys for a request. The cache
// query parameters never affect the keys.
func Keys(req Request) (origKey, imgKey string) {
	stripped := imagekey.StripCacheParams(req.URL)
	origKey = imagekey.ForURL(stripped)
	return origKey, imagekey.ImageKey(origKey, req.Opts)
}

// ETag derives the weak validator for an image key.
func ETag(imgKey string) string {
	return fmt.Sprintf(`W/"%x"`, sha1.Sum([]byte(imgKey)))
}

// Get resolves the request to response bytes, consulting the proxy
// store, then the original store, then the mirror ladder.
func (s *Service) Get(ctx context.Context, req Request) (*Result, error) {
	origKey, imgKey := Keys(req)

	if req.Refetch {
		s.evict(ctx, imgKey, origKey)
		s.purge(ctx, req)
	} else if req.Invalidate {
		s.purge(ctx, req)
	}

	if !req.bypass() {
		if res := s.fromProxyStore(ctx, imgKey); res != nil {
			res.CacheControl = CacheControlHit
			if req.ShortTTL {
				res.CacheControl = CacheControlShort
			}
			return res, nil
		}

		// Coalesce concurrent misses for the same artifact.
		v, err, _ := s.group.Do(imgKey, func() (any, error) {
			return s.build(ctx, req, origKey, imgKey)
		})
		if err != nil {
			return nil, err
		}
		res := v.(*Result)
		res.CacheControl = CacheControlMiss
		if res.IsFallback || req.ShortTTL {
			res.CacheControl = CacheControlShort
		}
		return res, nil
	}

	res, err := s.build(ctx, req, origKey, imgKey)
	if err != nil {
		return nil, err
	}
	res.CacheControl = CacheControlBypass
	return res, nil
}

// fromProxyStore serves a stored artifact. Store errors and corrupt
// artifacts degrade to a miss; corrupt artifacts are evicted so the
// miss path rebuilds them.
func (s *Service) fromProxyStore(ctx context.Context, imgKey string) *Result {
	ok, err := s.proxyStore.Exists(ctx, imgKey)
	if err != nil {
		s.logger.Warn("proxy store exists failed", "key", imgKey, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	data, err := s.proxyStore.ReadAll(ctx, imgKey)
	if err != nil {
		s.logger.Warn("proxy store read failed, evicting", "key", imgKey, "error", err)
		if removeErr := s.proxyStore.Remove(ctx, imgKey); removeErr != nil {
			s.logger.Warn("evict failed", "key", imgKey, "error", removeErr)
		}
		return nil
	}

	s.logger.Debug("proxy cache hit", "key", imgKey)
	return &Result{
		Bytes:       data,
		ContentType: pipeline.Sniff(data),
		ETag:        ETag(imgKey),
		ImageKey:    imgKey,
	}
}

// build produces the artifact from the original store or the mirror
// ladder and writes both layers back. Store writes are non-fatal; the
// next request recomputes.
func (s *Service) build(ctx context.Context, req Request, origKey, imgKey string) (*Result, error) {
	src, srcFallback, err := s.original(ctx, req, origKey)
	if err != nil {
		return nil, err
	}

	out, err := s.pipe.Process(ctx, pipeline.Source{
		Bytes:      src,
		URL:        req.URL.String(),
		URLParams:  req.URLParams,
		DefaultURL: req.DefaultURL,
	}, req.Opts)
	if err != nil {
		return nil, err
	}
	isFallback := srcFallback || out.IsFallback

	if !isFallback {
		if writeErr := s.proxyStore.Write(ctx, imgKey, out.Bytes); writeErr != nil {
			s.logger.Warn("proxy store write failed", "key", imgKey, "error", writeErr)
		}
	}

	return &Result{
		Bytes:       out.Bytes,
		ContentType: out.ContentType,
		ETag:        ETag(imgKey),
		ImageKey:    imgKey,
		IsFallback:  isFallback,
	}, nil
}

// original returns the source bytes for the request, from the original
// store when present and valid, otherwise from the mirror ladder
// (writing through on success).
func (s *Service) original(ctx context.Context, req Request, origKey string) (data []byte, isFallback bool, err error) {
	if !req.bypass() {
		if cached := s.fromOrigStore(ctx, origKey); cached != nil {
			return cached, false, nil
		}
	}

	res, err := s.fetcher.Fetch(ctx, req.URL.String(), req.URLParams, req.DefaultURL, upstream.Options{})
	if err != nil {
		return nil, false, apierr.Wrap(apierr.InvalidImage, "fetch original", err)
	}

	if !res.IsFallback && int64(len(res.Bytes)) <= s.maxImageSize {
		if writeErr := s.origStore.Write(ctx, origKey, res.Bytes); writeErr != nil {
			s.logger.Warn("original store write failed", "key", origKey, "error", writeErr)
		}
	}
	return res.Bytes, res.IsFallback, nil
}

// fromOrigStore reads a cached original, evicting it when its content
// type falls outside the accepted set.
func (s *Service) fromOrigStore(ctx context.Context, origKey string) []byte {
	ok, err := s.origStore.Exists(ctx, origKey)
	if err != nil {
		s.logger.Warn("original store exists failed", "key", origKey, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	data, err := s.origStore.ReadAll(ctx, origKey)
	if err != nil {
		s.logger.Warn("original store read failed", "key", origKey, "error", err)
		return nil
	}

	if !pipeline.IsAccepted(pipeline.Sniff(data)) {
		s.logger.Warn("cached original has unaccepted content type, evicting", "key", origKey)
		if removeErr := s.origStore.Remove(ctx, origKey); removeErr != nil {
			s.logger.Warn("evict failed", "key", origKey, "error", removeErr)
		}
		return nil
	}
	return data
}

// evict removes both cache layers for a refetch.
func (s *Service) evict(ctx context.Context, imgKey, origKey string) {
	if err := s.proxyStore.Remove(ctx, imgKey); err != nil {
		s.logger.Warn("remove artifact failed", "key", imgKey, "error", err)
	}
	if err := s.origStore.Remove(ctx, origKey); err != nil {
		s.logger.Warn("remove original failed", "key", origKey, "error", err)
	}
}

// purge asks the CDN to drop its copy; failures only log.
func (s *Service) purge(ctx context.Context, req Request) {
	if err := s.purger.Purge(ctx, req.URL.String()); err != nil {
		s.logger.Warn("cdn purge failed", "url", req.URL.String(), "error", err)
	}
}
