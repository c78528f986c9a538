// Package server exposes the HTTP surface: serve, proxy, avatar,
// cover, upload and the legacy redirects.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ecency/imagehoster/internal/apierr"
	"github.com/ecency/imagehoster/internal/config"
	"github.com/ecency/imagehoster/internal/hive"
	"github.com/ecency/imagehoster/internal/proxy"
	"github.com/ecency/imagehoster/internal/ratelimit"
	"github.com/ecency/imagehoster/internal/signature"
	"github.com/ecency/imagehoster/internal/store"
)

// Fetcher probes a single upstream URL; used by the upload-serve
// mirror path.
type Fetcher interface {
	FetchURL(ctx context.Context, url string, timeout time.Duration) ([]byte, error)
}

// ChainClient is the RPC surface the handlers consume.
type ChainClient interface {
	GetAccount(ctx context.Context, name string) (*hive.Account, error)
	GetProfile(ctx context.Context, name string) (*hive.Profile, error)
}

// Limiter checks the per-account upload quota.
type Limiter interface {
	Check(ctx context.Context, account string) ratelimit.Status
}

// Blacklist answers deny-set membership.
type Blacklist interface {
	ContainsImage(url string) bool
	ContainsAccount(name string) bool
}

// Server wires the handlers to their collaborators.
type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	uploads   store.Store
	proxySvc  *proxy.Service
	fetcher   Fetcher
	chain     ChainClient
	verifier  *signature.Verifier
	limiter   Limiter
	blacklist Blacklist
	logger    *slog.Logger

	version   string
	buildDate string
}

// New creates the Server and registers all routes.
func New(cfg *config.Config, uploads store.Store, proxySvc *proxy.Service, fetcher Fetcher,
	chain ChainClient, verifier *signature.Verifier, limiter Limiter, blacklist Blacklist,
	version, buildDate string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		cfg:       cfg,
		uploads:   uploads,
		proxySvc:  proxySvc,
		fetcher:   fetcher,
		chain:     chain,
		verifier:  verifier,
		limiter:   limiter,
		blacklist: blacklist,
		logger:    logger,
		version:   version,
		buildDate: buildDate,
	}

	e.HTTPErrorHandler = s.errorHandler
	e.Use(s.accessLog)
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/", s.health)
	e.GET("/healthcheck", s.health)
	e.GET("/.well-known/healthcheck.json", s.health)

	e.GET("/p/:url", s.proxyImage)
	e.GET("/u/:username/avatar", s.avatar)
	e.GET("/u/:username/avatar/:size", s.avatar)
	e.GET("/u/:username/cover", s.cover)

	e.POST("/hs/:token", s.uploadWithToken)
	e.POST("/:username/:signature", s.upload)

	e.GET("/webp/*", s.webpRedirect)

	// Catch-all: either a legacy WxH redirect or an upload-store
	// serve; the two shapes share the first path segment.
	e.GET("/:first", s.dispatch)
	e.GET("/:first/*", s.dispatch)
}

// Start runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(fmt.Sprintf(":%d", s.cfg.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// accessLog emits one slog line per request.
func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info("request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration", time.Since(start),
		)
		return nil
	}
}

// errorBody is the external error shape.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Name string         `json:"name"`
	Info map[string]any `json:"info,omitempty"`
}

// errorHandler renders the error taxonomy as JSON.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	kind := apierr.InternalError
	var info map[string]any

	var apiErr *apierr.Error
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &apiErr):
		kind = apiErr.Kind
		info = apiErr.Info
	case errors.As(err, &httpErr):
		switch httpErr.Code {
		case http.StatusNotFound:
			kind = apierr.NotFound
		case http.StatusMethodNotAllowed:
			kind = apierr.InvalidMethod
		case http.StatusBadRequest:
			kind = apierr.BadRequest
		}
	}

	if kind == apierr.InternalError {
		s.logger.Error("request failed", "path", c.Request().URL.Path, "error", err)
	}

	if jsonErr := c.JSON(kind.Status(), errorBody{Error: errorDetail{
		Name: kind.SnakeName(),
		Info: info,
	}}); jsonErr != nil {
		s.logger.Error("write error response", "error", jsonErr)
	}
}
