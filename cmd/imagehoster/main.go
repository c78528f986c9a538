// Command imagehoster runs the image hosting and proxy service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ecency/imagehoster/internal/blacklist"
	"github.com/ecency/imagehoster/internal/cdn"
	"github.com/ecency/imagehoster/internal/config"
	"github.com/ecency/imagehoster/internal/hive"
	"github.com/ecency/imagehoster/internal/pipeline"
	"github.com/ecency/imagehoster/internal/proxy"
	"github.com/ecency/imagehoster/internal/ratelimit"
	"github.com/ecency/imagehoster/internal/server"
	"github.com/ecency/imagehoster/internal/signature"
	"github.com/ecency/imagehoster/internal/store"
	"github.com/ecency/imagehoster/internal/upstream"
)

// Build information set via ldflags.
var (
	version = "dev"
	date    = "unknown"
)

// Global flags.
var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "imagehoster",
	Short: "Image hosting and on-the-fly transformation proxy",
	Long: `Imagehoster accepts signed image uploads from chain accounts,
addresses them by content hash, and proxies third-party image URLs with
on-demand resizing and transcoding.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.Version = version
}

func main() {
	ctx, cancel := signalContext()
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := newLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.NumWorkers > 0 {
		runtime.GOMAXPROCS(cfg.NumWorkers)
	}

	uploads, err := store.New(ctx, cfg.UploadStore, logger)
	if err != nil {
		return fmt.Errorf("create upload store: %w", err)
	}
	proxied, err := store.New(ctx, cfg.ProxyStore.StoreConfig, logger)
	if err != nil {
		return fmt.Errorf("create proxy store: %w", err)
	}

	denylist, err := blacklist.New(cfg.Blacklist, logger)
	if err != nil {
		return err
	}
	denylist.Start(ctx)

	fetcher := upstream.New("imagehoster/"+version, cfg.MaxImageSize, logger)
	pipe := pipeline.New(pipeline.Limits{
		MaxWidth:        cfg.ProxyStore.MaxImageWidth,
		MaxHeight:       cfg.ProxyStore.MaxImageHeight,
		MaxCustomWidth:  cfg.ProxyStore.MaxCustomImageWidth,
		MaxCustomHeight: cfg.ProxyStore.MaxCustomImageHeight,
	}, fetcher, logger)

	purger := cdn.New(cfg.Cloudflare, logger)
	// Proxied originals and transformed artifacts share the proxy
	// store; artifact keys append a transform suffix to the original's
	// key, so the two never collide.
	proxySvc := proxy.New(proxied, proxied, fetcher, pipe, purger, cfg.MaxImageSize, logger)

	chain := hive.NewClient(cfg.RPCNode, logger)
	verifier, err := signature.NewVerifier(cfg.UploadLimits.AppAccount, cfg.UploadLimits.AppPostingWif)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(cfg.Redis, cfg.UploadLimits, logger)

	srv := server.New(cfg, uploads, proxySvc, fetcher, chain, verifier,
		limiter, denylist, version, date, logger)

	logger.Info("starting imagehoster", "port", cfg.Port, "version", version)
	return srv.Start(ctx)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// signalContext returns a context that is canceled on SIGINT or
// SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
