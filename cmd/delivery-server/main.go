// Command delivery-server serves stored media across tiered storage backends
// with a bounded local cache, per-tier retention, and periodic cleanup.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/videobot/delivery"
	"github.com/videobot/delivery/backend"
	"github.com/videobot/delivery/cache"
	"github.com/videobot/delivery/engine"
	"github.com/videobot/delivery/policy"
	"github.com/videobot/delivery/reaper"
	"github.com/videobot/delivery/router"
	"github.com/videobot/delivery/server"
	"github.com/videobot/delivery/telemetry"
)

type s3Flags struct {
	Bucket    string `help:"Bucket name. Empty disables this backend."`
	Region    string `help:"Provider region."`
	Endpoint  string `help:"Provider endpoint URL. Empty means AWS."`
	AccessKey string `help:"Static access key."`
	SecretKey string `help:"Static secret key."`
	PathStyle bool   `help:"Use path-style addressing (MinIO)."`
	CDNDomain string `help:"CDN domain for public URLs."`
	Public    bool   `help:"Bucket is world-readable."`
}

type cli struct {
	Listen    string `help:"Address to listen on." default:":8080"`
	PublicURL string `help:"External base URL for locally stored files (e.g. https://cdn.example.com/api/v1/files)."`

	DataDir   string `help:"Local storage directory." default:"./data" type:"path"`
	CacheDir  string `help:"Cache staging directory." default:"./cache" type:"path"`
	TempDir   string `help:"Scratch directory swept by the reaper." default:"./tmp" type:"path"`
	IndexPath string `help:"Path to the cache index database." default:"./cache-index.db" type:"path"`

	MaxFileSize    int64 `help:"Reject uploads larger than this many bytes (0 = no limit)." default:"2147483648"`
	MaxCachedBytes int64 `help:"Objects larger than this bypass the cache (0 = cache everything)." default:"1073741824"`

	CacheTTL      time.Duration `help:"Evict cache entries not accessed in this long (0 = no TTL)." default:"168h"`
	CacheMaxBytes int64         `help:"Maximum cache size in bytes (0 = no limit)." default:"10737418240"`

	ReaperInterval     time.Duration `help:"How often the reaper runs." default:"1h"`
	ReaperStartupDelay time.Duration `help:"Delay before the first reaper run." default:"5m"`
	TempMaxAge         time.Duration `help:"Delete scratch files older than this." default:"1h"`

	RetentionFreeHours    uint `help:"Retention for free tier uploads in hours." default:"24"`
	RetentionTrialHours   uint `help:"Retention for trial tier uploads in hours." default:"24"`
	RetentionPremiumHours uint `help:"Retention for premium tier uploads in hours." default:"168"`
	RetentionAdminHours   uint `help:"Retention for admin tier uploads in hours." default:"720"`

	Primary s3Flags `embed:"" prefix:"primary-" help:"Primary remote backend."`
	Backup  s3Flags `embed:"" prefix:"backup-" help:"Backup remote backend."`

	JWTSecret string `help:"HMAC secret for caller tokens. Empty disables authentication." env:"JWT_SECRET"`
	RateLimit bool   `help:"Enable per-tier rate limiting." default:"true" negatable:""`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export. Empty disables OTLP."`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("delivery-server"),
		kong.Description("Tiered storage delivery server."),
		kong.UsageOnError(),
	)

	if err := run(&flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags *cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "delivery-server",
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	pol := policy.NewPolicy(map[delivery.Tier]uint{
		delivery.TierFree:    flags.RetentionFreeHours,
		delivery.TierTrial:   flags.RetentionTrialHours,
		delivery.TierPremium: flags.RetentionPremiumHours,
		delivery.TierAdmin:   flags.RetentionAdminHours,
	})

	local, err := backend.NewLocal(backend.LocalConfig{
		Root:        flags.DataDir,
		URLPrefix:   flags.PublicURL,
		MaxFileSize: flags.MaxFileSize,
	})
	if err != nil {
		return fmt.Errorf("creating local backend: %w", err)
	}

	primary, err := buildS3(ctx, "primary", flags.Primary, flags.MaxFileSize)
	if err != nil {
		return err
	}
	backup, err := buildS3(ctx, "backup", flags.Backup, flags.MaxFileSize)
	if err != nil {
		return err
	}

	rt, err := router.New(router.Config{
		Primary: primary,
		Backup:  backup,
		Local:   backend.NewInstrumented(local),
		Policy:  pol,
		Logger:  logger.With("component", "router"),
	})
	if err != nil {
		return fmt.Errorf("creating storage router: %w", err)
	}
	if err := rt.Connect(ctx); err != nil {
		return fmt.Errorf("connecting backends: %w", err)
	}

	index := cache.NewIndex(cache.WithLogger(logger.With("component", "cache")))
	if err := index.Open(flags.IndexPath); err != nil {
		return fmt.Errorf("opening cache index: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Router:         rt,
		Index:          index,
		Dir:            flags.CacheDir,
		MaxObjectBytes: flags.MaxCachedBytes,
		Policy:         pol,
		Logger:         logger.With("component", "engine"),
	})
	if err != nil {
		return fmt.Errorf("creating delivery engine: %w", err)
	}

	mgr := reaper.New(rt, index, flags.CacheDir, reaper.Config{
		Interval:      flags.ReaperInterval,
		StartupDelay:  flags.ReaperStartupDelay,
		CacheTTL:      flags.CacheTTL,
		MaxCacheBytes: flags.CacheMaxBytes,
		TempDir:       flags.TempDir,
		TempMaxAge:    flags.TempMaxAge,
	}, pol, reaper.WithLogger(logger.With("component", "reaper")))
	mgr.Start(ctx)

	var resolver server.Resolver
	if flags.JWTSecret != "" {
		resolver = server.NewJWTResolver(flags.JWTSecret)
	} else {
		logger.Warn("no JWT secret configured, only public objects are readable")
	}

	var limiter server.RateLimiter
	if flags.RateLimit {
		limiter = server.NewFixedWindowLimiter()
	}

	srv, err := server.New(server.Config{
		Address:  flags.Listen,
		Engine:   eng,
		Router:   rt,
		Index:    index,
		Reaper:   mgr,
		Resolver: resolver,
		Limiter:  limiter,
		Logger:   logger.With("component", "server"),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"data_dir", flags.DataDir,
		"cache_dir", flags.CacheDir,
		"primary", backendName(primary),
		"backup", backendName(backup),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.Error("reaper shutdown failed", "error", err)
	}
	rt.Close()
	if err := index.Close(); err != nil {
		logger.Error("closing cache index failed", "error", err)
	}
	if shutdownMetrics != nil {
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", "error", err)
		}
	}
	return nil
}

// buildLogger creates the process logger: colorized tint output for text,
// slog JSON for structured collection.
func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// buildS3 creates an instrumented S3 backend from flags, or nil when no
// bucket is configured.
func buildS3(ctx context.Context, name string, flags s3Flags, maxFileSize int64) (backend.Backend, error) {
	if flags.Bucket == "" {
		return nil, nil
	}
	b, err := backend.NewS3(ctx, backend.S3Config{
		Name:         name,
		Bucket:       flags.Bucket,
		Region:       flags.Region,
		Endpoint:     flags.Endpoint,
		AccessKey:    flags.AccessKey,
		SecretKey:    flags.SecretKey,
		UsePathStyle: flags.PathStyle,
		CDNDomain:    flags.CDNDomain,
		PublicRead:   flags.Public,
		MaxFileSize:  maxFileSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", name, err)
	}
	return backend.NewInstrumented(b), nil
}

func backendName(b backend.Backend) string {
	if b == nil {
		return "none"
	}
	return b.Name()
}
