// Command ingestd accepts video uploads over HTTP and hands them to the
// configured vendor providers in queue order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"videoingest/internal/api"
	"videoingest/internal/broadcast"
	"videoingest/internal/catalog"
	"videoingest/internal/config"
	"videoingest/internal/ingest"
	"videoingest/internal/ledger"
	"videoingest/internal/observability/logging"
	"videoingest/internal/observability/metrics"
	"videoingest/internal/server"
	"videoingest/internal/serverutil"
	"videoingest/internal/upload"
	"videoingest/internal/upload/archive"
	"videoingest/internal/upload/vimeo"
	"videoingest/internal/upload/youtube"
)

const ledgerPruneInterval = time.Hour

func main() {
	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], nil); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("ingestd exited", "error", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	addr       string
	logLevel   string
	logFormat  string
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("ingestd", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file (defaults to $INGEST_CONFIG)")
	fs.StringVar(&opts.addr, "addr", "", "HTTP listen address")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&opts.logFormat, "log-format", "", "log format (json or text)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.configPath == "" {
		opts.configPath = strings.TrimSpace(os.Getenv("INGEST_CONFIG"))
	}
	return opts, nil
}

// loadConfig layers flags over the file and environment, then validates.
func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if v := strings.TrimSpace(opts.addr); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(opts.logLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(opts.logFormat); v != "" {
		cfg.Log.Format = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run serves until ctx is cancelled. ready, when set, receives the bound
// listener address.
func run(ctx context.Context, args []string, ready chan<- net.Addr) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if cfg.Queue.Workers > 1 {
		logger.Warn("multiple workers let jobs overlap; queue order no longer decides execution order", "workers", cfg.Queue.Workers)
	}

	resolver, err := buildProviders(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("vendor providers registered", "source_types", resolver.SourceTypes())

	redisClient, err := newRedisClientFor(cfg, logger)
	if err != nil {
		return err
	}
	events, err := buildBroadcaster(cfg, redisClient, logger)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return err
	}
	defer func() {
		if err := events.Close(); err != nil {
			logger.Warn("failed to close broadcaster", "error", err)
		}
	}()

	store, err := buildCatalog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close catalog", "error", err)
		}
	}()

	recorder := metrics.New()
	coordinatorCfg := ingest.CoordinatorConfig{
		Resolver:       resolver,
		Catalog:        store,
		Broadcaster:    events,
		Metrics:        recorder,
		Logger:         logger,
		QueueSize:      cfg.Queue.Size,
		Workers:        cfg.Queue.Workers,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
	}
	var jobLedger *ledger.Store
	if dir := strings.TrimSpace(cfg.Ledger.Dir); dir != "" {
		jobLedger, err = ledger.Open(dir)
		if err != nil {
			return fmt.Errorf("open job ledger: %w", err)
		}
		defer func() {
			if err := jobLedger.Close(); err != nil {
				logger.Warn("failed to close job ledger", "error", err)
			}
		}()
		coordinatorCfg.Ledger = jobLedger
	}

	coordinator, err := ingest.NewCoordinator(coordinatorCfg)
	if err != nil {
		return err
	}
	coordinator.Start()

	handler := api.NewHandler(coordinator, events, store)
	handler.Logger = logging.WithComponent(logger, "api")
	handler.TempDir = cfg.Server.TempDir
	handler.MaxUploadBytes = cfg.Server.MaxUploadBytes

	srv, err := server.New(handler, server.Config{
		Addr:              cfg.Server.Addr,
		TLS:               server.TLSConfig{CertFile: cfg.Server.TLSCertFile, KeyFile: cfg.Server.TLSKeyFile},
		CORS:              server.CORSConfig{AllowedOrigins: cfg.Server.AllowedOrigins},
		RateLimit:         rateLimitConfig(cfg, redisClient),
		Logger:            logger,
		Metrics:           recorder,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	})
	if err != nil {
		_ = coordinator.Shutdown(context.Background())
		return fmt.Errorf("configure http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tlsCfg := srv.TLS()
		return serverutil.Run(gctx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile},
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Ready:           ready,
			Logger:          logger,
		})
	})
	if jobLedger != nil {
		stopPruner := startLedgerPruneWorker(gctx, logger, jobLedger, cfg.Ledger.Retention, ledgerPruneInterval)
		defer stopPruner()
	}

	serveErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown incomplete", "error", err)
	}
	logger.Info("ingestd stopped")
	return serveErr
}

// buildProviders registers every vendor whose credentials are configured.
func buildProviders(cfg config.Config, logger *slog.Logger) (*upload.Resolver, error) {
	var providers []upload.Provider
	if cfg.Archive.Enabled() {
		archiveCfg := archive.Config{
			Endpoint:   cfg.Archive.Endpoint,
			AccessKey:  cfg.Archive.AccessKey,
			SecretKey:  cfg.Archive.SecretKey,
			Collection: cfg.Archive.Collection,
			MediaType:  cfg.Archive.MediaType,
			DetailsURL: cfg.Archive.DetailsURL,
			SizeHint:   cfg.Archive.SizeHint,
			Logger:     logging.WithComponent(logger, "archive"),
		}
		providers = append(providers, archive.NewFileProvider(archiveCfg), archive.NewLinkProvider(archiveCfg))
	}
	if cfg.Vimeo.Enabled() {
		vimeoCfg := vimeo.Config{
			APIBase:        cfg.Vimeo.APIBase,
			AccessToken:    cfg.Vimeo.AccessToken,
			ChunkSize:      cfg.Vimeo.ChunkSize,
			PollInterval:   cfg.Vimeo.PollInterval,
			PollAttempts:   cfg.Vimeo.PollAttempts,
			RequestTimeout: cfg.Vimeo.RequestTimeout,
			Logger:         logging.WithComponent(logger, "vimeo"),
		}
		providers = append(providers, vimeo.NewTusProvider(vimeoCfg), vimeo.NewPullProvider(vimeoCfg))
	}
	if cfg.YouTube.Enabled() {
		providers = append(providers, youtube.New(youtube.Config{
			ClientID:     cfg.YouTube.ClientID,
			ClientSecret: cfg.YouTube.ClientSecret,
			RefreshToken: cfg.YouTube.RefreshToken,
			TokenURL:     cfg.YouTube.TokenURL,
			Endpoint:     cfg.YouTube.Endpoint,
			ChunkSize:    cfg.YouTube.ChunkSize,
			CategoryID:   cfg.YouTube.CategoryID,
			Description:  cfg.YouTube.Description,
			PollInterval: cfg.YouTube.PollInterval,
			PollAttempts: cfg.YouTube.PollAttempts,
			Logger:       logging.WithComponent(logger, "youtube"),
		}))
	}
	if len(providers) == 0 {
		return nil, errors.New("no vendor provider is configured")
	}
	return upload.NewResolver(providers...)
}

func redisConfig(cfg config.Config, logger *slog.Logger) broadcast.RedisConfig {
	r := cfg.Broadcast.Redis
	return broadcast.RedisConfig{
		Addr:        r.Addr,
		Addrs:       r.Addrs,
		Username:    r.Username,
		Password:    r.Password,
		MasterName:  r.MasterName,
		Prefix:      r.Prefix,
		Buffer:      cfg.Broadcast.Buffer,
		Retention:   cfg.Broadcast.Retention,
		DialTimeout: r.DialTimeout,
		PoolSize:    r.PoolSize,
		TLS: broadcast.RedisTLSConfig{
			CAFile:     r.CAFile,
			CertFile:   r.CertFile,
			KeyFile:    r.KeyFile,
			ServerName: r.ServerName,
		},
		Logger: logging.WithComponent(logger, "broadcast"),
	}
}

// newRedisClientFor returns nil unless the broadcaster runs on redis.
func newRedisClientFor(cfg config.Config, logger *slog.Logger) (redis.UniversalClient, error) {
	if cfg.Broadcast.Driver != config.DriverRedis {
		return nil, nil
	}
	client, err := broadcast.NewRedisClient(redisConfig(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("configure redis: %w", err)
	}
	return client, nil
}

func buildBroadcaster(cfg config.Config, client redis.UniversalClient, logger *slog.Logger) (broadcast.Broadcaster, error) {
	switch cfg.Broadcast.Driver {
	case config.DriverRedis:
		return broadcast.NewRedisWithClient(client, redisConfig(cfg, logger))
	case "", config.DriverMemory:
		return broadcast.NewMemory(broadcast.MemoryConfig{
			Buffer:    cfg.Broadcast.Buffer,
			Retention: cfg.Broadcast.Retention,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported broadcast driver %q", cfg.Broadcast.Driver)
	}
}

func buildCatalog(ctx context.Context, cfg config.Config, logger *slog.Logger) (catalog.Store, error) {
	switch cfg.Catalog.Driver {
	case config.DriverPostgres:
		store, err := catalog.NewPostgresStore(ctx, catalog.PostgresConfig{
			DSN:             cfg.Catalog.DSN,
			MaxConnections:  cfg.Catalog.MaxConnections,
			MinConnections:  cfg.Catalog.MinConnections,
			ConnectTimeout:  cfg.Catalog.ConnectTimeout,
			ApplicationName: "ingestd",
			Logger:          logging.WithComponent(logger, "catalog"),
		})
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		if cfg.Catalog.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close(context.Background())
				return nil, fmt.Errorf("ensure catalog schema: %w", err)
			}
		}
		return store, nil
	case "", config.DriverMemory:
		logger.Warn("using the in-memory catalog; vendor sources are lost on restart")
		return catalog.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", cfg.Catalog.Driver)
	}
}

// rateLimitConfig shares upload counters through redis when the broadcaster
// already runs on it.
func rateLimitConfig(cfg config.Config, client redis.UniversalClient) server.RateLimitConfig {
	rl := server.RateLimitConfig{
		UploadLimit:  cfg.Server.RateLimitPerMinute,
		UploadWindow: time.Minute,
	}
	if client != nil {
		rl.Redis = client
		rl.RedisPrefix = cfg.Broadcast.Redis.Prefix
	}
	return rl
}
