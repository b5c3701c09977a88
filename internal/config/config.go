// Package config loads the ingest service settings from defaults, an
// optional YAML file and INGEST_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Queue     QueueConfig     `yaml:"queue"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Vimeo     VimeoConfig     `yaml:"vimeo"`
	YouTube   YouTubeConfig   `yaml:"youtube"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	TempDir           string        `yaml:"tempDir"`
	MaxUploadBytes    int64         `yaml:"maxUploadBytes"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	AllowedOrigins    []string      `yaml:"allowedOrigins"`
	// RateLimitPerMinute caps upload submissions per client IP; zero disables it.
	RateLimitPerMinute int    `yaml:"rateLimitPerMinute"`
	TLSCertFile        string `yaml:"tlsCertFile"`
	TLSKeyFile         string `yaml:"tlsKeyFile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type QueueConfig struct {
	Size           int           `yaml:"size"`
	Workers        int           `yaml:"workers"`
	EnqueueTimeout time.Duration `yaml:"enqueueTimeout"`
}

type CatalogConfig struct {
	Driver         string        `yaml:"driver"`
	DSN            string        `yaml:"dsn"`
	MaxConnections int32         `yaml:"maxConnections"`
	MinConnections int32         `yaml:"minConnections"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	EnsureSchema   bool          `yaml:"ensureSchema"`
}

type BroadcastConfig struct {
	Driver    string        `yaml:"driver"`
	Buffer    int           `yaml:"buffer"`
	Retention time.Duration `yaml:"retention"`
	Redis     RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Addrs       []string      `yaml:"addrs"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	MasterName  string        `yaml:"masterName"`
	Prefix      string        `yaml:"prefix"`
	PoolSize    int           `yaml:"poolSize"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	CAFile      string        `yaml:"caFile"`
	CertFile    string        `yaml:"certFile"`
	KeyFile     string        `yaml:"keyFile"`
	ServerName  string        `yaml:"serverName"`
}

// LedgerConfig enables the on-disk job outcome ledger when Dir is set.
type LedgerConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
}

type ArchiveConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	Collection string `yaml:"collection"`
	MediaType  string `yaml:"mediaType"`
	DetailsURL string `yaml:"detailsUrl"`
	SizeHint   bool   `yaml:"sizeHint"`
}

func (c ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(c.AccessKey) != "" && strings.TrimSpace(c.SecretKey) != ""
}

type VimeoConfig struct {
	APIBase        string        `yaml:"apiBase"`
	AccessToken    string        `yaml:"accessToken"`
	ChunkSize      int           `yaml:"chunkSize"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	PollAttempts   int           `yaml:"pollAttempts"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

func (c VimeoConfig) Enabled() bool {
	return strings.TrimSpace(c.AccessToken) != ""
}

type YouTubeConfig struct {
	ClientID     string        `yaml:"clientId"`
	ClientSecret string        `yaml:"clientSecret"`
	RefreshToken string        `yaml:"refreshToken"`
	TokenURL     string        `yaml:"tokenUrl"`
	Endpoint     string        `yaml:"endpoint"`
	ChunkSize    int           `yaml:"chunkSize"`
	CategoryID   string        `yaml:"categoryId"`
	Description  string        `yaml:"description"`
	PollInterval time.Duration `yaml:"pollInterval"`
	PollAttempts int           `yaml:"pollAttempts"`
}

func (c YouTubeConfig) Enabled() bool {
	return strings.TrimSpace(c.ClientID) != "" &&
		strings.TrimSpace(c.ClientSecret) != "" &&
		strings.TrimSpace(c.RefreshToken) != ""
}

// Default returns the settings used before any file or environment override.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			TempDir:           os.TempDir(),
			MaxUploadBytes:    8 << 30,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Queue: QueueConfig{Size: 64, Workers: 1, EnqueueTimeout: 5 * time.Second},
		Catalog: CatalogConfig{
			Driver:         DriverMemory,
			ConnectTimeout: 5 * time.Second,
			EnsureSchema:   true,
		},
		Broadcast: BroadcastConfig{
			Driver:    DriverMemory,
			Buffer:    32,
			Retention: 10 * time.Minute,
			Redis:     RedisConfig{Prefix: "videoingest", DialTimeout: 5 * time.Second},
		},
		Ledger: LedgerConfig{Retention: 30 * 24 * time.Hour},
		Archive: ArchiveConfig{
			Endpoint:   "https://s3.us.archive.org",
			Collection: "opensource_movies",
			MediaType:  "movies",
			DetailsURL: "https://archive.org",
			SizeHint:   true,
		},
		// Zero PollAttempts lets each vimeo variant pick its own budget.
		Vimeo: VimeoConfig{
			APIBase:      "https://api.vimeo.com",
			ChunkSize:    5 << 20,
			PollInterval: 5 * time.Second,
		},
		YouTube: YouTubeConfig{
			ChunkSize:    8 << 20,
			CategoryID:   "22",
			PollInterval: 10 * time.Second,
			PollAttempts: 180,
		},
	}
}

// Load applies the YAML file at path (skipped when empty) and then the
// environment on top of the defaults.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) get(key string) (string, bool) {
	value, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *envReader) str(key string, dst *string) {
	if value, ok := r.get(key); ok {
		*dst = value
	}
}

func (r *envReader) list(key string, dst *[]string) {
	value, ok := r.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	*dst = out
}

func (r *envReader) integer(key string, dst *int) {
	if value, ok := r.get(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = parsed
	}
}

func (r *envReader) int32(key string, dst *int32) {
	if value, ok := r.get(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = int32(parsed)
	}
}

func (r *envReader) int64(key string, dst *int64) {
	if value, ok := r.get(key); ok {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = parsed
	}
}

func (r *envReader) duration(key string, dst *time.Duration) {
	if value, ok := r.get(key); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = parsed
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	if value, ok := r.get(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = parsed
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	env := &envReader{lookup: lookup}

	env.str("INGEST_ADDR", &c.Server.Addr)
	env.str("INGEST_TEMP_DIR", &c.Server.TempDir)
	env.int64("INGEST_MAX_UPLOAD_BYTES", &c.Server.MaxUploadBytes)
	env.duration("INGEST_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	env.list("INGEST_ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	env.integer("INGEST_RATE_LIMIT_PER_MINUTE", &c.Server.RateLimitPerMinute)
	env.str("INGEST_TLS_CERT_FILE", &c.Server.TLSCertFile)
	env.str("INGEST_TLS_KEY_FILE", &c.Server.TLSKeyFile)

	env.str("INGEST_LOG_LEVEL", &c.Log.Level)
	env.str("INGEST_LOG_FORMAT", &c.Log.Format)

	env.integer("INGEST_QUEUE_SIZE", &c.Queue.Size)
	env.integer("INGEST_WORKERS", &c.Queue.Workers)
	env.duration("INGEST_ENQUEUE_TIMEOUT", &c.Queue.EnqueueTimeout)

	env.str("INGEST_CATALOG_DRIVER", &c.Catalog.Driver)
	env.str("INGEST_CATALOG_DSN", &c.Catalog.DSN)
	env.int32("INGEST_CATALOG_MAX_CONNS", &c.Catalog.MaxConnections)
	env.int32("INGEST_CATALOG_MIN_CONNS", &c.Catalog.MinConnections)
	env.boolean("INGEST_CATALOG_ENSURE_SCHEMA", &c.Catalog.EnsureSchema)

	env.str("INGEST_BROADCAST_DRIVER", &c.Broadcast.Driver)
	env.integer("INGEST_BROADCAST_BUFFER", &c.Broadcast.Buffer)
	env.duration("INGEST_BROADCAST_RETENTION", &c.Broadcast.Retention)
	env.str("INGEST_REDIS_ADDR", &c.Broadcast.Redis.Addr)
	env.list("INGEST_REDIS_ADDRS", &c.Broadcast.Redis.Addrs)
	env.str("INGEST_REDIS_USERNAME", &c.Broadcast.Redis.Username)
	env.str("INGEST_REDIS_PASSWORD", &c.Broadcast.Redis.Password)
	env.str("INGEST_REDIS_MASTER_NAME", &c.Broadcast.Redis.MasterName)
	env.str("INGEST_REDIS_PREFIX", &c.Broadcast.Redis.Prefix)
	env.integer("INGEST_REDIS_POOL_SIZE", &c.Broadcast.Redis.PoolSize)

	env.str("INGEST_LEDGER_DIR", &c.Ledger.Dir)
	env.duration("INGEST_LEDGER_RETENTION", &c.Ledger.Retention)

	env.str("INGEST_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	env.str("INGEST_ARCHIVE_ACCESS_KEY", &c.Archive.AccessKey)
	env.str("INGEST_ARCHIVE_SECRET_KEY", &c.Archive.SecretKey)
	env.str("INGEST_ARCHIVE_COLLECTION", &c.Archive.Collection)
	env.boolean("INGEST_ARCHIVE_SIZE_HINT", &c.Archive.SizeHint)

	env.str("INGEST_VIMEO_API_BASE", &c.Vimeo.APIBase)
	env.str("INGEST_VIMEO_ACCESS_TOKEN", &c.Vimeo.AccessToken)
	env.integer("INGEST_VIMEO_CHUNK_SIZE", &c.Vimeo.ChunkSize)
	env.duration("INGEST_VIMEO_POLL_INTERVAL", &c.Vimeo.PollInterval)
	env.integer("INGEST_VIMEO_POLL_ATTEMPTS", &c.Vimeo.PollAttempts)

	env.str("INGEST_YOUTUBE_CLIENT_ID", &c.YouTube.ClientID)
	env.str("INGEST_YOUTUBE_CLIENT_SECRET", &c.YouTube.ClientSecret)
	env.str("INGEST_YOUTUBE_REFRESH_TOKEN", &c.YouTube.RefreshToken)
	env.str("INGEST_YOUTUBE_CATEGORY_ID", &c.YouTube.CategoryID)
	env.duration("INGEST_YOUTUBE_POLL_INTERVAL", &c.YouTube.PollInterval)
	env.integer("INGEST_YOUTUBE_POLL_ATTEMPTS", &c.YouTube.PollAttempts)

	return errors.Join(env.errs...)
}

// EnabledProviders lists the vendors with credentials configured.
func (c Config) EnabledProviders() []string {
	var out []string
	if c.Archive.Enabled() {
		out = append(out, "archive")
	}
	if c.Vimeo.Enabled() {
		out = append(out, "vimeo")
	}
	if c.YouTube.Enabled() {
		out = append(out, "youtube")
	}
	return out
}

// Validate reports every problem found rather than stopping at the first.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.maxUploadBytes must be positive"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tlsCertFile and server.tlsKeyFile must be set together"))
	}
	if c.Queue.Size <= 0 {
		errs = append(errs, errors.New("queue.size must be positive"))
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, errors.New("queue.workers must be positive"))
	}
	switch strings.ToLower(c.Catalog.Driver) {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Catalog.DSN) == "" {
			errs = append(errs, errors.New("catalog.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown catalog driver %q", c.Catalog.Driver))
	}
	switch strings.ToLower(c.Broadcast.Driver) {
	case DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(c.Broadcast.Redis.Addr) == "" && len(c.Broadcast.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("broadcast.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broadcast driver %q", c.Broadcast.Driver))
	}
	if len(c.EnabledProviders()) == 0 {
		errs = append(errs, errors.New("no vendor provider is configured"))
	}
	return errors.Join(errs...)
}
