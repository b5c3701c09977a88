package broadcast

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"videoingest/internal/models"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis pub/sub broadcaster.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	Prefix       string
	Buffer       int
	Retention    time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	TLS          RedisTLSConfig
	Logger       *slog.Logger
}

type redisBroadcaster struct {
	client    redis.UniversalClient
	prefix    string
	buffer    int
	retention time.Duration
	logger    *slog.Logger
}

// NewRedisClient builds the universal client shared by the broadcaster and
// the upload rate limiter.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

// NewRedis publishes events on per-job channels and keeps the last event of
// each job under a key with a TTL so late subscribers can catch up.
func NewRedis(cfg RedisConfig) (Broadcaster, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return newRedisBroadcaster(client, cfg), nil
}

// NewRedisWithClient reuses an existing client. Close on the broadcaster
// closes the client too.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig) (Broadcaster, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return newRedisBroadcaster(client, cfg), nil
}

func newRedisBroadcaster(client redis.UniversalClient, cfg RedisConfig) *redisBroadcaster {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "videoingest"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &redisBroadcaster{
		client:    client,
		prefix:    prefix,
		buffer:    cfg.Buffer,
		retention: cfg.Retention,
		logger:    logger,
	}
}

func (b *redisBroadcaster) channel(jobID string) string {
	return b.prefix + ":events:" + jobID
}

func (b *redisBroadcaster) lastKey(jobID string) string {
	return b.prefix + ":last:" + jobID
}

func (b *redisBroadcaster) Publish(ctx context.Context, event models.Event) error {
	if err := validate(event); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.lastKey(event.JobID), payload, b.retention)
		pipe.Publish(ctx, b.channel(event.JobID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish event for job %s: %w", event.JobID, err)
	}
	return nil
}

func (b *redisBroadcaster) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	pubsub := b.client.Subscribe(ctx, b.channel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		pubsub: pubsub,
		cancel: cancel,
		ch:     make(chan models.Event, b.buffer),
	}

	raw, err := b.client.Get(ctx, b.lastKey(jobID)).Bytes()
	switch {
	case err == nil:
		if event, ok := b.decode(raw); ok {
			sub.ch <- event
		}
	case !errors.Is(err, redis.Nil):
		b.logger.Warn("redis last event lookup failed", "job_id", jobID, "error", err)
	}

	go sub.run(subCtx, b)
	return sub, nil
}

func (b *redisBroadcaster) decode(raw []byte) (models.Event, bool) {
	var event models.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		b.logger.Error("redis event decode failed", "error", err)
		return models.Event{}, false
	}
	return event, true
}

func (b *redisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBroadcaster) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc

	once sync.Once
	ch   chan models.Event
}

func (s *redisSubscription) Events() <-chan models.Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
	})
}

func (s *redisSubscription) run(ctx context.Context, b *redisBroadcaster) {
	defer close(s.ch)
	defer s.Close()
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			event, ok := b.decode([]byte(msg.Payload))
			if !ok {
				continue
			}
			select {
			case s.ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("redis tls cert and key must both be set")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis tls keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
