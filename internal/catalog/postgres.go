package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	puddle "github.com/jackc/puddle/v2"

	"videoingest/internal/models"
)

const (
	movieTable   = "movie_vendor_sources"
	episodeTable = "episode_vendor_sources"

	pgForeignKeyViolation = "23503"
	pgNotNullViolation    = "23502"
	pgCheckViolation      = "23514"
)

// PostgresConfig describes the catalog connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
	Logger              *slog.Logger
}

// PostgresStore writes vendor sources into Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore opens the pool. Connections are dialled lazily, so a
// reachable database is only required once the store is used.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func schemaStatements() []string {
	var stmts []string
	for _, table := range []string{movieTable, episodeTable} {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	target_id TEXT NOT NULL,
	source_type TEXT NOT NULL,
	vendor TEXT NOT NULL,
	vendor_id TEXT NOT NULL,
	vendor_path TEXT NOT NULL DEFAULT '',
	player_url TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	quality TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	published BOOLEAN NOT NULL DEFAULT FALSE,
	downloadable BOOLEAN NOT NULL DEFAULT FALSE,
	uploaded_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (target_id, source_type, vendor_id, language, quality)
)`, table))
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_target_idx ON %s (target_id)`, table, table))
	}
	return stmts
}

// EnsureSchema creates the source tables when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure catalog schema: %w", mapPoolError(err))
		}
	}
	return nil
}

func upsertStatement(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (
	target_id, source_type, vendor, vendor_id, vendor_path, player_url,
	language, quality, title, published, downloadable, uploaded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (target_id, source_type, vendor_id, language, quality) DO UPDATE SET
	vendor = EXCLUDED.vendor,
	vendor_path = EXCLUDED.vendor_path,
	player_url = EXCLUDED.player_url,
	title = EXCLUDED.title,
	published = EXCLUDED.published,
	downloadable = EXCLUDED.downloadable,
	updated_at = NOW()
RETURNING (xmax = 0)`, table)
}

func (s *PostgresStore) UpsertMovieVendor(ctx context.Context, src VendorSource) (Response, error) {
	src.Scope = models.ScopeMovie
	return s.upsert(ctx, movieTable, src)
}

func (s *PostgresStore) UpsertEpisodeVendor(ctx context.Context, src VendorSource) (Response, error) {
	src.Scope = models.ScopeEpisode
	return s.upsert(ctx, episodeTable, src)
}

func (s *PostgresStore) upsert(ctx context.Context, table string, src VendorSource) (Response, error) {
	if err := src.Validate(); err != nil {
		return Response{Code: CodeBadRequest, Message: err.Error()}, nil
	}
	if src.Vendor == "" {
		src.Vendor = VendorName(src.SourceType)
	}
	if src.UploadedAt.IsZero() {
		src.UploadedAt = time.Now().UTC()
	}
	var inserted bool
	err := s.pool.QueryRow(ctx, upsertStatement(table),
		src.TargetID, src.SourceType, src.Vendor, src.VendorID, src.VendorPath, src.PlayerURL,
		src.Language, src.Quality, src.Title, src.Published, src.Downloadable, src.UploadedAt,
	).Scan(&inserted)
	if err != nil {
		if resp, ok := responseFor(err); ok {
			s.logger.Warn("catalog rejected vendor source", "table", table, "target_id", src.TargetID, "code", resp.Code, "error", err)
			return resp, nil
		}
		return Response{}, fmt.Errorf("upsert %s: %w", table, mapPoolError(err))
	}
	if inserted {
		return Response{Code: CodeOK, Message: "created"}, nil
	}
	return Response{Code: CodeOK, Message: "updated"}, nil
}

// responseFor turns constraint violations into collaborator responses.
func responseFor(err error) (Response, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return Response{}, false
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		return Response{Code: CodeNotFound, Message: pgErr.Detail}, true
	case pgNotNullViolation, pgCheckViolation:
		return Response{Code: CodeBadRequest, Message: pgErr.Message}, true
	}
	return Response{}, false
}

func mapPoolError(err error) error {
	if errors.Is(err, puddle.ErrClosedPool) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return mapPoolError(s.pool.Ping(ctx))
}

func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
