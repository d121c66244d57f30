package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/mediasync/internal/model"
	"github.com/LeventeLantos/mediasync/migrations"
)

const (
	maxConnectionRetries = 10
	connectionRetrySleep = 2 * time.Second
	migrationLockID      = 4711
)

var (
	errEmptyPatch      = errors.New("patch sets no columns")
	errUnboundedUpdate = errors.New("refusing update without a filter")
)

type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

type PostgresMessageRepo struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger
}

// Connect opens a pool, retrying while the database comes up.
func Connect(ctx context.Context, dsn string, opts PoolOptions, logger *zerolog.Logger) (*PostgresMessageRepo, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	var pool *pgxpool.Pool
	for i := 0; i < maxConnectionRetries; i++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return NewPostgresMessageRepo(pool, logger), nil
			}
			pool.Close()
		}

		logger.Warn().Err(err).Int("attempt", i+1).Msg("database not reachable, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to database: %w", ctx.Err())
		case <-time.After(connectionRetrySleep):
		}
	}

	return nil, fmt.Errorf("failed to connect to database after retries: %w", err)
}

func NewPostgresMessageRepo(pool *pgxpool.Pool, logger *zerolog.Logger) *PostgresMessageRepo {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &PostgresMessageRepo{pool: pool, logger: logger}
}

func (r *PostgresMessageRepo) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresMessageRepo) Close() {
	r.pool.Close()
}

// Migrate applies the embedded goose migrations under an advisory lock so
// concurrent instances do not race.
func (r *PostgresMessageRepo) Migrate(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()

	db := stdlib.OpenDBFromPool(r.pool)
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id string) (model.Message, error) {
	u, err := toUUID(id)
	if err != nil {
		return model.Message{}, err
	}

	row := r.pool.QueryRow(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = $1", u)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, fmt.Errorf("get message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

func (r *PostgresMessageRepo) Query(ctx context.Context, f Filter) ([]model.Message, error) {
	q, args, err := buildSelect(f)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return out, nil
}

func (r *PostgresMessageRepo) UpdateMany(ctx context.Context, f Filter, p Patch) (int64, error) {
	if err := p.AnalyzedContent.Validate(); err != nil {
		return 0, err
	}
	q, args, err := buildUpdate(f, p)
	if err != nil {
		return 0, err
	}

	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("update messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresMessageRepo) UpdateOne(ctx context.Context, id string, p Patch) (model.Message, error) {
	if err := p.AnalyzedContent.Validate(); err != nil {
		return model.Message{}, err
	}
	q, args, err := buildUpdateOne(id, p)
	if err != nil {
		return model.Message{}, err
	}

	m, err := scanMessage(r.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, fmt.Errorf("update message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("update message %s: %w", id, err)
	}
	return m, nil
}

func (r *PostgresMessageRepo) LoadCursor(ctx context.Context, name string) (time.Time, error) {
	var at time.Time
	err := r.pool.QueryRow(ctx, "SELECT cursor_at FROM sync_cursors WHERE name = $1", name).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor %s: %w", name, err)
	}
	return at, nil
}

func (r *PostgresMessageRepo) SaveCursor(ctx context.Context, name string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_cursors (name, cursor_at, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET cursor_at = EXCLUDED.cursor_at, updated_at = now()
	`, name, at.UTC())
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", name, err)
	}
	return nil
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m       model.Message
		id      pgtype.UUID
		content []byte
		state   string
	)

	if err := row.Scan(
		&id,
		&m.MediaGroupID,
		&m.Caption,
		&content,
		&m.IsOriginalCaption,
		&m.GroupCaptionSynced,
		&state,
		&m.ProcessingStartedAt,
		&m.ProcessingCompletedAt,
		&m.LastErrorAt,
		&m.ErrorMessage,
		&m.RetryCount,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return model.Message{}, err
	}

	m.ID = fromUUID(id)

	s, err := model.ParseProcessingState(state)
	if err != nil {
		return model.Message{}, err
	}
	m.ProcessingState = s

	if len(content) > 0 && string(content) != "null" {
		var ac model.AnalyzedContent
		if err := json.Unmarshal(content, &ac); err != nil {
			return model.Message{}, fmt.Errorf("decode analyzed_content for %s: %w", m.ID, err)
		}
		m.AnalyzedContent = &ac
	}
	return m, nil
}
