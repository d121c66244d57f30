package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

const defaultInsertTimeout = 3 * time.Second

// LogSink writes events to the structured log only.
type LogSink struct {
	logger *zerolog.Logger
}

func NewLogSink(logger *zerolog.Logger) *LogSink {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(_ context.Context, e Event) {
	s.logger.Info().
		Str("event_type", e.Type).
		Str("entity_id", e.EntityID).
		Str("correlation_id", e.CorrelationID).
		Fields(e.Metadata).
		Msg("audit")
}

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink inserts events into audit_logs.
type PostgresSink struct {
	db      Execer
	timeout time.Duration
	logger  *zerolog.Logger
}

// NewPostgresSink accepts a *pgxpool.Pool or anything with the same Exec.
func NewPostgresSink(db Execer, timeout time.Duration, logger *zerolog.Logger) *PostgresSink {
	if timeout <= 0 {
		timeout = defaultInsertTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &PostgresSink{db: db, timeout: timeout, logger: logger}
}

func (s *PostgresSink) Append(ctx context.Context, e Event) {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", e.Type).Msg("audit metadata not encodable")
		raw = []byte("{}")
	}

	// The insert outlives a cancelled caller but not the sink's own deadline.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	_, err = s.db.Exec(ictx, `
		INSERT INTO audit_logs (event_type, entity_id, correlation_id, metadata)
		VALUES ($1, $2, $3, $4)
	`, e.Type, e.EntityID, e.CorrelationID, raw)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("event_type", e.Type).
			Str("entity_id", e.EntityID).
			Str("correlation_id", e.CorrelationID).
			Msg("audit append failed")
	}
}
