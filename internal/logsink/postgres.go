package logsink

import (
	"context"

	"github.com/cognitedata/simulator-connector/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink mirrors run log entries to a local Postgres table for
// operator debugging, alongside the authoritative RemoteSink. It is
// optional — a connector with no local mirroring need never construct
// one.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink creates a Sink backed by a Postgres connection pool.
// The sink takes ownership of the pool: Close closes it.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (s *PostgresSink) Append(ctx context.Context, runID int64, entries []domain.LogEntry) error {
	batch := make([][]any, 0, len(entries))
	for _, e := range entries {
		batch = append(batch, []any{runID, e.Timestamp, string(e.Severity), e.Message})
	}
	_, err := s.pool.CopyFrom(ctx,
		[]string{"simulation_run_logs"},
		[]string{"run_id", "timestamp", "severity", "message"},
		&sliceCopySource{rows: batch},
	)
	return err
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

// sliceCopySource adapts a [][]any to pgx.CopyFromSource without pulling
// in a query builder for what is otherwise a four-column bulk insert.
type sliceCopySource struct {
	rows [][]any
	pos  int
}

func (c *sliceCopySource) Next() bool {
	c.pos++
	return c.pos <= len(c.rows)
}

func (c *sliceCopySource) Values() ([]any, error) {
	return c.rows[c.pos-1], nil
}

func (c *sliceCopySource) Err() error { return nil }
