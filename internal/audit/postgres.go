package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore is a Postgres-backed Writer with the same chain discipline
// as the SQLite Store: in-memory chain for verification, synchronous inserts
// for durability, whole-chain reload and re-verification on open.
type PostgresStore struct {
	pool   *pgxpool.Pool
	log    *Log
	logger *zap.Logger
}

// NewPostgresStore connects to Postgres and binds a chain for one execution.
func NewPostgresStore(ctx context.Context, dsn, executionID string, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit db: %w", err)
	}

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS audit_events (
		execution_id TEXT NOT NULL,
		sequence     BIGINT NOT NULL,
		record       JSONB NOT NULL,
		prev_hash    TEXT NOT NULL,
		this_hash    TEXT NOT NULL,
		PRIMARY KEY (execution_id, sequence)
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create audit_events: %w", err)
	}

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS audit_executions (
		execution_id  TEXT PRIMARY KEY,
		finalized_at  TIMESTAMPTZ NOT NULL,
		terminal_hash TEXT NOT NULL
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create audit_executions: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		log:    NewLog(executionID),
		logger: logger,
	}

	if err := s.load(ctx, executionID); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Write persists a step record. Durable on return.
func (s *PostgresStore) Write(record StepRecord) error {
	return s.log.writeWith(record, func(evt Event) error {
		recordJSON, err := json.Marshal(evt.Record)
		if err != nil {
			return fmt.Errorf("serialize record: %w", err)
		}
		// The Writer contract carries no context; writes are short and must
		// not be abandoned mid-chain.
		_, err = s.pool.Exec(context.Background(),
			`INSERT INTO audit_events (execution_id, sequence, record, prev_hash, this_hash)
			 VALUES ($1, $2, $3, $4, $5)`,
			evt.ExecutionID, int64(evt.Sequence), recordJSON, evt.PrevHash, evt.ThisHash)
		if err != nil {
			return fmt.Errorf("persist audit event: %w", err)
		}
		return nil
	})
}

// Finalize seals the chain and records the terminal commitment.
func (s *PostgresStore) Finalize(executionID string) error {
	if err := s.log.Finalize(executionID); err != nil {
		return err
	}

	exported := s.log.Export()
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_executions (execution_id, finalized_at, terminal_hash)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (execution_id) DO UPDATE SET
			finalized_at = EXCLUDED.finalized_at,
			terminal_hash = EXCLUDED.terminal_hash`,
		executionID, exported.FinalizedAt, exported.TerminalHash)
	if err != nil {
		return fmt.Errorf("record finalization: %w", err)
	}

	s.logger.Info("audit chain finalized",
		zap.String("execution_id", executionID),
		zap.String("terminal_hash", exported.TerminalHash),
	)
	return nil
}

// Export returns the in-memory chain with its terminal commitment.
func (s *PostgresStore) Export() AuditLog { return s.log.Export() }

// VerifyIntegrity re-walks the in-memory chain.
func (s *PostgresStore) VerifyIntegrity() bool { return s.log.VerifyIntegrity() }

// Purge deletes chains of executions finalized before now - olderThan.
func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("olderThan must be >= 0")
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM audit_events WHERE execution_id IN
		 (SELECT execution_id FROM audit_executions WHERE finalized_at < $1)`, cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM audit_executions WHERE finalized_at < $1`, cutoff); err != nil {
		return tag.RowsAffected(), err
	}
	return tag.RowsAffected(), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) load(ctx context.Context, executionID string) error {
	rows, err := s.pool.Query(ctx,
		`SELECT execution_id, sequence, record, prev_hash, this_hash
		 FROM audit_events WHERE execution_id = $1 ORDER BY sequence`,
		executionID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		var sequence int64
		var recordJSON []byte
		if err := rows.Scan(&evt.ExecutionID, &sequence, &recordJSON, &evt.PrevHash, &evt.ThisHash); err != nil {
			return err
		}
		evt.Sequence = uint64(sequence)
		if err := json.Unmarshal(recordJSON, &evt.Record); err != nil {
			return fmt.Errorf("parse persisted record: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !VerifyChain(executionID, events) {
		return fmt.Errorf("persisted audit chain for execution %s fails verification", executionID)
	}

	s.log.mu.Lock()
	s.log.events = events
	if len(events) > 0 {
		s.log.lastHash = events[len(events)-1].ThisHash
	}
	s.log.mu.Unlock()

	var finalizedAt time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT finalized_at FROM audit_executions WHERE execution_id = $1`, executionID).
		Scan(&finalizedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// chain still open
	case err != nil:
		return err
	default:
		s.log.mu.Lock()
		s.log.finalized = true
		s.log.finalizedAt = finalizedAt.UTC()
		s.log.mu.Unlock()
	}

	return nil
}
