package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// timeLayout is RFC3339 with a fixed-width fraction so persisted timestamps
// compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed Writer. It keeps the in-memory chain for fast
// verification and export, and persists every event synchronously — Write
// does not return until the row is on disk, and a failed insert leaves the
// in-memory chain untouched.
//
// One database may hold many executions' chains; each Store instance drives
// exactly one of them.
type Store struct {
	db     *sql.DB
	log    *Log
	logger *zap.Logger
	cron   *cron.Cron
}

// NewStore opens (or creates) a SQLite-backed audit store for one execution.
// If the database already holds events for the execution, the chain is
// reloaded and re-verified; a broken chain refuses to open.
func NewStore(dbPath, executionID string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	// WAL mode for concurrent readers
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_events (
		execution_id TEXT NOT NULL,
		sequence     INTEGER NOT NULL,
		record       TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		this_hash    TEXT NOT NULL,
		PRIMARY KEY (execution_id, sequence)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit_events: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_executions (
		execution_id  TEXT PRIMARY KEY,
		finalized_at  TEXT NOT NULL,
		terminal_hash TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit_executions: %w", err)
	}

	s := &Store{
		db:     db,
		log:    NewLog(executionID),
		logger: logger,
	}

	if err := s.load(executionID); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Write persists a step record. Durable on return.
func (s *Store) Write(record StepRecord) error {
	return s.log.writeWith(record, s.persist)
}

// Finalize seals the chain in memory and records the terminal commitment.
func (s *Store) Finalize(executionID string) error {
	if err := s.log.Finalize(executionID); err != nil {
		return err
	}

	exported := s.log.Export()
	_, err := s.db.Exec(`INSERT INTO audit_executions (execution_id, finalized_at, terminal_hash)
		VALUES (?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			finalized_at = excluded.finalized_at,
			terminal_hash = excluded.terminal_hash`,
		executionID,
		exported.FinalizedAt.Format(timeLayout),
		exported.TerminalHash,
	)
	if err != nil {
		return fmt.Errorf("record finalization: %w", err)
	}

	s.logger.Info("audit chain finalized",
		zap.String("execution_id", executionID),
		zap.String("terminal_hash", exported.TerminalHash),
		zap.Int("events", len(exported.Events)),
	)
	return nil
}

// Export returns the in-memory chain with its terminal commitment.
func (s *Store) Export() AuditLog { return s.log.Export() }

// VerifyIntegrity re-walks the in-memory chain.
func (s *Store) VerifyIntegrity() bool { return s.log.VerifyIntegrity() }

// StreamJSONL streams this execution's persisted events as newline-delimited
// JSON, in chain order.
func (s *Store) StreamJSONL(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, sequence, record, prev_hash, this_hash
		 FROM audit_events WHERE execution_id = ? ORDER BY sequence`,
		s.log.ExecutionID())
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Purge deletes chains of executions finalized before now - olderThan.
// Whole chains only: deleting individual events would break links.
func (s *Store) Purge(olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("olderThan must be >= 0")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)

	res, err := s.db.Exec(`DELETE FROM audit_events WHERE execution_id IN
		(SELECT execution_id FROM audit_executions WHERE finalized_at < ?)`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := s.db.Exec(`DELETE FROM audit_executions WHERE finalized_at < ?`, cutoff); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// StartRetention schedules Purge on a cron spec. Returns a stop function.
func (s *Store) StartRetention(spec string, maxAge time.Duration) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		deleted, err := s.Purge(maxAge)
		if err != nil {
			s.logger.Warn("audit retention purge failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			s.logger.Info("audit retention purge",
				zap.Int64("events_deleted", deleted),
				zap.Duration("max_age", maxAge),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule retention %q: %w", spec, err)
	}

	c.Start()
	s.cron = c
	return func() { c.Stop() }, nil
}

// Close shuts down the store.
func (s *Store) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	return s.db.Close()
}

func (s *Store) persist(evt Event) error {
	recordJSON, err := json.Marshal(evt.Record)
	if err != nil {
		return fmt.Errorf("serialize record: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO audit_events (execution_id, sequence, record, prev_hash, this_hash)
		VALUES (?, ?, ?, ?, ?)`,
		evt.ExecutionID, evt.Sequence, string(recordJSON), evt.PrevHash, evt.ThisHash)
	if err != nil {
		return fmt.Errorf("persist audit event: %w", err)
	}
	return nil
}

// load rebuilds the in-memory chain from persisted events and re-verifies it.
func (s *Store) load(executionID string) error {
	rows, err := s.db.Query(
		`SELECT execution_id, sequence, record, prev_hash, this_hash
		 FROM audit_events WHERE execution_id = ? ORDER BY sequence`,
		executionID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return err
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

	var finalizedAt string
	err = s.db.QueryRow(`SELECT finalized_at FROM audit_executions WHERE execution_id = ?`, executionID).
		Scan(&finalizedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// chain still open
	case err != nil:
		return err
	default:
		at, parseErr := time.Parse(timeLayout, finalizedAt)
		if parseErr != nil {
			return fmt.Errorf("parse finalized_at: %w", parseErr)
		}
		s.log.mu.Lock()
		s.log.finalized = true
		s.log.finalizedAt = at
		s.log.mu.Unlock()
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(scanner rowScanner) (Event, error) {
	var evt Event
	var recordJSON string
	if err := scanner.Scan(&evt.ExecutionID, &evt.Sequence, &recordJSON, &evt.PrevHash, &evt.ThisHash); err != nil {
		return Event{}, err
	}
	if err := json.Unmarshal([]byte(recordJSON), &evt.Record); err != nil {
		return Event{}, fmt.Errorf("parse persisted record: %w", err)
	}
	return evt, nil
}
