// Package audit provides the append-only, hash-chained record of every
// executed, denied, or suspended step. Each event links to its predecessor
// by SHA-256, so any rewrite of history breaks the chain and is detectable
// offline by anyone holding the events — no trusted reader required.
//
// Hash input, in this exact byte order:
//
//	execution_id (UTF-8) || sequence (8 bytes little-endian) ||
//	prev_hash (UTF-8) || canonical JSON of the record
//
// Canonical JSON is a single encoding/json.Marshal call: compact output,
// struct fields in declaration order, map keys sorted. Any other serializer
// (or pretty printing) would fracture the chain across implementations.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/custos-run/custos/internal/agent"
	"github.com/custos-run/custos/internal/policy"
)

// GenesisHash seeds the first event of every chain. Sixty-four ASCII zeros
// cannot collide with any real SHA-256 hex digest.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// StepRecord is what one step commits to the log. Written exactly once per
// step, never mutated.
type StepRecord struct {
	Step    uint64         `json:"step"`
	Input   agent.Input    `json:"input"`
	Verdict policy.Verdict `json:"verdict"`
	// Output is present only when the verdict allowed and the pipeline ran
	// to completion.
	Output    *agent.Output `json:"output,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Event is one link of an execution's audit chain.
type Event struct {
	Sequence    uint64     `json:"sequence"`
	ExecutionID string     `json:"execution_id"`
	Record      StepRecord `json:"record"`
	PrevHash    string     `json:"prev_hash"`
	ThisHash    string     `json:"this_hash"`
}

// AuditLog is the exported form of a chain: a compact, self-verifying
// commitment to an execution's history.
type AuditLog struct {
	ExecutionID string    `json:"execution_id"`
	Events      []Event   `json:"events"`
	FinalizedAt time.Time `json:"finalized_at"`
	// TerminalHash is the this_hash of the last event ("" for empty chains).
	TerminalHash string `json:"terminal_hash"`
}

// Writer is the pluggable audit backend contract. Write must be durable on
// return; Finalize may flush or seal persistent backends.
type Writer interface {
	Write(record StepRecord) error
	Finalize(executionID string) error
}

// hashEvent computes the chain hash for one event's fields.
func hashEvent(executionID string, sequence uint64, prevHash string, record StepRecord) (string, error) {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("serialize record: %w", err)
	}

	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], sequence)

	h := sha256.New()
	h.Write([]byte(executionID))
	h.Write(seq[:])
	h.Write([]byte(prevHash))
	h.Write(recordJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain walks a chain from index 0 and reports whether every link
// holds: genesis at the start, each prev_hash equal to the predecessor's
// this_hash, and each this_hash equal to the recomputation from its fields.
// An empty chain is valid.
func VerifyChain(executionID string, events []Event) bool {
	expectedPrev := GenesisHash
	for i, evt := range events {
		if evt.ExecutionID != executionID {
			return false
		}
		if evt.Sequence != uint64(i) {
			return false
		}
		if evt.PrevHash != expectedPrev {
			return false
		}
		recomputed, err := hashEvent(evt.ExecutionID, evt.Sequence, evt.PrevHash, evt.Record)
		if err != nil || recomputed != evt.ThisHash {
			return false
		}
		expectedPrev = evt.ThisHash
	}
	return true
}

// Log is the in-memory reference Writer: one chain for one execution, all
// state behind a single exclusive lock so hash computation, append, sequence
// increment, and last-hash update are one atomic operation.
type Log struct {
	mu          sync.Mutex
	executionID string
	events      []Event
	lastHash    string
	finalizedAt time.Time
	finalized   bool
	clock       agent.Clock
}

// NewLog creates an empty chain for the given execution.
func NewLog(executionID string) *Log {
	return &Log{
		executionID: executionID,
		lastHash:    GenesisHash,
		clock:       agent.UTCClock{},
	}
}

// ExecutionID returns the execution this chain records.
func (l *Log) ExecutionID() string { return l.executionID }

// Write appends a step record to the chain.
func (l *Log) Write(record StepRecord) error {
	return l.writeWith(record, nil)
}

// writeWith computes the next event under the lock, runs commit (persistence
// hook for backed stores), and appends only if commit succeeds — so a failed
// write leaves the chain exactly as it was.
func (l *Log) writeWith(record StepRecord, commit func(Event) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return fmt.Errorf("audit chain for execution %s is finalized", l.executionID)
	}

	sequence := uint64(len(l.events))
	thisHash, err := hashEvent(l.executionID, sequence, l.lastHash, record)
	if err != nil {
		return err
	}

	evt := Event{
		Sequence:    sequence,
		ExecutionID: l.executionID,
		Record:      record,
		PrevHash:    l.lastHash,
		ThisHash:    thisHash,
	}

	if commit != nil {
		if err := commit(evt); err != nil {
			return err
		}
	}

	l.events = append(l.events, evt)
	l.lastHash = thisHash
	return nil
}

// Finalize seals the chain. It is single-call: finalizing twice, or for the
// wrong execution, is an error.
func (l *Log) Finalize(executionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if executionID != l.executionID {
		return fmt.Errorf("finalize for execution %s, chain records %s", executionID, l.executionID)
	}
	if l.finalized {
		return fmt.Errorf("audit chain for execution %s already finalized", l.executionID)
	}
	l.finalized = true
	l.finalizedAt = l.clock.Now()
	return nil
}

// Events returns a copy of the chain in order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Export returns the chain with its terminal commitment.
func (l *Log) Export() AuditLog {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]Event, len(l.events))
	copy(events, l.events)

	terminal := ""
	if len(events) > 0 {
		terminal = events[len(events)-1].ThisHash
	}

	return AuditLog{
		ExecutionID:  l.executionID,
		Events:       events,
		FinalizedAt:  l.finalizedAt,
		TerminalHash: terminal,
	}
}

// VerifyIntegrity re-walks the whole chain and reports whether every link
// still holds.
func (l *Log) VerifyIntegrity() bool {
	return VerifyChain(l.executionID, l.Events())
}
