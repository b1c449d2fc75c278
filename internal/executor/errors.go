package executor

import (
	"fmt"
	"strings"

	"github.com/custos-run/custos/internal/verify"
)

// CapabilityMissingError is returned when an agent declares a required
// capability the host has not granted. The step is refused before Propose,
// and a synthetic denial is audited — the attempt itself is evidence.
type CapabilityMissingError struct {
	Capability string
	Action     string
}

func (e *CapabilityMissingError) Error() string {
	return fmt.Sprintf("required capability '%s' not held for action '%s'", e.Capability, e.Action)
}

// VerificationFailedError is returned when a proposed output fails its
// schema. The step never completed, so nothing is audited for it.
type VerificationFailedError struct {
	SchemaID string
	Failures []verify.Failure
}

func (e *VerificationFailedError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Message
	}
	return fmt.Sprintf("output failed verification against schema '%s': %s",
		e.SchemaID, strings.Join(msgs, "; "))
}

// AuditWriteError is fatal: the step's record could not be made durable, so
// the step is considered not to have occurred and the execution must stop.
type AuditWriteError struct {
	Err error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed: %v", e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// StateMachineError reports an agent or host violating the step contract:
// a failed proposal or transition, a step counter that did not advance by
// exactly one, or a state from a different execution.
type StateMachineError struct {
	Op  string
	Msg string
	Err error
}

func (e *StateMachineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state machine: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("state machine: %s: %s", e.Op, e.Msg)
}

func (e *StateMachineError) Unwrap() error { return e.Err }
