// Package agent defines the contract between the trusted execution core and
// the untrusted agents it governs. An agent proposes outputs; it never acts.
// The executor decides — per step, through policy and capability gates —
// whether a proposal may proceed, and the agent only ever sees its own state
// and inputs.
//
// All five contract methods are synchronous. The core treats payloads as
// opaque structured values: only the output verifier ever looks inside them.
package agent

import (
	"time"

	"github.com/google/uuid"
)

// ID is the stable, human-readable identifier for an agent type.
// It keys policy context and audit records.
type ID string

// NewExecutionID returns a globally unique identifier for one logical
// execution. Every audit event of the execution carries it.
func NewExecutionID() string {
	return uuid.NewString()
}

// State is the per-execution state threaded through steps by value. The host
// creates it at step 0 and relinquishes it back between steps; the core never
// inspects Context.
type State struct {
	AgentID     ID     `json:"agent_id"`
	ExecutionID string `json:"execution_id"`
	// Phase is a free-form tag describing the agent's current stage.
	Phase string `json:"phase"`
	// Context is an opaque structured value owned by the agent.
	Context any `json:"context,omitempty"`
	// Step is strictly monotonic: each successful transition increments it
	// by exactly one.
	Step uint64 `json:"step"`
}

// NewState creates a step-0 state for a fresh execution.
func NewState(agentID ID, phase string, context any) State {
	return State{
		AgentID:     agentID,
		ExecutionID: NewExecutionID(),
		Phase:       phase,
		Context:     context,
		Step:        0,
	}
}

// Input is one step's stimulus. Kind is a tag (e.g. "user_message",
// "approval_granted"); Payload is opaque to the core.
type Input struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// Output is an agent's proposal for one step. The verifier alone interprets
// Payload.
type Output struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// Agent is the capability interface through which the core consumes agent
// implementations. Propose is only ever called by the executor, after the
// policy and capability gates have passed.
type Agent interface {
	// DescribeAction names the (action, resource) pair this state+input
	// would exercise. Both are opaque tags consumed only by policy.
	DescribeAction(state State, input Input) (action, resource string)

	// RequiredCapabilities lists the capability tokens this state+input
	// needs. The executor refuses the step if any is not held.
	RequiredCapabilities(state State, input Input) []string

	// Propose produces the agent's output for this step.
	Propose(state State, input Input) (Output, error)

	// Transition advances the state after a verified proposal. The returned
	// state must increment Step by exactly one.
	Transition(state State, output Output) (State, error)

	// IsTerminal reports whether the state ends the execution.
	IsTerminal(state State) bool
}

// Clock supplies timestamps for audit records. Timestamps are recorded data
// only; control flow never consults them.
type Clock interface {
	Now() time.Time
}

// UTCClock is the production clock: monotonic reads, recorded as UTC.
type UTCClock struct{}

// Now returns the current time in UTC.
func (UTCClock) Now() time.Time { return time.Now().UTC() }
