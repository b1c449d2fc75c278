package executor

import "github.com/custos-run/custos/internal/agent"

// Outcome is the closed set of orderly step results. Typed errors cover the
// abnormal endings; an Outcome is only ever produced for a step the policy
// layer legitimately completed or paused.
type Outcome string

const (
	// OutcomeTransitioned: the step succeeded and the execution continues.
	OutcomeTransitioned Outcome = "transitioned"
	// OutcomeDenied: policy refused the step; the execution ends normally.
	OutcomeDenied Outcome = "denied"
	// OutcomeAwaitingApproval: policy paused the step pending a human
	// decision; the host resumes with an approval-kind input.
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	// OutcomeComplete: the step succeeded and reached a terminal state.
	OutcomeComplete Outcome = "complete"
)

// StepResult describes how one pipeline step ended.
type StepResult struct {
	Outcome Outcome

	// State is the state handed back to the host: the next state after
	// Transitioned/Complete, the unchanged current state after Denied or
	// AwaitingApproval.
	State agent.State

	// Output is the verified proposal (Transitioned and Complete only).
	Output *agent.Output

	// Reason explains a denial or approval requirement.
	Reason string

	// ApproverRole names who must decide (AwaitingApproval only).
	ApproverRole string
}
