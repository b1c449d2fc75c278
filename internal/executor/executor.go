// Package executor drives one agent execution as a deterministic state
// machine. Every step runs the same gated pipeline:
//
//  1. Describe: the agent names the (action, resource) it wants
//  2. Policy: first-match rule evaluation; deny and approval short-circuit
//  3. Capability check: every declared requirement must be held
//  4. Propose: the single call site of Agent.Propose in the core
//  5. Verify: structural and semantic output checks
//  6. Transition: the agent advances its state by exactly one step
//  7. Audit: the step record joins the hash chain; failure is fatal
//  8. Terminal check: a terminal state finalizes the chain
//
// The agent's proposal logic is structurally unreachable unless steps 2 and
// 3 passed: there is exactly one Propose call, lexically below both gates,
// with no path around them. Given identical inputs and collaborators the
// pipeline produces identical outcomes in identical order: no hidden state,
// no randomness, no concurrency.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/custos-run/custos/internal/agent"
	"github.com/custos-run/custos/internal/audit"
	"github.com/custos-run/custos/internal/capability"
	"github.com/custos-run/custos/internal/metrics"
	"github.com/custos-run/custos/internal/policy"
	"github.com/custos-run/custos/internal/telemetry"
	"github.com/custos-run/custos/internal/verify"
)

// Executor owns the policy engine, audit writer, verifier, and output schema
// for the lifetime of one execution. The agent is borrowed per step.
type Executor struct {
	executionID string
	policy      *policy.Engine
	writer      audit.Writer
	verifier    *verify.Verifier
	schema      *verify.Schema
	clock       agent.Clock
	logger      *zap.Logger
}

// Options configures an Executor.
type Options struct {
	// ExecutionID binds the executor to one execution. Required.
	ExecutionID string
	// Policy is the rule engine consulted before every proposal. Required.
	Policy *policy.Engine
	// Writer is the audit backend. Required.
	Writer audit.Writer
	// Verifier checks proposals. Required.
	Verifier *verify.Verifier
	// Schema is the output schema proposals are verified against. Required.
	Schema *verify.Schema
	// Clock supplies record timestamps. Defaults to the UTC clock.
	Clock agent.Clock
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// New creates an executor for one execution.
func New(opts Options) (*Executor, error) {
	if opts.ExecutionID == "" {
		return nil, fmt.Errorf("executor: execution id is required")
	}
	if opts.Policy == nil || opts.Writer == nil || opts.Verifier == nil || opts.Schema == nil {
		return nil, fmt.Errorf("executor: policy, writer, verifier, and schema are required")
	}
	if opts.Clock == nil {
		opts.Clock = agent.UTCClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Executor{
		executionID: opts.ExecutionID,
		policy:      opts.Policy,
		writer:      opts.Writer,
		verifier:    opts.Verifier,
		schema:      opts.Schema,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}, nil
}

// Step advances the execution by one gated pipeline pass. It blocks until
// the step has completed, paused, or failed; the returned state (inside
// StepResult) is relinquished back to the host.
func (e *Executor) Step(ctx context.Context, ag agent.Agent, state agent.State, input agent.Input, caps *capability.Set) (*StepResult, error) {
	started := time.Now()

	if state.ExecutionID != e.executionID {
		return nil, &StateMachineError{
			Op:  "step",
			Msg: fmt.Sprintf("state belongs to execution %s, executor drives %s", state.ExecutionID, e.executionID),
		}
	}

	ctx, span := telemetry.StartStepSpan(ctx, string(state.AgentID), e.executionID, state.Step)

	// Capabilities are snapshotted at step entry: host grants made while the
	// step runs are invisible to it.
	held := caps.Snapshot()

	// Phase 1: the agent names its intent.
	action, resource := ag.DescribeAction(state, input)

	// Phase 2: policy.
	_, policySpan := telemetry.StartPolicySpan(ctx, action, resource)
	verdict := e.policy.Evaluate(policy.Context{
		AgentID:      string(state.AgentID),
		ExecutionID:  state.ExecutionID,
		CurrentPhase: state.Phase,
		Action:       action,
		Resource:     resource,
		Capabilities: held,
	})
	telemetry.EndPolicySpan(policySpan, string(verdict.Kind))

	switch verdict.Kind {
	case policy.VerdictDeny:
		e.logger.Warn("step denied by policy",
			zap.String("execution_id", e.executionID),
			zap.Uint64("step", state.Step),
			zap.String("action", action),
			zap.String("resource", resource),
			zap.String("reason", verdict.Reason),
		)
		if err := e.audit(state.AgentID, state.Step, input, verdict, nil); err != nil {
			telemetry.EndStepSpan(span, "audit_failed", err)
			return nil, err
		}
		metrics.PolicyDenialsTotal.WithLabelValues(string(state.AgentID)).Inc()
		metrics.ObserveStep(string(state.AgentID), string(OutcomeDenied), time.Since(started))
		telemetry.EndStepSpan(span, string(OutcomeDenied), nil)
		return &StepResult{
			Outcome: OutcomeDenied,
			State:   state,
			Reason:  verdict.Reason,
		}, nil

	case policy.VerdictRequireApproval:
		e.logger.Info("step suspended pending approval",
			zap.String("execution_id", e.executionID),
			zap.Uint64("step", state.Step),
			zap.String("action", action),
			zap.String("approver_role", verdict.ApproverRole),
		)
		if err := e.audit(state.AgentID, state.Step, input, verdict, nil); err != nil {
			telemetry.EndStepSpan(span, "audit_failed", err)
			return nil, err
		}
		metrics.ObserveStep(string(state.AgentID), string(OutcomeAwaitingApproval), time.Since(started))
		telemetry.EndStepSpan(span, string(OutcomeAwaitingApproval), nil)
		return &StepResult{
			Outcome:      OutcomeAwaitingApproval,
			State:        state,
			Reason:       verdict.Reason,
			ApproverRole: verdict.ApproverRole,
		}, nil
	}
	// Allow and RequireVerification proceed identically: both run the full
	// verification phase below. The verdict (with its check_id) is carried
	// into the audit record.

	// Phase 3: capability check. Refusal here is agent/host misalignment,
	// audited as a synthetic denial and surfaced as a typed error.
	for _, required := range ag.RequiredCapabilities(state, input) {
		if held.Has(capability.Capability(required)) {
			continue
		}
		capErr := &CapabilityMissingError{Capability: required, Action: action}
		e.logger.Warn("step refused: capability not held",
			zap.String("execution_id", e.executionID),
			zap.Uint64("step", state.Step),
			zap.String("action", action),
			zap.String("capability", required),
		)
		denial := policy.Verdict{Kind: policy.VerdictDeny, Reason: capErr.Error()}
		if err := e.audit(state.AgentID, state.Step, input, denial, nil); err != nil {
			telemetry.EndStepSpan(span, "audit_failed", err)
			return nil, err
		}
		metrics.CapabilityRefusalsTotal.WithLabelValues(string(state.AgentID), required).Inc()
		telemetry.EndStepSpan(span, "capability_missing", capErr)
		return nil, capErr
	}

	// Phase 4: propose. The only call site of Agent.Propose in the core —
	// unreachable unless the two gates above passed.
	output, err := ag.Propose(state, input)
	if err != nil {
		telemetry.EndStepSpan(span, "propose_failed", err)
		return nil, &StateMachineError{Op: "propose", Err: err}
	}

	// Phase 5: verify.
	_, verifySpan := telemetry.StartVerifySpan(ctx, e.schema.SchemaID)
	report := e.verifier.Verify(output, e.schema)
	telemetry.EndVerifySpan(verifySpan, report.Passed, len(report.Failures))
	if !report.Passed {
		metrics.VerificationFailuresTotal.WithLabelValues(string(state.AgentID), e.schema.SchemaID).Inc()
		verr := &VerificationFailedError{SchemaID: e.schema.SchemaID, Failures: report.Failures}
		telemetry.EndStepSpan(span, "verification_failed", verr)
		return nil, verr
	}

	// Phase 6: transition.
	next, err := ag.Transition(state, output)
	if err != nil {
		telemetry.EndStepSpan(span, "transition_failed", err)
		return nil, &StateMachineError{Op: "transition", Err: err}
	}
	if next.Step != state.Step+1 {
		serr := &StateMachineError{
			Op:  "transition",
			Msg: fmt.Sprintf("step must increment by exactly one: got %d, want %d", next.Step, state.Step+1),
		}
		telemetry.EndStepSpan(span, "transition_failed", serr)
		return nil, serr
	}
	if next.ExecutionID != state.ExecutionID {
		serr := &StateMachineError{Op: "transition", Msg: "transition changed the execution id"}
		telemetry.EndStepSpan(span, "transition_failed", serr)
		return nil, serr
	}

	// Phase 7: audit. Only now does a valid step record exist.
	if err := e.audit(state.AgentID, state.Step, input, verdict, &output); err != nil {
		telemetry.EndStepSpan(span, "audit_failed", err)
		return nil, err
	}

	// Phases 8–9: terminal check and return.
	if ag.IsTerminal(next) {
		if err := e.writer.Finalize(e.executionID); err != nil {
			werr := &AuditWriteError{Err: err}
			metrics.AuditWriteFailuresTotal.WithLabelValues(string(state.AgentID)).Inc()
			telemetry.EndStepSpan(span, "audit_failed", werr)
			return nil, werr
		}
		e.logger.Info("execution complete",
			zap.String("execution_id", e.executionID),
			zap.Uint64("steps", next.Step),
		)
		metrics.ObserveStep(string(state.AgentID), string(OutcomeComplete), time.Since(started))
		telemetry.EndStepSpan(span, string(OutcomeComplete), nil)
		return &StepResult{
			Outcome: OutcomeComplete,
			State:   next,
			Output:  &output,
		}, nil
	}

	e.logger.Info("step transitioned",
		zap.String("execution_id", e.executionID),
		zap.Uint64("step", state.Step),
		zap.String("action", action),
		zap.String("phase", next.Phase),
	)
	metrics.ObserveStep(string(state.AgentID), string(OutcomeTransitioned), time.Since(started))
	telemetry.EndStepSpan(span, string(OutcomeTransitioned), nil)
	return &StepResult{
		Outcome: OutcomeTransitioned,
		State:   next,
		Output:  &output,
	}, nil
}

// audit appends one step record to the chain. A write failure is fatal: the
// step is considered not to have occurred.
func (e *Executor) audit(agentID agent.ID, step uint64, input agent.Input, verdict policy.Verdict, output *agent.Output) error {
	record := audit.StepRecord{
		Step:      step,
		Input:     input,
		Verdict:   verdict,
		Output:    output,
		Timestamp: e.clock.Now(),
	}
	if err := e.writer.Write(record); err != nil {
		e.logger.Error("audit write failed",
			zap.String("execution_id", e.executionID),
			zap.Uint64("step", step),
			zap.Error(err),
		)
		metrics.AuditWriteFailuresTotal.WithLabelValues(string(agentID)).Inc()
		return &AuditWriteError{Err: err}
	}
	metrics.AuditEventsTotal.WithLabelValues(string(agentID)).Inc()
	return nil
}
