package agent

import "fmt"

// ScriptedStep is one planned step of a Scripted agent.
type ScriptedStep struct {
	// Action and Resource are what DescribeAction reports for this step.
	Action   string
	Resource string
	// Requires lists the capability tokens RequiredCapabilities reports.
	Requires []string
	// Output is the proposal for this step.
	Output Output
	// NextPhase is the phase tag after transitioning past this step.
	NextPhase string
}

// Scripted is a deterministic agent driven by a fixed plan, indexed by the
// state's step counter. It backs the reference scenarios and the test suites:
// same inputs, same proposals, every run.
type Scripted struct {
	id    ID
	steps []ScriptedStep

	// ProposeCalls counts invocations of Propose. Gating tests assert it
	// stays at zero when policy or capabilities refuse a step.
	ProposeCalls int
}

// NewScripted creates a scripted agent with the given plan.
func NewScripted(id ID, steps ...ScriptedStep) *Scripted {
	return &Scripted{id: id, steps: steps}
}

// ID returns the agent's identifier.
func (s *Scripted) ID() ID { return s.id }

// DescribeAction names the action and resource of the current scripted step.
func (s *Scripted) DescribeAction(state State, _ Input) (string, string) {
	step, ok := s.current(state)
	if !ok {
		return "", ""
	}
	return step.Action, step.Resource
}

// RequiredCapabilities lists the current step's capability requirements.
func (s *Scripted) RequiredCapabilities(state State, _ Input) []string {
	step, ok := s.current(state)
	if !ok {
		return nil
	}
	return step.Requires
}

// Propose returns the scripted output for the current step.
func (s *Scripted) Propose(state State, _ Input) (Output, error) {
	s.ProposeCalls++
	step, ok := s.current(state)
	if !ok {
		return Output{}, fmt.Errorf("no scripted step at index %d", state.Step)
	}
	return step.Output, nil
}

// Transition advances past the current step, incrementing the step counter
// by exactly one and adopting the step's next phase.
func (s *Scripted) Transition(state State, _ Output) (State, error) {
	step, ok := s.current(state)
	if !ok {
		return State{}, fmt.Errorf("no scripted step at index %d", state.Step)
	}
	next := state
	next.Step = state.Step + 1
	if step.NextPhase != "" {
		next.Phase = step.NextPhase
	}
	return next, nil
}

// IsTerminal reports whether the plan is exhausted.
func (s *Scripted) IsTerminal(state State) bool {
	return state.Step >= uint64(len(s.steps))
}

func (s *Scripted) current(state State) (ScriptedStep, bool) {
	if state.Step >= uint64(len(s.steps)) {
		return ScriptedStep{}, false
	}
	return s.steps[state.Step], true
}
