package transfers

import (
	"fmt"
	"strings"
)

// Phase is the progress phase of a transfer. Phases only move forward;
// any phase may jump straight to PhaseCompleted when a transfer ends early
// (rejection, cancellation before start, and so on).
type Phase string

const (
	PhaseRequested    Phase = "Requested"
	PhaseQueued       Phase = "Queued"
	PhaseInitializing Phase = "Initializing"
	PhaseInProgress   Phase = "InProgress"
	PhaseCompleted    Phase = "Completed"
)

// phaseRank orders phases for transition validation.
var phaseRank = map[Phase]int{
	PhaseRequested:    0,
	PhaseQueued:       1,
	PhaseInitializing: 2,
	PhaseInProgress:   3,
	PhaseCompleted:    4,
}

// Outcome is the terminal disposition of a transfer. OutcomeNone is the only
// legal outcome while a transfer is still in flight; every completed transfer
// carries exactly one of the others.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "Succeeded"
	OutcomeErrored   Outcome = "Errored"
	OutcomeCancelled Outcome = "Cancelled"
	OutcomeTimedOut  Outcome = "TimedOut"
	OutcomeRejected  Outcome = "Rejected"
	OutcomeAborted   Outcome = "Aborted"
)

// Origin records which side of the connection the queued phase belongs to.
// An upload queued on this host is OriginLocal; a download waiting in the
// remote peer's queue is OriginRemote.
type Origin string

const (
	OriginNone   Origin = ""
	OriginLocal  Origin = "Locally"
	OriginRemote Origin = "Remotely"
)

// State is the (phase, outcome) pair describing where a transfer is in its
// lifecycle. It is persisted as a comma-separated string, for example
// "Queued, Locally" or "Completed, Succeeded".
type State struct {
	Phase   Phase
	Outcome Outcome
	Origin  Origin
}

// Convenience states used throughout the upload path.
var (
	StateRequested      = State{Phase: PhaseRequested}
	StateQueuedLocally  = State{Phase: PhaseQueued, Origin: OriginLocal}
	StateQueuedRemotely = State{Phase: PhaseQueued, Origin: OriginRemote}
	StateInitializing   = State{Phase: PhaseInitializing}
	StateInProgress     = State{Phase: PhaseInProgress}
	StateSucceeded      = State{Phase: PhaseCompleted, Outcome: OutcomeSucceeded}
	StateErrored        = State{Phase: PhaseCompleted, Outcome: OutcomeErrored}
	StateCancelled      = State{Phase: PhaseCompleted, Outcome: OutcomeCancelled}
	StateTimedOut       = State{Phase: PhaseCompleted, Outcome: OutcomeTimedOut}
	StateRejected       = State{Phase: PhaseCompleted, Outcome: OutcomeRejected}
	StateAborted        = State{Phase: PhaseCompleted, Outcome: OutcomeAborted}
)

// terminalOutcomes enumerates every legal outcome of a completed transfer.
var terminalOutcomes = []Outcome{
	OutcomeSucceeded,
	OutcomeErrored,
	OutcomeCancelled,
	OutcomeTimedOut,
	OutcomeRejected,
	OutcomeAborted,
}

// TerminalStates returns every completed state. Summarization and cleanup
// queries compare against this explicit list instead of doing substring
// matching on the encoded column.
func TerminalStates() []State {
	states := make([]State, len(terminalOutcomes))
	for i, o := range terminalOutcomes {
		states[i] = State{Phase: PhaseCompleted, Outcome: o}
	}
	return states
}

// TerminalStateStrings returns the encoded forms of every completed state.
func TerminalStateStrings() []string {
	terminal := TerminalStates()
	encoded := make([]string, len(terminal))
	for i, s := range terminal {
		encoded[i] = s.String()
	}
	return encoded
}

// IsTerminal reports whether the transfer has ended.
func (s State) IsTerminal() bool {
	return s.Phase == PhaseCompleted
}

// Validate checks the pair's legality: a completed state carries exactly one
// terminal outcome, an in-flight state carries none, and only the queued
// phase carries an origin marker.
func (s State) Validate() error {
	if _, ok := phaseRank[s.Phase]; !ok {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidState, s.Phase)
	}
	if s.Phase == PhaseCompleted {
		if s.Outcome == OutcomeNone {
			return fmt.Errorf("%w: completed state requires an outcome", ErrInvalidState)
		}
	} else if s.Outcome != OutcomeNone {
		return fmt.Errorf("%w: outcome %q on non-terminal phase %q", ErrInvalidState, s.Outcome, s.Phase)
	}
	if s.Origin != OriginNone && s.Phase != PhaseQueued {
		return fmt.Errorf("%w: origin %q outside queued phase", ErrInvalidState, s.Origin)
	}
	switch s.Outcome {
	case OutcomeNone, OutcomeSucceeded, OutcomeErrored, OutcomeCancelled, OutcomeTimedOut, OutcomeRejected, OutcomeAborted:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidState, s.Outcome)
	}
	return nil
}

// CanTransitionTo reports whether moving from s to next is legal. Phases
// never move backwards, re-entering the same phase is allowed (the wire
// library re-reports states during handshaking), and any phase may complete.
func (s State) CanTransitionTo(next State) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if s.IsTerminal() {
		return fmt.Errorf("%w: transfer already completed as %q", ErrInvalidState, s.Outcome)
	}
	if next.Phase != PhaseCompleted && phaseRank[next.Phase] < phaseRank[s.Phase] {
		return fmt.Errorf("%w: phase %q cannot follow %q", ErrInvalidState, next.Phase, s.Phase)
	}
	return nil
}

// String encodes the state for persistence and the management surface.
func (s State) String() string {
	parts := []string{string(s.Phase)}
	if s.Origin != OriginNone {
		parts = append(parts, string(s.Origin))
	}
	if s.Outcome != OutcomeNone {
		parts = append(parts, string(s.Outcome))
	}
	return strings.Join(parts, ", ")
}

// ParseState decodes the persisted encoding produced by String.
func ParseState(encoded string) (State, error) {
	var s State
	for i, part := range strings.Split(encoded, ",") {
		part = strings.TrimSpace(part)
		if i == 0 {
			s.Phase = Phase(part)
			continue
		}
		switch part {
		case string(OriginLocal), string(OriginRemote):
			s.Origin = Origin(part)
		default:
			s.Outcome = Outcome(part)
		}
	}
	if err := s.Validate(); err != nil {
		return State{}, fmt.Errorf("parse state %q: %w", encoded, err)
	}
	return s, nil
}
