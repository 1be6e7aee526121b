// Package session executes a trial plan: it presents stimuli, emits triggers,
// polls for responses and records reaction times.
package session

import (
	"fmt"
	"time"

	"github.com/audiolab/stimrun/internal/domain"
)

// validTransitions defines the legal trial state transitions. Finished is
// reachable from every state and is handled in IsValidTransition.
var validTransitions = map[domain.TrialState]map[domain.TrialState]bool{
	domain.StateIdle:             {domain.StatePresenting: true},
	domain.StatePresenting:       {domain.StateAwaitingResponse: true},
	domain.StateAwaitingResponse: {domain.StateTrialComplete: true},
	domain.StateTrialComplete:    {domain.StateIdle: true},
}

// IsValidTransition checks if a trial state transition is legal.
func IsValidTransition(from, to domain.TrialState) bool {
	if from == domain.StateFinished {
		return false
	}
	if to == domain.StateFinished {
		_, known := validTransitions[from]
		return known
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Event is delivered to the Observer on every state transition and on every
// recorded response.
type Event struct {
	TrialIndex int
	From       domain.TrialState
	To         domain.TrialState
	Type       string
	At         time.Duration
	Payload    map[string]any
}

// Event types.
const (
	EventTrialStarted     = "trial_started"
	EventStimulusOnset    = "stimulus_onset"
	EventResponseRecorded = "response_recorded"
	EventTrialCompleted   = "trial_completed"
	EventNextTrial        = "next_trial"
	EventRunFinished      = "run_finished"
)

// Observer receives run events synchronously from the trial loop.
type Observer func(Event)

// machine tracks the current state and reports transitions.
type machine struct {
	state    domain.TrialState
	observer Observer
}

func (m *machine) transition(to domain.TrialState, trial int, eventType string, at time.Duration, payload map[string]any) error {
	if !IsValidTransition(m.state, to) {
		if m.state == domain.StateFinished {
			return domain.ErrRunFinished
		}
		return domain.NewRunError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal transition %s -> %s", m.state, to))
	}
	from := m.state
	m.state = to
	m.emit(Event{TrialIndex: trial, From: from, To: to, Type: eventType, At: at, Payload: payload})
	return nil
}

func (m *machine) emit(ev Event) {
	if m.observer != nil {
		m.observer(ev)
	}
}
