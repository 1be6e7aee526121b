// Package domain defines the core types for stimulus runs.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TrialType is the kind of stimulus presented in a trial.
type TrialType string

const (
	Standard TrialType = "standard"
	Target   TrialType = "target"
)

// RequiresResponse reports whether the participant is expected to respond.
func (t TrialType) RequiresResponse() bool {
	return t == Target
}

// Code returns the play-matrix code: 0 for standard, 1 for target.
func (t TrialType) Code() int {
	if t == Target {
		return 1
	}
	return 0
}

// Valid reports whether t is a known trial type.
func (t TrialType) Valid() bool {
	return t == Standard || t == Target
}

// TrialTypeFromCode maps a play-matrix code back to a TrialType.
func TrialTypeFromCode(code int) (TrialType, error) {
	switch code {
	case 0:
		return Standard, nil
	case 1:
		return Target, nil
	default:
		return "", fmt.Errorf("unknown trial code %d", code)
	}
}

// LabelSequence is the ordered list of trial types for one run.
type LabelSequence []TrialType

// Count returns how many entries equal t.
func (s LabelSequence) Count(t TrialType) int {
	n := 0
	for _, v := range s {
		if v == t {
			n++
		}
	}
	return n
}

// LongestRun returns the length of the longest block of consecutive t entries.
func (s LabelSequence) LongestRun(t TrialType) int {
	longest, cur := 0, 0
	for _, v := range s {
		if v != t {
			cur = 0
			continue
		}
		cur++
		if cur > longest {
			longest = cur
		}
	}
	return longest
}

// Codes returns the play-matrix representation of the sequence.
func (s LabelSequence) Codes() []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = v.Code()
	}
	return out
}

// JitterSequence holds one inter-trial jitter per trial, in seconds.
type JitterSequence []float64

// TimingMode selects how stimulus duration and jitter combine.
type TimingMode string

const (
	// TimingOffset treats jitter as the gap from stimulus offset to next onset.
	TimingOffset TimingMode = "offset"
	// TimingOnset treats jitter as the onset-to-onset interval.
	TimingOnset TimingMode = "onset"
)

// Trial is one entry of a TrialPlan.
type Trial struct {
	Index       int       `json:"index"`
	Type        TrialType `json:"type"`
	StimulusSec float64   `json:"stimulus_sec"`
	JitterSec   float64   `json:"jitter_sec"`
	TotalSec    float64   `json:"total_sec"`
}

// TrialPlan is the ordered per-trial schedule consumed by the trial loop.
type TrialPlan struct {
	Mode   TimingMode `json:"mode"`
	Trials []Trial    `json:"trials"`
}

// TotalSec returns the planned duration of the whole run.
func (p TrialPlan) TotalSec() float64 {
	var sum float64
	for _, t := range p.Trials {
		sum += t.TotalSec
	}
	return sum
}

// ReactionTime is an optional reaction time. An invalid value means the
// participant did not respond; it encodes as JSON null.
type ReactionTime struct {
	Seconds float64
	Valid   bool
}

// Responded returns a recorded reaction time.
func Responded(sec float64) ReactionTime {
	return ReactionTime{Seconds: sec, Valid: true}
}

// NoResponse is the reaction time of a target trial without a response.
var NoResponse = ReactionTime{}

// String renders the value for logs.
func (r ReactionTime) String() string {
	if !r.Valid {
		return "none"
	}
	return strconv.FormatFloat(r.Seconds, 'f', 3, 64) + "s"
}

// MarshalJSON implements json.Marshaler.
func (r ReactionTime) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.Seconds)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *ReactionTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = NoResponse
		return nil
	}
	var sec float64
	if err := json.Unmarshal(data, &sec); err != nil {
		return fmt.Errorf("reaction time: %w", err)
	}
	*r = Responded(sec)
	return nil
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further trials will be executed.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled || s == RunFailed
}

// RunResult is everything collected during one run. Labels and Jitter hold the
// executed trials only; ReactionTimes has one entry per executed target trial.
type RunResult struct {
	RunID         string         `json:"run_id"`
	Subject       string         `json:"subject"`
	Run           string         `json:"run"`
	Paradigm      string         `json:"paradigm"`
	Seed          uint64         `json:"seed"`
	Status        RunStatus      `json:"status"`
	PlannedTrials int            `json:"planned_trials"`
	Labels        LabelSequence  `json:"labels"`
	Jitter        JitterSequence `json:"jitter"`
	ReactionTimes []ReactionTime `json:"reaction_times"`
	StartedAt     int64          `json:"started_at"`
	EndedAt       int64          `json:"ended_at"`
	Error         string         `json:"error,omitempty"`
}

// TrialState is a state of the per-trial execution machine.
type TrialState string

const (
	StateIdle             TrialState = "idle"
	StatePresenting       TrialState = "presenting"
	StateAwaitingResponse TrialState = "awaiting_response"
	StateTrialComplete    TrialState = "trial_complete"
	StateFinished         TrialState = "finished"
)

// RunEvent is an entry in a run's append-only event log.
type RunEvent struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	SeqNo       int64      `json:"seq_no"`
	TrialIndex  int        `json:"trial_index"`
	State       TrialState `json:"state"`
	EventType   string     `json:"event_type"`
	PayloadJSON string     `json:"payload_json"`
	CreatedAt   int64      `json:"created_at"`
}

// StoredTrial is the persisted row for one executed trial.
type StoredTrial struct {
	RunID        string       `json:"run_id"`
	Index        int          `json:"index"`
	Type         TrialType    `json:"type"`
	StimulusSec  float64      `json:"stimulus_sec"`
	JitterSec    float64      `json:"jitter_sec"`
	TotalSec     float64      `json:"total_sec"`
	ReactionTime ReactionTime `json:"reaction_time"`
}
