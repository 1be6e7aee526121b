// Package device defines the collaborators the trial loop drives (stimulus
// source, playback, trigger output, response input) and software
// implementations of them for dry runs and tests.
package device

import (
	"context"
	"time"

	"github.com/audiolab/stimrun/internal/domain"
)

// Stimulus is an opaque playable waveform.
type Stimulus interface {
	// Duration returns the playback length in seconds.
	Duration() float64
}

// StimulusSource resolves the stimulus for a trial type.
type StimulusSource interface {
	Stimulus(ctx context.Context, t domain.TrialType) (Stimulus, error)
}

// Playback starts a stimulus and returns its onset on the run clock.
type Playback interface {
	Present(ctx context.Context, trial domain.Trial, s Stimulus) (time.Duration, error)
}

// PulseKind distinguishes trigger pulses.
type PulseKind string

const (
	PulseOnset    PulseKind = "onset"
	PulseResponse PulseKind = "response"
)

// Pulse is one trigger emission.
type Pulse struct {
	Kind       PulseKind
	TrialIndex int
	Type       domain.TrialType
	Codes      []int
	At         time.Duration
}

// TriggerSink emits hardware trigger pulses. Pulse is called synchronously
// from the trial loop and must not retry.
type TriggerSink interface {
	Pulse(ctx context.Context, p Pulse) error
}

// ResponseEvent is a button press reported by an input device.
type ResponseEvent struct {
	At     time.Duration
	Button int
	Key    string
}

// InputSource is polled for response events. Poll must not block.
type InputSource interface {
	Poll(ctx context.Context) ([]ResponseEvent, error)
}
