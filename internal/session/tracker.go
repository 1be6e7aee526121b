package session

import (
	"time"

	"github.com/audiolab/stimrun/internal/device"
	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/timing"
)

// Tracker is the response bookkeeping of one trial. The start time is latched
// once at onset; the first qualifying response wins.
type Tracker struct {
	trial    domain.Trial
	start    time.Duration
	deadline time.Duration
	started  bool
	rt       domain.ReactionTime
}

// NewTracker returns a Tracker for trial.
func NewTracker(trial domain.Trial) *Tracker {
	return &Tracker{trial: trial}
}

// Onset latches the trial start. Later calls are ignored.
func (t *Tracker) Onset(at time.Duration) {
	if t.started {
		return
	}
	t.started = true
	t.start = at
	t.deadline = at + timing.Duration(t.trial.TotalSec)
}

// Start returns the latched onset.
func (t *Tracker) Start() time.Duration { return t.start }

// Deadline returns the end of the trial window.
func (t *Tracker) Deadline() time.Duration { return t.deadline }

// Observe offers a response event. It reports whether the event was recorded
// as this trial's reaction time. Events on trials not requiring a response,
// before onset, at or after the deadline, or after a recorded response are
// ignored.
func (t *Tracker) Observe(ev device.ResponseEvent) bool {
	if !t.started || t.rt.Valid || !t.trial.Type.RequiresResponse() {
		return false
	}
	if ev.At < t.start || ev.At >= t.deadline {
		return false
	}
	t.rt = domain.Responded((ev.At - t.start).Seconds())
	return true
}

// Expired reports whether now is at or past the trial deadline.
func (t *Tracker) Expired(now time.Duration) bool {
	return t.started && now >= t.deadline
}

// Complete returns the trial's reaction time and whether it belongs in the
// run's reaction-time list, which holds one entry per target trial.
func (t *Tracker) Complete() (domain.ReactionTime, bool) {
	return t.rt, t.trial.Type.RequiresResponse()
}
