package session

import (
	"context"
	"fmt"
	"time"

	"github.com/audiolab/stimrun/internal/device"
	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/plan"
	"github.com/audiolab/stimrun/internal/timing"
)

// DefaultPollInterval is the sleep between input polls.
const DefaultPollInterval = time.Millisecond

// Outcome is one executed trial.
type Outcome struct {
	Trial        domain.Trial
	Onset        time.Duration
	ReactionTime domain.ReactionTime
}

// Result holds the completed trials of a run. Labels and Jitter have one entry
// per completed trial; ReactionTimes one per completed target trial.
type Result struct {
	Status        domain.RunStatus
	Outcomes      []Outcome
	Labels        domain.LabelSequence
	Jitter        domain.JitterSequence
	ReactionTimes []domain.ReactionTime
}

func (r *Result) add(o Outcome, rt domain.ReactionTime, counts bool) {
	r.Outcomes = append(r.Outcomes, o)
	r.Labels = append(r.Labels, o.Trial.Type)
	r.Jitter = append(r.Jitter, o.Trial.JitterSec)
	if counts {
		r.ReactionTimes = append(r.ReactionTimes, rt)
	}
}

// Runner drives the trial loop against its collaborators.
type Runner struct {
	Clock        timing.Clock
	Stimuli      device.StimulusSource
	Playback     device.Playback
	Trigger      device.TriggerSink
	Input        device.InputSource
	Codes        device.TriggerCodes
	PollInterval time.Duration
	Observer     Observer
}

func (r *Runner) check() error {
	var missing []string
	if r.Clock == nil {
		missing = append(missing, "clock")
	}
	if r.Stimuli == nil {
		missing = append(missing, "stimuli")
	}
	if r.Playback == nil {
		missing = append(missing, "playback")
	}
	if r.Trigger == nil {
		missing = append(missing, "trigger")
	}
	if r.Input == nil {
		missing = append(missing, "input")
	}
	if len(missing) > 0 {
		return domain.NewRunError(domain.ErrConfigInvalid.Code, fmt.Sprintf("runner missing %v", missing))
	}
	return nil
}

// Run validates and executes the plan. Cancelling ctx ends the run after
// dropping the trial in progress; the partial result has status cancelled and
// the error is nil. A collaborator failure ends the run with status failed and an error
// matching domain.ErrHardware.
func (r *Runner) Run(ctx context.Context, tp domain.TrialPlan) (*Result, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if err := plan.Validate(tp); err != nil {
		return nil, err
	}
	poll := r.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	res := &Result{Status: domain.RunRunning}
	m := &machine{state: domain.StateIdle, observer: r.Observer}

	finish := func(status domain.RunStatus, trial int, cause error) (*Result, error) {
		res.Status = status
		payload := map[string]any{"status": string(status), "trials_completed": len(res.Outcomes)}
		if cause != nil {
			payload["error"] = cause.Error()
		}
		// Finished is reachable from any live state.
		_ = m.transition(domain.StateFinished, trial, EventRunFinished, r.Clock.Now(), payload)
		return res, cause
	}
	fail := func(trial int, what string, err error) (*Result, error) {
		return finish(domain.RunFailed, trial, domain.WrapRunError(domain.ErrHardware.Code,
			fmt.Sprintf("trial %d: %s", trial, what), err))
	}

	stimuli := make(map[domain.TrialType]device.Stimulus, 2)
	for _, t := range tp.Trials {
		if _, ok := stimuli[t.Type]; ok {
			continue
		}
		s, err := r.Stimuli.Stimulus(ctx, t.Type)
		if err != nil {
			return finish(domain.RunFailed, t.Index, err)
		}
		stimuli[t.Type] = s
	}

	for i, trial := range tp.Trials {
		if ctx.Err() != nil {
			return finish(domain.RunCancelled, trial.Index, nil)
		}
		if i > 0 {
			if err := m.transition(domain.StateIdle, trial.Index, EventNextTrial, r.Clock.Now(), nil); err != nil {
				return finish(domain.RunFailed, trial.Index, err)
			}
		}
		if err := m.transition(domain.StatePresenting, trial.Index, EventTrialStarted, r.Clock.Now(),
			map[string]any{"type": string(trial.Type)}); err != nil {
			return finish(domain.RunFailed, trial.Index, err)
		}

		onset, err := r.Playback.Present(ctx, trial, stimuli[trial.Type])
		if err != nil {
			return fail(trial.Index, "present stimulus", err)
		}
		tr := NewTracker(trial)
		tr.Onset(onset)

		// One pulse per code, each at the onset of the tone it marks.
		codes := r.Codes.ForTrial(trial.Type)
		starts := device.ToneOnsets(stimuli[trial.Type], len(codes))
		pending := make([]device.Pulse, len(codes))
		for j, code := range codes {
			pending[j] = device.Pulse{
				Kind:       device.PulseOnset,
				TrialIndex: trial.Index,
				Type:       trial.Type,
				Codes:      []int{code},
				At:         onset + timing.Duration(starts[j]),
			}
		}
		firePending := func(now time.Duration) error {
			for len(pending) > 0 && pending[0].At <= now {
				if err := r.Trigger.Pulse(ctx, pending[0]); err != nil {
					return err
				}
				pending = pending[1:]
			}
			return nil
		}
		if err := firePending(onset); err != nil {
			return fail(trial.Index, "onset trigger", err)
		}

		if err := m.transition(domain.StateAwaitingResponse, trial.Index, EventStimulusOnset, onset,
			map[string]any{"onset_sec": onset.Seconds(), "total_sec": trial.TotalSec,
				"deadline_sec": tr.Deadline().Seconds()}); err != nil {
			return finish(domain.RunFailed, trial.Index, err)
		}

		for {
			if ctx.Err() != nil {
				return finish(domain.RunCancelled, trial.Index, nil)
			}
			now := r.Clock.Now()
			if err := firePending(now); err != nil {
				return fail(trial.Index, "tone trigger", err)
			}
			events, err := r.Input.Poll(ctx)
			if err != nil {
				return fail(trial.Index, "poll input", err)
			}
			for _, ev := range events {
				if !tr.Observe(ev) {
					continue
				}
				if err := r.Trigger.Pulse(ctx, device.Pulse{
					Kind:       device.PulseResponse,
					TrialIndex: trial.Index,
					Type:       trial.Type,
					Codes:      []int{r.Codes.Button},
					At:         ev.At,
				}); err != nil {
					return fail(trial.Index, "response trigger", err)
				}
				rt, _ := tr.Complete()
				m.emit(Event{
					TrialIndex: trial.Index,
					From:       domain.StateAwaitingResponse,
					To:         domain.StateAwaitingResponse,
					Type:       EventResponseRecorded,
					At:         ev.At,
					Payload:    map[string]any{"reaction_time_sec": rt.Seconds, "button": ev.Button},
				})
			}
			if tr.Expired(now) {
				break
			}
			r.Clock.Sleep(poll)
		}
		// Tones never start after the deadline; flush anything left by rounding.
		if err := firePending(tr.Deadline()); err != nil {
			return fail(trial.Index, "tone trigger", err)
		}

		rt, counts := tr.Complete()
		payload := map[string]any{"type": string(trial.Type)}
		if counts {
			payload["reaction_time"] = rt
		}
		if err := m.transition(domain.StateTrialComplete, trial.Index, EventTrialCompleted, r.Clock.Now(), payload); err != nil {
			return finish(domain.RunFailed, trial.Index, err)
		}
		res.add(Outcome{Trial: trial, Onset: onset, ReactionTime: rt}, rt, counts)
	}

	last := len(tp.Trials) - 1
	if last < 0 {
		last = 0
	}
	return finish(domain.RunCompleted, last, nil)
}
