// Package plan assembles the per-trial schedule consumed by the trial loop.
package plan

import (
	"context"
	"fmt"
	"math"

	"github.com/audiolab/stimrun/internal/device"
	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/timing"
)

// Build zips labels and jitter by index into a TrialPlan. Each trial type's
// stimulus is resolved once and its duration reused for every trial of that
// type.
func Build(ctx context.Context, labels domain.LabelSequence, jitter domain.JitterSequence, stimuli device.StimulusSource, mode domain.TimingMode) (domain.TrialPlan, error) {
	if mode != domain.TimingOffset && mode != domain.TimingOnset {
		return domain.TrialPlan{}, domain.NewRunError(domain.ErrPlanInvalid.Code, fmt.Sprintf("unknown timing mode %q", mode))
	}
	if len(labels) != len(jitter) {
		return domain.TrialPlan{}, domain.NewRunError(domain.ErrPlanInvalid.Code,
			fmt.Sprintf("%d labels but %d jitter values", len(labels), len(jitter)))
	}
	if stimuli == nil {
		return domain.TrialPlan{}, domain.NewRunError(domain.ErrPlanInvalid.Code, "no stimulus source")
	}

	durations := make(map[domain.TrialType]float64, 2)
	trials := make([]domain.Trial, len(labels))
	for i, t := range labels {
		if !t.Valid() {
			return domain.TrialPlan{}, domain.NewRunError(domain.ErrPlanInvalid.Code,
				fmt.Sprintf("trial %d: unknown type %q", i, t))
		}
		stim, ok := durations[t]
		if !ok {
			s, err := stimuli.Stimulus(ctx, t)
			if err != nil {
				return domain.TrialPlan{}, err
			}
			stim = s.Duration()
			durations[t] = stim
		}
		if jitter[i] < 0 {
			return domain.TrialPlan{}, domain.NewRunError(domain.ErrPlanInvalid.Code,
				fmt.Sprintf("trial %d: negative jitter %v", i, jitter[i]))
		}
		trials[i] = domain.Trial{
			Index:       i,
			Type:        t,
			StimulusSec: stim,
			JitterSec:   jitter[i],
			TotalSec:    timing.TrialDuration(stim, jitter[i], mode),
		}
	}
	return domain.TrialPlan{Mode: mode, Trials: trials}, nil
}

// Validate re-checks a plan that may not have come from Build. The trial loop
// runs it before executing any plan.
func Validate(p domain.TrialPlan) error {
	if p.Mode != domain.TimingOffset && p.Mode != domain.TimingOnset {
		return domain.NewRunError(domain.ErrPlanInvalid.Code, fmt.Sprintf("unknown timing mode %q", p.Mode))
	}
	for i, t := range p.Trials {
		if t.Index != i {
			return domain.NewRunError(domain.ErrPlanInvalid.Code,
				fmt.Sprintf("trial at position %d has index %d", i, t.Index))
		}
		if !t.Type.Valid() {
			return domain.NewRunError(domain.ErrPlanInvalid.Code, fmt.Sprintf("trial %d: unknown type %q", i, t.Type))
		}
		if t.StimulusSec < 0 || t.JitterSec < 0 {
			return domain.NewRunError(domain.ErrPlanInvalid.Code, fmt.Sprintf("trial %d: negative duration", i))
		}
		want := timing.TrialDuration(t.StimulusSec, t.JitterSec, p.Mode)
		if math.Abs(want-t.TotalSec) > 1e-9 {
			return domain.NewRunError(domain.ErrPlanInvalid.Code,
				fmt.Sprintf("trial %d: total %.3f, want %.3f", i, t.TotalSec, want))
		}
	}
	return nil
}

// Counts returns the number of standard and target trials.
func Counts(p domain.TrialPlan) (standards, targets int) {
	for _, t := range p.Trials {
		if t.Type == domain.Target {
			targets++
		} else {
			standards++
		}
	}
	return standards, targets
}
