// Package experiment wires configuration, sequence generation, the trial
// loop and persistence into one run.
package experiment

import (
	"context"
	"fmt"

	"github.com/audiolab/stimrun/internal/config"
	"github.com/audiolab/stimrun/internal/device"
	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/plan"
	"github.com/audiolab/stimrun/internal/random"
	"github.com/audiolab/stimrun/internal/sequence"
	"github.com/audiolab/stimrun/internal/timing"
)

// Prepared is a fully planned run. Nothing in it has touched hardware.
type Prepared struct {
	Config  *config.Config
	Seed    uint64
	Labels  domain.LabelSequence
	Jitter  domain.JitterSequence
	Plan    domain.TrialPlan
	Stimuli device.StimulusSource
}

// Stimuli returns the stimulus source of cfg: WAV files when configured,
// otherwise the built-in tones of the paradigm.
func Stimuli(cfg *config.Config) (device.StimulusSource, error) {
	if files, ok := cfg.WAVFiles(); ok {
		return device.LoadWAVLibrary(files)
	}
	if cfg.Paradigm == config.ParadigmAEF {
		return device.NewLibrary(device.Click(), nil), nil
	}
	return device.OddballTones(0.1), nil
}

// Prepare generates the label sequence, then the jitter sequence from the same
// random source, and builds the trial plan. A fixed seed gives the same plan.
func Prepare(ctx context.Context, cfg *config.Config) (*Prepared, error) {
	stimuli, err := Stimuli(cfg)
	if err != nil {
		return nil, err
	}
	return PrepareWith(ctx, cfg, stimuli)
}

// PrepareWith is Prepare with an explicit stimulus source.
func PrepareWith(ctx context.Context, cfg *config.Config, stimuli device.StimulusSource) (*Prepared, error) {
	params, err := cfg.SequenceParams()
	if err != nil {
		return nil, err
	}
	r, seed, err := random.New(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed random source: %w", err)
	}

	gen, err := sequence.NewGenerator(params, r)
	if err != nil {
		return nil, err
	}
	labels, err := gen.GenerateContext(ctx)
	if err != nil {
		return nil, err
	}
	jitter, err := timing.Jitter(r, len(labels), cfg.JitterInterval())
	if err != nil {
		return nil, err
	}

	tp, err := plan.Build(ctx, labels, jitter, stimuli, cfg.TimingMode())
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Config:  cfg,
		Seed:    seed,
		Labels:  labels,
		Jitter:  jitter,
		Plan:    tp,
		Stimuli: stimuli,
	}, nil
}
