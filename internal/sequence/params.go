// Package sequence generates randomized standard/target trial sequences that
// honor composition, prefix and run-length constraints.
package sequence

import (
	"fmt"
	"math"

	"github.com/audiolab/stimrun/internal/domain"
)

// DefaultMaxAttempts bounds the rejection-sampling loop when Params leaves it unset.
const DefaultMaxAttempts = 100000

// Params describes the required composition and ordering of a run.
type Params struct {
	NumTrials       int
	NumTargets      int
	PrefixStandards int
	MaxTargetRun    int
	MaxAttempts     int
}

// NumStandards returns the number of standard trials.
func (p Params) NumStandards() int {
	return p.NumTrials - p.NumTargets
}

// TargetSlots returns how many targets can be placed at most without breaking
// the prefix or run-length constraint: every gap between standards after the
// prefix (plus the tail) holds at most MaxTargetRun targets.
func (p Params) TargetSlots() int {
	gaps := p.NumStandards() - p.PrefixStandards + 1
	if gaps < 0 {
		return 0
	}
	return gaps * p.MaxTargetRun
}

func (p Params) withDefaults() Params {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Validate checks ranges and then decides feasibility in closed form, so an
// impossible constraint set fails before any sampling happens.
func (p Params) Validate() error {
	var problems []string
	if p.NumTrials <= 0 {
		problems = append(problems, "num_trials must be positive")
	}
	if p.NumTargets < 0 || p.NumTargets > p.NumTrials {
		problems = append(problems, fmt.Sprintf("num_targets %d out of range [0, %d]", p.NumTargets, p.NumTrials))
	}
	if p.PrefixStandards < 0 || p.PrefixStandards > p.NumTrials {
		problems = append(problems, fmt.Sprintf("prefix_standards %d out of range [0, %d]", p.PrefixStandards, p.NumTrials))
	}
	if p.MaxTargetRun < 1 {
		problems = append(problems, "max_target_run must be at least 1")
	}
	if p.MaxAttempts < 1 {
		problems = append(problems, "max_attempts must be at least 1")
	}
	if len(problems) > 0 {
		return domain.NewRunError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems))
	}

	if p.PrefixStandards > p.NumStandards() {
		return domain.NewRunError(domain.ErrInfeasible.Code,
			fmt.Sprintf("%s: prefix of %d standards exceeds the %d standards available",
				domain.ErrInfeasible.Message, p.PrefixStandards, p.NumStandards()))
	}
	if p.NumTargets > p.TargetSlots() {
		return domain.NewRunError(domain.ErrInfeasible.Code,
			fmt.Sprintf("%s: %d targets do not fit into %d gaps of at most %d after a %d-standard prefix",
				domain.ErrInfeasible.Message, p.NumTargets, p.NumStandards()-p.PrefixStandards+1,
				p.MaxTargetRun, p.PrefixStandards))
	}
	return nil
}

// CountsFor converts a target fraction into an exact number of targets.
// numTrials*fraction must be an integer.
func CountsFor(numTrials int, fraction float64) (int, error) {
	if fraction < 0 || fraction >= 1 || math.IsNaN(fraction) {
		return 0, domain.NewRunError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("%s: target_fraction %v must be in [0, 1)", domain.ErrConfigInvalid.Message, fraction))
	}
	x := float64(numTrials) * fraction
	n := math.Round(x)
	if math.Abs(x-n) > 1e-9 {
		return 0, domain.NewRunError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("%s: %d trials x %v is not a whole number of targets",
				domain.ErrConfigInvalid.Message, numTrials, fraction))
	}
	return int(n), nil
}
