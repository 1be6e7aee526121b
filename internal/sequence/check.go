package sequence

import (
	"fmt"

	"github.com/audiolab/stimrun/internal/domain"
)

// Constraint names one of the sequence invariants.
type Constraint string

const (
	ConstraintLength      Constraint = "length"
	ConstraintComposition Constraint = "composition"
	ConstraintPrefix      Constraint = "prefix"
	ConstraintRun         Constraint = "max_target_run"
)

// Violation describes the first constraint a sequence breaks.
type Violation struct {
	Constraint Constraint
	Index      int
	Detail     string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	return fmt.Sprintf("%s violated at index %d: %s", v.Constraint, v.Index, v.Detail)
}

// Check returns the first violated constraint, or nil if seq satisfies all of them.
func Check(seq domain.LabelSequence, p Params) *Violation {
	if len(seq) != p.NumTrials {
		return &Violation{Constraint: ConstraintLength, Index: len(seq),
			Detail: fmt.Sprintf("length %d, want %d", len(seq), p.NumTrials)}
	}
	if n := seq.Count(domain.Target); n != p.NumTargets || seq.Count(domain.Standard) != p.NumStandards() {
		return &Violation{Constraint: ConstraintComposition, Index: 0,
			Detail: fmt.Sprintf("%d targets, want %d", n, p.NumTargets)}
	}
	return checkOrder(seq, p)
}

// checkOrder tests only the prefix and run-length constraints; composition is
// fixed by construction inside the sampling loop.
func checkOrder(seq domain.LabelSequence, p Params) *Violation {
	for i := 0; i < p.PrefixStandards && i < len(seq); i++ {
		if seq[i] != domain.Standard {
			return &Violation{Constraint: ConstraintPrefix, Index: i,
				Detail: fmt.Sprintf("%s inside the %d-trial standard prefix", seq[i], p.PrefixStandards)}
		}
	}
	run := 0
	for i, t := range seq {
		if t != domain.Target {
			run = 0
			continue
		}
		run++
		if run > p.MaxTargetRun {
			return &Violation{Constraint: ConstraintRun, Index: i,
				Detail: fmt.Sprintf("%d consecutive targets, max %d", run, p.MaxTargetRun)}
		}
	}
	return nil
}
