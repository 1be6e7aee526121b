package sequence

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/audiolab/stimrun/internal/domain"
)

// SamplingError reports that rejection sampling gave up on a feasible
// constraint set. It carries enough detail to tell bad luck from a
// configuration that is feasible but rare.
type SamplingError struct {
	Attempts        int
	NumStandards    int
	NumTargets      int
	PrefixStandards int
	MaxTargetRun    int
	Rejections      map[Constraint]int
	Last            *Violation
}

// Error implements the error interface.
func (e *SamplingError) Error() string {
	var parts []string
	for _, c := range []Constraint{ConstraintPrefix, ConstraintRun} {
		parts = append(parts, fmt.Sprintf("%s=%d", c, e.Rejections[c]))
	}
	msg := fmt.Sprintf("%s: %d attempts for %d standards / %d targets (prefix %d, max run %d); rejections %s",
		domain.ErrSamplingExhausted.Message, e.Attempts, e.NumStandards, e.NumTargets,
		e.PrefixStandards, e.MaxTargetRun, strings.Join(parts, " "))
	if e.Last != nil {
		msg += "; last: " + e.Last.Error()
	}
	return msg
}

// Unwrap lets errors.Is(err, domain.ErrSamplingExhausted) match.
func (e *SamplingError) Unwrap() error {
	return domain.ErrSamplingExhausted
}

// Generator draws constraint-satisfying label sequences by rejection sampling
// over uniform permutations of a fixed multiset.
type Generator struct {
	Params Params
	Rand   *rand.Rand
}

// NewGenerator validates p and returns a Generator drawing from r.
func NewGenerator(p Params, r *rand.Rand) (*Generator, error) {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, domain.NewRunError(domain.ErrConfigInvalid.Code, "random source is required")
	}
	return &Generator{Params: p, Rand: r}, nil
}

// ctxCheckEvery is how many attempts pass between context checks.
const ctxCheckEvery = 1024

// Generate returns the first uniformly shuffled arrangement that satisfies the
// prefix and run-length constraints, or a *SamplingError after MaxAttempts.
func (g *Generator) Generate() (domain.LabelSequence, error) {
	return g.GenerateContext(context.Background())
}

// GenerateContext is Generate that gives up with ctx's error once ctx is done.
func (g *Generator) GenerateContext(ctx context.Context) (domain.LabelSequence, error) {
	p := g.Params
	seq := make(domain.LabelSequence, p.NumTrials)
	for i := range seq {
		if i < p.NumStandards() {
			seq[i] = domain.Standard
		} else {
			seq[i] = domain.Target
		}
	}

	rejections := make(map[Constraint]int)
	var last *Violation
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("sampling stopped after %d attempts: %w", attempt, err)
			}
		}
		g.Rand.Shuffle(len(seq), func(i, j int) { seq[i], seq[j] = seq[j], seq[i] })
		v := checkOrder(seq, p)
		if v == nil {
			return seq, nil
		}
		rejections[v.Constraint]++
		last = v
	}

	return nil, &SamplingError{
		Attempts:        p.MaxAttempts,
		NumStandards:    p.NumStandards(),
		NumTargets:      p.NumTargets,
		PrefixStandards: p.PrefixStandards,
		MaxTargetRun:    p.MaxTargetRun,
		Rejections:      rejections,
		Last:            last,
	}
}
