// Package timing derives jittered inter-trial intervals and per-trial time budgets.
package timing

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/audiolab/stimrun/internal/domain"
)

// Interval is a closed range of jitter durations in seconds.
type Interval struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// Validate requires 0 <= Lo < Hi.
func (iv Interval) Validate() error {
	if math.IsNaN(iv.Lo) || math.IsNaN(iv.Hi) || iv.Lo < 0 || iv.Lo >= iv.Hi {
		return domain.NewRunError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("%s: jitter interval [%v, %v] must satisfy 0 <= lo < hi",
				domain.ErrConfigInvalid.Message, iv.Lo, iv.Hi))
	}
	return nil
}

// RoundMillis rounds seconds to three decimal places.
func RoundMillis(sec float64) float64 {
	return math.Round(sec*1000) / 1000
}

// Jitter draws n independent values Lo + (Hi-Lo)*U, U uniform on [0, 1), each
// rounded to millisecond precision.
func Jitter(r *rand.Rand, n int, iv Interval) (domain.JitterSequence, error) {
	if err := iv.Validate(); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, domain.NewRunError(domain.ErrConfigInvalid.Code, "jitter count must not be negative")
	}
	out := make(domain.JitterSequence, n)
	for i := range out {
		out[i] = RoundMillis(iv.Lo + (iv.Hi-iv.Lo)*r.Float64())
	}
	return out, nil
}

// TrialDuration is the wait budget of one trial.
func TrialDuration(stimulusSec, jitterSec float64, mode domain.TimingMode) float64 {
	if mode == domain.TimingOnset {
		return math.Max(stimulusSec, jitterSec)
	}
	return stimulusSec + jitterSec
}
