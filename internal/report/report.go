// Package report computes behavioral summaries of finished runs.
package report

import (
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/audiolab/stimrun/internal/domain"
)

// Summary is the behavioral outcome of one run. Reaction-time fields are
// zero when there were no hits.
type Summary struct {
	RunID            string           `json:"run_id"`
	Status           domain.RunStatus `json:"status"`
	TrialsPlanned    int              `json:"trials_planned"`
	TrialsExecuted   int              `json:"trials_executed"`
	Targets          int              `json:"targets"`
	Hits             int              `json:"hits"`
	Omissions        int              `json:"omissions"`
	HitRate          float64          `json:"hit_rate"`
	MeanRT           float64          `json:"mean_rt_sec"`
	SDRT             float64          `json:"sd_rt_sec"`
	MedianRT         float64          `json:"median_rt_sec"`
	MinRT            float64          `json:"min_rt_sec"`
	MaxRT            float64          `json:"max_rt_sec"`
	DurationSec      float64          `json:"duration_sec"`
	TargetsPerMinute float64          `json:"targets_per_minute"`
}

// Summarize computes the summary of res. durationSec is the executed run time
// used for the target rate; pass 0 when unknown.
func Summarize(res domain.RunResult, durationSec float64) Summary {
	s := Summary{
		RunID:          res.RunID,
		Status:         res.Status,
		TrialsPlanned:  res.PlannedTrials,
		TrialsExecuted: len(res.Labels),
		Targets:        res.Labels.Count(domain.Target),
		DurationSec:    durationSec,
	}

	rts := make([]float64, 0, len(res.ReactionTimes))
	for _, rt := range res.ReactionTimes {
		if rt.Valid {
			rts = append(rts, rt.Seconds)
		}
	}
	s.Hits = len(rts)
	s.Omissions = len(res.ReactionTimes) - s.Hits
	if len(res.ReactionTimes) > 0 {
		s.HitRate = float64(s.Hits) / float64(len(res.ReactionTimes))
	}
	if durationSec > 0 {
		s.TargetsPerMinute = float64(s.Targets) / (durationSec / 60)
	}
	if len(rts) == 0 {
		return s
	}

	sort.Float64s(rts)
	s.MeanRT = stat.Mean(rts, nil)
	if len(rts) > 1 {
		s.SDRT = stat.StdDev(rts, nil)
	}
	s.MedianRT = median(rts)
	s.MinRT = floats.Min(rts)
	s.MaxRT = floats.Max(rts)
	return s
}

// median of sorted data; the mean of the two middle values for an even count.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Write prints a human-readable summary.
func Write(w io.Writer, s Summary) error {
	_, err := fmt.Fprintf(w,
		"run %s: %s, %d/%d trials\n"+
			"targets %d, hits %d, omissions %d, hit rate %.1f%%\n"+
			"reaction time mean %.3fs sd %.3fs median %.3fs range [%.3fs, %.3fs]\n",
		s.RunID, s.Status, s.TrialsExecuted, s.TrialsPlanned,
		s.Targets, s.Hits, s.Omissions, 100*s.HitRate,
		s.MeanRT, s.SDRT, s.MedianRT, s.MinRT, s.MaxRT,
	)
	return err
}

// ExecutedSeconds returns the planned duration of the executed trials.
func ExecutedSeconds(trials []domain.StoredTrial) float64 {
	var sum float64
	for _, t := range trials {
		sum += t.TotalSec
	}
	return sum
}
