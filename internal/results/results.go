// Package results writes and reads the per-run JSON results document.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/audiolab/stimrun/internal/domain"
)

// Document is the on-disk layout of a results file.
type Document struct {
	RunID         string                `json:"run_id"`
	Subject       string                `json:"subject"`
	Run           string                `json:"run"`
	Paradigm      string                `json:"paradigm"`
	Seed          uint64                `json:"seed"`
	Status        domain.RunStatus      `json:"status"`
	PlannedTrials int                   `json:"planned_trials"`
	PlayMatrix    []int                 `json:"playmatrix"`
	TrialLabel    []domain.TrialType    `json:"triallabel"`
	JitterList    []float64             `json:"jitterlist"`
	ReactionTimes []domain.ReactionTime `json:"reaction_times"`
	StartedAt     int64                 `json:"started_at"`
	EndedAt       int64                 `json:"ended_at"`
	Error         string                `json:"error,omitempty"`
}

// FileName returns the results file name of a run.
func FileName(subject, paradigm, run string) string {
	return fmt.Sprintf("sub-%s_task-%s_run-%s_cfg_results.json", subject, paradigm, run)
}

// FromResult converts a RunResult to its document form.
func FromResult(res domain.RunResult) Document {
	doc := Document{
		RunID:         res.RunID,
		Subject:       res.Subject,
		Run:           res.Run,
		Paradigm:      res.Paradigm,
		Seed:          res.Seed,
		Status:        res.Status,
		PlannedTrials: res.PlannedTrials,
		PlayMatrix:    res.Labels.Codes(),
		TrialLabel:    []domain.TrialType(res.Labels),
		JitterList:    []float64(res.Jitter),
		ReactionTimes: res.ReactionTimes,
		StartedAt:     res.StartedAt,
		EndedAt:       res.EndedAt,
		Error:         res.Error,
	}
	if doc.TrialLabel == nil {
		doc.TrialLabel = []domain.TrialType{}
	}
	if doc.JitterList == nil {
		doc.JitterList = []float64{}
	}
	if doc.ReactionTimes == nil {
		doc.ReactionTimes = []domain.ReactionTime{}
	}
	return doc
}

// Result converts the document back, checking that its sequences agree.
func (d Document) Result() (*domain.RunResult, error) {
	if len(d.PlayMatrix) != len(d.TrialLabel) || len(d.TrialLabel) != len(d.JitterList) {
		return nil, domain.NewRunError(domain.ErrResultCorrupt.Code,
			fmt.Sprintf("sequence lengths differ: playmatrix %d, triallabel %d, jitterlist %d",
				len(d.PlayMatrix), len(d.TrialLabel), len(d.JitterList)))
	}
	for i, code := range d.PlayMatrix {
		t, err := domain.TrialTypeFromCode(code)
		if err != nil || t != d.TrialLabel[i] {
			return nil, domain.NewRunError(domain.ErrResultCorrupt.Code,
				fmt.Sprintf("trial %d: playmatrix %d disagrees with label %q", i, code, d.TrialLabel[i]))
		}
	}
	if n := domain.LabelSequence(d.TrialLabel).Count(domain.Target); n != len(d.ReactionTimes) {
		return nil, domain.NewRunError(domain.ErrResultCorrupt.Code,
			fmt.Sprintf("%d targets but %d reaction times", n, len(d.ReactionTimes)))
	}
	return &domain.RunResult{
		RunID:         d.RunID,
		Subject:       d.Subject,
		Run:           d.Run,
		Paradigm:      d.Paradigm,
		Seed:          d.Seed,
		Status:        d.Status,
		PlannedTrials: d.PlannedTrials,
		Labels:        domain.LabelSequence(d.TrialLabel),
		Jitter:        domain.JitterSequence(d.JitterList),
		ReactionTimes: d.ReactionTimes,
		StartedAt:     d.StartedAt,
		EndedAt:       d.EndedAt,
		Error:         d.Error,
	}, nil
}

// Save writes the results document into dir and returns its path. The file
// is written to a temporary name and renamed into place.
func Save(dir string, res domain.RunResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	data, err := json.MarshalIndent(FromResult(res), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}

	path := filepath.Join(dir, FileName(res.Subject, res.Paradigm, res.Run))
	tmp, err := os.CreateTemp(dir, ".results-*.json")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close results: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename results: %w", err)
	}
	return path, nil
}

// Load reads a results document.
func Load(path string) (*domain.RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, domain.WrapRunError(domain.ErrResultCorrupt.Code, "parse results", err)
	}
	return doc.Result()
}
