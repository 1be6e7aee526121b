// Package config loads and validates run configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/audiolab/stimrun/internal/device"
	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/sequence"
	"github.com/audiolab/stimrun/internal/timing"
)

// Paradigms.
const (
	ParadigmOddball = "oddball"
	ParadigmAEF     = "aef"
)

// EnvPath names the environment variable holding the config path.
const EnvPath = "STIMRUN_CONFIG"

// DefaultFileName is the file looked for when no path is given.
const DefaultFileName = "config.json"

// Limits on values that size allocations and sampling work.
const (
	MaxTrials        = 10000
	MaxAttemptsLimit = 1000000
)

// DefaultGapSec is the silence between the two tones of a double tone.
const DefaultGapSec = 0.1

// StimulusConfig names WAV stimulus files. When absent the built-in tone
// library is used.
type StimulusConfig struct {
	StandardWAV       string   `json:"standard_wav"`
	SecondStandardWAV string   `json:"second_standard_wav"`
	TargetWAV         string   `json:"target_wav"`
	SecondTargetWAV   string   `json:"second_target_wav"`
	GapSec            *float64 `json:"gap_sec,omitempty"`
}

// Config holds the runtime configuration of one run. Omitted fields take the
// paradigm's default; see Defaults.
type Config struct {
	Subject         string               `json:"subject"`
	Run             string               `json:"run"`
	Paradigm        string               `json:"paradigm"`
	NumTrials       int                  `json:"num_trials"`
	TargetFraction  float64              `json:"target_fraction"`
	PrefixStandards int                  `json:"prefix_standards"`
	MaxTargetRun    int                  `json:"max_target_run"`
	MaxAttempts     int                  `json:"max_attempts"`
	JitterMinSec    float64              `json:"jitter_min_sec"`
	JitterMaxSec    float64              `json:"jitter_max_sec"`
	Seed            *uint64              `json:"seed,omitempty"`
	PollIntervalMS  int                  `json:"poll_interval_ms"`
	Stimuli         *StimulusConfig      `json:"stimuli,omitempty"`
	Triggers        *device.TriggerCodes `json:"triggers,omitempty"`
	ResponseKey     string               `json:"response_key"`
	StartKey        string               `json:"start_key"`
	CancelKey       string               `json:"cancel_key"`
	DBPath          string               `json:"db_path"`
	ResultsDir      string               `json:"results_dir"`
	ListenAddr      string               `json:"listen_addr"`
}

// Load reads a JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON config over the paradigm's defaults and validates. A
// field present in data, zero included, keeps the given value.
func Parse(data []byte) (*Config, error) {
	var head struct {
		Paradigm string `json:"paradigm"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, domain.WrapRunError(domain.ErrConfigInvalid.Code, "parse config JSON", err)
	}

	cfg := Defaults(head.Paradigm)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, domain.WrapRunError(domain.ErrConfigInvalid.Code, "parse config JSON", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Resolve picks the config file: the explicit path, then $STIMRUN_CONFIG,
// then config.json next to the executable, then config.json in the working
// directory.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}
	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), DefaultFileName))
	}
	candidates = append(candidates, DefaultFileName)
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", domain.NewRunError(domain.ErrConfigInvalid.Code,
		fmt.Sprintf("no config file: pass -config, set %s or create %s", EnvPath, DefaultFileName))
}

// Defaults returns the configuration used for fields a config file omits. An
// empty paradigm means oddball.
func Defaults(paradigm string) *Config {
	if paradigm == "" {
		paradigm = ParadigmOddball
	}
	codes := device.DefaultTriggerCodes()
	c := &Config{
		Paradigm:       paradigm,
		MaxAttempts:    sequence.DefaultMaxAttempts,
		PollIntervalMS: 1,
		Triggers:       &codes,
		StartKey:       "s",
		CancelKey:      "q",
		ResultsDir:     "results",
		ListenAddr:     ":9810",
	}
	switch paradigm {
	case ParadigmOddball:
		c.NumTrials = 160
		c.TargetFraction = 0.30
		c.PrefixStandards = 4
		c.MaxTargetRun = 2
		c.JitterMinSec, c.JitterMaxSec = 0.5, 0.9
	case ParadigmAEF:
		c.NumTrials = 400
		c.MaxTargetRun = 1
		c.JitterMinSec, c.JitterMaxSec = 1.0, 1.2
	}
	return c
}

// applyDefaults fills values that depend on other fields or were set to null.
func (c *Config) applyDefaults() {
	if c.Triggers == nil {
		codes := device.DefaultTriggerCodes()
		c.Triggers = &codes
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.ResultsDir, "stimrun.db")
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.Subject == "" {
		problems = append(problems, "subject is required")
	}
	if c.Run == "" {
		problems = append(problems, "run is required")
	}
	if c.Paradigm != ParadigmOddball && c.Paradigm != ParadigmAEF {
		problems = append(problems, fmt.Sprintf("paradigm %q must be %q or %q", c.Paradigm, ParadigmOddball, ParadigmAEF))
	}
	if c.NumTrials <= 0 || c.NumTrials > MaxTrials {
		problems = append(problems, fmt.Sprintf("num_trials must be in [1, %d]", MaxTrials))
	}
	if c.TargetFraction < 0 || c.TargetFraction >= 1 {
		problems = append(problems, "target_fraction must be in [0, 1)")
	}
	if c.Paradigm == ParadigmAEF && c.TargetFraction != 0 {
		problems = append(problems, "aef runs have no targets; target_fraction must be 0")
	}
	if c.PrefixStandards < 0 {
		problems = append(problems, "prefix_standards must not be negative")
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > MaxAttemptsLimit {
		problems = append(problems, fmt.Sprintf("max_attempts must be in [1, %d]", MaxAttemptsLimit))
	}
	if c.MaxTargetRun < 1 {
		problems = append(problems, "max_target_run must be at least 1")
	}
	if c.JitterInterval().Validate() != nil {
		problems = append(problems, fmt.Sprintf("jitter interval [%v, %v] must satisfy 0 <= min < max", c.JitterMinSec, c.JitterMaxSec))
	}
	if c.PollIntervalMS < 1 {
		problems = append(problems, "poll_interval_ms must be positive")
	}
	if c.ResponseKey != "" && c.ResponseKey == c.CancelKey {
		problems = append(problems, "response_key and cancel_key must differ")
	}
	if c.StartKey != "" && (c.StartKey == c.CancelKey || c.StartKey == c.ResponseKey) {
		problems = append(problems, "start_key must differ from response_key and cancel_key")
	}
	problems = append(problems, c.triggerProblems()...)
	if s := c.Stimuli; s != nil {
		if s.StandardWAV == "" {
			problems = append(problems, "stimuli.standard_wav is required when stimuli is set")
		}
		if c.Paradigm == ParadigmOddball && s.TargetWAV == "" {
			problems = append(problems, "stimuli.target_wav is required for oddball runs")
		}
		if s.GapSec != nil && *s.GapSec < 0 {
			problems = append(problems, "stimuli.gap_sec must not be negative")
		}
	}

	if len(problems) > 0 {
		return domain.NewRunError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems))
	}

	// Feasibility is decided here so an impossible run never reaches hardware.
	p, err := c.SequenceParams()
	if err != nil {
		return err
	}
	return p.Validate()
}

func (c *Config) triggerProblems() []string {
	var problems []string
	t := c.Triggers
	codes := append(append([]int{}, t.Standard...), t.Target...)
	codes = append(codes, t.Button)
	for _, code := range codes {
		if _, err := device.TriggerWord(code, t.BitRef); err != nil {
			problems = append(problems, "triggers: "+err.Error())
		}
	}
	return problems
}

// SequenceParams derives the generator parameters.
func (c *Config) SequenceParams() (sequence.Params, error) {
	targets, err := sequence.CountsFor(c.NumTrials, c.TargetFraction)
	if err != nil {
		return sequence.Params{}, err
	}
	return sequence.Params{
		NumTrials:       c.NumTrials,
		NumTargets:      targets,
		PrefixStandards: c.PrefixStandards,
		MaxTargetRun:    c.MaxTargetRun,
		MaxAttempts:     c.MaxAttempts,
	}, nil
}

// JitterInterval returns the configured jitter interval.
func (c *Config) JitterInterval() timing.Interval {
	return timing.Interval{Lo: c.JitterMinSec, Hi: c.JitterMaxSec}
}

// TimingMode returns how jitter combines with stimulus length.
func (c *Config) TimingMode() domain.TimingMode {
	if c.Paradigm == ParadigmAEF {
		return domain.TimingOnset
	}
	return domain.TimingOffset
}

// PollInterval returns the input polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// WAVFiles returns the stimulus file set, or false when tones are used.
func (c *Config) WAVFiles() (device.WAVFiles, bool) {
	if c.Stimuli == nil {
		return device.WAVFiles{}, false
	}
	gap := DefaultGapSec
	if c.Stimuli.GapSec != nil {
		gap = *c.Stimuli.GapSec
	}
	return device.WAVFiles{
		Standard:       c.Stimuli.StandardWAV,
		SecondStandard: c.Stimuli.SecondStandardWAV,
		Target:         c.Stimuli.TargetWAV,
		SecondTarget:   c.Stimuli.SecondTargetWAV,
		GapSec:         gap,
	}, true
}
