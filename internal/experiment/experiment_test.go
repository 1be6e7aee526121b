package experiment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolab/stimrun/internal/config"
	"github.com/audiolab/stimrun/internal/device"
	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/results"
	"github.com/audiolab/stimrun/internal/session"
	"github.com/audiolab/stimrun/internal/store"
)

func testConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(body))
	require.NoError(t, err)
	return cfg
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewDB(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, filepath.Join(dir, "results"))
}

func TestPrepare_Deterministic(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, `{"subject": "07", "run": "1", "seed": 7}`)

	a, err := Prepare(ctx, cfg)
	require.NoError(t, err)
	b, err := Prepare(ctx, cfg)
	require.NoError(t, err)

	assert.Equal(t, uint64(7), a.Seed)
	assert.Equal(t, a.Labels, b.Labels)
	assert.Equal(t, a.Jitter, b.Jitter)
	assert.Len(t, a.Plan.Trials, 160)
	assert.Equal(t, 48, a.Labels.Count(domain.Target))
	assert.LessOrEqual(t, a.Labels.LongestRun(domain.Target), 2)
	for i := 0; i < 4; i++ {
		assert.Equal(t, domain.Standard, a.Labels[i])
	}
}

func TestPrepare_UnseededRecordsSeed(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, `{"subject": "07", "run": "1"}`)

	a, err := Prepare(ctx, cfg)
	require.NoError(t, err)

	seed := a.Seed
	replay := *cfg
	replay.Seed = &seed
	b, err := Prepare(ctx, &replay)
	require.NoError(t, err)
	assert.Equal(t, a.Labels, b.Labels, "recorded seed must reproduce the run")
	assert.Equal(t, a.Jitter, b.Jitter)
}

func TestPrepare_AEF(t *testing.T) {
	cfg := testConfig(t, `{"subject": "07", "run": "1", "paradigm": "aef", "seed": 3}`)
	p, err := Prepare(context.Background(), cfg)
	require.NoError(t, err)

	assert.Len(t, p.Labels, 400)
	assert.Zero(t, p.Labels.Count(domain.Target))
	assert.Equal(t, domain.TimingOnset, p.Plan.Mode)
	for _, tr := range p.Plan.Trials {
		assert.GreaterOrEqual(t, tr.TotalSec, 1.0)
		assert.LessOrEqual(t, tr.TotalSec, 1.2)
	}
}

func TestPrepare_MissingWAV(t *testing.T) {
	cfg := testConfig(t, `{"subject": "07", "run": "1", "stimuli": {"standard_wav": "/nonexistent/a.wav", "target_wav": "/nonexistent/b.wav"}}`)
	_, err := Prepare(context.Background(), cfg)
	assert.True(t, errors.Is(err, domain.ErrStimulusUnavailable), "err = %v", err)
}

func TestExecute_SimulatedRun(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	cfg := testConfig(t, `{"subject": "07", "run": "2", "num_trials": 20, "seed": 11}`)

	p, err := Prepare(ctx, cfg)
	require.NoError(t, err)
	res, err := svc.Execute(ctx, p, SimulatedDevices(12, *cfg.Triggers, &device.AckLog{}))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, res.Status)
	assert.Len(t, res.Labels, 20)
	assert.Len(t, res.ReactionTimes, 6)
	assert.Equal(t, p.Labels, res.Labels)
	assert.Regexp(t, `^run_[0-9a-f]{8}$`, res.RunID)

	stored, err := svc.RunRepo.Get(ctx, svc.DB, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, *res, *stored)

	trials, err := svc.TrialRepo.ListByRun(ctx, svc.DB, res.RunID)
	require.NoError(t, err)
	assert.Len(t, trials, 20)

	events, err := svc.EventRepo.ListByRun(ctx, svc.DB, res.RunID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, session.EventTrialStarted, events[0].EventType)
	last := events[len(events)-1]
	assert.Equal(t, session.EventRunFinished, last.EventType)
	assert.Equal(t, domain.StateFinished, last.State)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SeqNo)
	}

	path := filepath.Join(svc.ResultsDir, results.FileName("07", "oddball", "2"))
	loaded, err := results.Load(path)
	require.NoError(t, err)
	assert.Equal(t, res.Labels, loaded.Labels)
	assert.Equal(t, res.Jitter, loaded.Jitter)
	assert.Equal(t, res.ReactionTimes, loaded.ReactionTimes)
}

func TestExecute_CancelledRunIsPersisted(t *testing.T) {
	svc := newTestService(t)
	cfg := testConfig(t, `{"subject": "07", "run": "3", "num_trials": 20, "seed": 1}`)
	p, err := Prepare(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := svc.Execute(ctx, p, SimulatedDevices(2, *cfg.Triggers, &device.AckLog{}))
	require.NoError(t, err, "cancellation is not an error")
	assert.Equal(t, domain.RunCancelled, res.Status)
	assert.Empty(t, res.Labels)

	stored, err := svc.RunRepo.Get(context.Background(), svc.DB, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, stored.Status)

	_, err = results.Load(filepath.Join(svc.ResultsDir, results.FileName("07", "oddball", "3")))
	assert.NoError(t, err)
}

type brokenTrigger struct{}

func (brokenTrigger) Pulse(ctx context.Context, p device.Pulse) error {
	if p.TrialIndex == 5 {
		return errors.New("parallel port gone")
	}
	return nil
}

func TestExecute_HardwareFailureIsPersisted(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	cfg := testConfig(t, `{"subject": "07", "run": "4", "num_trials": 20, "seed": 1}`)
	p, err := Prepare(ctx, cfg)
	require.NoError(t, err)

	dev := SimulatedDevices(2, *cfg.Triggers, &device.AckLog{})
	dev.Trigger = brokenTrigger{}

	res, err := svc.Execute(ctx, p, dev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrHardware), "err = %v", err)
	assert.Equal(t, domain.RunFailed, res.Status)
	assert.Len(t, res.Labels, 5)

	stored, err := svc.RunRepo.Get(ctx, svc.DB, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, stored.Status)
	assert.Contains(t, stored.Error, "parallel port gone")
}

func TestExecute_ResultsFileSurvivesDatabaseFailure(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	cfg := testConfig(t, `{"subject": "07", "run": "5", "num_trials": 20, "seed": 3}`)
	p, err := Prepare(ctx, cfg)
	require.NoError(t, err)

	_, err = svc.DB.ExecContext(ctx, `DROP TABLE run_trials`)
	require.NoError(t, err)

	res, err := svc.Execute(ctx, p, SimulatedDevices(4, *cfg.Triggers, &device.AckLog{}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "run_trials")
	assert.Equal(t, domain.RunCompleted, res.Status)

	loaded, err := results.Load(filepath.Join(svc.ResultsDir, results.FileName("07", "oddball", "5")))
	require.NoError(t, err)
	assert.Equal(t, res.Labels, loaded.Labels)
	assert.Equal(t, res.ReactionTimes, loaded.ReactionTimes)
	assert.Equal(t, domain.RunCompleted, loaded.Status)
}
