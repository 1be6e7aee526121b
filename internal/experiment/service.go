package experiment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/results"
	"github.com/audiolab/stimrun/internal/session"
	"github.com/audiolab/stimrun/internal/store"
)

// Service executes prepared runs and persists them.
type Service struct {
	DB         *sql.DB
	RunRepo    *store.RunRepo
	TrialRepo  *store.TrialRepo
	EventRepo  *store.EventRepo
	ResultsDir string
	Now        func() time.Time
}

// NewService creates a Service with all dependencies.
func NewService(db *sql.DB, resultsDir string) *Service {
	return &Service{
		DB:         db,
		RunRepo:    &store.RunRepo{},
		TrialRepo:  &store.TrialRepo{},
		EventRepo:  &store.EventRepo{},
		ResultsDir: resultsDir,
		Now:        time.Now,
	}
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()[:8]
}

// Execute runs p on dev. The result is persisted to the database and the
// results file whatever the outcome, including cancellation and hardware
// failure. The returned error is the run error, joined with any persistence
// error; a cancelled run returns a nil run error.
func (s *Service) Execute(ctx context.Context, p *Prepared, dev Devices) (*domain.RunResult, error) {
	cfg := p.Config
	res := domain.RunResult{
		RunID:         NewRunID(),
		Subject:       cfg.Subject,
		Run:           cfg.Run,
		Paradigm:      cfg.Paradigm,
		Seed:          p.Seed,
		Status:        domain.RunRunning,
		PlannedTrials: len(p.Plan.Trials),
		StartedAt:     s.Now().Unix(),
	}
	if err := s.RunRepo.Create(context.WithoutCancel(ctx), s.DB, res); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log.Printf("run %s started: subject %s run %s, %s, %d trials, seed %d",
		res.RunID, res.Subject, res.Run, res.Paradigm, res.PlannedTrials, res.Seed)

	events := newEventWriter(s.DB, s.EventRepo, res.RunID, s.Now)
	total := len(p.Plan.Trials)
	runner := &session.Runner{
		Clock:        dev.Clock,
		Stimuli:      p.Stimuli,
		Playback:     dev.Playback,
		Trigger:      dev.Trigger,
		Input:        dev.Input,
		Codes:        *cfg.Triggers,
		PollInterval: cfg.PollInterval(),
		Observer: func(ev session.Event) {
			events.observe(ev)
			if ev.Type == session.EventTrialCompleted {
				log.Printf("Trial %d of %d played", ev.TrialIndex+1, total)
			}
		},
	}

	sres, runErr := runner.Run(ctx, p.Plan)
	if sres == nil {
		sres = &session.Result{Status: domain.RunFailed}
	}
	res.Status = sres.Status
	res.Labels = sres.Labels
	res.Jitter = sres.Jitter
	res.ReactionTimes = sres.ReactionTimes
	res.EndedAt = s.Now().Unix()
	if runErr != nil {
		res.Error = runErr.Error()
	}

	eventErr := events.close()
	persistErr := s.persist(res, sres.Outcomes)
	if persistErr == nil {
		log.Printf("run %s %s after %d of %d trials", res.RunID, res.Status, len(res.Labels), res.PlannedTrials)
	}
	if eventErr != nil {
		eventErr = fmt.Errorf("persist events: %w", eventErr)
	}
	return &res, errors.Join(runErr, eventErr, persistErr)
}

// persist writes the results file and, in one transaction, the trials and
// the final result. Each is attempted whatever the other's outcome. It
// ignores run cancellation.
func (s *Service) persist(res domain.RunResult, outcomes []session.Outcome) error {
	dbErr := s.persistDB(res, outcomes)

	path, fileErr := results.Save(s.ResultsDir, res)
	if fileErr == nil {
		log.Printf("results written to %s", path)
	}
	return errors.Join(dbErr, fileErr)
}

func (s *Service) persistDB(res domain.RunResult, outcomes []session.Outcome) error {
	ctx := context.Background()

	trials := make([]domain.StoredTrial, len(outcomes))
	for i, o := range outcomes {
		trials[i] = domain.StoredTrial{
			RunID:        res.RunID,
			Index:        o.Trial.Index,
			Type:         o.Trial.Type,
			StimulusSec:  o.Trial.StimulusSec,
			JitterSec:    o.Trial.JitterSec,
			TotalSec:     o.Trial.TotalSec,
			ReactionTime: o.ReactionTime,
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.TrialRepo.InsertTx(ctx, tx, trials); err != nil {
		return err
	}
	if err := s.RunRepo.FinalizeTx(ctx, tx, res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapRunError(domain.ErrStoreWrite.Code, "commit run", err)
	}
	return nil
}
