package experiment

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/session"
	"github.com/audiolab/stimrun/internal/store"
)

// eventWriter persists run events on a background goroutine so the trial
// loop never waits on the database. Events are never dropped; send blocks
// when the buffer is full.
type eventWriter struct {
	db    *sql.DB
	repo  *store.EventRepo
	runID string
	now   func() time.Time

	seq  int64
	ch   chan domain.RunEvent
	wg   sync.WaitGroup
	once sync.Once

	mu  sync.Mutex
	err error
}

func newEventWriter(db *sql.DB, repo *store.EventRepo, runID string, now func() time.Time) *eventWriter {
	w := &eventWriter{
		db:    db,
		repo:  repo,
		runID: runID,
		now:   now,
		ch:    make(chan domain.RunEvent, 1024),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *eventWriter) loop() {
	defer w.wg.Done()
	for ev := range w.ch {
		// Writes outlive run cancellation.
		if err := w.repo.Append(context.Background(), w.db, ev); err != nil {
			w.mu.Lock()
			if w.err == nil {
				w.err = err
			}
			w.mu.Unlock()
		}
	}
}

// observe converts a session event into a RunEvent and queues it. It runs on
// the trial loop goroutine.
func (w *eventWriter) observe(ev session.Event) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payload["at_sec"] = ev.At.Seconds()
	payload["from"] = string(ev.From)
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	w.seq++
	w.ch <- domain.RunEvent{
		RunID:       w.runID,
		SeqNo:       w.seq,
		TrialIndex:  ev.TrialIndex,
		State:       ev.To,
		EventType:   ev.Type,
		PayloadJSON: string(data),
		CreatedAt:   w.now().Unix(),
	}
}

// close flushes queued events and returns the first write error.
func (w *eventWriter) close() error {
	w.once.Do(func() { close(w.ch) })
	w.wg.Wait()
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
