package device

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/timing"
)

// LineInput turns a line stream (usually stdin) into response events. A line
// equal to ResponseKey, or an empty line, is a button press; a line equal to
// CancelKey invokes OnCancel. When StartKey is set, lines other than the cancel
// key are ignored until a line equal to StartKey arrives. Lines are read on a
// background goroutine that only appends to a buffer drained by Poll.
type LineInput struct {
	Clock       timing.Clock
	ResponseKey string
	StartKey    string
	CancelKey   string
	Button      int
	OnCancel    func()

	mu        sync.Mutex
	pending   []ResponseEvent
	err       error
	stopCh    chan struct{}
	stopOnce  sync.Once
	started   chan struct{}
	startOnce sync.Once
	done      chan struct{}
}

// ErrInputClosed is returned by WaitStart when the stream ends before the
// start key.
var ErrInputClosed = errors.New("input closed before start")

// NewLineInput creates a LineInput. Start must be called to begin reading.
func NewLineInput(clock timing.Clock, responseKey, cancelKey string, onCancel func()) *LineInput {
	return &LineInput{
		Clock:       clock,
		ResponseKey: responseKey,
		CancelKey:   cancelKey,
		Button:      1,
		OnCancel:    onCancel,
		stopCh:      make(chan struct{}),
		started:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start spawns the reader goroutine.
func (in *LineInput) Start(r io.Reader) {
	if in.StartKey == "" {
		in.markStarted()
	}
	go func() {
		defer close(in.done)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case <-in.stopCh:
				return
			default:
			}
			in.handleLine(strings.TrimSpace(sc.Text()))
		}
		if err := sc.Err(); err != nil {
			in.mu.Lock()
			in.err = err
			in.mu.Unlock()
		}
	}()
}

// WaitStart blocks until the start key is read. It returns ctx's error on
// cancellation and ErrInputClosed if the stream ends first.
func (in *LineInput) WaitStart(ctx context.Context) error {
	select {
	case <-in.started:
		return nil
	default:
	}
	select {
	case <-in.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-in.done:
		select {
		case <-in.started:
			return nil
		default:
			return ErrInputClosed
		}
	}
}

// Done is closed when the reader goroutine exits.
func (in *LineInput) Done() <-chan struct{} {
	return in.done
}

func (in *LineInput) markStarted() {
	in.startOnce.Do(func() { close(in.started) })
}

func (in *LineInput) isStarted() bool {
	select {
	case <-in.started:
		return true
	default:
		return false
	}
}

func (in *LineInput) handleLine(line string) {
	if in.CancelKey != "" && line == in.CancelKey {
		if in.OnCancel != nil {
			in.OnCancel()
		}
		return
	}
	if !in.isStarted() {
		if line == in.StartKey {
			in.markStarted()
		}
		return
	}
	if line != "" && line != in.ResponseKey {
		return
	}
	ev := ResponseEvent{At: in.Clock.Now(), Button: in.Button, Key: line}
	in.mu.Lock()
	in.pending = append(in.pending, ev)
	in.mu.Unlock()
}

// Poll implements InputSource. It returns and clears buffered events.
func (in *LineInput) Poll(ctx context.Context) ([]ResponseEvent, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.err != nil {
		return nil, domain.WrapRunError(domain.ErrHardware.Code, "read input", in.err)
	}
	out := in.pending
	in.pending = nil
	return out, nil
}

// Stop ends event delivery. Safe to call multiple times.
func (in *LineInput) Stop() {
	in.stopOnce.Do(func() { close(in.stopCh) })
}

// ScriptedInput delivers a fixed list of events once the clock reaches them.
type ScriptedInput struct {
	Clock  timing.Clock
	events []ResponseEvent
	next   int
}

// NewScriptedInput returns an input that replays events in time order.
func NewScriptedInput(clock timing.Clock, events ...ResponseEvent) *ScriptedInput {
	sorted := append([]ResponseEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	return &ScriptedInput{Clock: clock, events: sorted}
}

// Poll implements InputSource.
func (s *ScriptedInput) Poll(ctx context.Context) ([]ResponseEvent, error) {
	now := s.Clock.Now()
	var out []ResponseEvent
	for s.next < len(s.events) && s.events[s.next].At <= now {
		out = append(out, s.events[s.next])
		s.next++
	}
	return out, nil
}

// SimulatedParticipant is both the Playback and the InputSource of a dry run:
// every presented target is answered after a normally distributed reaction
// time unless it is missed.
type SimulatedParticipant struct {
	Clock    timing.Clock
	Rand     *rand.Rand
	MeanRT   float64
	SDRT     float64
	MissRate float64
	Button   int

	pending []ResponseEvent
}

// NewSimulatedParticipant returns a participant with 450 ms mean reaction time.
func NewSimulatedParticipant(clock timing.Clock, r *rand.Rand) *SimulatedParticipant {
	return &SimulatedParticipant{Clock: clock, Rand: r, MeanRT: 0.45, SDRT: 0.08, MissRate: 0.05, Button: 1}
}

// Present implements Playback.
func (p *SimulatedParticipant) Present(ctx context.Context, trial domain.Trial, s Stimulus) (time.Duration, error) {
	onset := p.Clock.Now()
	if trial.Type.RequiresResponse() && p.Rand.Float64() >= p.MissRate {
		rt := math.Max(0.15, p.MeanRT+p.SDRT*p.Rand.NormFloat64())
		p.pending = append(p.pending, ResponseEvent{At: onset + timing.Duration(rt), Button: p.Button})
	}
	return onset, nil
}

// Poll implements InputSource.
func (p *SimulatedParticipant) Poll(ctx context.Context) ([]ResponseEvent, error) {
	now := p.Clock.Now()
	var out, keep []ResponseEvent
	for _, ev := range p.pending {
		if ev.At <= now {
			out = append(out, ev)
		} else {
			keep = append(keep, ev)
		}
	}
	p.pending = keep
	return out, nil
}
