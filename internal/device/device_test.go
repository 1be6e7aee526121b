package device

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/random"
	"github.com/audiolab/stimrun/internal/timing"
)

func TestTriggerWord(t *testing.T) {
	tests := []struct {
		code, bitRef int
		want         float64
	}{
		{1, 16, 0.5},
		{2, 16, 0.25},
		{4, 16, 0.125},
		{8, 16, 0.0625},
		{3, 16, 0.75},
		{1, 8, 0.5},
		{0, 16, 0},
	}
	for _, tt := range tests {
		got, err := TriggerWord(tt.code, tt.bitRef)
		if err != nil {
			t.Fatalf("TriggerWord(%d, %d): %v", tt.code, tt.bitRef, err)
		}
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("TriggerWord(%d, %d) = %v, want %v", tt.code, tt.bitRef, got, tt.want)
		}
	}

	if _, err := TriggerWord(256, 8); err == nil {
		t.Error("expected error for code wider than bit reference")
	}
	if _, err := TriggerWord(1, 0); err == nil {
		t.Error("expected error for zero bit reference")
	}
}

func TestTriggerCodes_ForTrial(t *testing.T) {
	c := DefaultTriggerCodes()
	if got := c.ForTrial(domain.Target); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("target codes = %v, want [1 2]", got)
	}
	if got := c.ForTrial(domain.Standard); len(got) != 2 || got[0] != 4 || got[1] != 8 {
		t.Errorf("standard codes = %v, want [4 8]", got)
	}
}

func TestAckLog_ConcurrentAppend(t *testing.T) {
	var log AckLog
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				log.Append(Ack{Source: "listener"})
			}
		}()
	}
	wg.Wait()
	if log.Len() != 800 {
		t.Errorf("Len = %d, want 800", log.Len())
	}
	entries := log.Entries()
	entries[0].Source = "mutated"
	if log.Entries()[0].Source != "listener" {
		t.Error("Entries must return a copy")
	}
}

func TestLogSink_RecordsWords(t *testing.T) {
	var log AckLog
	sink := &LogSink{Log: &log, Codes: DefaultTriggerCodes()}
	err := sink.Pulse(context.Background(), Pulse{
		Kind: PulseOnset, TrialIndex: 3, Type: domain.Target, Codes: []int{1, 2}, At: time.Second,
	})
	if err != nil {
		t.Fatalf("Pulse: %v", err)
	}
	entries := log.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Detail, "words=[0.5 0.25]") {
		t.Errorf("Detail = %q, want encoded words", entries[0].Detail)
	}
	if entries[0].At != time.Second {
		t.Errorf("At = %v, want 1s", entries[0].At)
	}
}

func TestLibrary(t *testing.T) {
	lib := OddballTones(0.1)
	ctx := context.Background()

	s, err := lib.Stimulus(ctx, domain.Target)
	if err != nil {
		t.Fatalf("Stimulus(target): %v", err)
	}
	if math.Abs(s.Duration()-1.3) > 1e-9 {
		t.Errorf("double tone duration = %v, want 1.3", s.Duration())
	}

	clicks := NewLibrary(Click(), nil)
	if _, err := clicks.Stimulus(ctx, domain.Target); !errors.Is(err, domain.ErrStimulusUnavailable) {
		t.Errorf("expected ErrStimulusUnavailable, got %v", err)
	}
}

func writeWAV(t *testing.T, path string, rate, channels, frames int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	data := make([]int, frames*channels)
	for i := range data {
		data[i] = i % 1000
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestLoadWAVLibrary_DoubleTone(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "oboe.wav")
	second := filepath.Join(dir, "oboe_short.wav")
	target := filepath.Join(dir, "clarinet.wav")
	writeWAV(t, first, 8000, 2, 5600)  // 0.7 s
	writeWAV(t, second, 8000, 2, 4000) // 0.5 s
	writeWAV(t, target, 8000, 1, 4000) // 0.5 s

	lib, err := LoadWAVLibrary(WAVFiles{
		Standard:       first,
		SecondStandard: second,
		Target:         target,
		GapSec:         0.1,
	})
	if err != nil {
		t.Fatalf("LoadWAVLibrary: %v", err)
	}

	ctx := context.Background()
	std, err := lib.Stimulus(ctx, domain.Standard)
	if err != nil {
		t.Fatalf("Stimulus(standard): %v", err)
	}
	if math.Abs(std.Duration()-1.3) > 1e-6 {
		t.Errorf("standard duration = %v, want 1.3", std.Duration())
	}
	tgt, err := lib.Stimulus(ctx, domain.Target)
	if err != nil {
		t.Fatalf("Stimulus(target): %v", err)
	}
	if math.Abs(tgt.Duration()-0.5) > 1e-6 {
		t.Errorf("target duration = %v, want 0.5", tgt.Duration())
	}
	if on := ToneOnsets(std, 2); on[0] != 0 || math.Abs(on[1]-0.8) > 1e-9 {
		t.Errorf("standard tone onsets = %v, want [0 0.8]", on)
	}
	if on := ToneOnsets(tgt, 2); on[0] != 0 || on[1] != 0 {
		t.Errorf("target tone onsets = %v, want [0 0]", on)
	}
}

func TestToneOnsets(t *testing.T) {
	tests := []struct {
		name string
		s    Stimulus
		n    int
		want []float64
	}{
		{"double tone", DoubleTone("std", 0.7, 0.1, 0.5), 2, []float64{0, 0.8}},
		{"extra code shares last tone", DoubleTone("std", 0.7, 0.1, 0.5), 3, []float64{0, 0.8, 0.8}},
		{"click", Click(), 2, []float64{0, 0}},
		{"no codes", Click(), 0, []float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToneOnsets(tt.s, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("ToneOnsets = %v, want %v", got, tt.want)
			}
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 1e-9 {
					t.Errorf("ToneOnsets = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestLoadWAVLibrary_MissingFile(t *testing.T) {
	_, err := LoadWAVLibrary(WAVFiles{Standard: filepath.Join(t.TempDir(), "nope.wav")})
	if !errors.Is(err, domain.ErrStimulusUnavailable) {
		t.Errorf("expected ErrStimulusUnavailable, got %v", err)
	}
}

func TestConcat_SampleRateMismatch(t *testing.T) {
	a := &Waveform{SampleRate: 44100, Samples: make([]int, 10)}
	b := &Waveform{SampleRate: 48000, Samples: make([]int, 10)}
	if _, err := Concat("x", a, 0.1, b); err == nil {
		t.Error("expected error for sample rate mismatch")
	}
}

func TestScriptedInput_DeliversInOrder(t *testing.T) {
	clock := timing.NewManualClock()
	in := NewScriptedInput(clock,
		ResponseEvent{At: 300 * time.Millisecond},
		ResponseEvent{At: 100 * time.Millisecond},
	)
	ctx := context.Background()

	evs, _ := in.Poll(ctx)
	if len(evs) != 0 {
		t.Fatalf("at 0: got %d events, want 0", len(evs))
	}
	clock.Advance(150 * time.Millisecond)
	evs, _ = in.Poll(ctx)
	if len(evs) != 1 || evs[0].At != 100*time.Millisecond {
		t.Fatalf("at 150ms: got %v", evs)
	}
	clock.Advance(time.Second)
	evs, _ = in.Poll(ctx)
	if len(evs) != 1 || evs[0].At != 300*time.Millisecond {
		t.Fatalf("at 1.15s: got %v", evs)
	}
	evs, _ = in.Poll(ctx)
	if len(evs) != 0 {
		t.Errorf("events delivered twice: %v", evs)
	}
}

func TestLineInput(t *testing.T) {
	clock := timing.NewManualClock()
	cancelled := make(chan struct{})
	in := NewLineInput(clock, "b", "q", func() { close(cancelled) })
	defer in.Stop()

	in.Start(strings.NewReader("b\nx\n\nq\n"))

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel key not handled")
	}

	evs, err := in.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d, want 2 (key and empty line)", len(evs))
	}
	if evs[0].Key != "b" || evs[0].Button != 1 {
		t.Errorf("first event = %+v", evs[0])
	}
	in.Stop()
}

func TestLineInput_StartGate(t *testing.T) {
	clock := timing.NewManualClock()
	in := NewLineInput(clock, "b", "q", func() { t.Error("cancel called") })
	in.StartKey = "s"
	defer in.Stop()

	// Presses before the start key are not responses.
	in.Start(strings.NewReader("b\n\nx\ns\nb\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := in.WaitStart(ctx); err != nil {
		t.Fatalf("WaitStart: %v", err)
	}
	<-in.Done()

	evs, err := in.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(evs) != 1 || evs[0].Key != "b" {
		t.Errorf("events = %+v, want the one press after start", evs)
	}
}

func TestLineInput_CancelBeforeStart(t *testing.T) {
	clock := timing.NewManualClock()
	cancelled := false
	in := NewLineInput(clock, "b", "q", func() { cancelled = true })
	in.StartKey = "s"
	defer in.Stop()

	in.Start(strings.NewReader("b\nq\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := in.WaitStart(ctx); !errors.Is(err, ErrInputClosed) {
		t.Fatalf("WaitStart = %v, want ErrInputClosed", err)
	}
	if !cancelled {
		t.Error("cancel key before start must invoke OnCancel")
	}
	if evs, _ := in.Poll(context.Background()); len(evs) != 0 {
		t.Errorf("events = %+v, want none", evs)
	}
}

func TestLineInput_WaitStartHonorsContext(t *testing.T) {
	clock := timing.NewManualClock()
	in := NewLineInput(clock, "b", "q", nil)
	in.StartKey = "s"
	pr, pw := io.Pipe()
	defer pw.Close()
	in.Start(pr)
	defer in.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := in.WaitStart(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitStart = %v, want context.Canceled", err)
	}
}

func TestSimulatedParticipant_RespondsToTargets(t *testing.T) {
	clock := timing.NewManualClock()
	p := NewSimulatedParticipant(clock, random.FromSeed(3))
	p.MissRate = 0
	ctx := context.Background()

	if _, err := p.Present(ctx, domain.Trial{Type: domain.Standard}, Click()); err != nil {
		t.Fatalf("Present: %v", err)
	}
	onset, err := p.Present(ctx, domain.Trial{Type: domain.Target}, Click())
	if err != nil {
		t.Fatalf("Present: %v", err)
	}

	clock.Advance(5 * time.Second)
	evs, _ := p.Poll(ctx)
	if len(evs) != 1 {
		t.Fatalf("events = %d, want 1 (targets only)", len(evs))
	}
	if rt := evs[0].At - onset; rt < 150*time.Millisecond {
		t.Errorf("reaction time %v below floor", rt)
	}
}
