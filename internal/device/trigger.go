package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/audiolab/stimrun/internal/domain"
)

// TriggerCodes maps trial events to trigger values.
type TriggerCodes struct {
	Standard []int `json:"standard"`
	Target   []int `json:"target"`
	Button   int   `json:"button"`
	BitRef   int   `json:"bit_ref"`
}

// DefaultTriggerCodes returns the MEG trigger-box assignment: one code per
// tone of the double tone, button on the first digital output.
func DefaultTriggerCodes() TriggerCodes {
	return TriggerCodes{
		Standard: []int{4, 8},
		Target:   []int{1, 2},
		Button:   1,
		BitRef:   16,
	}
}

// ForTrial returns the onset codes of a trial type.
func (c TriggerCodes) ForTrial(t domain.TrialType) []int {
	if t == domain.Target {
		return c.Target
	}
	return c.Standard
}

// TriggerWord encodes a trigger code as the amplitude of an SPDIF sample for a
// trigger box decoding bitRef bits. Bit i of the code maps to weight
// 2^(bitRef-1-i), so code 1 with 16 bits is 0.5.
func TriggerWord(code, bitRef int) (float64, error) {
	if bitRef <= 0 || bitRef > 31 {
		return 0, fmt.Errorf("bit reference %d out of range", bitRef)
	}
	if code < 0 || code >= 1<<bitRef {
		return 0, fmt.Errorf("trigger code %d does not fit in %d bits", code, bitRef)
	}
	var word int
	for i := 0; i < bitRef; i++ {
		if code&(1<<i) != 0 {
			word |= 1 << (bitRef - 1 - i)
		}
	}
	return float64(word) / float64(int(1)<<bitRef), nil
}

// Ack is one entry in an AckLog.
type Ack struct {
	At     time.Duration
	Source string
	Detail string
}

// AckLog is an append-only log shared with background listeners. The trial
// loop only reads it.
type AckLog struct {
	mu      sync.Mutex
	entries []Ack
}

// Append adds an entry. Safe for concurrent use.
func (l *AckLog) Append(a Ack) {
	l.mu.Lock()
	l.entries = append(l.entries, a)
	l.mu.Unlock()
}

// Entries returns a copy of all entries.
func (l *AckLog) Entries() []Ack {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Ack, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *AckLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// LogSink is a TriggerSink that records pulses, with their encoded trigger
// words, into an AckLog instead of driving hardware.
type LogSink struct {
	Log   *AckLog
	Codes TriggerCodes
}

// Pulse implements TriggerSink.
func (s *LogSink) Pulse(ctx context.Context, p Pulse) error {
	codes := p.Codes
	words := make([]float64, 0, len(codes))
	for _, c := range codes {
		w, err := TriggerWord(c, s.Codes.BitRef)
		if err != nil {
			return err
		}
		words = append(words, w)
	}
	s.Log.Append(Ack{
		At:     p.At,
		Source: "trigger",
		Detail: fmt.Sprintf("%s trial=%d type=%s codes=%v words=%v", p.Kind, p.TrialIndex, p.Type, codes, words),
	})
	return nil
}
