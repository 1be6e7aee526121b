package device

import (
	"context"
	"fmt"
	"os"

	"github.com/go-audio/wav"

	"github.com/audiolab/stimrun/internal/domain"
)

// Tone is a stimulus known only by its length. Starts holds the onset of each
// tone in seconds from stimulus onset; nil means a single tone.
type Tone struct {
	Name   string
	Sec    float64
	Starts []float64
}

// Duration implements Stimulus.
func (t Tone) Duration() float64 { return t.Sec }

// Onsets implements Segmented.
func (t Tone) Onsets() []float64 { return startsOrZero(t.Starts) }

// DoubleTone is a first tone, a silent gap and a shorter second tone.
func DoubleTone(name string, firstSec, gapSec, secondSec float64) Tone {
	return Tone{Name: name, Sec: firstSec + gapSec + secondSec, Starts: []float64{0, firstSec + gapSec}}
}

// Segmented is a Stimulus made of consecutive tones.
type Segmented interface {
	Stimulus
	// Onsets returns each tone's start in seconds from stimulus onset.
	Onsets() []float64
}

// ToneOnsets assigns an onset to each of n trigger codes: code i marks tone
// i of s. Codes past the last tone share its onset; a stimulus that is not
// Segmented has a single tone at 0.
func ToneOnsets(s Stimulus, n int) []float64 {
	starts := []float64{0}
	if seg, ok := s.(Segmented); ok && len(seg.Onsets()) > 0 {
		starts = seg.Onsets()
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = starts[min(i, len(starts)-1)]
	}
	return out
}

func startsOrZero(starts []float64) []float64 {
	if len(starts) == 0 {
		return []float64{0}
	}
	return starts
}

// Click is the 500 ms padded click of the evoked-field paradigm.
func Click() Tone {
	return Tone{Name: "click", Sec: 0.5}
}

// Library is a StimulusSource backed by a fixed map.
type Library struct {
	stimuli map[domain.TrialType]Stimulus
}

// NewLibrary returns a Library serving standard and target. target may be nil
// for paradigms without targets.
func NewLibrary(standard, target Stimulus) *Library {
	m := map[domain.TrialType]Stimulus{domain.Standard: standard}
	if target != nil {
		m[domain.Target] = target
	}
	return &Library{stimuli: m}
}

// OddballTones returns the oboe/clarinet double tones: 700 ms, 100 ms gap, 500 ms.
func OddballTones(gapSec float64) *Library {
	return NewLibrary(
		DoubleTone("standard", 0.7, gapSec, 0.5),
		DoubleTone("target", 0.7, gapSec, 0.5),
	)
}

// Stimulus implements StimulusSource.
func (l *Library) Stimulus(ctx context.Context, t domain.TrialType) (Stimulus, error) {
	s, ok := l.stimuli[t]
	if !ok || s == nil {
		return nil, domain.NewRunError(domain.ErrStimulusUnavailable.Code,
			fmt.Sprintf("%s: no %s stimulus", domain.ErrStimulusUnavailable.Message, t))
	}
	return s, nil
}

// Waveform is a decoded mono PCM signal. Starts is as for Tone.
type Waveform struct {
	Name       string
	SampleRate int
	Samples    []int
	Starts     []float64
}

// Onsets implements Segmented.
func (w *Waveform) Onsets() []float64 { return startsOrZero(w.Starts) }

// Duration implements Stimulus.
func (w *Waveform) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// LoadWAV decodes a WAV file. For multi-channel files the second channel is
// kept, matching the stereo stimulus files' signal channel.
func LoadWAV(path string) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav %s: %w", path, err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	ch := 0
	if channels > 1 {
		ch = 1
	}
	frames := len(buf.Data) / channels
	samples := make([]int, frames)
	for i := 0; i < frames; i++ {
		samples[i] = buf.Data[i*channels+ch]
	}
	return &Waveform{Name: path, SampleRate: buf.Format.SampleRate, Samples: samples}, nil
}

// Concat joins two waveforms with gapSec of silence between them.
func Concat(name string, a *Waveform, gapSec float64, b *Waveform) (*Waveform, error) {
	if a.SampleRate != b.SampleRate {
		return nil, fmt.Errorf("sample rate mismatch: %d vs %d", a.SampleRate, b.SampleRate)
	}
	gap := int(gapSec * float64(a.SampleRate))
	samples := make([]int, 0, len(a.Samples)+gap+len(b.Samples))
	samples = append(samples, a.Samples...)
	samples = append(samples, make([]int, gap)...)
	second := float64(len(a.Samples)+gap) / float64(a.SampleRate)
	samples = append(samples, b.Samples...)
	return &Waveform{Name: name, SampleRate: a.SampleRate, Samples: samples, Starts: []float64{0, second}}, nil
}

// WAVFiles names the stimulus files of a run. Second* are optional; when set
// the stimulus is a double tone joined by GapSec of silence.
type WAVFiles struct {
	Standard       string
	SecondStandard string
	Target         string
	SecondTarget   string
	GapSec         float64
}

// LoadWAVLibrary decodes all configured files into a Library.
func LoadWAVLibrary(files WAVFiles) (*Library, error) {
	standard, err := loadStimulus(files.Standard, files.SecondStandard, files.GapSec)
	if err != nil {
		return nil, domain.WrapRunError(domain.ErrStimulusUnavailable.Code, "load standard stimulus", err)
	}
	if files.Target == "" {
		return NewLibrary(standard, nil), nil
	}
	target, err := loadStimulus(files.Target, files.SecondTarget, files.GapSec)
	if err != nil {
		return nil, domain.WrapRunError(domain.ErrStimulusUnavailable.Code, "load target stimulus", err)
	}
	return NewLibrary(standard, target), nil
}

func loadStimulus(first, second string, gapSec float64) (*Waveform, error) {
	a, err := LoadWAV(first)
	if err != nil {
		return nil, err
	}
	if second == "" {
		return a, nil
	}
	b, err := LoadWAV(second)
	if err != nil {
		return nil, err
	}
	return Concat(first+"+"+second, a, gapSec, b)
}
