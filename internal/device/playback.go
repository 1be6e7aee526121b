package device

import (
	"context"
	"time"

	"github.com/audiolab/stimrun/internal/domain"
	"github.com/audiolab/stimrun/internal/timing"
)

// ClockPlayback reports the clock time as stimulus onset without producing
// sound. Used for dry runs.
type ClockPlayback struct {
	Clock timing.Clock
	Log   *AckLog
}

// Present implements Playback.
func (p *ClockPlayback) Present(ctx context.Context, trial domain.Trial, s Stimulus) (time.Duration, error) {
	onset := p.Clock.Now()
	if p.Log != nil {
		p.Log.Append(Ack{At: onset, Source: "playback", Detail: string(trial.Type)})
	}
	return onset, nil
}
