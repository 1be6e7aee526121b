package experiment

import (
	"github.com/audiolab/stimrun/internal/device"
	"github.com/audiolab/stimrun/internal/random"
	"github.com/audiolab/stimrun/internal/timing"
)

// Devices are the collaborators of one run.
type Devices struct {
	Clock    timing.Clock
	Playback device.Playback
	Trigger  device.TriggerSink
	Input    device.InputSource
}

// SimulatedDevices returns a dry-run device set on a manual clock: a
// simulated participant answers targets and triggers go to log.
func SimulatedDevices(seed uint64, codes device.TriggerCodes, log *device.AckLog) Devices {
	clock := timing.NewManualClock()
	sim := device.NewSimulatedParticipant(clock, random.FromSeed(seed))
	return Devices{
		Clock:    clock,
		Playback: sim,
		Trigger:  &device.LogSink{Log: log, Codes: codes},
		Input:    sim,
	}
}
