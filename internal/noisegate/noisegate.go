// Package noisegate implements a hard gate for mono 16-bit PCM capture
// frames: a frame whose RMS sits below the threshold once the hold
// window has drained is zeroed outright. The gate cleans the signal
// before the voice activity decision; a short hold keeps it from
// chopping speech during brief pauses.
package noisegate

import "lanvoice/internal/vad"

// DefaultThreshold is the normalized RMS below which audio is gated,
// roughly -40 dBFS.
const DefaultThreshold = 0.01

// DefaultHoldFrames keeps the gate open this many frames after the
// signal last cleared the threshold (200ms at 20ms frames).
const DefaultHoldFrames = 10

// Gate zeroes sub-threshold frames in place. Configure the exported
// fields before the capture loop starts; Process is driven from one
// goroutine.
type Gate struct {
	Enabled   bool
	Threshold float64 // normalized RMS, [0,1]
	Hold      int     // frames of hold after the signal drops

	remaining int
	open      bool
}

// New returns a Gate with the default threshold and hold, enabled.
func New() *Gate {
	return &Gate{
		Enabled:   true,
		Threshold: DefaultThreshold,
		Hold:      DefaultHoldFrames,
	}
}

// Open reports whether the gate is currently passing audio.
func (g *Gate) Open() bool {
	return g.open
}

// Process measures frame's RMS, zeroes the frame in place when the gate
// is closed, and returns the pre-gate RMS for level meters and the
// voice activity decision downstream.
func (g *Gate) Process(frame []int16) float64 {
	rms := vad.Energy(frame)

	if !g.Enabled {
		g.open = true
		return rms
	}

	if rms >= g.Threshold {
		g.remaining = g.Hold
		g.open = true
		return rms
	}
	if g.remaining > 0 {
		g.remaining--
		g.open = true
		return rms
	}

	for i := range frame {
		frame[i] = 0
	}
	g.open = false
	return rms
}

// Reset clears the hold window without changing configuration.
func (g *Gate) Reset() {
	g.remaining = 0
	g.open = false
}
