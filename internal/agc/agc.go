// Package agc levels the capture signal: a multiplicative gain tracks
// the desired loudness with a fast attack and slow release, so loud
// transients duck quickly while quiet passages are brought up gently
// enough to avoid pumping.
package agc

import "lanvoice/internal/vad"

// DefaultTarget is the desired frame RMS (normalized, ~-14 dBFS).
const DefaultTarget = 0.2

const (
	// Gain bounds: never cut or boost by more than 20 dB, so silence is
	// not amplified into the noise floor.
	minGain = 0.1
	maxGain = 10.0

	// Asymmetric smoothing: attack (gain down) is fast, release (gain
	// up) is slow.
	attackCoeff  = 0.8
	releaseCoeff = 0.02

	// Frames quieter than this skip the gain update entirely.
	silenceFloor = 0.001
)

// AGC is a single-channel automatic gain control for mono 16-bit PCM
// frames. Configure Target before the capture loop starts; Process is
// driven from one goroutine.
type AGC struct {
	Target float64 // desired RMS, [0,1]

	gain float64
}

// New returns an AGC at the default target with unity gain.
func New() *AGC {
	return &AGC{Target: DefaultTarget, gain: 1.0}
}

// Process applies the current gain to frame in place with int16
// saturation, then moves the gain toward the level that would have hit
// Target for this frame.
func (a *AGC) Process(frame []int16) {
	if len(frame) == 0 {
		return
	}

	rms := vad.Energy(frame)

	for i, s := range frame {
		v := float64(s) * a.gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		frame[i] = int16(v)
	}

	if rms < silenceFloor {
		return
	}

	desired := a.Target / rms
	if desired < minGain {
		desired = minGain
	} else if desired > maxGain {
		desired = maxGain
	}

	coeff := releaseCoeff
	if desired < a.gain {
		coeff = attackCoeff
	}
	a.gain += coeff * (desired - a.gain)
}

// Gain returns the current linear gain multiplier.
func (a *AGC) Gain() float64 { return a.gain }

// Reset returns the gain to unity without changing the target.
func (a *AGC) Reset() { a.gain = 1.0 }
