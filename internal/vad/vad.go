// Package vad decides whether a captured frame carries speech. The
// decision is energy-based: a frame whose RMS clears the threshold is
// speech, and a hangover window keeps the detector in the speech state
// for a little while afterwards so word endings and short pauses are not
// clipped off mid-sentence.
package vad

import "math"

// DefaultThreshold is the normalized RMS below which a frame counts as
// silence, roughly -46 dBFS. Low enough to pass quiet speech, high
// enough to reject open-mic hum.
const DefaultThreshold = 0.005

// DefaultHangoverFrames is how many silent frames keep the detector in
// the speech state after the last speech frame (~400ms at 20ms frames).
const DefaultHangoverFrames = 20

// Detector is a single-stream voice activity detector. Configure the
// exported fields before the capture loop starts; Detect itself is
// driven from one goroutine.
type Detector struct {
	Enabled   bool
	Threshold float64 // normalized RMS, [0,1]
	Hangover  int     // frames of hold after the last speech frame

	remaining int
}

// New returns a Detector with the default threshold and hangover,
// enabled.
func New() *Detector {
	return &Detector{
		Enabled:   true,
		Threshold: DefaultThreshold,
		Hangover:  DefaultHangoverFrames,
	}
}

// Energy returns the RMS of a mono 16-bit PCM frame, normalized to
// [0,1].
func Energy(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Detect reports whether a frame with the given normalized RMS should be
// treated as speech. A disabled detector treats everything as speech.
func (d *Detector) Detect(rms float64) bool {
	if !d.Enabled {
		return true
	}
	if rms > d.Threshold {
		d.remaining = d.Hangover
		return true
	}
	if d.remaining > 0 {
		d.remaining--
		return true
	}
	return false
}

// Reset clears the hangover state.
func (d *Detector) Reset() {
	d.remaining = 0
}
