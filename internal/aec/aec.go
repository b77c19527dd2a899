// Package aec subtracts the loudspeaker signal from the microphone
// signal so remote peers do not hear themselves echoed back. The
// canceller is a normalized LMS adaptive filter: the playback path
// feeds it each mixed output frame as the far-end reference, and the
// capture path keeps whatever the filter could not explain.
package aec

import "sync"

const (
	// bulkDelaySamples is the assumed latency between writing a frame to
	// the output device and its echo arriving at the microphone: 40ms at
	// 48kHz, covering DAC + acoustic path + ADC.
	bulkDelaySamples = 1920

	// filterTaps is the adaptive filter length, 10ms at 48kHz. The
	// filter absorbs residual delay and room response inside this window
	// after the bulk delay.
	filterTaps = 480

	// stepSize is the NLMS adaptation constant (0 < mu < 2). Small and
	// stable over fast and twitchy.
	stepSize = 0.1
)

// Canceller is a single-channel NLMS echo canceller for mono 16-bit PCM
// frames. FeedFarEnd runs on the playback goroutine and Process on the
// capture goroutine; the reference ring is the only state both touch,
// and the lock is held just long enough to copy it.
type Canceller struct {
	mu      sync.Mutex
	enabled bool

	weights []float64

	// Far-end reference ring, normalized samples. Sized so the writer
	// and the reader windows never overlap.
	ring []float64
	head int // next write index
}

// New returns an enabled Canceller for the given samples-per-frame.
func New(frameSize int) *Canceller {
	return &Canceller{
		enabled: true,
		weights: make([]float64, filterTaps),
		ring:    make([]float64, frameSize+bulkDelaySamples+filterTaps),
	}
}

// SetEnabled turns cancellation on or off. Re-enabling starts from
// zeroed weights so the filter re-converges on the current room.
func (c *Canceller) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	if enabled {
		for i := range c.weights {
			c.weights[i] = 0
		}
	}
	c.mu.Unlock()
}

// FeedFarEnd records one playback frame as the far-end reference. Call
// from the playback goroutine after the frame is queued for output.
func (c *Canceller) FeedFarEnd(frame []int16) {
	c.mu.Lock()
	for _, s := range frame {
		c.ring[c.head] = float64(s) / 32768.0
		c.head++
		if c.head == len(c.ring) {
			c.head = 0
		}
	}
	c.mu.Unlock()
}

// Process cancels the estimated echo from one captured frame in place.
//
// The reference window is copied out under the lock, then the NLMS
// inner loops run without it: for capture sample i the filter reads the
// window at offsets i..i+filterTaps-1 (newest tap last), beginning
// bulkDelaySamples+filterTaps behind the most recent far-end write.
// Each sample subtracts the echo estimate and nudges the weights toward
// the actual echo path, normalized by the window power.
func (c *Canceller) Process(frame []int16) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	ref := make([]float64, len(frame)+filterTaps-1)
	start := c.head - len(frame) - bulkDelaySamples - filterTaps + 1
	for j := range ref {
		idx := (start + j) % len(c.ring)
		if idx < 0 {
			idx += len(c.ring)
		}
		ref[j] = c.ring[idx]
	}
	c.mu.Unlock()

	// Weights are only touched here; Process runs on one goroutine.
	for i := range frame {
		newest := i + filterTaps - 1

		var estimate, power float64
		for k := 0; k < filterTaps; k++ {
			x := ref[newest-k]
			estimate += c.weights[k] * x
			power += x * x
		}

		residual := float64(frame[i])/32768.0 - estimate

		if power > 1e-10 {
			mu := stepSize * residual / power
			for k := 0; k < filterTaps; k++ {
				c.weights[k] += mu * ref[newest-k]
			}
		}

		v := residual * 32768.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		frame[i] = int16(v)
	}
}
