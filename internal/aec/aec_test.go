package aec

import (
	"math"
	"testing"

	"lanvoice/internal/vad"
)

const frameSamples = 960

// sineFrame returns the n-th consecutive 20ms frame of a continuous
// 440Hz half-scale sine, so successive frames are phase-continuous.
func sineFrame(n int) []int16 {
	frame := make([]int16, frameSamples)
	for i := range frame {
		t := float64(n*frameSamples+i) / 48000.0
		frame[i] = int16(0.5 * 32767 * math.Sin(2*math.Pi*440*t))
	}
	return frame
}

func TestNoReferencePassesThrough(t *testing.T) {
	c := New(frameSamples)
	frame := sineFrame(0)
	want := make([]int16, len(frame))
	copy(want, frame)

	// Nothing has been played: the reference ring is silent, the echo
	// estimate is zero, and the capture signal must survive intact up to
	// rounding at the int16 boundary.
	c.Process(frame)
	for i := range frame {
		diff := int(frame[i]) - int(want[i])
		if diff < -1 || diff > 1 {
			t.Fatalf("sample %d changed by %d with no far-end signal", i, diff)
		}
	}
}

func TestEchoIsCancelled(t *testing.T) {
	c := New(frameSamples)

	// Play and capture the identical periodic signal. The first frame
	// passes through nearly untouched (zero weights); once the filter
	// has adapted, the residual must be well below the input level.
	first := sineFrame(0)
	c.FeedFarEnd(first)
	c.Process(first)
	initial := vad.Energy(first)

	var residual float64
	for n := 1; n < 40; n++ {
		frame := sineFrame(n)
		c.FeedFarEnd(frame)
		c.Process(frame)
		residual = vad.Energy(frame)
	}

	if residual > initial/2 {
		t.Errorf("echo not cancelled: initial residual %v, final %v", initial, residual)
	}
}

func TestDisabledPassesThrough(t *testing.T) {
	c := New(frameSamples)
	c.SetEnabled(false)

	c.FeedFarEnd(sineFrame(0))
	frame := sineFrame(0)
	want := make([]int16, len(frame))
	copy(want, frame)

	c.Process(frame)
	for i := range frame {
		if frame[i] != want[i] {
			t.Fatalf("disabled canceller altered sample %d", i)
		}
	}
}

func TestReenableResetsWeights(t *testing.T) {
	c := New(frameSamples)
	for n := 0; n < 20; n++ {
		frame := sineFrame(n)
		c.FeedFarEnd(frame)
		c.Process(frame)
	}

	adapted := false
	for _, w := range c.weights {
		if w != 0 {
			adapted = true
			break
		}
	}
	if !adapted {
		t.Fatal("expected nonzero weights after adaptation")
	}

	c.SetEnabled(false)
	c.SetEnabled(true)
	for _, w := range c.weights {
		if w != 0 {
			t.Fatal("expected zeroed weights after re-enable")
		}
	}
}
