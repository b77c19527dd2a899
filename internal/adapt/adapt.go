// Package adapt sizes the encoder bitrate and the jitter buffer depth
// from observed link quality: smoothed packet loss, heartbeat round-trip
// time, and arrival jitter.
package adapt

import "math"

// rungs is the ordered set of encoder bitrate steps in kbps, from
// barely-intelligible emergency quality up to high-fidelity voice.
var rungs = []int{8, 12, 16, 24, 32, 48}

// DefaultBitrateKbps is the starting rung for a new session.
const DefaultBitrateKbps = 32

// lossAlpha weights each new loss sample in the smoothed estimate, so
// one bad measurement interval cannot slam the ladder down on its own.
const lossAlpha = 0.3

// Loss thresholds: step down above stepDownLoss, step up below
// stepUpLoss when the link also shows a healthy RTT.
const (
	stepDownLoss = 0.05
	stepUpLoss   = 0.01
	stepUpRTTMs  = 150
)

// Controller accumulates link measurements and recommends a bitrate
// rung. The zero value is ready to use.
type Controller struct {
	loss float64
}

// Observe folds one raw loss measurement (0-1) into the smoothed
// estimate and returns the new value.
func (c *Controller) Observe(rawLoss float64) float64 {
	c.loss += lossAlpha * (rawLoss - c.loss)
	return c.loss
}

// Loss returns the current smoothed loss estimate.
func (c *Controller) Loss() float64 { return c.loss }

// Bitrate returns the rung to use next, given the current encoder
// setting and the latest RTT measurement in milliseconds (0 means no
// measurement yet — hold rather than assume a great link). The result
// is always a member of the ladder, at most one rung away from the
// closest rung to current.
func (c *Controller) Bitrate(current int, rttMs float64) int {
	i := rungIndex(current)
	switch {
	case c.loss > stepDownLoss && i > 0:
		return rungs[i-1]
	case c.loss < stepUpLoss && rttMs > 0 && rttMs < stepUpRTTMs && i < len(rungs)-1:
		return rungs[i+1]
	}
	return rungs[i]
}

// rungIndex returns the index of the ladder rung closest to kbps.
func rungIndex(kbps int) int {
	best := 0
	for i, r := range rungs {
		if abs(kbps-r) < abs(kbps-rungs[best]) {
			best = i
		}
	}
	return best
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Jitter depth bounds, in frames.
const (
	minDepthFrames = 1
	maxDepthFrames = 8
)

// JitterDepth returns the buffer depth (in frames of frameMs each) that
// would absorb the measured arrival jitter: one frame more than the
// jitter spans, plus another above stepDownLoss, clamped to [1,8].
// With no jitter measurement yet it returns the minimum — optimistic
// for a LAN, and the caller re-evaluates within seconds.
func JitterDepth(jitterMs, lossRate float64, frameMs int) int {
	if jitterMs <= 0 {
		return minDepthFrames
	}
	if frameMs <= 0 {
		frameMs = 20
	}
	depth := int(math.Ceil(jitterMs/float64(frameMs))) + 1
	if lossRate > stepDownLoss {
		depth++
	}
	if depth < minDepthFrames {
		depth = minDepthFrames
	}
	if depth > maxDepthFrames {
		depth = maxDepthFrames
	}
	return depth
}
