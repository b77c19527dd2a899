package adapt

import "testing"

func TestObserveSmoothsTowardSample(t *testing.T) {
	var c Controller
	c.Observe(1.0)
	if got := c.Loss(); got <= 0 || got >= 1 {
		t.Errorf("one observation of 100%% loss should land strictly between 0 and 1, got %v", got)
	}
	for i := 0; i < 50; i++ {
		c.Observe(1.0)
	}
	if got := c.Loss(); got < 0.99 {
		t.Errorf("repeated observations should converge on the sample, got %v", got)
	}
}

func TestBitrateStepsDownOnLoss(t *testing.T) {
	var c Controller
	for i := 0; i < 20; i++ {
		c.Observe(0.20)
	}
	if got := c.Bitrate(32, 50); got != 24 {
		t.Errorf("Bitrate(32) under heavy loss = %d, want 24", got)
	}
}

func TestBitrateStepsUpOnHealthyLink(t *testing.T) {
	var c Controller
	if got := c.Bitrate(32, 20); got != 48 {
		t.Errorf("Bitrate(32) on a clean link = %d, want 48", got)
	}
}

func TestBitrateHoldsWithoutRTT(t *testing.T) {
	var c Controller
	if got := c.Bitrate(32, 0); got != 32 {
		t.Errorf("Bitrate(32) with no RTT measurement = %d, want hold at 32", got)
	}
}

func TestBitrateHoldsOnSlowLink(t *testing.T) {
	var c Controller
	if got := c.Bitrate(32, 400); got != 32 {
		t.Errorf("Bitrate(32) at 400ms RTT = %d, want hold at 32", got)
	}
}

func TestBitrateHoldsOnModerateLoss(t *testing.T) {
	var c Controller
	for i := 0; i < 20; i++ {
		c.Observe(0.03)
	}
	if got := c.Bitrate(32, 50); got != 32 {
		t.Errorf("Bitrate(32) at 3%% loss = %d, want hold at 32", got)
	}
}

func TestBitrateBoundedByLadder(t *testing.T) {
	var up Controller
	if got := up.Bitrate(48, 20); got != 48 {
		t.Errorf("top rung must not step up, got %d", got)
	}
	var down Controller
	for i := 0; i < 20; i++ {
		down.Observe(0.5)
	}
	if got := down.Bitrate(8, 50); got != 8 {
		t.Errorf("bottom rung must not step down, got %d", got)
	}
}

func TestBitrateSnapsOffLadderValues(t *testing.T) {
	var c Controller
	// 30 kbps is not a rung; the closest rung is 32, and a clean link
	// steps up from there.
	if got := c.Bitrate(30, 20); got != 48 {
		t.Errorf("Bitrate(30) = %d, want 48 via the 32 rung", got)
	}
}

func TestJitterDepth(t *testing.T) {
	cases := []struct {
		jitterMs float64
		loss     float64
		want     int
	}{
		{0, 0, 1},     // no measurement: minimum
		{5, 0, 2},     // sub-frame jitter: one frame of headroom
		{45, 0, 4},    // ceil(45/20)+1
		{45, 0.10, 5}, // +1 under heavy loss
		{500, 0, 8},   // clamped to the maximum
	}
	for _, tc := range cases {
		if got := JitterDepth(tc.jitterMs, tc.loss, 20); got != tc.want {
			t.Errorf("JitterDepth(%v, %v) = %d, want %d", tc.jitterMs, tc.loss, got, tc.want)
		}
	}
}
