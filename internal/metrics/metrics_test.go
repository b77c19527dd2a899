package metrics

import (
	"context"
	"testing"
	"time"
)

type fakeSource struct {
	in, out, bytesIn, dropped uint64
	members                   int
}

func (f fakeSource) FanoutStats() (uint64, uint64, uint64, uint64) {
	return f.in, f.out, f.bytesIn, f.dropped
}
func (f fakeSource) MemberCount() int { return f.members }

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Run(ctx, fakeSource{members: 2, in: 10}, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
