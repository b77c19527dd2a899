// Package metrics logs aggregate relay statistics (datagram/byte
// counters, membership) at a fixed interval.
package metrics

import (
	"context"
	"log"
	"time"
)

// Source supplies the counters metrics logs each tick.
type Source interface {
	// FanoutStats returns (datagrams in, datagrams out, bytes in, dropped).
	FanoutStats() (in, out, bytesIn, dropped uint64)
	// MemberCount returns the current session membership count.
	MemberCount() int
}

// Run logs aggregate stats every interval until ctx is canceled.
func Run(ctx context.Context, src Source, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBytesIn uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in, out, bytesIn, dropped := src.FanoutStats()
			members := src.MemberCount()
			rate := float64(bytesIn-lastBytesIn) / interval.Seconds() / 1024
			lastBytesIn = bytesIn
			if members > 0 || in > 0 {
				log.Printf("[metrics] members=%d datagrams_in=%d datagrams_out=%d dropped=%d (%.1f KB/s in)",
					members, in, out, dropped, rate)
			}
		}
	}
}
