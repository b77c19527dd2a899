// Package fanout implements the server-side media relay: receive one
// datagram, identify its source, update the speaking flag, and forward
// the unchanged payload to every other in-session member with a known
// media address.
//
// A per-recipient circuit breaker stops the relay from hammering a dead
// peer: after enough consecutive send failures the recipient is skipped,
// with periodic probes to detect recovery.
package fanout

import (
	"log"
	"net"
	"sync/atomic"

	"lanvoice/internal/session"
	"lanvoice/internal/transport"
	"lanvoice/internal/wire"
)

// Circuit breaker tuning: after threshold consecutive send failures to
// one recipient, skip it; probe for recovery every probeInterval skips.
const (
	circuitBreakerThreshold     uint32 = 50
	circuitBreakerProbeInterval uint32 = 25
)

// health tracks per-recipient datagram send success.
type health struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *health) shouldSkip() bool {
	if h.failures.Load() < circuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%circuitBreakerProbeInterval != 0
}

func (h *health) recordFailure() uint32 {
	return h.failures.Add(1)
}

func (h *health) recordSuccess() bool {
	wasTripped := h.failures.Swap(0) >= circuitBreakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

// Relay forwards media datagrams among session members. It owns no
// socket itself — Handle is called once per received datagram by the
// media-relay goroutine.
type Relay struct {
	table   *session.Table
	socket  *transport.MediaSocket
	health  map[uint32]*health // keyed by recipient source id
	maxSize int

	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
	bytesIn      atomic.Uint64
	dropped      atomic.Uint64 // oversize/unknown-source drops
}

// New returns a Relay that forwards over socket using table for
// membership lookups.
func New(table *session.Table, socket *transport.MediaSocket) *Relay {
	return &Relay{
		table:   table,
		socket:  socket,
		health:  make(map[uint32]*health),
		maxSize: transport.MaxMediaDatagram,
	}
}

func (r *Relay) healthFor(source uint32) *health {
	h, ok := r.health[source]
	if !ok {
		h = &health{}
		r.health[source] = h
	}
	return h
}

// Handle processes one received media datagram: h/raw is the decoded
// header and the complete original datagram bytes, forwarded unchanged
// (no transcoding on the relay path). from is the sender's UDP address,
// used only for diagnostics.
func (r *Relay) Handle(h wire.MediaHeader, raw []byte, from *net.UDPAddr) {
	r.datagramsIn.Add(1)
	r.bytesIn.Add(uint64(len(raw)))

	if len(raw) > r.maxSize {
		r.dropped.Add(1)
		return
	}

	if !r.table.SetTalking(h.Source, h.Flags&wire.FlagVoiceActivity != 0) {
		// Unknown source: may predate a join race. Silently dropped.
		r.dropped.Add(1)
		return
	}

	for _, m := range r.table.SnapshotExcept(h.Source) {
		if !m.InSession() || m.MediaAddr == nil {
			continue
		}
		hp := r.healthFor(m.ID)
		if hp.shouldSkip() {
			continue
		}
		if err := r.socket.Send(m.MediaAddr, raw); err != nil {
			n := hp.recordFailure()
			if n == circuitBreakerThreshold {
				log.Printf("[fanout] circuit breaker open for member %d — %d consecutive send failures", m.ID, n)
			}
			continue
		}
		if hp.failures.Load() > 0 && hp.recordSuccess() {
			log.Printf("[fanout] circuit breaker closed for member %d — send recovered", m.ID)
		}
		r.datagramsOut.Add(1)
	}
}

// Stats returns the relay's aggregate counters for metrics logging.
func (r *Relay) Stats() (in, out, bytesIn, dropped uint64) {
	return r.datagramsIn.Load(), r.datagramsOut.Load(), r.bytesIn.Load(), r.dropped.Load()
}
