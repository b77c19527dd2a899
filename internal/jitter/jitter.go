// Package jitter implements the single-stream jitter buffer: a fixed
// circular timeline of slots indexed by the low bits of the sequence
// number. It accepts out-of-order inserts, emits exactly one frame per
// playback tick, and synthesizes a concealment frame through the codec's
// PLC hook when the slot due for emission is empty.
//
// Slots carry full state (empty/filled/decoded) plus loss and jitter
// statistics, and the buffer owns a codec.Decoder rather than raw codec
// bytes, so concealment and decode stay behind one interface.
package jitter

import (
	"sync"
	"time"

	"lanvoice/internal/codec"
)

// DefaultSlots is the ring size used unless configured otherwise.
const DefaultSlots = 16

type slotState uint8

const (
	slotEmpty slotState = iota
	slotFilled
	slotDecoded
)

type slot struct {
	state     slotState
	seq       uint16
	timestamp uint32
	source    uint32
	payload   []byte
	pcm       []int16
	pcmLen    int
	arrival   time.Time
}

// Stats holds the buffer's loss and reorder counters.
type Stats struct {
	PacketsReceived uint64
	PacketsLost     uint64
	PacketsLate     uint64
	Overruns        uint64
	PacketsReorder  uint64
}

// LossRate returns PacketsLost / (PacketsReceived + PacketsLost), or 0
// when the denominator is not yet positive.
func (s Stats) LossRate() float64 {
	den := s.PacketsReceived + s.PacketsLost
	if den == 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(den)
}

// Buffer is a single-stream jitter buffer for one source identifier. Each
// method takes the buffer's own mutex, so one Buffer may be shared across
// goroutines; the mixer gives each stream entry its own Buffer and also
// serializes access under its own table lock.
type Buffer struct {
	mu sync.Mutex

	slots []slot
	n     int

	head    int // slot index of the next sequence to emit
	count   int // number of currently FILLED slots
	nextSeq uint16

	initialized bool // true once at least one packet has ever been accepted
	started     bool // true once the target-delay warm-up gate has opened

	targetDelayMs int
	frameMs       int

	sampleRate int
	frameSize  int

	jitterMs      float64
	haveLast      bool
	lastArrival   time.Time
	lastTimestamp uint32

	decoder codec.Decoder

	stats Stats
}

// New returns a Buffer with n slots (n < 2 selects DefaultSlots), a
// target-delay warm-up of targetDelayMs, frameMs per tick, and dec as the
// decode/PLC collaborator. sampleRate and frameSize describe the PCM
// format dec produces.
func New(n, targetDelayMs, frameMs, sampleRate, frameSize int, dec codec.Decoder) *Buffer {
	if n < 2 {
		n = DefaultSlots
	}
	if frameMs <= 0 {
		frameMs = 20
	}
	return &Buffer{
		slots:         make([]slot, n),
		n:             n,
		targetDelayMs: targetDelayMs,
		frameMs:       frameMs,
		sampleRate:    sampleRate,
		frameSize:     frameSize,
		decoder:       dec,
	}
}

// SetDecoder swaps the decode/PLC collaborator, e.g. when the mixer
// allocates a fresh decoder for a reused entry.
func (b *Buffer) SetDecoder(dec codec.Decoder) {
	b.mu.Lock()
	b.decoder = dec
	b.mu.Unlock()
}

// Lock/Unlock expose the buffer's internal mutex, the same one every
// method takes: a caller holding Lock must not call Insert, Emit or any
// other method before Unlock, or it deadlocks.
func (b *Buffer) Lock()   { b.mu.Lock() }
func (b *Buffer) Unlock() { b.mu.Unlock() }

func mod(x, n int) int {
	x %= n
	if x < 0 {
		x += n
	}
	return x
}

// Insert accepts one received media frame. It is idempotent against
// duplicates and bounded: late and overrun packets are dropped and
// counted, never allocated.
func (b *Buffer) Insert(seq uint16, timestamp, source uint32, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if !b.initialized {
		b.initialized = true
		b.nextSeq = seq
		b.head = 0
	}

	delta := int16(seq - b.nextSeq)

	if int(delta) < -b.n/2 {
		b.stats.PacketsLate++
		return
	}
	if int(delta) >= b.n {
		b.stats.Overruns++
		return
	}

	idx := mod(b.head+int(delta), b.n)
	sl := &b.slots[idx]

	if sl.state != slotEmpty && sl.seq == seq {
		// Duplicate: drop silently.
		return
	}

	if sl.state == slotEmpty {
		b.count++
	}

	sl.state = slotFilled
	sl.seq = seq
	sl.timestamp = timestamp
	sl.source = source
	sl.payload = payload
	sl.pcmLen = 0
	sl.arrival = now
	b.stats.PacketsReceived++

	// Tightened reorder rule: only count packets that arrive behind the
	// next-expected sequence but still within the late window, not the
	// (conflated) case of a slot being filled ahead of an earlier packet.
	if delta < 0 {
		b.stats.PacketsReorder++
	}

	b.updateJitter(now, timestamp)
}

func (b *Buffer) updateJitter(now time.Time, timestamp uint32) {
	if !b.haveLast {
		b.haveLast = true
		b.lastArrival = now
		b.lastTimestamp = timestamp
		return
	}
	arrivalDeltaMs := float64(now.Sub(b.lastArrival)) / float64(time.Millisecond)
	tsDeltaSamples := int32(timestamp - b.lastTimestamp)
	tsDeltaMs := float64(tsDeltaSamples) * 1000.0 / float64(b.sampleRate)
	diff := arrivalDeltaMs - tsDeltaMs
	if diff < 0 {
		diff = -diff
	}
	b.jitterMs += (diff - b.jitterMs) / 16.0

	b.lastArrival = now
	b.lastTimestamp = timestamp
}

// JitterMs returns the current jitter EWMA estimate in milliseconds.
func (b *Buffer) JitterMs() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.jitterMs
}

// Stats returns a snapshot of the loss/reorder counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Result is the outcome of one Emit call.
type Result struct {
	PCM        []int16
	N          int
	Sequence   uint16
	Concealed  bool
	Emitted    bool // false means "emit nothing"; upstream treats as silence
}

// Emit produces the frame due for the current playback tick, per the
// design's five-step algorithm: nothing before initialization or before
// the target-delay warm-up gate opens, a concealment frame when the due
// slot is empty, and the decoded frame otherwise.
func (b *Buffer) Emit() Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return Result{}
	}

	if !b.started {
		if b.count*b.frameMs >= b.targetDelayMs {
			b.started = true
		} else {
			return Result{}
		}
	}

	if b.count == 0 {
		return Result{}
	}

	sl := &b.slots[b.head]
	seq := b.nextSeq

	var res Result
	res.Sequence = seq
	res.Emitted = true

	if sl.state == slotEmpty {
		pcm := make([]int16, b.frameSize)
		n, _ := b.decoder.Conceal(pcm)
		res.PCM = pcm
		res.N = n
		res.Concealed = true
		b.stats.PacketsLost++
	} else {
		pcm := make([]int16, b.frameSize)
		n, err := b.decoder.Decode(sl.payload, pcm)
		if err != nil {
			cn, _ := b.decoder.Conceal(pcm)
			res.PCM = pcm
			res.N = cn
			res.Concealed = true
			b.stats.PacketsLost++
		} else {
			sl.state = slotDecoded
			sl.pcm = pcm
			sl.pcmLen = n
			res.PCM = pcm
			res.N = n
		}
		*sl = slot{}
		b.count--
	}

	b.head = mod(b.head+1, b.n)
	b.nextSeq++

	return res
}

// ActiveAndStarted reports whether the buffer has received at least one
// packet and has cleared its warm-up gate — i.e. whether it currently
// contributes frames to a mix.
func (b *Buffer) ActiveAndStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized && b.started
}

// Reset clears all buffered state, e.g. on disconnect or stream reset.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = make([]slot, b.n)
	b.head = 0
	b.count = 0
	b.nextSeq = 0
	b.initialized = false
	b.started = false
	b.haveLast = false
	b.jitterMs = 0
	b.stats = Stats{}
}
