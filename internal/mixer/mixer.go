// Package mixer implements the multi-stream jitter mixer: a fixed table
// of K per-source stream entries, each owning a jitter.Buffer and a
// codec.Decoder, pulled and summed into one saturated output frame per
// playback tick.
//
// Each stream entry owns its decoder so Opus's per-stream history is
// never shared across senders; destroying an entry destroys both.
package mixer

import (
	"sync"
	"time"

	"lanvoice/internal/codec"
	"lanvoice/internal/jitter"
)

// staleTimeout is how long a source may go without a new packet before
// its entry is reclaimed by the periodic sweep.
const staleTimeout = 10 * time.Second

type entry struct {
	source     uint32
	active     bool
	buf        *jitter.Buffer
	decoder    codec.Decoder
	lastActive time.Time
}

// Mixer owns K fixed stream entries and mixes one frame per source per
// tick into a saturated int16 output.
type Mixer struct {
	mu sync.Mutex

	entries []entry
	factory codec.DecoderFactory

	selfSource uint32

	slots         int
	targetDelayMs int
	frameMs       int
	sampleRate    int
	frameSize     int
}

// Config bundles the per-entry jitter buffer parameters so every stream
// entry is constructed identically.
type Config struct {
	K             int // number of fixed stream entries (MAX_PEERS)
	SelfSource    uint32
	JitterSlots   int
	TargetDelayMs int
	FrameMs       int
	SampleRate    int
	FrameSize     int
}

// New returns a Mixer with k fixed entries, decoding via factory.
func New(cfg Config, factory codec.DecoderFactory) *Mixer {
	if cfg.K <= 0 {
		cfg.K = 16
	}
	return &Mixer{
		entries:       make([]entry, cfg.K),
		factory:       factory,
		selfSource:    cfg.SelfSource,
		slots:         cfg.JitterSlots,
		targetDelayMs: cfg.TargetDelayMs,
		frameMs:       cfg.FrameMs,
		sampleRate:    cfg.SampleRate,
		frameSize:     cfg.FrameSize,
	}
}

func (m *Mixer) newEntryFor(source uint32, now time.Time) (*entry, error) {
	dec, err := m.factory.NewDecoder()
	if err != nil {
		return nil, err
	}
	idx := m.pickSlot(now)
	e := &m.entries[idx]
	*e = entry{
		source:     source,
		active:     true,
		buf:        jitter.New(m.slots, m.targetDelayMs, m.frameMs, m.sampleRate, m.frameSize, dec),
		decoder:    dec,
		lastActive: now,
	}
	return e, nil
}

// pickSlot returns a free entry index, evicting the oldest-last-active
// entry (destroying its decoder before the caller installs a new one)
// when the table is full.
func (m *Mixer) pickSlot(now time.Time) int {
	for i := range m.entries {
		if !m.entries[i].active {
			return i
		}
	}
	oldest := 0
	for i := range m.entries {
		if m.entries[i].lastActive.Before(m.entries[oldest].lastActive) {
			oldest = i
		}
	}
	// Destroy the evicted entry's jitter buffer and decoder before the
	// caller overwrites the struct with a fresh one.
	m.entries[oldest] = entry{}
	return oldest
}

// Insert routes a received media frame to the entry for source, creating
// one if needed. Frames from selfSource are skipped (a peer must never
// mix its own relayed audio).
func (m *Mixer) Insert(seq uint16, timestamp, source uint32, payload []byte) error {
	if source == m.selfSource {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	for i := range m.entries {
		if m.entries[i].active && m.entries[i].source == source {
			m.entries[i].buf.Insert(seq, timestamp, source, payload)
			m.entries[i].lastActive = now
			return nil
		}
	}

	e, err := m.newEntryFor(source, now)
	if err != nil {
		return err
	}
	e.buf.Insert(seq, timestamp, source, payload)
	return nil
}

// Pull mixes one frame from every active entry into an int32 accumulator
// (wide enough to tolerate a K-way sum without overflow) and returns the
// saturated int16 result plus the largest individual frame length seen.
func (m *Mixer) Pull() ([]int16, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := make([]int32, m.frameSize)
	maxLen := 0

	for i := range m.entries {
		if !m.entries[i].active {
			continue
		}
		res := m.entries[i].buf.Emit()
		if !res.Emitted {
			continue
		}
		if res.N > maxLen {
			maxLen = res.N
		}
		for j := 0; j < res.N && j < len(acc); j++ {
			acc[j] += int32(res.PCM[j])
		}
	}

	out := make([]int16, m.frameSize)
	for i, v := range acc {
		out[i] = saturate(v)
	}
	return out, maxLen
}

func saturate(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Cleanup marks entries inactive (destroying their jitter buffer and
// decoder) whose last-active time is older than staleTimeout. Callers
// invoke this periodically, e.g. once per second.
func (m *Mixer) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].active && now.Sub(m.entries[i].lastActive) > staleTimeout {
			m.entries[i] = entry{}
		}
	}
}

// ActiveSources returns the number of currently active stream entries.
func (m *Mixer) ActiveSources() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.entries {
		if m.entries[i].active {
			n++
		}
	}
	return n
}

// AggregateStats is the sum of every active entry's jitter statistics,
// plus the largest per-entry jitter estimate. The client's adaptive loop
// reads this to size the encoder bitrate; buffer depth is not adjusted
// from it.
type AggregateStats struct {
	jitter.Stats
	MaxJitterMs float64
	Active      int
}

// Stats sums the jitter statistics across all active entries.
func (m *Mixer) Stats() AggregateStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var agg AggregateStats
	for i := range m.entries {
		if !m.entries[i].active {
			continue
		}
		s := m.entries[i].buf.Stats()
		agg.PacketsReceived += s.PacketsReceived
		agg.PacketsLost += s.PacketsLost
		agg.PacketsLate += s.PacketsLate
		agg.Overruns += s.Overruns
		agg.PacketsReorder += s.PacketsReorder
		if j := m.entries[i].buf.JitterMs(); j > agg.MaxJitterMs {
			agg.MaxJitterMs = j
		}
		agg.Active++
	}
	return agg
}

// Reset deactivates every entry, e.g. on disconnect.
func (m *Mixer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make([]entry, len(m.entries))
}
