package mixer

import (
	"errors"
	"testing"
	"time"

	"lanvoice/internal/codec"
)

// fakeDecoder produces a constant PCM value so mixing math is predictable.
type fakeDecoder struct {
	value int16
}

func (d *fakeDecoder) Decode(payload []byte, pcm []int16) (int, error) {
	if len(payload) == 0 {
		return 0, errors.New("empty payload")
	}
	for i := range pcm {
		pcm[i] = d.value
	}
	return len(pcm), nil
}

func (d *fakeDecoder) DecodeFEC(payload []byte, pcm []int16) (int, error) {
	return d.Decode(payload, pcm)
}

func (d *fakeDecoder) Conceal(pcm []int16) (int, error) {
	for i := range pcm {
		pcm[i] = 0
	}
	return len(pcm), nil
}

type fakeFactory struct {
	next int16
}

func (f *fakeFactory) NewDecoder() (codec.Decoder, error) {
	f.next += 10000
	return &fakeDecoder{value: f.next}, nil
}

func testConfig(k int) Config {
	return Config{
		K:             k,
		SelfSource:    0,
		JitterSlots:   16,
		TargetDelayMs: 0,
		FrameMs:       20,
		SampleRate:    48000,
		FrameSize:     4,
	}
}

func TestInsertSkipsSelf(t *testing.T) {
	m := New(testConfig(4), &fakeFactory{})
	m.selfSource = 99
	if err := m.Insert(1, 0, 99, []byte{1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if m.ActiveSources() != 0 {
		t.Errorf("expected 0 active sources for self insert, got %d", m.ActiveSources())
	}
}

func TestInsertCreatesEntryPerSource(t *testing.T) {
	m := New(testConfig(4), &fakeFactory{})
	if err := m.Insert(1, 0, 10, []byte{1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := m.Insert(1, 0, 20, []byte{1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if m.ActiveSources() != 2 {
		t.Errorf("expected 2 active sources, got %d", m.ActiveSources())
	}
}

// constFactory hands out decoders that all produce the same value, so a
// multi-source sum is easy to predict.
type constFactory struct {
	value int16
}

func (f *constFactory) NewDecoder() (codec.Decoder, error) {
	return &fakeDecoder{value: f.value}, nil
}

func TestPullSaturates(t *testing.T) {
	m := New(testConfig(4), &constFactory{value: 20000})
	// Two sources each decoding to 20000; the raw sum (40000) exceeds
	// int16 max and must clamp to 32767, not wrap negative.
	m.Insert(1, 0, 10, []byte{1})
	m.Insert(1, 0, 20, []byte{1})

	out, n := m.Pull()
	if n == 0 {
		t.Fatal("expected a mixed frame, got empty pull")
	}
	for i, s := range out {
		if s != 32767 {
			t.Fatalf("sample %d = %d, want saturated 32767", i, s)
		}
	}
}

func TestEvictionDestroysOldestFirst(t *testing.T) {
	m := New(testConfig(2), &fakeFactory{})
	m.Insert(1, 0, 1, []byte{1})
	m.Insert(1, 0, 2, []byte{1})
	if m.ActiveSources() != 2 {
		t.Fatalf("expected table full at 2 entries, got %d", m.ActiveSources())
	}

	// Table is full: a third distinct source must evict the oldest entry
	// (source 1) rather than being dropped.
	m.Insert(1, 0, 3, []byte{1})
	if m.ActiveSources() != 2 {
		t.Errorf("expected eviction to keep table at K=2, got %d", m.ActiveSources())
	}

	found1, found2, found3 := false, false, false
	for i := range m.entries {
		if !m.entries[i].active {
			continue
		}
		switch m.entries[i].source {
		case 1:
			found1 = true
		case 2:
			found2 = true
		case 3:
			found3 = true
		}
	}
	if !found3 {
		t.Error("expected newly inserted source 3 to occupy a slot after eviction")
	}
	if found1 || !found2 {
		t.Errorf("expected oldest source 1 evicted and source 2 kept, got found1=%v found2=%v", found1, found2)
	}
}

func TestCleanupEvictsStale(t *testing.T) {
	m := New(testConfig(4), &fakeFactory{})
	m.Insert(1, 0, 1, []byte{1})

	future := m.entries[0].lastActive.Add(staleTimeout + time.Second)
	m.Cleanup(future)
	if m.ActiveSources() != 0 {
		t.Errorf("expected stale entry evicted, got %d active", m.ActiveSources())
	}
}

func TestStatsSumsAcrossEntries(t *testing.T) {
	m := New(testConfig(4), &fakeFactory{})
	// Two sources, two accepted packets each.
	m.Insert(1, 0, 10, []byte{1})
	m.Insert(2, 960, 10, []byte{1})
	m.Insert(1, 0, 20, []byte{1})
	m.Insert(2, 960, 20, []byte{1})

	agg := m.Stats()
	if agg.Active != 2 {
		t.Errorf("expected 2 active entries, got %d", agg.Active)
	}
	if agg.PacketsReceived != 4 {
		t.Errorf("expected 4 packets received across entries, got %d", agg.PacketsReceived)
	}
}

func TestResetClearsAllEntries(t *testing.T) {
	m := New(testConfig(4), &fakeFactory{})
	m.Insert(1, 0, 1, []byte{1})
	m.Insert(1, 0, 2, []byte{1})
	m.Reset()
	if m.ActiveSources() != 0 {
		t.Errorf("expected 0 active sources after Reset, got %d", m.ActiveSources())
	}
}
