package jitter

import (
	"errors"
	"testing"
)

// fakeDecoder is a deterministic codec.Decoder stand-in: Decode echoes the
// first payload byte into every PCM sample (or fails if told to), and
// Conceal fills with a sentinel value so tests can tell concealment apart
// from a real decode.
type fakeDecoder struct {
	failSeqs map[byte]bool
}

func (d *fakeDecoder) Decode(payload []byte, pcm []int16) (int, error) {
	if len(payload) == 0 {
		return 0, errors.New("fakeDecoder: empty payload")
	}
	if d.failSeqs != nil && d.failSeqs[payload[0]] {
		return 0, errors.New("fakeDecoder: forced failure")
	}
	for i := range pcm {
		pcm[i] = int16(payload[0])
	}
	return len(pcm), nil
}

func (d *fakeDecoder) DecodeFEC(payload []byte, pcm []int16) (int, error) {
	return d.Decode(payload, pcm)
}

func (d *fakeDecoder) Conceal(pcm []int16) (int, error) {
	for i := range pcm {
		pcm[i] = -1
	}
	return len(pcm), nil
}

func newTestBuffer() *Buffer {
	// targetDelayMs=0 so Emit can start as soon as one slot is filled
	// and the tests can count emitted frames one-for-one with inserts.
	return New(16, 0, 20, 48000, 4, &fakeDecoder{})
}

func TestOrderedStream(t *testing.T) {
	b := newTestBuffer()
	for i := 0; i < 16; i++ {
		b.Insert(uint16(100+i), uint32(i*960), 1, []byte{byte(100 + i)})
	}

	nonConceal := 0
	for i := 0; i < 16; i++ {
		r := b.Emit()
		if !r.Emitted {
			t.Fatalf("emit %d: expected a frame", i)
		}
		if !r.Concealed {
			nonConceal++
		}
	}
	if nonConceal != 16 {
		t.Errorf("expected 16 non-concealment emits, got %d", nonConceal)
	}
	stats := b.Stats()
	if stats.PacketsLost != 0 {
		t.Errorf("expected 0 lost, got %d", stats.PacketsLost)
	}
	if stats.PacketsReorder != 0 {
		t.Errorf("expected 0 reorder, got %d", stats.PacketsReorder)
	}
}

func TestOneDrop(t *testing.T) {
	b := newTestBuffer()
	for _, seq := range []uint16{100, 101, 103, 104} {
		b.Insert(seq, uint32(seq)*960, 1, []byte{byte(seq)})
	}

	var concealedAt = -1
	for i := 0; i < 5; i++ {
		r := b.Emit()
		if !r.Emitted {
			t.Fatalf("emit %d: expected a frame", i)
		}
		if r.Concealed {
			concealedAt = i
		}
	}
	if concealedAt != 2 {
		t.Errorf("expected concealment at emit index 2 (seq 102), got %d", concealedAt)
	}
	stats := b.Stats()
	if stats.PacketsLost != 1 {
		t.Errorf("expected packets_lost=1, got %d", stats.PacketsLost)
	}
}

func TestWrapAround(t *testing.T) {
	b := newTestBuffer()
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		b.Insert(seq, uint32(seq)*960, 1, []byte{1})
	}

	for i := 0; i < 4; i++ {
		r := b.Emit()
		if !r.Emitted || r.Concealed {
			t.Fatalf("emit %d: expected non-concealment frame, got %+v", i, r)
		}
	}
	stats := b.Stats()
	if stats.PacketsLate != 0 || stats.Overruns != 0 {
		t.Errorf("expected no late/overrun on wrap, got %+v", stats)
	}
}

func TestDuplicateDropped(t *testing.T) {
	b := newTestBuffer()
	b.Insert(200, 0, 1, []byte{7})
	b.Insert(200, 0, 1, []byte{7})

	stats := b.Stats()
	if stats.PacketsReceived != 1 {
		t.Errorf("expected packets_received=1, got %d", stats.PacketsReceived)
	}
}

func TestEmitBeforeFirstInsertIsEmpty(t *testing.T) {
	b := newTestBuffer()
	r := b.Emit()
	if r.Emitted {
		t.Error("expected no emit before any insert")
	}
}

func TestEmitMonotonicity(t *testing.T) {
	b := newTestBuffer()
	for i := 0; i < 10; i++ {
		b.Insert(uint16(50+i), uint32(i*960), 1, []byte{byte(i)})
	}

	var last uint16
	first := true
	for i := 0; i < 10; i++ {
		r := b.Emit()
		if !r.Emitted {
			t.Fatalf("emit %d: expected a frame", i)
		}
		if !first && r.Sequence <= last {
			t.Errorf("emit %d: sequence %d not greater than previous %d", i, r.Sequence, last)
		}
		last = r.Sequence
		first = false
	}
}

func TestTargetDelayWarmup(t *testing.T) {
	b := New(16, 60, 20, 48000, 4, &fakeDecoder{}) // need 3 frames buffered
	b.Insert(1, 0, 1, []byte{1})
	if r := b.Emit(); r.Emitted {
		t.Fatal("expected no emit before warm-up gate opens")
	}
	b.Insert(2, 960, 1, []byte{2})
	if r := b.Emit(); r.Emitted {
		t.Fatal("expected no emit with only 2/3 frames buffered")
	}
	b.Insert(3, 1920, 1, []byte{3})
	if r := b.Emit(); !r.Emitted {
		t.Fatal("expected emit once warm-up target is satisfied")
	}
}

func TestLateArrivalDropped(t *testing.T) {
	b := newTestBuffer()
	b.Insert(20, 0, 1, []byte{20})
	b.Emit() // consumes seq 20, nextSeq becomes 21

	// delta = 1 - 21 = -20, well past -N/2 (-8): classified late, dropped.
	b.Insert(1, 0, 1, []byte{99})
	stats := b.Stats()
	if stats.PacketsLate != 1 {
		t.Errorf("expected packets_late=1, got %d", stats.PacketsLate)
	}
}

func TestOverrunDropped(t *testing.T) {
	b := newTestBuffer()
	b.Insert(0, 0, 1, []byte{1})
	b.Insert(1000, 0, 1, []byte{2}) // far beyond N, overrun
	stats := b.Stats()
	if stats.Overruns != 1 {
		t.Errorf("expected overruns=1, got %d", stats.Overruns)
	}
}

func TestDecodeFailureTreatedAsLoss(t *testing.T) {
	b := New(16, 0, 20, 48000, 4, &fakeDecoder{failSeqs: map[byte]bool{5: true}})
	b.Insert(1, 0, 1, []byte{5})
	r := b.Emit()
	if !r.Emitted || !r.Concealed {
		t.Fatalf("expected concealed emit on decode failure, got %+v", r)
	}
	if b.Stats().PacketsLost != 1 {
		t.Errorf("expected packets_lost=1 on decode failure, got %d", b.Stats().PacketsLost)
	}
}

func TestReset(t *testing.T) {
	b := newTestBuffer()
	b.Insert(1, 0, 1, []byte{1})
	b.Emit()
	b.Reset()
	if r := b.Emit(); r.Emitted {
		t.Error("expected no emit after Reset")
	}
}
