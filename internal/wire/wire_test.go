package wire

import (
	"bytes"
	"testing"
)

func TestControlHeaderRoundTrip(t *testing.T) {
	want := ControlHeader{
		Magic:     ControlMagic,
		Version:   ControlVersion,
		Type:      MsgJoin,
		Length:    42,
		Seq:       7,
		Timestamp: 123456,
	}
	buf := EncodeControlHeader(want)
	if len(buf) != ControlHeaderSize {
		t.Fatalf("encoded header size = %d, want %d", len(buf), ControlHeaderSize)
	}
	got, err := DecodeControlHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeControlHeaderShort(t *testing.T) {
	_, err := DecodeControlHeader(make([]byte, ControlHeaderSize-1))
	if err != ErrShortHeader {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestEncodeControlFrameTooLarge(t *testing.T) {
	payload := make([]byte, MaxControlFrame)
	_, err := EncodeControlFrame(MsgHello, 0, 0, payload)
	if err != ErrFrameTooLarge {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestEncodeControlFrameLayout(t *testing.T) {
	payload := []byte("hello")
	frame, err := EncodeControlFrame(MsgHello, 1, 2, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame) != ControlHeaderSize+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), ControlHeaderSize+len(payload))
	}
	h, err := DecodeControlHeader(frame[:ControlHeaderSize])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if h.Magic != ControlMagic {
		t.Errorf("bad magic: %x", h.Magic)
	}
	if h.Type != MsgHello {
		t.Errorf("type = %d, want %d", h.Type, MsgHello)
	}
	if h.Length != uint32(len(payload)) {
		t.Errorf("length = %d, want %d", h.Length, len(payload))
	}
	if !bytes.Equal(frame[ControlHeaderSize:], payload) {
		t.Errorf("payload mismatch: got %q, want %q", frame[ControlHeaderSize:], payload)
	}
}

func TestMediaHeaderRoundTrip(t *testing.T) {
	want := MediaHeader{
		PayloadType: PayloadTypeOpus,
		Sequence:    65535,
		Timestamp:   960000,
		Source:      42,
		Flags:       FlagVoiceActivity,
	}
	payload := []byte{0x01, 0x02, 0x03}
	buf := EncodeMediaFrame(want, payload)
	if len(buf) != MediaHeaderSize+len(payload) {
		t.Fatalf("datagram length = %d, want %d", len(buf), MediaHeaderSize+len(payload))
	}

	got, gotPayload, err := DecodeMediaHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want.Version = MediaVersion
	want.PayloadLen = uint16(len(payload))
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Errorf("payload mismatch: got %v, want %v", gotPayload, payload)
	}
}

func TestDecodeMediaHeaderShort(t *testing.T) {
	_, _, err := DecodeMediaHeader(make([]byte, MediaHeaderSize-1))
	if err != ErrShortDatagram {
		t.Errorf("expected ErrShortDatagram, got %v", err)
	}
}

func TestDecodeMediaHeaderBadVersion(t *testing.T) {
	buf := EncodeMediaFrame(MediaHeader{PayloadType: PayloadTypeOpus}, nil)
	buf[0] = 1 // corrupt version
	_, _, err := DecodeMediaHeader(buf)
	if err != ErrBadVersion {
		t.Errorf("expected ErrBadVersion, got %v", err)
	}
}

func TestFlagBits(t *testing.T) {
	if FlagMarker == FlagVoiceActivity {
		t.Fatal("flag bits must be distinct")
	}
	h := MediaHeader{Flags: FlagMarker | FlagVoiceActivity}
	buf := EncodeMediaFrame(h, nil)
	got, _, err := DecodeMediaHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Flags&FlagMarker == 0 || got.Flags&FlagVoiceActivity == 0 {
		t.Errorf("flags not preserved: %x", got.Flags)
	}
}
