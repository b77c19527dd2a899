package proto

import "testing"

func TestHelloRoundTrip(t *testing.T) {
	in := Hello{ProposedID: 7, Name: "alice"}
	out, err := DecodeHello(EncodeHello(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	in := HelloAck{Result: 0, AssignedID: 42, MediaUDPPort: 6001, ServerTimeMs: 123456}
	out, err := DecodeHelloAck(EncodeHelloAck(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestJoinRoundTrip(t *testing.T) {
	in := Join{MediaUDPPort: 6002}
	out, err := DecodeJoin(EncodeJoin(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestJoinAckRoundTrip(t *testing.T) {
	in := JoinAck{Result: 0, SourceID: 42, BaseTimestamp: 999}
	out, err := DecodeJoinAck(EncodeJoinAck(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	in := Heartbeat{ServerTimeMs: 555}
	out, err := DecodeHeartbeat(EncodeHeartbeat(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestPeerRecordRoundTrip(t *testing.T) {
	in := PeerRecord{
		ID: 1, Source: 1, Name: "bob", IP: "192.168.1.5", UDPPort: 6000,
		Talking: true, Muted: false, AudioActive: true, PeerType: 0,
	}
	out, err := DecodePeerRecord(EncodePeerRecord(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestPeerListRoundTrip(t *testing.T) {
	in := []PeerRecord{
		{ID: 1, Source: 1, Name: "a", IP: "10.0.0.1", UDPPort: 6000},
		{ID: 2, Source: 2, Name: "b", IP: "10.0.0.2", UDPPort: 6001, Talking: true},
	}
	out, err := DecodePeerList(EncodePeerList(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d records, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("record %d: got %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestPeerListEmpty(t *testing.T) {
	out, err := DecodePeerList(EncodePeerList(nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d records, want 0", len(out))
	}
}

func TestPeerLeaveRoundTrip(t *testing.T) {
	in := PeerLeave{ID: 3, Source: 3}
	out, err := DecodePeerLeave(EncodePeerLeave(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestDecodeShortPayloadErrors(t *testing.T) {
	if _, err := DecodeHello([]byte{1, 2}); err != ErrShortPayload {
		t.Errorf("DecodeHello short: got %v, want ErrShortPayload", err)
	}
	if _, err := DecodePeerList([]byte{}); err != ErrShortPayload {
		t.Errorf("DecodePeerList empty: got %v, want ErrShortPayload", err)
	}
	if _, err := DecodePeerList([]byte{2}); err != ErrShortPayload {
		t.Errorf("DecodePeerList truncated: got %v, want ErrShortPayload", err)
	}
}
