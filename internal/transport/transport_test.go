package transport

import (
	"net"
	"testing"
	"time"

	"lanvoice/internal/wire"
)

func TestMediaSocketRoundTrip(t *testing.T) {
	a, err := ListenMedia(0)
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := ListenMedia(0)
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	h := wire.MediaHeader{PayloadType: wire.PayloadTypeOpus, Sequence: 7, Timestamp: 960, Source: 42, Flags: wire.FlagVoiceActivity}
	frame := wire.EncodeMediaFrame(h, []byte("hello"))

	if err := a.Send(b.LocalAddr(), frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	gotH, payload, addr, err := b.ReceiveFrame()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if gotH.Sequence != 7 || gotH.Source != 42 || gotH.Flags != wire.FlagVoiceActivity {
		t.Fatalf("unexpected header: %+v", gotH)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q", payload)
	}
	if addr.Port != a.LocalPort() {
		t.Fatalf("sender addr port = %d, want %d", addr.Port, a.LocalPort())
	}
}

func TestMediaSocketReceiveTimeout(t *testing.T) {
	a, err := ListenMedia(0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer a.Close()

	start := time.Now()
	_, _, _, err = a.ReceiveFrame()
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected net.Error timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("receive blocked too long: %v", elapsed)
	}
}

func TestControlConnRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	sc := NewControlConn(server)
	cc := NewControlConn(client)

	go func() {
		_ = cc.WriteFrame(wire.MsgHello, 1, 1000, []byte("peer-name"))
	}()

	h, payload, err := sc.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if h.Type != wire.MsgHello || h.Seq != 1 || h.Timestamp != 1000 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if string(payload) != "peer-name" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestControlConnAccumulatesPartialReads(t *testing.T) {
	server, client := net.Pipe()
	sc := NewControlConn(server)

	frame, err := wire.EncodeControlFrame(wire.MsgJoin, 2, 2000, []byte("abc"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	go func() {
		for _, b := range frame {
			client.Write([]byte{b})
		}
	}()

	h, payload, err := sc.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if h.Type != wire.MsgJoin || string(payload) != "abc" {
		t.Fatalf("unexpected frame: %+v %q", h, payload)
	}
}

func TestControlConnBadMagicResync(t *testing.T) {
	server, client := net.Pipe()
	sc := NewControlConn(server)

	go func() {
		client.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	}()

	_, _, err := sc.ReadFrame()
	if err != wire.ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDiscoverySocketRoundTrip(t *testing.T) {
	a, err := ListenDiscovery(0)
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := ListenDiscovery(0)
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	frame, err := wire.EncodeControlFrame(wire.MsgDiscoveryRequest, 0, 0, []byte("req"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if err := a.SendTo(b.conn.LocalAddr().(*net.UDPAddr), frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	data, _, err := b.ReceiveFrame()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	h, err := wire.DecodeControlHeader(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Type != wire.MsgDiscoveryRequest {
		t.Fatalf("unexpected type: %v", h.Type)
	}
}
