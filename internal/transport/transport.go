// Package transport implements the three socket endpoints the voice core
// runs on: a UDP discovery socket, a UDP media socket, and a TCP control
// socket with length-prefixed framing. All blocking receives carry a
// deadline so the owning goroutine can observe a shutdown signal between
// calls.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"lanvoice/internal/wire"
)

// DefaultReadTimeout is the receive deadline applied to control and media
// sockets between readiness checks.
const DefaultReadTimeout = 200 * time.Millisecond

// ErrClosed names the closed-transport condition. The socket wrappers in
// this package do not return it: after Close, their receives fail with the
// net package's own error.
var ErrClosed = errors.New("transport: closed")

// MediaSocket wraps a UDP socket carrying RTP-style media datagrams.
type MediaSocket struct {
	conn *net.UDPConn
}

// ListenMedia binds a UDP socket for media frames on the given local port
// (0 picks an ephemeral port, used by clients).
func ListenMedia(port int) (*MediaSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: listen media: %w", err)
	}
	return &MediaSocket{conn: conn}, nil
}

// LocalAddr returns the socket's bound local address.
func (m *MediaSocket) LocalAddr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

// LocalPort returns the bound local UDP port.
func (m *MediaSocket) LocalPort() int {
	return m.LocalAddr().Port
}

// MaxMediaDatagram is the largest accepted media datagram: the 16-byte
// header plus the largest encoded payload carried on the wire (512
// bytes).
const MaxMediaDatagram = wire.MediaHeaderSize + 512

// ReceiveFrame blocks (up to DefaultReadTimeout) for one datagram, decodes
// its RTP-style header, and returns the header, the payload (aliasing an
// internal buffer — callers that retain it must copy), and the sender's
// address. A short datagram or version mismatch is reported as an error
// for the caller to count and discard; deadline expiry is reported as a
// net.Error with Timeout() true, not ErrClosed.
func (m *MediaSocket) ReceiveFrame() (wire.MediaHeader, []byte, *net.UDPAddr, error) {
	buf := make([]byte, MaxMediaDatagram)
	if err := m.conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
		return wire.MediaHeader{}, nil, nil, err
	}
	n, addr, err := m.conn.ReadFromUDP(buf)
	if err != nil {
		return wire.MediaHeader{}, nil, nil, err
	}
	if n > MaxMediaDatagram {
		return wire.MediaHeader{}, nil, addr, fmt.Errorf("transport: media datagram too large (%d bytes)", n)
	}
	h, payload, err := wire.DecodeMediaHeader(buf[:n])
	if err != nil {
		return h, nil, addr, err
	}
	return h, payload, addr, nil
}

// Send transmits one media datagram to addr. A single, non-blocking
// attempt: a would-block or any send error is reported to the caller,
// which treats it as a dropped datagram and continues.
func (m *MediaSocket) Send(addr *net.UDPAddr, data []byte) error {
	if err := m.conn.SetWriteDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
		return err
	}
	_, err := m.conn.WriteToUDP(data, addr)
	return err
}

// Close closes the underlying socket, unblocking any in-flight receive.
func (m *MediaSocket) Close() error {
	return m.conn.Close()
}

// DiscoverySocket wraps the UDP broadcast socket used for the single
// discovery request/response exchange. It is independent of any session
// state.
type DiscoverySocket struct {
	conn *net.UDPConn
}

// ListenDiscovery binds a discovery socket on port (servers bind a fixed
// port; clients pass 0 for an ephemeral one used to send broadcasts and
// collect replies).
func ListenDiscovery(port int) (*DiscoverySocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("transport: listen discovery: %w", err)
	}
	return &DiscoverySocket{conn: conn}, nil
}

// LocalAddr returns the socket's bound local address.
func (d *DiscoverySocket) LocalAddr() *net.UDPAddr {
	return d.conn.LocalAddr().(*net.UDPAddr)
}

// ReceiveFrame blocks (up to DefaultReadTimeout) for one discovery
// datagram and returns its raw bytes and sender address, undecoded — the
// discovery package interprets the control-header framing.
func (d *DiscoverySocket) ReceiveFrame() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, wire.MaxControlFrame)
	if err := d.conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
		return nil, nil, err
	}
	n, addr, err := d.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, addr, nil
}

// SendTo transmits data to addr.
func (d *DiscoverySocket) SendTo(addr *net.UDPAddr, data []byte) error {
	_, err := d.conn.WriteToUDP(data, addr)
	return err
}

// Broadcast sends data to the LAN broadcast address on the given port.
func (d *DiscoverySocket) Broadcast(port int, data []byte) error {
	if err := d.conn.SetWriteDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
		return err
	}
	return d.SendTo(&net.UDPAddr{IP: net.IPv4bcast, Port: port}, data)
}

// Close closes the underlying socket.
func (d *DiscoverySocket) Close() error {
	return d.conn.Close()
}

// ControlConn wraps one accepted (server side) or dialed (client side) TCP
// connection carrying length-prefixed control frames. It accumulates
// bytes across short reads until a complete header + payload is
// available, then dispatches the frame.
type ControlConn struct {
	conn net.Conn
	buf  []byte // accumulated, undispatched bytes
}

// NewControlConn wraps an already-established net.Conn.
func NewControlConn(conn net.Conn) *ControlConn {
	return &ControlConn{conn: conn}
}

// Dial opens a new TCP control connection to addr.
func Dial(addr string) (*ControlConn, error) {
	conn, err := net.DialTimeout("tcp4", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("transport: dial control: %w", err)
	}
	return NewControlConn(conn), nil
}

// RemoteAddr returns the underlying connection's remote address.
func (c *ControlConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// WriteFrame encodes and writes one complete control frame.
func (c *ControlConn) WriteFrame(t wire.MessageType, seq, timestampMs uint32, payload []byte) error {
	frame, err := wire.EncodeControlFrame(t, seq, timestampMs, payload)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

// ReadFrame blocks (up to DefaultReadTimeout per underlying read) until one
// complete frame has accumulated, then returns its header and payload. On
// a magic mismatch the entire accumulator is dropped, ErrBadMagic is
// returned, and the caller should close the connection — resync by
// disconnect.
func (c *ControlConn) ReadFrame() (wire.ControlHeader, []byte, error) {
	for {
		if len(c.buf) >= wire.ControlHeaderSize {
			h, err := wire.DecodeControlHeader(c.buf)
			if err != nil {
				return wire.ControlHeader{}, nil, err
			}
			if h.Magic != wire.ControlMagic {
				c.buf = nil
				return wire.ControlHeader{}, nil, wire.ErrBadMagic
			}
			total := wire.ControlHeaderSize + int(h.Length)
			if total > wire.MaxControlFrame {
				c.buf = nil
				return wire.ControlHeader{}, nil, wire.ErrFrameTooLarge
			}
			if len(c.buf) >= total {
				payload := make([]byte, h.Length)
				copy(payload, c.buf[wire.ControlHeaderSize:total])
				c.buf = append([]byte(nil), c.buf[total:]...)
				return h, payload, nil
			}
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(DefaultReadTimeout)); err != nil {
			return wire.ControlHeader{}, nil, err
		}
		chunk := make([]byte, 4096)
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return wire.ControlHeader{}, nil, err
		}
	}
}

// Close closes the underlying connection, unblocking any in-flight read.
func (c *ControlConn) Close() error {
	return c.conn.Close()
}
