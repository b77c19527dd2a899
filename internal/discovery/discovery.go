// Package discovery implements the single UDP broadcast request/response
// exchange: a server responder that answers DISCOVERY_REQUEST with its
// connection details, and a client requester that broadcasts
// periodically and accumulates replies into a bounded table keyed by
// server id. This subsystem carries no session state of its own and is
// independent of the control channel.
package discovery

import (
	"encoding/binary"
	"log"
	"net"
	"sync"
	"time"

	"lanvoice/internal/transport"
	"lanvoice/internal/wire"
)

// Capability flag bits carried in a discovery response.
const (
	CapCodec   uint32 = 1 << 0
	CapVAD     uint32 = 1 << 1
	CapJitter  uint32 = 1 << 2
)

// Request is the payload of a DISCOVERY_REQUEST message.
type Request struct {
	ClientID    uint32
	ServiceMask uint32 // unused, always 0
	Name        string
}

// Response is the payload of a DISCOVERY_RESPONSE message.
type Response struct {
	ServerID     uint32
	TCPPort      uint16
	MediaUDPPort uint16
	Capabilities uint32
	CurrentPeers uint16
	MaxPeers     uint16
	Name         string
	Version      string // truncated/padded to 16 bytes on the wire
}

const nameFieldLen = 64
const versionFieldLen = 16

func encodeRequest(r Request) []byte {
	buf := make([]byte, 4+4+nameFieldLen)
	binary.LittleEndian.PutUint32(buf[0:4], r.ClientID)
	binary.LittleEndian.PutUint32(buf[4:8], r.ServiceMask)
	copy(buf[8:8+nameFieldLen], padName(r.Name))
	return buf
}

func decodeRequest(buf []byte) (Request, bool) {
	if len(buf) < 8+nameFieldLen {
		return Request{}, false
	}
	return Request{
		ClientID:    binary.LittleEndian.Uint32(buf[0:4]),
		ServiceMask: binary.LittleEndian.Uint32(buf[4:8]),
		Name:        trimName(buf[8 : 8+nameFieldLen]),
	}, true
}

func encodeResponse(r Response) []byte {
	buf := make([]byte, 4+2+2+4+2+2+nameFieldLen+versionFieldLen)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:off+4], r.ServerID)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:off+2], r.TCPPort)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:off+2], r.MediaUDPPort)
	off += 2
	binary.LittleEndian.PutUint32(buf[off:off+4], r.Capabilities)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:off+2], r.CurrentPeers)
	off += 2
	binary.LittleEndian.PutUint16(buf[off:off+2], r.MaxPeers)
	off += 2
	copy(buf[off:off+nameFieldLen], padName(r.Name))
	off += nameFieldLen
	copy(buf[off:off+versionFieldLen], padVersion(r.Version))
	return buf
}

func decodeResponse(buf []byte) (Response, bool) {
	want := 4 + 2 + 2 + 4 + 2 + 2 + nameFieldLen + versionFieldLen
	if len(buf) < want {
		return Response{}, false
	}
	off := 0
	r := Response{}
	r.ServerID = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.TCPPort = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	r.MediaUDPPort = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	r.Capabilities = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.CurrentPeers = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	r.MaxPeers = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	r.Name = trimName(buf[off : off+nameFieldLen])
	off += nameFieldLen
	r.Version = trimName(buf[off : off+versionFieldLen])
	return r, true
}

func padName(s string) []byte {
	buf := make([]byte, nameFieldLen)
	copy(buf, s)
	return buf
}

func padVersion(s string) []byte {
	buf := make([]byte, versionFieldLen)
	copy(buf, s)
	return buf
}

func trimName(buf []byte) string {
	n := len(buf)
	for n > 0 && buf[n-1] == 0 {
		n--
	}
	return string(buf[:n])
}

// Responder answers DISCOVERY_REQUEST datagrams with the server's current
// connection details. Run drives one receive loop; call it in its own
// goroutine.
type Responder struct {
	socket *transport.DiscoverySocket
	info   func() Response // called fresh on every request to reflect live peer counts
}

// NewResponder returns a Responder bound to socket, sourcing response
// fields from info on every request.
func NewResponder(socket *transport.DiscoverySocket, info func() Response) *Responder {
	return &Responder{socket: socket, info: info}
}

// Run loops receiving discovery requests until stop is closed.
func (r *Responder) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		data, addr, err := r.socket.ReceiveFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		h, err := wire.DecodeControlHeader(data)
		if err != nil || h.Magic != wire.ControlMagic || h.Type != wire.MsgDiscoveryRequest {
			continue
		}
		payload := data[wire.ControlHeaderSize:]
		if _, ok := decodeRequest(payload); !ok {
			continue
		}

		resp := r.info()
		frame, err := wire.EncodeControlFrame(wire.MsgDiscoveryResponse, 0, 0, encodeResponse(resp))
		if err != nil {
			continue
		}
		if err := r.socket.SendTo(addr, frame); err != nil {
			log.Printf("[discovery] reply to %s: %v", addr, err)
		}
	}
}

// ServerEntry is one discovered server, kept in the client's bounded
// table keyed by server id.
type ServerEntry struct {
	Response
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Table is the client's bounded discovered-server table: updates
// in place, evicts nothing (entries are only ever overwritten).
type Table struct {
	mu      sync.Mutex
	entries map[uint32]ServerEntry
}

// NewTable returns an empty discovered-server table.
func NewTable() *Table {
	return &Table{entries: make(map[uint32]ServerEntry)}
}

// Update inserts or overwrites the entry for resp.ServerID.
func (t *Table) Update(resp Response, addr *net.UDPAddr, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[resp.ServerID] = ServerEntry{Response: resp, Addr: addr, LastSeen: now}
}

// Snapshot returns every known server.
func (t *Table) Snapshot() []ServerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ServerEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Requester broadcasts discovery requests and folds replies into a Table.
type Requester struct {
	socket *transport.DiscoverySocket
	port   int
	table  *Table
	selfID uint32
	name   string
}

// NewRequester returns a Requester broadcasting to port and collecting
// replies into table.
func NewRequester(socket *transport.DiscoverySocket, port int, table *Table, selfID uint32, name string) *Requester {
	return &Requester{socket: socket, port: port, table: table, selfID: selfID, name: name}
}

// BroadcastOnce sends a single DISCOVERY_REQUEST.
func (r *Requester) BroadcastOnce() error {
	frame, err := wire.EncodeControlFrame(wire.MsgDiscoveryRequest, 0, 0,
		encodeRequest(Request{ClientID: r.selfID, Name: r.name}))
	if err != nil {
		return err
	}
	return r.socket.Broadcast(r.port, frame)
}

// Run broadcasts every interval and folds replies into the table until
// stop is closed.
func (r *Requester) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := r.BroadcastOnce(); err != nil {
		log.Printf("[discovery] broadcast: %v", err)
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.BroadcastOnce(); err != nil {
				log.Printf("[discovery] broadcast: %v", err)
			}
		default:
		}

		data, addr, err := r.socket.ReceiveFrame()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		h, err := wire.DecodeControlHeader(data)
		if err != nil || h.Magic != wire.ControlMagic || h.Type != wire.MsgDiscoveryResponse {
			continue
		}
		resp, ok := decodeResponse(data[wire.ControlHeaderSize:])
		if !ok {
			continue
		}
		r.table.Update(resp, addr, time.Now())
	}
}
