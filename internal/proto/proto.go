// Package proto defines the payload layouts carried inside each control
// message type named by internal/wire: HELLO/HELLO_ACK, JOIN/JOIN_ACK,
// HEARTBEAT, the PEER_LIST snapshot record, and the
// PEER_JOIN/PEER_LEAVE/PEER_STATE notifications. Framing (magic, type,
// length) is internal/wire's job; this package only encodes and decodes
// what comes after the header, with the same fixed-width,
// little-endian, hand-stamped style.
package proto

import (
	"encoding/binary"
	"errors"
)

// ErrShortPayload is returned by every Decode function when buf is
// smaller than the fixed record size it expects.
var ErrShortPayload = errors.New("proto: short payload")

const nameFieldLen = 32
const ipFieldLen = 16

func padString(s string, n int) []byte {
	buf := make([]byte, n)
	copy(buf, s)
	return buf
}

func trimString(buf []byte) string {
	n := len(buf)
	for n > 0 && buf[n-1] == 0 {
		n--
	}
	return string(buf[:n])
}

// Hello is the HELLO payload: the client's proposed id (0 means "assign
// one for me") and its display name.
type Hello struct {
	ProposedID uint32
	Name       string
}

const helloSize = 4 + nameFieldLen

func EncodeHello(h Hello) []byte {
	buf := make([]byte, helloSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.ProposedID)
	copy(buf[4:4+nameFieldLen], padString(h.Name, nameFieldLen))
	return buf
}

func DecodeHello(buf []byte) (Hello, error) {
	if len(buf) < helloSize {
		return Hello{}, ErrShortPayload
	}
	return Hello{
		ProposedID: binary.LittleEndian.Uint32(buf[0:4]),
		Name:       trimString(buf[4 : 4+nameFieldLen]),
	}, nil
}

// HelloAck is the HELLO_ACK payload.
type HelloAck struct {
	Result       uint8 // 0 = ok
	AssignedID   uint32
	MediaUDPPort uint16
	ServerTimeMs uint32
}

const helloAckSize = 1 + 4 + 2 + 4

func EncodeHelloAck(h HelloAck) []byte {
	buf := make([]byte, helloAckSize)
	buf[0] = h.Result
	binary.LittleEndian.PutUint32(buf[1:5], h.AssignedID)
	binary.LittleEndian.PutUint16(buf[5:7], h.MediaUDPPort)
	binary.LittleEndian.PutUint32(buf[7:11], h.ServerTimeMs)
	return buf
}

func DecodeHelloAck(buf []byte) (HelloAck, error) {
	if len(buf) < helloAckSize {
		return HelloAck{}, ErrShortPayload
	}
	return HelloAck{
		Result:       buf[0],
		AssignedID:   binary.LittleEndian.Uint32(buf[1:5]),
		MediaUDPPort: binary.LittleEndian.Uint16(buf[5:7]),
		ServerTimeMs: binary.LittleEndian.Uint32(buf[7:11]),
	}, nil
}

// Join is the JOIN payload: the client's declared local media UDP port.
// The media address's IP always comes from the control socket's peer
// address, never from this payload.
type Join struct {
	MediaUDPPort uint16
}

const joinSize = 2

func EncodeJoin(j Join) []byte {
	buf := make([]byte, joinSize)
	binary.LittleEndian.PutUint16(buf[0:2], j.MediaUDPPort)
	return buf
}

func DecodeJoin(buf []byte) (Join, error) {
	if len(buf) < joinSize {
		return Join{}, ErrShortPayload
	}
	return Join{MediaUDPPort: binary.LittleEndian.Uint16(buf[0:2])}, nil
}

// JoinAck is the JOIN_ACK payload.
type JoinAck struct {
	Result         uint8
	SourceID       uint32
	BaseTimestamp  uint32
}

const joinAckSize = 1 + 4 + 4

func EncodeJoinAck(j JoinAck) []byte {
	buf := make([]byte, joinAckSize)
	buf[0] = j.Result
	binary.LittleEndian.PutUint32(buf[1:5], j.SourceID)
	binary.LittleEndian.PutUint32(buf[5:9], j.BaseTimestamp)
	return buf
}

func DecodeJoinAck(buf []byte) (JoinAck, error) {
	if len(buf) < joinAckSize {
		return JoinAck{}, ErrShortPayload
	}
	return JoinAck{
		Result:        buf[0],
		SourceID:      binary.LittleEndian.Uint32(buf[1:5]),
		BaseTimestamp: binary.LittleEndian.Uint32(buf[5:9]),
	}, nil
}

// Heartbeat is the HEARTBEAT payload, carried both ways; the server sets
// ServerTimeMs in its reply, the client leaves it zero in its request.
type Heartbeat struct {
	ServerTimeMs uint32
}

const heartbeatSize = 4

func EncodeHeartbeat(h Heartbeat) []byte {
	buf := make([]byte, heartbeatSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.ServerTimeMs)
	return buf
}

func DecodeHeartbeat(buf []byte) (Heartbeat, error) {
	if len(buf) < heartbeatSize {
		return Heartbeat{}, ErrShortPayload
	}
	return Heartbeat{ServerTimeMs: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// PeerRecord is one fixed-size entry in a PEER_LIST snapshot, and the
// sole payload of PEER_JOIN and PEER_STATE.
type PeerRecord struct {
	ID          uint32
	Source      uint32
	Name        string
	IP          string
	UDPPort     uint16
	Talking     bool
	Muted       bool
	AudioActive bool
	PeerType    uint8 // reserved, always 0
}

const peerRecordSize = 4 + 4 + nameFieldLen + ipFieldLen + 2 + 1 + 1 + 1 + 1

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func encodePeerRecord(buf []byte, r PeerRecord) {
	binary.LittleEndian.PutUint32(buf[0:4], r.ID)
	binary.LittleEndian.PutUint32(buf[4:8], r.Source)
	off := 8
	copy(buf[off:off+nameFieldLen], padString(r.Name, nameFieldLen))
	off += nameFieldLen
	copy(buf[off:off+ipFieldLen], padString(r.IP, ipFieldLen))
	off += ipFieldLen
	binary.LittleEndian.PutUint16(buf[off:off+2], r.UDPPort)
	off += 2
	buf[off] = boolByte(r.Talking)
	buf[off+1] = boolByte(r.Muted)
	buf[off+2] = boolByte(r.AudioActive)
	buf[off+3] = r.PeerType
}

func decodePeerRecord(buf []byte) PeerRecord {
	r := PeerRecord{
		ID:     binary.LittleEndian.Uint32(buf[0:4]),
		Source: binary.LittleEndian.Uint32(buf[4:8]),
	}
	off := 8
	r.Name = trimString(buf[off : off+nameFieldLen])
	off += nameFieldLen
	r.IP = trimString(buf[off : off+ipFieldLen])
	off += ipFieldLen
	r.UDPPort = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	r.Talking = buf[off] != 0
	r.Muted = buf[off+1] != 0
	r.AudioActive = buf[off+2] != 0
	r.PeerType = buf[off+3]
	return r
}

// EncodePeerRecord encodes a single PeerRecord, used directly as the
// PEER_JOIN and PEER_STATE payload.
func EncodePeerRecord(r PeerRecord) []byte {
	buf := make([]byte, peerRecordSize)
	encodePeerRecord(buf, r)
	return buf
}

// DecodePeerRecord decodes a single PeerRecord payload.
func DecodePeerRecord(buf []byte) (PeerRecord, error) {
	if len(buf) < peerRecordSize {
		return PeerRecord{}, ErrShortPayload
	}
	return decodePeerRecord(buf), nil
}

// EncodePeerList encodes the PEER_LIST payload: a one-byte count followed
// by that many fixed-size PeerRecords. Callers are expected to keep
// lists under 256 members; MaxPeers defaults to 16.
func EncodePeerList(peers []PeerRecord) []byte {
	buf := make([]byte, 1+len(peers)*peerRecordSize)
	buf[0] = uint8(len(peers))
	for i, p := range peers {
		off := 1 + i*peerRecordSize
		encodePeerRecord(buf[off:off+peerRecordSize], p)
	}
	return buf
}

// DecodePeerList decodes a PEER_LIST payload.
func DecodePeerList(buf []byte) ([]PeerRecord, error) {
	if len(buf) < 1 {
		return nil, ErrShortPayload
	}
	count := int(buf[0])
	want := 1 + count*peerRecordSize
	if len(buf) < want {
		return nil, ErrShortPayload
	}
	out := make([]PeerRecord, count)
	for i := 0; i < count; i++ {
		off := 1 + i*peerRecordSize
		out[i] = decodePeerRecord(buf[off : off+peerRecordSize])
	}
	return out, nil
}

// PeerLeave is the PEER_LEAVE payload: just enough to identify who left.
type PeerLeave struct {
	ID     uint32
	Source uint32
}

const peerLeaveSize = 4 + 4

func EncodePeerLeave(p PeerLeave) []byte {
	buf := make([]byte, peerLeaveSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.ID)
	binary.LittleEndian.PutUint32(buf[4:8], p.Source)
	return buf
}

func DecodePeerLeave(buf []byte) (PeerLeave, error) {
	if len(buf) < peerLeaveSize {
		return PeerLeave{}, ErrShortPayload
	}
	return PeerLeave{
		ID:     binary.LittleEndian.Uint32(buf[0:4]),
		Source: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}
