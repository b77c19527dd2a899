// Package wire implements the two binary framings used by the voice core:
// length-prefixed control frames over the reliable TCP channel, and
// RTP-style media frames over the unreliable UDP channel. All integers
// are little-endian, hand-stamped with encoding/binary.
package wire

import (
	"encoding/binary"
	"errors"
)

// ControlMagic is the fixed 4-byte magic that opens every control frame.
const ControlMagic uint32 = 0x53565043

// ControlVersion is the only control-frame version this implementation
// speaks.
const ControlVersion uint16 = 1

// ControlHeaderSize is the fixed size of a control frame header in bytes:
// magic(4) + version(2) + type(2) + length(4) + seq(4) + timestamp(4).
const ControlHeaderSize = 4 + 2 + 2 + 4 + 4 + 4

// MaxControlFrame is the maximum total frame size (header + payload).
const MaxControlFrame = 4096

// MessageType identifies the kind of control-channel message. Numeric
// codes are fixed and must not be renumbered — they are part of the wire
// contract with any deployed peer.
type MessageType uint16

const (
	MsgDiscoveryRequest  MessageType = 1
	MsgDiscoveryResponse MessageType = 2
	MsgHello             MessageType = 3
	MsgHelloAck          MessageType = 4
	MsgJoin              MessageType = 5
	MsgJoinAck           MessageType = 6
	MsgLeave             MessageType = 7
	MsgHeartbeat         MessageType = 8
	MsgAudioStart        MessageType = 9
	MsgAudioStop         MessageType = 10
	MsgAudioMute         MessageType = 11
	MsgAudioUnmute       MessageType = 12
	MsgPeerList          MessageType = 13
	MsgPeerJoin          MessageType = 14
	MsgPeerLeave         MessageType = 15
	MsgPeerState         MessageType = 16
	MsgTimeSync          MessageType = 17
)

// ControlHeader is the fixed-size header that precedes every control
// frame's payload.
type ControlHeader struct {
	Magic     uint32
	Version   uint16
	Type      MessageType
	Length    uint32 // payload length, not including the header
	Seq       uint32
	Timestamp uint32 // milliseconds
}

var (
	// ErrBadMagic means the header's magic field did not match
	// ControlMagic; the reader must resync by dropping the connection.
	ErrBadMagic = errors.New("wire: bad control magic")
	// ErrFrameTooLarge means header+payload would exceed MaxControlFrame.
	ErrFrameTooLarge = errors.New("wire: control frame exceeds maximum size")
	// ErrShortHeader means fewer than ControlHeaderSize bytes were given
	// to DecodeControlHeader.
	ErrShortHeader = errors.New("wire: short control header")
)

// EncodeControlHeader writes h to a freshly allocated ControlHeaderSize
// byte slice.
func EncodeControlHeader(h ControlHeader) []byte {
	buf := make([]byte, ControlHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.LittleEndian.PutUint32(buf[8:12], h.Length)
	binary.LittleEndian.PutUint32(buf[12:16], h.Seq)
	binary.LittleEndian.PutUint32(buf[16:20], h.Timestamp)
	return buf
}

// DecodeControlHeader parses a ControlHeaderSize-byte header. It does not
// validate the magic; callers check Magic == ControlMagic themselves so
// they can decide how to resync.
func DecodeControlHeader(buf []byte) (ControlHeader, error) {
	if len(buf) < ControlHeaderSize {
		return ControlHeader{}, ErrShortHeader
	}
	return ControlHeader{
		Magic:     binary.LittleEndian.Uint32(buf[0:4]),
		Version:   binary.LittleEndian.Uint16(buf[4:6]),
		Type:      MessageType(binary.LittleEndian.Uint16(buf[6:8])),
		Length:    binary.LittleEndian.Uint32(buf[8:12]),
		Seq:       binary.LittleEndian.Uint32(buf[12:16]),
		Timestamp: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// EncodeControlFrame builds a complete frame (header + payload) for type t
// with the given sequence and timestamp. Returns ErrFrameTooLarge if the
// result would exceed MaxControlFrame.
func EncodeControlFrame(t MessageType, seq, timestampMs uint32, payload []byte) ([]byte, error) {
	total := ControlHeaderSize + len(payload)
	if total > MaxControlFrame {
		return nil, ErrFrameTooLarge
	}
	h := ControlHeader{
		Magic:     ControlMagic,
		Version:   ControlVersion,
		Type:      t,
		Length:    uint32(len(payload)),
		Seq:       seq,
		Timestamp: timestampMs,
	}
	buf := make([]byte, 0, total)
	buf = append(buf, EncodeControlHeader(h)...)
	buf = append(buf, payload...)
	return buf, nil
}

// MediaHeaderSize is the fixed size of the RTP-style media header: version
// (1) + payload type (1) + sequence (2) + timestamp (4) + source (4) +
// payload length (2) + flags (2).
const MediaHeaderSize = 1 + 1 + 2 + 4 + 4 + 2 + 2

// MediaVersion is the only media-frame version accepted; datagrams with a
// different version are discarded.
const MediaVersion uint8 = 2

// Payload type codes for the media header.
const (
	PayloadTypePCM  uint8 = 0   // reserved, not used by default
	PayloadTypeOpus uint8 = 111 // encoded voice payload
)

// Media flag bits.
const (
	FlagMarker        uint16 = 1 << 0 // unused by the core
	FlagVoiceActivity uint16 = 1 << 1 // set by the capture-side DSP gate
)

// MediaHeader is the flat RTP-style header stamped onto every media
// datagram.
type MediaHeader struct {
	Version     uint8
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	Source      uint32
	PayloadLen  uint16
	Flags       uint16
}

var (
	// ErrShortDatagram means fewer than MediaHeaderSize bytes were given
	// to DecodeMediaHeader.
	ErrShortDatagram = errors.New("wire: short media datagram")
	// ErrBadVersion means the header's version field was not MediaVersion.
	ErrBadVersion = errors.New("wire: unsupported media version")
)

// EncodeMediaFrame builds a complete media datagram (header + payload).
func EncodeMediaFrame(h MediaHeader, payload []byte) []byte {
	h.Version = MediaVersion
	h.PayloadLen = uint16(len(payload))
	buf := make([]byte, MediaHeaderSize+len(payload))
	buf[0] = h.Version
	buf[1] = h.PayloadType
	binary.LittleEndian.PutUint16(buf[2:4], h.Sequence)
	binary.LittleEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[8:12], h.Source)
	binary.LittleEndian.PutUint16(buf[12:14], h.PayloadLen)
	binary.LittleEndian.PutUint16(buf[14:16], h.Flags)
	copy(buf[MediaHeaderSize:], payload)
	return buf
}

// DecodeMediaHeader parses the fixed header from the front of buf and
// returns the header plus the remaining payload slice (which aliases buf).
func DecodeMediaHeader(buf []byte) (MediaHeader, []byte, error) {
	if len(buf) < MediaHeaderSize {
		return MediaHeader{}, nil, ErrShortDatagram
	}
	h := MediaHeader{
		Version:     buf[0],
		PayloadType: buf[1],
		Sequence:    binary.LittleEndian.Uint16(buf[2:4]),
		Timestamp:   binary.LittleEndian.Uint32(buf[4:8]),
		Source:      binary.LittleEndian.Uint32(buf[8:12]),
		PayloadLen:  binary.LittleEndian.Uint16(buf[12:14]),
		Flags:       binary.LittleEndian.Uint16(buf[14:16]),
	}
	if h.Version != MediaVersion {
		return h, nil, ErrBadVersion
	}
	return h, buf[MediaHeaderSize:], nil
}
