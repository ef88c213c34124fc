// Package udprelay implements the UDP media relay (spec C7): packet
// parsing, per-room membership keyed by source address, fan-out, liveness
// GC, and control-plane rate limiting.
//
// Packet format is grounded on original_source/server/udp_server.py:
// MAGIC = b"HPH1"; HDR_FMT = "!4sBHHI" (magic, type, room_len, user_len,
// seq), followed by room bytes, user bytes, and an opaque payload.
package udprelay

import (
	"encoding/binary"
	"fmt"
)

// Magic is the 4-byte packet magic identifying this wire format. Other
// ad-hoc framings that may appear in reference material must not be
// emitted by this relay.
var Magic = [4]byte{'H', 'P', 'H', '1'}

// Packet type tags.
const (
	TypeVoice     uint8 = 1
	TypeVideo     uint8 = 2
	TypeJoin      uint8 = 10
	TypeLeave     uint8 = 11
	TypeKeepalive uint8 = 12
)

// headerLen is magic(4) + type(1) + room_len(2) + user_len(2) + seq(4).
const headerLen = 4 + 1 + 2 + 2 + 4

// Packet is a parsed media-plane datagram.
type Packet struct {
	Type    uint8
	Seq     uint32
	Room    string
	User    string
	Payload []byte
}

// ErrBadMagic is returned by Parse when the leading 4 bytes do not match
// Magic.
var ErrBadMagic = fmt.Errorf("udprelay: bad magic")

// ErrTruncated is returned by Parse when the declared room/user lengths
// exceed the bytes actually present.
var ErrTruncated = fmt.Errorf("udprelay: truncated packet")

// Parse decodes raw into a Packet. It never allocates more than len(raw)
// bytes' worth of string data (room/user are sliced from lengths declared
// in the header, bounds-checked against the actual buffer).
func Parse(raw []byte) (Packet, error) {
	if len(raw) < headerLen {
		return Packet{}, ErrTruncated
	}
	if raw[0] != Magic[0] || raw[1] != Magic[1] || raw[2] != Magic[2] || raw[3] != Magic[3] {
		return Packet{}, ErrBadMagic
	}
	typ := raw[4]
	roomLen := binary.BigEndian.Uint16(raw[5:7])
	userLen := binary.BigEndian.Uint16(raw[7:9])
	seq := binary.BigEndian.Uint32(raw[9:13])

	rest := raw[headerLen:]
	need := int(roomLen) + int(userLen)
	if len(rest) < need {
		return Packet{}, ErrTruncated
	}
	room := string(rest[:roomLen])
	user := string(rest[roomLen : roomLen+userLen])
	payload := rest[need:]

	return Packet{Type: typ, Seq: seq, Room: room, User: user, Payload: payload}, nil
}

// Encode serializes p into the HPH1 wire format.
func Encode(p Packet) []byte {
	room := []byte(p.Room)
	user := []byte(p.User)
	buf := make([]byte, headerLen+len(room)+len(user)+len(p.Payload))
	copy(buf[0:4], Magic[:])
	buf[4] = p.Type
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(room)))
	binary.BigEndian.PutUint16(buf[7:9], uint16(len(user)))
	binary.BigEndian.PutUint32(buf[9:13], p.Seq)
	n := headerLen
	n += copy(buf[n:], room)
	n += copy(buf[n:], user)
	copy(buf[n:], p.Payload)
	return buf
}
