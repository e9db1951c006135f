package main

import (
	"encoding/binary"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// packetStream is a read cursor over a voice packet body. It is a plain value:
// every read returns the advanced stream instead of mutating the receiver, so
// a caller can keep an earlier position around for free.
//
// Reading past the end clamps the position to the end of the buffer and marks
// the stream invalid. An invalid stream returns zero values and never moves.
type packetStream struct {
	buf   []byte
	pos   int
	valid bool
}

func newPacketStream(buf []byte) packetStream {
	return packetStream{buf: buf, valid: true}
}

func (s packetStream) Valid() bool {
	return s.valid
}

func (s packetStream) Remaining() int {
	return len(s.buf) - s.pos
}

func (s packetStream) exhausted() packetStream {
	s.pos = len(s.buf)
	s.valid = false
	return s
}

// ReadVarint reads a little-endian base-128 varint.
func (s packetStream) ReadVarint() (uint64, packetStream) {
	if !s.valid {
		return 0, s
	}
	v, n := protowire.ConsumeVarint(s.buf[s.pos:])
	if n < 0 {
		return 0, s.exhausted()
	}
	s.pos += n
	return v, s
}

// ReadFloat32 reads a little-endian IEEE-754 float.
func (s packetStream) ReadFloat32() (float32, packetStream) {
	if !s.valid {
		return 0, s
	}
	if s.Remaining() < 4 {
		return 0, s.exhausted()
	}
	bits := binary.LittleEndian.Uint32(s.buf[s.pos : s.pos+4])
	s.pos += 4
	return math.Float32frombits(bits), s
}

func (s packetStream) ReadHeaderByte() (int8, packetStream) {
	if !s.valid {
		return 0, s
	}
	if s.Remaining() < 1 {
		return 0, s.exhausted()
	}
	b := s.buf[s.pos]
	s.pos++
	return int8(b), s
}

// ReadBlock returns a copy of the next n bytes.
func (s packetStream) ReadBlock(n int) ([]byte, packetStream) {
	if !s.valid {
		return nil, s
	}
	if n < 0 || s.Remaining() < n {
		return nil, s.exhausted()
	}
	out := make([]byte, n)
	copy(out, s.buf[s.pos:s.pos+n])
	s.pos += n
	return out, s
}

func (s packetStream) Skip(n int) packetStream {
	if !s.valid {
		return s
	}
	if n < 0 || s.Remaining() < n {
		return s.exhausted()
	}
	s.pos += n
	return s
}
