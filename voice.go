package main

import "fmt"

// voiceTarget is the codec selector carried in the top three bits of a
// tunnelled voice packet.
type voiceTarget uint8

const (
	targetCELTAlpha voiceTarget = iota
	targetPing
	targetSpeex
	targetCELTBeta
	targetOpus
)

func (t voiceTarget) String() string {
	switch t {
	case targetCELTAlpha:
		return "CELTAlpha"
	case targetPing:
		return "Ping"
	case targetSpeex:
		return "Speex"
	case targetCELTBeta:
		return "CELTBeta"
	case targetOpus:
		return "Opus"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

const (
	voiceContinuationBit = 0x80
	voiceFrameSizeMask   = 0x7f
)

type position struct {
	X, Y, Z float32
}

type voicePacket struct {
	Target   voiceTarget
	Flags    uint8
	Session  uint64
	Sequence uint64
	// Frames holds the compressed sub-frames in wire order.
	Frames [][]byte
	// Skipped counts zero-length sub-frames, which carry no audio.
	Skipped  int
	Position *position
	// Valid is false when the body ended before a declared field did.
	Valid bool
}

// decodeVoicePacket parses the payload of a UDPTunnel frame. It never fails:
// a truncated or corrupt packet yields whatever frames were intact before
// the damage and Valid set to false.
func decodeVoicePacket(payload []byte) voicePacket {
	if len(payload) == 0 {
		return voicePacket{}
	}

	pkt := voicePacket{
		Target: voiceTarget(payload[0] >> 5 & 0x07),
		Flags:  payload[0] & 0x1f,
	}

	st := newPacketStream(payload[1:])
	pkt.Session, st = st.ReadVarint()
	pkt.Sequence, st = st.ReadVarint()

	for st.Valid() {
		var header int8
		header, st = st.ReadHeaderByte()
		if !st.Valid() {
			break
		}

		size := int(header & voiceFrameSizeMask)
		if size > 0 {
			var block []byte
			block, st = st.ReadBlock(size)
			if st.Valid() {
				pkt.Frames = append(pkt.Frames, block)
			}
		} else {
			pkt.Skipped++
		}

		if uint8(header)&voiceContinuationBit == 0 {
			break
		}
	}

	if st.Valid() && st.Remaining() > 0 {
		var pos position
		pos.X, st = st.ReadFloat32()
		pos.Y, st = st.ReadFloat32()
		pos.Z, st = st.ReadFloat32()
		if st.Valid() {
			pkt.Position = &pos
		}
	}

	pkt.Valid = st.Valid()
	return pkt
}
