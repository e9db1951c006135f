package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

const (
	// protocolVersion is 1.2.3 packed as (major<<16)|(minor<<8)|patch.
	protocolVersion = (1 << 16) | (2 << 8) | 3

	frameHeaderSize = 6
	maxFramePayload = 8 << 20
)

var (
	errChannelClosed = errors.New("channel closed")
	errReadTimeout   = errors.New("read timeout")
	errFrameTooLarge = errors.New("frame payload too large")
)

// messageType is the wire tag of a control-channel frame. Its value is the
// ordinal of the message in the server's protocol definition, so the order
// of the constants below must never change.
type messageType uint16

const (
	msgVersion messageType = iota
	msgUDPTunnel
	msgAuthenticate
	msgPing
	msgReject
	msgServerSync
	msgChannelRemove
	msgChannelState
	msgUserRemove
	msgUserState
	msgBanList
	msgTextMessage
	msgPermissionDenied
	msgACL
	msgQueryUsers
	msgCryptSetup
	msgContextActionAdd
	msgContextAction
	msgUserList
	msgVoiceTarget
	msgPermissionQuery
	msgCodecVersion
	msgUserStats
	msgRequestBlob
	msgServerConfig

	messageTypeCount
)

var messageTypeNames = [messageTypeCount]string{
	"Version", "UDPTunnel", "Authenticate", "Ping", "Reject", "ServerSync",
	"ChannelRemove", "ChannelState", "UserRemove", "UserState", "BanList",
	"TextMessage", "PermissionDenied", "ACL", "QueryUsers", "CryptSetup",
	"ContextActionAdd", "ContextAction", "UserList", "VoiceTarget",
	"PermissionQuery", "CodecVersion", "UserStats", "RequestBlob", "ServerConfig",
}

// Known reports whether t is part of the protocol enumeration.
func (t messageType) Known() bool {
	return t < messageTypeCount
}

func (t messageType) String() string {
	if !t.Known() {
		return fmt.Sprintf("Unknown(%d)", uint16(t))
	}
	return messageTypeNames[t]
}

// frame is one decoded control-channel message. Size is the declared payload
// length; it differs from len(Payload) only for oversized unknown frames,
// whose payload is discarded unread.
type frame struct {
	Type    messageType
	Size    uint32
	Payload []byte
}

func encodeFrame(t messageType, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(t))
	binary.BigEndian.PutUint32(out[2:6], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}

// writeFrame emits the whole frame with a single Write so that a caller
// holding the send lock never leaves a partial frame on the wire.
func writeFrame(w io.Writer, t messageType, payload []byte) error {
	if _, err := w.Write(encodeFrame(t, payload)); err != nil {
		return fmt.Errorf("write %s: %w: %v", t, errChannelClosed, err)
	}
	return nil
}

func readFrame(r io.Reader) (frame, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, classifyReadError("read frame header", err)
	}

	t := messageType(binary.BigEndian.Uint16(header[0:2]))
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxFramePayload {
		if t.Known() {
			return frame{}, fmt.Errorf("%w: %s declares %d bytes", errFrameTooLarge, t, length)
		}
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return frame{}, classifyReadError(fmt.Sprintf("skip %s payload", t), err)
		}
		return frame{Type: t, Size: length}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, classifyReadError(fmt.Sprintf("read %s payload", t), err)
	}
	return frame{Type: t, Size: length, Payload: payload}, nil
}

func classifyReadError(op string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w", op, errReadTimeout)
	}
	return fmt.Errorf("%s: %w: %v", op, errChannelClosed, err)
}
