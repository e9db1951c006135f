package main

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// celtAlphaBitstream is CELT 0.7.0's bitstream id (0x8000000b) as the int32
// the Authenticate message carries.
const celtAlphaBitstream int32 = -0x7ffffff5

var errMissingSession = errors.New("server sync without session id")

type versionMessage struct {
	Version   uint32
	Release   string
	OS        string
	OSVersion string
}

func (m versionMessage) marshal() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(m.Version))
	b = appendString(b, 2, m.Release)
	b = appendString(b, 3, m.OS)
	b = appendString(b, 4, m.OSVersion)
	return b
}

type authenticateMessage struct {
	Username     string
	Password     string
	Tokens       []string
	CELTVersions []int32
	Opus         bool
}

func (m authenticateMessage) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Username)
	b = appendString(b, 2, m.Password)
	for _, token := range m.Tokens {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, token)
	}
	for _, v := range m.CELTVersions {
		// int32 fields sign-extend to 64 bits on the wire.
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(v)))
	}
	if m.Opus {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

type userStateMessage struct {
	Session        uint32
	PluginContext  []byte
	PluginIdentity string
}

func (m userStateMessage) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Session))
	if len(m.PluginContext) > 0 {
		b = protowire.AppendTag(b, 12, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PluginContext)
	}
	b = appendString(b, 13, m.PluginIdentity)
	return b
}

type pingMessage struct {
	Timestamp uint64
}

func (m pingMessage) marshal() []byte {
	return appendUint(nil, 1, m.Timestamp)
}

type serverSyncMessage struct {
	Session      uint32
	MaxBandwidth uint32
	WelcomeText  string
	Permissions  uint64
}

func parseServerSync(b []byte) (serverSyncMessage, error) {
	var m serverSyncMessage
	hasSession := false
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Session = uint32(v)
			hasSession = n > 0
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.MaxBandwidth = uint32(v)
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.WelcomeText = v
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Permissions = v
			return n
		}
		return 0
	})
	if err != nil {
		return serverSyncMessage{}, fmt.Errorf("parse ServerSync: %w", err)
	}
	if !hasSession {
		return serverSyncMessage{}, errMissingSession
	}
	return m, nil
}

type rejectMessage struct {
	Type   uint32
	Reason string
}

func parseReject(b []byte) (rejectMessage, error) {
	var m rejectMessage
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Type = uint32(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Reason = v
			return n
		}
		return 0
	})
	if err != nil {
		return rejectMessage{}, fmt.Errorf("parse Reject: %w", err)
	}
	return m, nil
}

type codecVersionMessage struct {
	Alpha       int32
	Beta        int32
	PreferAlpha bool
	Opus        bool
}

func parseCodecVersion(b []byte) (codecVersionMessage, error) {
	var m codecVersionMessage
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.VarintType {
			return 0
		}
		v, n := protowire.ConsumeVarint(b)
		switch num {
		case 1:
			m.Alpha = int32(v)
		case 2:
			m.Beta = int32(v)
		case 3:
			m.PreferAlpha = protowire.DecodeBool(v)
		case 4:
			m.Opus = protowire.DecodeBool(v)
		default:
			return 0
		}
		return n
	})
	if err != nil {
		return codecVersionMessage{}, fmt.Errorf("parse CodecVersion: %w", err)
	}
	return m, nil
}

// rejectError is returned from a session that the server refused.
type rejectError struct {
	Type   uint32
	Reason string
}

func (e *rejectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("rejected by server (type %d)", e.Type)
	}
	return fmt.Sprintf("rejected by server: %s", e.Reason)
}

// decodeFields walks a protobuf message. visit returns the number of bytes
// it consumed for the field value, or 0 to have the field skipped.
func decodeFields(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := visit(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
