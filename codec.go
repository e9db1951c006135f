package main

import (
	"fmt"
	"strings"
)

const (
	voiceSampleRate   = 48000
	voiceFrameSamples = voiceSampleRate / 100
	voiceChannels     = 1

	codecCELT = "celt"
	codecOpus = "opus"
)

// voiceDecoder turns one compressed sub-frame into PCM samples.
type voiceDecoder interface {
	Decode(frame []byte) ([]int16, error)
	Close()
}

type decoderFactory func(sampleRate, frameSamples, channels int) (voiceDecoder, error)

// audioSink receives decoded PCM in playback order. Open is called once the
// session is established; Write only ever runs on the receive loop.
type audioSink interface {
	Open(sampleRate, frameSamples int) error
	Write(samples []int16) error
	Close() error
}

func normalizeCodec(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", codecCELT:
		return codecCELT, nil
	case codecOpus:
		return codecOpus, nil
	default:
		return "", fmt.Errorf("unsupported codec: %s", value)
	}
}

// newDecoderFactory binds a codec name to its dynamically loaded engine.
func newDecoderFactory(codec string, celtLib string, opusLib string) decoderFactory {
	return func(sampleRate, frameSamples, channels int) (voiceDecoder, error) {
		if codec == codecOpus {
			engine, err := newOpusDecoderEngine(opusLib, sampleRate, frameSamples, channels)
			if err != nil {
				return nil, err
			}
			return engine, nil
		}
		engine, err := newCELTDecoderEngine(celtLib, sampleRate, frameSamples, channels)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
}

// authenticateCodecs fills the codec capabilities announced to the server.
func authenticateCodecs(codec string, auth *authenticateMessage) {
	auth.CELTVersions = []int32{celtAlphaBitstream}
	auth.Opus = codec == codecOpus
}

// codecNotice describes what the chosen codec cannot do. Voice sub-frames are
// always split with the 7-bit length header, so Opus frames of 128 bytes or
// more arrive truncated.
func codecNotice(codec string) string {
	if codec != codecOpus {
		return ""
	}
	return "opus is advertised but sub-frames are split with 7-bit length headers; opus frames of 128 bytes or more will not decode"
}

type discardSink struct{}

func (discardSink) Open(int, int) error { return nil }

func (discardSink) Write([]int16) error { return nil }

func (discardSink) Close() error { return nil }
