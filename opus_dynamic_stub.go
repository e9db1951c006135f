//go:build !linux || !cgo

package main

import "fmt"

type opusDecoderEngine struct{}

func newOpusDecoderEngine(libPath string, sampleRate, frameSamples, channels int) (*opusDecoderEngine, error) {
	return nil, fmt.Errorf("opus decode is available only on linux with cgo")
}

func (o *opusDecoderEngine) Close() {}

func (o *opusDecoderEngine) LibraryPath() string {
	return ""
}

func (o *opusDecoderEngine) Decode(packet []byte) ([]int16, error) {
	return nil, fmt.Errorf("opus decode is not available")
}
