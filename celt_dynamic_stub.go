//go:build !linux || !cgo

package main

import "fmt"

type celtDecoderEngine struct{}

func newCELTDecoderEngine(libPath string, sampleRate, frameSamples, channels int) (*celtDecoderEngine, error) {
	return nil, fmt.Errorf("celt decode is available only on linux with cgo")
}

func (e *celtDecoderEngine) Close() {}

func (e *celtDecoderEngine) LibraryPath() string {
	return ""
}

func (e *celtDecoderEngine) Decode(frame []byte) ([]int16, error) {
	return nil, fmt.Errorf("celt decode is not available")
}
