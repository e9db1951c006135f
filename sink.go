package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// pcmFileSink writes decoded audio as headerless signed 16-bit little-endian
// PCM, the format `aplay -f S16_LE -r 48000 -c 1` plays back.
type pcmFileSink struct {
	path string

	file    io.WriteCloser
	buf     *bufio.Writer
	samples int64
}

func newPCMFileSink(path string) *pcmFileSink {
	return &pcmFileSink{path: path}
}

func (s *pcmFileSink) Open(sampleRate, frameSamples int) error {
	if s.file != nil {
		return fmt.Errorf("pcm sink already open")
	}
	if s.path == "" || s.path == "-" {
		s.file = nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(s.path)
		if err != nil {
			return fmt.Errorf("open pcm output: %w", err)
		}
		s.file = f
	}
	s.buf = bufio.NewWriterSize(s.file, frameSamples*2*8)
	return nil
}

func (s *pcmFileSink) Write(samples []int16) error {
	if s.buf == nil {
		return fmt.Errorf("pcm sink is not open")
	}
	if err := binary.Write(s.buf, binary.LittleEndian, samples); err != nil {
		return err
	}
	s.samples += int64(len(samples))
	return nil
}

func (s *pcmFileSink) Close() error {
	if s.file == nil {
		return nil
	}
	flushErr := s.buf.Flush()
	closeErr := s.file.Close()
	s.file = nil
	s.buf = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
