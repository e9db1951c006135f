package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeDecoder struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (d *fakeDecoder) Decode(frame []byte) ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, append([]byte(nil), frame...))
	pcm := make([]int16, voiceFrameSamples)
	for i := range pcm {
		pcm[i] = int16(i)
	}
	return pcm, nil
}

func (d *fakeDecoder) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *fakeDecoder) decoded() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

type fakeSink struct {
	mu      sync.Mutex
	opens   int
	writes  int
	samples int
	closed  bool
}

func (s *fakeSink) Open(sampleRate, frameSamples int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return nil
}

func (s *fakeSink) Write(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.samples += len(samples)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []serverEvent
}

func (r *eventRecorder) record(e serverEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func testSessionConfig() sessionConfig {
	return sessionConfig{
		Host:         "127.0.0.1",
		Port:         defaultMumblePort,
		Username:     "tester",
		Password:     "pw",
		PingInterval: time.Hour,
	}
}

func newTestSession(t *testing.T, cfg sessionConfig, newDecoder decoderFactory, sink audioSink, cb sessionCallbacks) (*mumbleSession, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })
	return newMumbleSession(client, cfg, newDecoder, sink, cb), server
}

func decoderOf(dec voiceDecoder) decoderFactory {
	return func(sampleRate, frameSamples, channels int) (voiceDecoder, error) {
		return dec, nil
	}
}

func runSession(ctx context.Context, s *mumbleSession) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func expectFrame(t *testing.T, conn net.Conn, want messageType) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := readFrame(conn)
	if err != nil {
		t.Fatalf("waiting for %s: %v", want, err)
	}
	if f.Type != want {
		t.Fatalf("got %s frame, want %s", f.Type, want)
	}
	return f
}

func sendFrame(t *testing.T, conn net.Conn, typ messageType, payload []byte) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := writeFrame(conn, typ, payload); err != nil {
		t.Fatalf("send %s: %v", typ, err)
	}
}

func completeHandshake(t *testing.T, server net.Conn) {
	t.Helper()
	expectFrame(t, server, msgVersion)
	expectFrame(t, server, msgAuthenticate)
}

func TestSessionLifecycle(t *testing.T) {
	dec := &fakeDecoder{}
	sink := &fakeSink{}
	rec := &eventRecorder{}
	s, server := newTestSession(t, testSessionConfig(), decoderOf(dec), sink, sessionCallbacks{onEvent: rec.record})

	errCh := runSession(context.Background(), s)

	hello := expectFrame(t, server, msgVersion)
	versionFields := collectFields(t, hello.Payload)
	if len(versionFields) == 0 || versionFields[0].num != 1 || versionFields[0].u != protocolVersion {
		t.Errorf("version fields = %+v", versionFields)
	}
	auth := expectFrame(t, server, msgAuthenticate)
	authFields := collectFields(t, auth.Payload)
	if len(authFields) < 2 || string(authFields[0].b) != "tester" || string(authFields[1].b) != "pw" {
		t.Errorf("authenticate fields = %+v", authFields)
	}

	voice := []byte{0x00, 0x01, 0x01, 0x02, 0xA1, 0xA2}

	// The server's own Version and any voice before ServerSync change nothing.
	sendFrame(t, server, msgVersion, versionMessage{Version: protocolVersion, Release: "1.2.3", OS: "Linux"}.marshal())
	sendFrame(t, server, msgUDPTunnel, voice)

	sendFrame(t, server, msgServerSync, appendString(appendUint(nil, 1, 42), 3, "welcome"))
	state := expectFrame(t, server, msgUserState)
	stateFields := collectFields(t, state.Payload)
	if len(stateFields) == 0 || stateFields[0].num != 1 || stateFields[0].u != 42 {
		t.Errorf("user state fields = %+v", stateFields)
	}

	sendFrame(t, server, messageType(999), []byte{1, 2, 3})
	sendFrame(t, server, msgUDPTunnel, voice)
	sendFrame(t, server, msgServerSync, appendUint(nil, 1, 7))
	sendFrame(t, server, msgPing, pingMessage{Timestamp: 1}.marshal())

	s.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after Close = %v, want nil", err)
	}

	frames := dec.decoded()
	if len(frames) != 1 || !bytes.Equal(frames[0], []byte{0xA1, 0xA2}) {
		t.Errorf("decoded frames = %x, want [a1a2]", frames)
	}
	if sink.opens != 1 || sink.writes != 1 || sink.samples != voiceFrameSamples {
		t.Errorf("sink opens=%d writes=%d samples=%d", sink.opens, sink.writes, sink.samples)
	}
	if !sink.closed || !dec.closed {
		t.Errorf("audio not released: sink closed=%t decoder closed=%t", sink.closed, dec.closed)
	}
	if got := s.Session(); got.ID != 42 || !got.Authenticated {
		t.Errorf("session = %+v, want id 42", got)
	}
	if types := rec.types(); len(types) != 1 || types[0] != "established" {
		t.Errorf("events = %v, want [established]", types)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done not closed after Close")
	}
	if err := s.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestSessionKeepaliveStartsAfterServerSync(t *testing.T) {
	cfg := testSessionConfig()
	cfg.PingInterval = 10 * time.Millisecond
	s, server := newTestSession(t, cfg, nil, nil, sessionCallbacks{})

	errCh := runSession(context.Background(), s)
	completeHandshake(t, server)

	_ = server.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if f, err := readFrame(server); !errors.Is(err, errReadTimeout) {
		t.Fatalf("before ServerSync got frame %s err %v, want silence", f.Type, err)
	}

	sendFrame(t, server, msgServerSync, appendUint(nil, 1, 3))

	seenState, seenPing := false, false
	for i := 0; i < 10 && !(seenState && seenPing); i++ {
		_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := readFrame(server)
		if err != nil {
			t.Fatalf("reading after ServerSync: %v", err)
		}
		switch f.Type {
		case msgUserState:
			seenState = true
		case msgPing:
			if fields := collectFields(t, f.Payload); len(fields) != 1 || fields[0].u == 0 {
				t.Errorf("ping fields = %+v", fields)
			}
			seenPing = true
		default:
			t.Fatalf("unexpected %s frame", f.Type)
		}
	}
	if !seenState || !seenPing {
		t.Fatalf("user state seen=%t ping seen=%t", seenState, seenPing)
	}

	s.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after Close = %v, want nil", err)
	}
}

func TestSessionReadTimeout(t *testing.T) {
	cfg := testSessionConfig()
	cfg.ReadTimeout = 50 * time.Millisecond
	s, server := newTestSession(t, cfg, nil, nil, sessionCallbacks{})

	errCh := runSession(context.Background(), s)
	completeHandshake(t, server)

	err := waitRun(t, errCh)
	if !errors.Is(err, errReadTimeout) {
		t.Fatalf("err = %v, want errReadTimeout", err)
	}
	if endReason(err) != "timeout" {
		t.Errorf("endReason = %q, want timeout", endReason(err))
	}
}

func TestSessionRejectThenClose(t *testing.T) {
	rec := &eventRecorder{}
	s, server := newTestSession(t, testSessionConfig(), nil, nil, sessionCallbacks{onEvent: rec.record})

	errCh := runSession(context.Background(), s)
	completeHandshake(t, server)

	sendFrame(t, server, msgReject, appendString(appendUint(nil, 1, 4), 2, "server full"))
	_ = server.Close()

	err := waitRun(t, errCh)
	var rej *rejectError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want a rejectError", err)
	}
	if rej.Type != 4 || rej.Reason != "server full" {
		t.Errorf("reject = %+v", rej)
	}
	if !errors.Is(err, errChannelClosed) {
		t.Errorf("err = %v, want errChannelClosed joined", err)
	}
	if endReason(err) != "rejected" {
		t.Errorf("endReason = %q, want rejected", endReason(err))
	}
	if types := rec.types(); len(types) != 1 || types[0] != "rejected" {
		t.Errorf("events = %v, want [rejected]", types)
	}
}

func TestSessionServerClose(t *testing.T) {
	s, server := newTestSession(t, testSessionConfig(), nil, nil, sessionCallbacks{})

	errCh := runSession(context.Background(), s)
	completeHandshake(t, server)
	_ = server.Close()

	err := waitRun(t, errCh)
	if !errors.Is(err, errChannelClosed) {
		t.Fatalf("err = %v, want errChannelClosed", err)
	}
	if endReason(err) != "channel" {
		t.Errorf("endReason = %q, want channel", endReason(err))
	}
}

func TestSessionContextCancel(t *testing.T) {
	s, server := newTestSession(t, testSessionConfig(), nil, nil, sessionCallbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := runSession(ctx, s)
	completeHandshake(t, server)

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
}

func TestSessionCloseDuringHandshake(t *testing.T) {
	s, server := newTestSession(t, testSessionConfig(), nil, nil, sessionCallbacks{})

	errCh := runSession(context.Background(), s)
	// Authenticate stays unread, so Run is blocked writing it.
	expectFrame(t, server, msgVersion)

	s.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after Close = %v, want nil", err)
	}
}

func TestSessionKeepaliveFailureAborts(t *testing.T) {
	cfg := testSessionConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.WriteTimeout = 100 * time.Millisecond
	s, server := newTestSession(t, cfg, nil, nil, sessionCallbacks{})

	errCh := runSession(context.Background(), s)
	completeHandshake(t, server)
	sendFrame(t, server, msgServerSync, appendUint(nil, 1, 9))

	// Stop reading once the user state arrives; the next ping cannot be
	// written and must take the session down.
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		f, err := readFrame(server)
		if err != nil {
			t.Fatalf("waiting for user state: %v", err)
		}
		if f.Type == msgUserState {
			break
		}
	}

	err := waitRun(t, errCh)
	if !errors.Is(err, errChannelClosed) {
		t.Fatalf("err = %v, want errChannelClosed", err)
	}
	if !strings.Contains(err.Error(), "keep-alive") {
		t.Errorf("err = %v, want the keep-alive failure", err)
	}
}

func TestSessionDecoderUnavailable(t *testing.T) {
	sink := &fakeSink{}
	rec := &eventRecorder{}
	failing := func(sampleRate, frameSamples, channels int) (voiceDecoder, error) {
		return nil, errors.New("no codec")
	}
	s, server := newTestSession(t, testSessionConfig(), failing, sink, sessionCallbacks{onEvent: rec.record})

	errCh := runSession(context.Background(), s)
	completeHandshake(t, server)
	sendFrame(t, server, msgServerSync, appendUint(nil, 1, 5))
	expectFrame(t, server, msgUserState)
	sendFrame(t, server, msgUDPTunnel, []byte{0x00, 0x01, 0x01, 0x01, 0x33})
	sendFrame(t, server, msgPing, nil)

	s.Close()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run after Close = %v, want nil", err)
	}
	if sink.writes != 0 {
		t.Errorf("sink got %d writes without a decoder", sink.writes)
	}
	types := rec.types()
	if len(types) != 2 || types[0] != "established" || types[1] != "status" {
		t.Errorf("events = %v, want [established status]", types)
	}
}

func TestSessionWarnsAboutOpusFraming(t *testing.T) {
	tests := []struct {
		codec string
		want  []string
	}{
		{codecCELT, nil},
		{codecOpus, []string{"status"}},
	}
	for _, tc := range tests {
		t.Run(tc.codec, func(t *testing.T) {
			rec := &eventRecorder{}
			cfg := testSessionConfig()
			cfg.Codec = tc.codec
			s, server := newTestSession(t, cfg, decoderOf(&fakeDecoder{}), &fakeSink{}, sessionCallbacks{onEvent: rec.record})

			errCh := runSession(context.Background(), s)
			completeHandshake(t, server)
			s.Close()
			if err := waitRun(t, errCh); err != nil {
				t.Fatalf("Run after Close = %v, want nil", err)
			}

			types := rec.types()
			if len(types) != len(tc.want) || (len(types) == 1 && types[0] != tc.want[0]) {
				t.Fatalf("events = %v, want %v", types, tc.want)
			}
			if tc.codec == codecOpus && !strings.Contains(rec.events[0].Message, "128 bytes") {
				t.Errorf("warning = %q", rec.events[0].Message)
			}
		})
	}
}

func TestSessionConfigDefaults(t *testing.T) {
	cfg := sessionConfig{Host: "::1", Port: 1234}.withDefaults()
	if cfg.address() != "[::1]:1234" {
		t.Errorf("address = %q", cfg.address())
	}
	if cfg.ReadTimeout != defaultReadTimeout || cfg.WriteTimeout != defaultWriteTimeout ||
		cfg.DialTimeout != defaultDialTimeout || cfg.PingInterval != defaultPingInterval {
		t.Errorf("timeouts not defaulted: %+v", cfg)
	}
	if cfg.Release != defaultRelease || cfg.Codec != codecCELT {
		t.Errorf("release/codec = %q/%q", cfg.Release, cfg.Codec)
	}
}
