package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// serverBinaryAudio prefixes downlink PCM: one tag byte followed by
// little-endian int16 samples.
const serverBinaryAudio byte = 0x11

type serverEvent struct {
	Type         string `json:"type"`
	Level        string `json:"level,omitempty"`
	Message      string `json:"message,omitempty"`
	Server       string `json:"server,omitempty"`
	Username     string `json:"username,omitempty"`
	Session      uint32 `json:"session,omitempty"`
	WelcomeText  string `json:"welcomeText,omitempty"`
	MaxBandwidth uint32 `json:"maxBandwidth,omitempty"`
	Codec        string `json:"codec,omitempty"`
	Reason       string `json:"reason,omitempty"`
	SampleRate   int    `json:"sampleRate,omitempty"`
	FrameSamples int    `json:"frameSamples,omitempty"`
}

type clientCommand struct {
	Type     string   `json:"type"`
	Server   string   `json:"server,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Tokens   []string `json:"tokens,omitempty"`
	Codec    string   `json:"codec,omitempty"`
}

type wsMessage struct {
	msgType int
	payload []byte
}

// wsOutbox is the queue in front of wsWriter. Offers never block: a slow
// browser loses messages rather than stalling the session's receive loop.
// Offers after close are dropped, so session callbacks may outlive the
// websocket.
type wsOutbox struct {
	mu     sync.Mutex
	closed bool
	ch     chan wsMessage
}

func newWSOutbox(size int) *wsOutbox {
	return &wsOutbox{ch: make(chan wsMessage, size)}
}

func (o *wsOutbox) offer(msg wsMessage) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- msg:
		return true
	default:
		return false
	}
}

func (o *wsOutbox) event(event serverEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	o.offer(wsMessage{msgType: websocket.TextMessage, payload: payload})
}

func (o *wsOutbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func (a *appServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !a.gate.authorize(w, r, true) {
		return
	}
	if !a.wsToken.allows(r) {
		log.Warnf("websocket unauthorized: remote=%s path=%s", r.RemoteAddr, r.URL.Path)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	out := newWSOutbox(256)
	writerDone := make(chan struct{})
	go wsWriter(conn, out.ch, writerDone)
	defer func() {
		out.close()
		<-writerDone
	}()

	out.event(serverEvent{Type: "ready", Message: "websocket connected"})

	b := &bridge{app: a, out: out, ctx: r.Context()}
	defer b.disconnect()

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

		switch messageType {
		case websocket.TextMessage:
			var cmd clientCommand
			if err := json.Unmarshal(payload, &cmd); err != nil {
				out.event(serverEvent{Type: "status", Level: "error", Message: "invalid JSON command"})
				continue
			}
			b.handleCommand(cmd)
		case websocket.BinaryMessage:
			b.warnUplink()
		}
	}
}

func wsWriter(conn *websocket.Conn, writeCh <-chan wsMessage, done chan<- struct{}) {
	defer close(done)

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case msg, ok := <-writeCh:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(msg.msgType, msg.payload); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// bridge holds the state of one browser connection. Only the websocket read
// loop calls its methods.
type bridge struct {
	app *appServer
	out *wsOutbox
	ctx context.Context

	session      *mumbleSession
	uplinkWarned bool
}

func (b *bridge) handleCommand(cmd clientCommand) {
	switch cmd.Type {
	case "connect":
		b.connect(cmd)
	case "disconnect":
		b.disconnect()
		b.out.event(serverEvent{Type: "disconnected", Message: "session stopped"})
	default:
		b.out.event(serverEvent{Type: "status", Level: "warn", Message: fmt.Sprintf("unknown command: %s", cmd.Type)})
	}
}

func (b *bridge) connect(cmd clientCommand) {
	b.disconnect()

	cfg, err := b.app.buildSessionConfig(cmd)
	if err != nil {
		b.out.event(serverEvent{Type: "status", Level: "error", Message: err.Error()})
		return
	}

	newDecoder := b.app.decoderFor(cfg)
	sink := &browserSink{out: b.out}
	session, err := b.app.dial(b.ctx, cfg, newDecoder, sink, sessionCallbacks{onEvent: b.out.event})
	if err != nil {
		b.out.event(serverEvent{Type: "status", Level: "error", Message: err.Error()})
		return
	}
	b.session = session

	b.out.event(serverEvent{
		Type:     "connected",
		Message:  "session started",
		Server:   cfg.address(),
		Username: cfg.Username,
		Codec:    cfg.Codec,
	})

	out := b.out
	ctx := b.ctx
	go func() {
		err := session.Run(ctx)
		if err != nil {
			log.WithField("server", cfg.address()).Warnf("session ended: %v", err)
			out.event(serverEvent{Type: "disconnected", Level: "error", Message: err.Error()})
		}
	}()
}

func (b *bridge) disconnect() {
	if b.session == nil {
		return
	}
	b.session.Close()
	b.session = nil
}

func (b *bridge) warnUplink() {
	if b.uplinkWarned {
		return
	}
	b.uplinkWarned = true
	b.out.event(serverEvent{Type: "status", Level: "warn", Message: "audio uplink is not supported; binary messages are ignored"})
}

// buildSessionConfig merges a browser connect command over the configured
// defaults. A fixed server always wins over the browser's choice.
func (a *appServer) buildSessionConfig(cmd clientCommand) (sessionConfig, error) {
	host, port := a.fixedHost, a.fixedPort
	if !a.fixedEnabled {
		target := strings.TrimSpace(cmd.Server)
		if target == "" {
			target = a.cfg.Server.Address
		}
		var err error
		host, port, err = parseServerAddress(target)
		if err != nil {
			return sessionConfig{}, fmt.Errorf("invalid server: %v", err)
		}
	}

	cfg := a.cfg.sessionConfig(host, port)
	if username := strings.TrimSpace(cmd.Username); username != "" {
		cfg.Username = username
	}
	if cfg.Username == "" {
		return sessionConfig{}, fmt.Errorf("username is required")
	}
	if cmd.Password != "" {
		cfg.Password = cmd.Password
	}
	if len(cmd.Tokens) > 0 {
		cfg.Tokens = parseCSV(strings.Join(cmd.Tokens, ","))
	}
	if strings.TrimSpace(cmd.Codec) != "" {
		codec, err := normalizeCodec(cmd.Codec)
		if err != nil {
			return sessionConfig{}, err
		}
		cfg.Codec = codec
	}
	return cfg, nil
}

// browserSink forwards decoded PCM to the websocket. Frames that do not fit
// the outbox are dropped.
type browserSink struct {
	out *wsOutbox
}

func (s *browserSink) Open(sampleRate, frameSamples int) error {
	s.out.event(serverEvent{
		Type:         "audio",
		SampleRate:   sampleRate,
		FrameSamples: frameSamples,
	})
	return nil
}

func (s *browserSink) Write(samples []int16) error {
	if !s.out.offer(wsMessage{msgType: websocket.BinaryMessage, payload: encodeBrowserPCM(samples)}) {
		bridgeFramesDropped.Inc()
	}
	return nil
}

func (s *browserSink) Close() error {
	return nil
}

func encodeBrowserPCM(samples []int16) []byte {
	payload := make([]byte, 1+2*len(samples))
	payload[0] = serverBinaryAudio
	for i, v := range samples {
		binary.LittleEndian.PutUint16(payload[1+2*i:], uint16(v))
	}
	return payload
}
