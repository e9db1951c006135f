package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultDialTimeout  = 15 * time.Second
	defaultPingInterval = 5 * time.Second

	defaultRelease       = "mumble-pwa-client 0.1.0"
	defaultPluginContext = "Manual placement\x00test"
)

var tracer = otel.Tracer("mumble-pwa-client")

type sessionConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Tokens   []string

	Codec       string
	CELTLibPath string
	OpusLibPath string

	TLS TLSConfig
	QoS bool

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	Release        string
	PluginContext  string
	PluginIdentity string
}

func (c sessionConfig) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c sessionConfig) withDefaults() sessionConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.Release == "" {
		c.Release = defaultRelease
	}
	if c.Codec == "" {
		c.Codec = codecCELT
	}
	return c
}

type sessionCallbacks struct {
	onEvent func(serverEvent)
}

// mumbleSession runs one control channel from handshake to teardown. The
// goroutine calling Run owns every read, the codec and the sink; writes
// from Run and the keep-alive loop are serialised on sendMu.
type mumbleSession struct {
	cfg  sessionConfig
	conn net.Conn
	log  *log.Entry

	newDecoder decoderFactory
	decoder    voiceDecoder
	sink       audioSink
	sinkOpen   bool
	noCodecLog bool

	cb sessionCallbacks
	hs handshake

	hsSpan trace.Span

	sendMu sync.Mutex
	mu     sync.Mutex

	// failure and reject are the recorded termination causes.
	failure error
	reject  *rejectError

	started  atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
	finished chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// dialSession opens the TLS control channel and wraps it in a session. The
// handshake itself starts with Run.
func dialSession(ctx context.Context, cfg sessionConfig, newDecoder decoderFactory, sink audioSink, cb sessionCallbacks) (*mumbleSession, error) {
	cfg = cfg.withDefaults()

	ctx, span := tracer.Start(ctx, "mumble.dial",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("server.address", cfg.Host),
			attribute.Int("server.port", cfg.Port),
			attribute.String("mumble.tls_mode", cfg.TLS.Mode),
		),
	)
	defer span.End()

	conn, err := dialControlChannel(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")

	return newMumbleSession(conn, cfg, newDecoder, sink, cb), nil
}

func dialControlChannel(ctx context.Context, cfg sessionConfig) (net.Conn, error) {
	tlsConf, err := buildTLSConfig(cfg.TLS, cfg.Host)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	raw, err := dialer.DialContext(ctx, "tcp", cfg.address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.address(), err)
	}

	if cfg.QoS {
		if err := applySocketQoS(raw, true); err != nil {
			log.WithField("server", cfg.address()).Warnf("socket QoS not applied: %v", err)
		}
	}

	hsCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn := tls.Client(raw, tlsConf)
	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", cfg.address(), err)
	}
	return conn, nil
}

func newMumbleSession(conn net.Conn, cfg sessionConfig, newDecoder decoderFactory, sink audioSink, cb sessionCallbacks) *mumbleSession {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = discardSink{}
	}
	return &mumbleSession{
		cfg:        cfg,
		conn:       conn,
		newDecoder: newDecoder,
		sink:       sink,
		cb:         cb,
		log: log.WithFields(log.Fields{
			"server": cfg.address(),
			"user":   cfg.Username,
		}),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Run performs the handshake and processes frames until the channel fails
// or the session is closed. It returns nil after Close or ctx cancellation;
// otherwise the channel error, joined with the server's Reject if one came.
func (s *mumbleSession) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}
	activeSessions.Inc()

	defer func() {
		s.shutdown()
		s.wg.Wait()
		s.releaseAudio()
		err = s.exitError(err)
		s.endHandshakeSpan(err)
		activeSessions.Dec()
		sessionsEnded.WithLabelValues(endReason(err)).Inc()
		close(s.finished)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.closed.Store(true)
			s.shutdown()
		case <-s.done:
		}
	}()

	_, s.hsSpan = tracer.Start(ctx, "mumble.handshake",
		trace.WithAttributes(attribute.String("mumble.user", s.cfg.Username)))

	hello := versionMessage{
		Version:   protocolVersion,
		Release:   s.cfg.Release,
		OS:        runtime.GOOS,
		OSVersion: runtime.GOARCH,
	}
	auth := authenticateMessage{
		Username: s.cfg.Username,
		Password: s.cfg.Password,
		Tokens:   s.cfg.Tokens,
	}
	authenticateCodecs(s.cfg.Codec, &auth)
	if notice := codecNotice(s.cfg.Codec); notice != "" {
		s.log.Warn(notice)
		s.emitWarn("%s", notice)
	}

	if err := s.hs.begin(s.send, hello, auth); err != nil {
		return err
	}
	s.log.Debugf("handshake sent (%s)", s.hs.State())

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w: %v", errChannelClosed, err)
		}
		f, err := readFrame(s.conn)
		if err != nil {
			return err
		}
		s.dispatch(f)
	}
}

// Close stops the session and waits for Run to release its resources.
func (s *mumbleSession) Close() {
	s.closed.Store(true)
	s.shutdown()
	if s.started.Load() {
		<-s.finished
	}
}

// Done is closed once the session has started shutting down.
func (s *mumbleSession) Done() <-chan struct{} {
	return s.done
}

func (s *mumbleSession) Session() sessionInfo {
	return s.hs.Session()
}

func (s *mumbleSession) shutdown() {
	s.closeOnce.Do(func() {
		// Closing the connection first unblocks a pending read.
		_ = s.conn.Close()
		close(s.done)
	})
}

// abort tears the session down on behalf of a goroutine other than the
// receive loop; err becomes the error Run returns.
func (s *mumbleSession) abort(err error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
	s.shutdown()
}

func (s *mumbleSession) exitError(loopErr error) error {
	if s.closed.Load() {
		return nil
	}

	s.mu.Lock()
	failure := s.failure
	reject := s.reject
	s.mu.Unlock()

	if failure != nil {
		loopErr = failure
	}
	if reject != nil {
		return errors.Join(loopErr, reject)
	}
	return loopErr
}

func (s *mumbleSession) send(t messageType, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return fmt.Errorf("send %s: %w", t, errChannelClosed)
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w: %v", errChannelClosed, err)
	}
	return writeFrame(s.conn, t, payload)
}

func (s *mumbleSession) dispatch(f frame) {
	if f.Type.Known() {
		framesReceived.WithLabelValues(f.Type.String()).Inc()
	} else {
		framesReceived.WithLabelValues("unknown").Inc()
	}

	switch f.Type {
	case msgPing:
	case msgServerSync:
		s.handleServerSync(f.Payload)
	case msgUDPTunnel:
		s.handleVoice(f.Payload)
	case msgReject:
		s.handleReject(f.Payload)
	case msgCodecVersion:
		s.handleCodecVersion(f.Payload)
	default:
		if !f.Type.Known() {
			s.log.Warnf("skipping frame with unknown type %s (%d bytes)", f.Type, f.Size)
			return
		}
		s.log.Debugf("unhandled message type %s", f.Type)
	}
}

func (s *mumbleSession) handleServerSync(payload []byte) {
	msg, err := parseServerSync(payload)
	if err != nil {
		s.log.Warnf("ignoring ServerSync: %v", err)
		return
	}
	if !s.hs.complete(msg) {
		s.log.Warnf("duplicate ServerSync for session %d ignored", msg.Session)
		return
	}
	s.endHandshakeSpan(nil)

	s.log = s.log.WithField("session", msg.Session)
	s.log.Infof("session established (max bandwidth %d)", msg.MaxBandwidth)
	s.emitEvent(serverEvent{
		Type:         "established",
		Message:      "session established",
		Session:      msg.Session,
		WelcomeText:  msg.WelcomeText,
		MaxBandwidth: msg.MaxBandwidth,
	})

	s.wg.Add(1)
	go s.keepaliveLoop()

	state := userStateMessage{
		Session:        msg.Session,
		PluginContext:  []byte(s.cfg.PluginContext),
		PluginIdentity: s.cfg.PluginIdentity,
	}
	if err := s.send(msgUserState, state.marshal()); err != nil {
		s.abort(fmt.Errorf("send user state: %w", err))
		return
	}

	s.openAudio()
}

func (s *mumbleSession) openAudio() {
	if s.newDecoder != nil {
		decoder, err := s.newDecoder(voiceSampleRate, voiceFrameSamples, voiceChannels)
		if err != nil {
			s.log.Warnf("%s decoder unavailable: %v", s.cfg.Codec, err)
			s.emitWarn("%s decoder unavailable: %v", s.cfg.Codec, err)
		} else {
			s.decoder = decoder
			if lp, ok := decoder.(interface{ LibraryPath() string }); ok && lp.LibraryPath() != "" {
				s.log.Infof("%s library loaded: %s", s.cfg.Codec, lp.LibraryPath())
			}
		}
	}

	if err := s.sink.Open(voiceSampleRate, voiceFrameSamples); err != nil {
		s.log.Warnf("audio sink unavailable: %v", err)
		s.emitWarn("audio sink unavailable: %v", err)
		return
	}
	s.sinkOpen = true
}

func (s *mumbleSession) releaseAudio() {
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.sinkOpen {
		if err := s.sink.Close(); err != nil {
			s.log.Debugf("closing audio sink: %v", err)
		}
		s.sinkOpen = false
	}
}

func (s *mumbleSession) handleVoice(payload []byte) {
	if !s.hs.Established() {
		s.log.Warnf("voice packet before ServerSync dropped (%d bytes)", len(payload))
		return
	}

	pkt := decodeVoicePacket(payload)
	voicePacketsReceived.WithLabelValues(pkt.Target.String()).Inc()
	if !pkt.Valid {
		voicePacketsMalformed.Inc()
		s.log.Debugf("truncated voice packet from session %d: %d frames kept", pkt.Session, len(pkt.Frames))
	}
	if pkt.Position != nil {
		s.log.Debugf("session %d position x=%g y=%g z=%g", pkt.Session, pkt.Position.X, pkt.Position.Y, pkt.Position.Z)
	}

	if s.decoder == nil || !s.sinkOpen {
		if !s.noCodecLog && len(pkt.Frames) > 0 {
			s.noCodecLog = true
			s.log.Warn("voice frames dropped: decoder or sink unavailable")
		}
		return
	}

	for _, compressed := range pkt.Frames {
		pcm, err := s.decoder.Decode(compressed)
		if err != nil {
			voiceDecodeErrors.Inc()
			s.log.Debugf("decode %s frame (%d bytes): %v", pkt.Target, len(compressed), err)
			continue
		}
		if err := s.sink.Write(pcm); err != nil {
			s.log.Debugf("audio sink write: %v", err)
			continue
		}
		voiceFramesDecoded.Inc()
	}
}

func (s *mumbleSession) handleReject(payload []byte) {
	msg, err := parseReject(payload)
	if err != nil {
		s.log.Warnf("ignoring Reject: %v", err)
		return
	}

	rej := &rejectError{Type: msg.Type, Reason: msg.Reason}
	s.mu.Lock()
	s.reject = rej
	s.mu.Unlock()

	s.log.Errorf("server rejected the connection: %v", rej)
	s.emitEvent(serverEvent{
		Type:    "rejected",
		Level:   "error",
		Message: rej.Error(),
		Reason:  msg.Reason,
	})
}

func (s *mumbleSession) handleCodecVersion(payload []byte) {
	msg, err := parseCodecVersion(payload)
	if err != nil {
		s.log.Debugf("ignoring CodecVersion: %v", err)
		return
	}
	s.log.Infof("server codec preference: alpha=%#x beta=%#x preferAlpha=%t opus=%t",
		uint32(msg.Alpha), uint32(msg.Beta), msg.PreferAlpha, msg.Opus)
	if s.cfg.Codec == codecOpus && !msg.Opus {
		s.emitWarn("server does not advertise opus; voice may arrive as CELT")
	}
}

func (s *mumbleSession) keepaliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ping := pingMessage{Timestamp: uint64(time.Now().UnixMilli())}
			if err := s.send(msgPing, ping.marshal()); err != nil {
				s.abort(fmt.Errorf("keep-alive: %w", err))
				return
			}
			pingsSent.Inc()
		}
	}
}

func (s *mumbleSession) endHandshakeSpan(err error) {
	if s.hsSpan == nil {
		return
	}
	if err != nil {
		s.hsSpan.RecordError(err)
		s.hsSpan.SetStatus(codes.Error, err.Error())
	} else {
		s.hsSpan.SetStatus(codes.Ok, "")
	}
	s.hsSpan.End()
	s.hsSpan = nil
}

func (s *mumbleSession) emitEvent(event serverEvent) {
	if s.cb.onEvent != nil {
		s.cb.onEvent(event)
	}
}

func (s *mumbleSession) emitWarn(format string, args ...any) {
	s.emitEvent(serverEvent{
		Type:    "status",
		Level:   "warn",
		Message: fmt.Sprintf(format, args...),
	})
}

func endReason(err error) string {
	var rej *rejectError
	switch {
	case err == nil:
		return "closed"
	case errors.As(err, &rej):
		return "rejected"
	case errors.Is(err, errReadTimeout):
		return "timeout"
	default:
		return "channel"
	}
}
