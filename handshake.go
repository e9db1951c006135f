package main

import (
	"fmt"
	"sync"
)

type handshakeState int

const (
	stateIdle handshakeState = iota
	stateVersionSent
	stateAuthSent
	stateEstablished
)

func (s handshakeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateVersionSent:
		return "version-sent"
	case stateAuthSent:
		return "auth-sent"
	case stateEstablished:
		return "established"
	default:
		return fmt.Sprintf("handshakeState(%d)", int(s))
	}
}

// sessionInfo is what the server assigned to this connection.
type sessionInfo struct {
	ID            uint32
	Authenticated bool
}

// handshake tracks the connection setup. The receive loop drives it; the
// lock only guards readers on other goroutines (status queries, tests).
type handshake struct {
	mu      sync.Mutex
	state   handshakeState
	session sessionInfo
}

// begin sends the version announcement and the credentials back to back,
// before anything is read from the server.
func (h *handshake) begin(send func(messageType, []byte) error, hello versionMessage, auth authenticateMessage) error {
	h.mu.Lock()
	if h.state != stateIdle {
		state := h.state
		h.mu.Unlock()
		return fmt.Errorf("handshake already started (%s)", state)
	}
	h.mu.Unlock()

	if err := send(msgVersion, hello.marshal()); err != nil {
		return fmt.Errorf("send version: %w", err)
	}
	h.setState(stateVersionSent)

	if err := send(msgAuthenticate, auth.marshal()); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}
	h.setState(stateAuthSent)
	return nil
}

// complete records the session id from a ServerSync. It reports false when
// the session was already established; the id is never overwritten.
func (h *handshake) complete(sync serverSyncMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == stateEstablished {
		return false
	}
	h.state = stateEstablished
	h.session = sessionInfo{ID: sync.Session, Authenticated: true}
	return true
}

func (h *handshake) setState(s handshakeState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *handshake) State() handshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handshake) Established() bool {
	return h.State() == stateEstablished
}

func (h *handshake) Session() sessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}
