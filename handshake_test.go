package main

import (
	"errors"
	"testing"
)

func TestHandshakeBegin(t *testing.T) {
	var h handshake
	var sent []messageType
	var states []handshakeState

	send := func(typ messageType, _ []byte) error {
		sent = append(sent, typ)
		states = append(states, h.State())
		return nil
	}
	if err := h.begin(send, versionMessage{}, authenticateMessage{Username: "u"}); err != nil {
		t.Fatal(err)
	}

	if len(sent) != 2 || sent[0] != msgVersion || sent[1] != msgAuthenticate {
		t.Fatalf("sent %v, want [Version Authenticate]", sent)
	}
	if states[0] != stateIdle || states[1] != stateVersionSent {
		t.Errorf("states while sending = %v, want [idle version-sent]", states)
	}
	if h.State() != stateAuthSent {
		t.Errorf("state = %s, want auth-sent", h.State())
	}
	if h.Established() {
		t.Error("established before ServerSync")
	}

	if err := h.begin(send, versionMessage{}, authenticateMessage{}); err == nil {
		t.Error("second begin succeeded")
	}
	if len(sent) != 2 {
		t.Errorf("second begin sent %d more frames", len(sent)-2)
	}
}

func TestHandshakeBeginSendFailure(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		failOn  messageType
		wantEnd handshakeState
	}{
		{"version", msgVersion, stateIdle},
		{"authenticate", msgAuthenticate, stateVersionSent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var h handshake
			send := func(typ messageType, _ []byte) error {
				if typ == tc.failOn {
					return boom
				}
				return nil
			}
			err := h.begin(send, versionMessage{}, authenticateMessage{})
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want boom", err)
			}
			if h.State() != tc.wantEnd {
				t.Errorf("state = %s, want %s", h.State(), tc.wantEnd)
			}
		})
	}
}

func TestHandshakeComplete(t *testing.T) {
	var h handshake
	if !h.complete(serverSyncMessage{Session: 42}) {
		t.Fatal("first ServerSync rejected")
	}
	if !h.Established() {
		t.Fatal("not established after ServerSync")
	}
	if h.complete(serverSyncMessage{Session: 7}) {
		t.Error("duplicate ServerSync accepted")
	}

	info := h.Session()
	if info.ID != 42 || !info.Authenticated {
		t.Errorf("session = %+v, want id 42 authenticated", info)
	}
}

func TestHandshakeStateString(t *testing.T) {
	tests := map[handshakeState]string{
		stateIdle:          "idle",
		stateVersionSent:   "version-sent",
		stateAuthSent:      "auth-sent",
		stateEstablished:   "established",
		handshakeState(99): "handshakeState(99)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("String(%d) = %q, want %q", int(state), got, want)
		}
	}
}
