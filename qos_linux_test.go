//go:build linux

package main

import (
	"net"
	"testing"
)

func TestApplySocketQoS(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback listener unavailable: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if peer, ok := <-accepted; ok {
		defer peer.Close()
	}

	if err := applySocketQoS(conn, true); err != nil {
		t.Errorf("enable QoS: %v", err)
	}
	if err := applySocketQoS(conn, false); err != nil {
		t.Errorf("clear QoS: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	if err := applySocketQoS(client, true); err == nil {
		t.Error("QoS on a pipe succeeded")
	}
}
