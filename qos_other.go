//go:build !linux

package main

import (
	"fmt"
	"net"
)

func applySocketQoS(conn net.Conn, enabled bool) error {
	if !enabled {
		return nil
	}
	return fmt.Errorf("socket QoS marking is available only on linux")
}
