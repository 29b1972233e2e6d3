//go:build !linux
// +build !linux

package rsp

import (
	"errors"
	"net"
	"strings"
)

// isConnRefused is the portable fallback for non-Linux hosts, where the
// errno-level unix.ECONNREFUSED constant used in transport_unix.go isn't
// available; it falls back to net.OpError message inspection.
func isConnRefused(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}

	return strings.Contains(opErr.Err.Error(), "connection refused")
}
