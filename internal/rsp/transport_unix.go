//go:build linux
// +build linux

package rsp

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// isConnRefused reports whether err is ECONNREFUSED, classified at the
// errno level like the teacher's own Linux-specific fast paths
// (internal/runtime/asyncio/zerocopy_unix_file.go checks unix.EAGAIN the
// same way). ECONNREFUSED during initial connect is deliberately not
// surfaced as a Transport error (spec §4.5) so an external retry loop can
// poll for the emulator's listener coming up.
func isConnRefused(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}

	var sysErr syscall.Errno
	if !errors.As(opErr.Err, &sysErr) {
		return false
	}

	return sysErr == unix.ECONNREFUSED
}
