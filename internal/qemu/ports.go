package qemu

import (
	"errors"
	"net"
	"strconv"
)

// FreePort returns preferred if nothing listens on it, otherwise a port the
// kernel reports free. QEMU binds its VNC websocket on every interface so
// that is what gets probed.
func FreePort(preferred int) (int, error) {
	if preferred > 0 {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(preferred))
		if err == nil {
			_ = ln.Close()
			return preferred, nil
		}
	}
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("unexpected addr type")
	}
	return addr.Port, nil
}
