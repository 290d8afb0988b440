package qemu

import (
	"net"
	"strconv"
)

// Video describes the VNC websocket QEMU exposes with -vnc ...,websocket=N.
type Video struct {
	Port int
}

func (v Video) Format() string { return "VNC" }

func (v Video) URL(host string) string {
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(v.Port))
}
