// Package qr prints the bridge's web UI address as a terminal QR code so a
// phone on the bench can open it.
package qr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/mdp/qrterminal/v3"
)

// UIURL returns the address clients should open for a server listening on
// host:port. Wildcard hosts are replaced with localhost.
func UIURL(host string, port int) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
}

// PrintURL writes a caption line followed by the QR code for url.
func PrintURL(w io.Writer, url string) error {
	if url == "" {
		return errors.New("qr: empty url")
	}
	if _, err := fmt.Fprintf(w, "Open %s\n", url); err != nil {
		return err
	}
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 2,
	})
	return nil
}
