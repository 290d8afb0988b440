package qemu

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

var ErrMonitor = errors.New("qemu monitor unavailable")

const prompt = "(qemu) "

type dialFunc func(ctx context.Context, path string) (net.Conn, error)

func dialUnix(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}

// Monitor speaks the QEMU human monitor protocol over a unix socket. Commands
// are serialized; each one waits for the next prompt.
type Monitor struct {
	Path    string
	Timeout time.Duration
	// Retry is the pause between dial attempts while QEMU creates the socket.
	Retry time.Duration

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
	dial dialFunc
}

func NewMonitor(path string) *Monitor {
	return &Monitor{
		Path:    path,
		Timeout: 5 * time.Second,
		Retry:   100 * time.Millisecond,
		dial:    dialUnix,
	}
}

// Cmd runs one monitor command and returns its output without the echoed
// command line and the trailing prompt.
func (m *Monitor) Cmd(ctx context.Context, line string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout())
	defer cancel()

	if m.conn == nil {
		if err := m.connect(ctx); err != nil {
			return "", err
		}
	}
	deadline, _ := ctx.Deadline()
	_ = m.conn.SetDeadline(deadline)

	if _, err := m.conn.Write([]byte(line + "\n")); err != nil {
		m.reset()
		return "", fmt.Errorf("%w: write: %v", ErrMonitor, err)
	}
	out, err := m.readPrompt()
	if err != nil {
		m.reset()
		return "", fmt.Errorf("%w: read: %v", ErrMonitor, err)
	}
	return cleanOutput(out, line), nil
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	m.r = nil
	return err
}

func (m *Monitor) timeout() time.Duration {
	if m.Timeout <= 0 {
		return 5 * time.Second
	}
	return m.Timeout
}

func (m *Monitor) connect(ctx context.Context) error {
	if m.Path == "" {
		return fmt.Errorf("%w: no socket configured", ErrMonitor)
	}
	dial := m.dial
	if dial == nil {
		dial = dialUnix
	}
	retry := m.Retry
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	for {
		conn, err := dial(ctx, m.Path)
		if err == nil {
			m.conn = conn
			m.r = bufio.NewReader(conn)
			deadline, _ := ctx.Deadline()
			_ = conn.SetDeadline(deadline)
			if _, err := m.readPrompt(); err != nil {
				m.reset()
				return fmt.Errorf("%w: banner: %v", ErrMonitor, err)
			}
			return nil
		}
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return fmt.Errorf("%w: dial %s: %v", ErrMonitor, m.Path, err)
		}
	}
}

func (m *Monitor) readPrompt() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return buf.String(), err
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), []byte(prompt)) {
			out := buf.Bytes()
			return string(out[:len(out)-len(prompt)]), nil
		}
	}
}

func (m *Monitor) reset() {
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = nil
	m.r = nil
}

func cleanOutput(out, line string) string {
	out = strings.ReplaceAll(out, "\r", "")
	lines := strings.Split(out, "\n")
	if len(lines) > 0 && strings.HasSuffix(strings.TrimSpace(lines[0]), strings.TrimSpace(line)) {
		lines = lines[1:]
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
