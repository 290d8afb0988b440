// Package qemu drives a QEMU virtual machine as the bridged target: power
// through the process lifecycle, serial console over a PTY, key injection
// and status through the human monitor.
package qemu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

var execCommand = exec.Command
var ptyStart = pty.Start

var ErrNotRunning = errors.New("qemu is not running")

const (
	StatusOn  = "ON"
	StatusOff = "OFF"

	variant = "qemu"
)

type Config struct {
	Executable string
	Args       []string
	// Monitor is the unix socket of the human monitor. Empty picks a path
	// under the temp dir.
	Monitor string
	// VNCWebsocket adds a VNC display with a websocket listener on this
	// port unless Args already configure -vnc.
	VNCWebsocket int
}

type Controller struct {
	cfg     Config
	monitor *Monitor
	logger  *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	pty      *os.File
	exited   chan struct{}
	sink     func(string)
	onStatus func(string)
}

func NewController(cfg Config) *Controller {
	if cfg.Executable == "" {
		cfg.Executable = "qemu-system-x86_64"
	}
	if cfg.Monitor == "" {
		cfg.Monitor = filepath.Join(os.TempDir(), fmt.Sprintf("devbridge-qemu-%d.sock", os.Getpid()))
	}
	return &Controller{
		cfg:     cfg,
		monitor: NewMonitor(cfg.Monitor),
		logger:  zap.NewNop(),
	}
}

func (c *Controller) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c.logger = logger
}

// SetConsoleSink registers the receiver of serial console output.
func (c *Controller) SetConsoleSink(fn func(string)) {
	c.mu.Lock()
	c.sink = fn
	c.mu.Unlock()
}

// SetStatusHandler registers a callback invoked with StatusOn or StatusOff
// whenever the machine starts or exits.
func (c *Controller) SetStatusHandler(fn func(string)) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *Controller) Variant() string { return variant }

func (c *Controller) Monitor() *Monitor { return c.monitor }

func (c *Controller) Status() string {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return StatusOff
	}
	alive, err := process.PidExists(int32(cmd.Process.Pid))
	if err != nil || !alive {
		return StatusOff
	}
	return StatusOn
}

func (c *Controller) On(ctx context.Context) error {
	c.mu.Lock()
	if c.cmd != nil {
		c.mu.Unlock()
		return nil
	}
	args := append([]string{}, c.cfg.Args...)
	args = append(args, "-monitor", fmt.Sprintf("unix:%s,server,nowait", c.cfg.Monitor))
	if c.cfg.VNCWebsocket > 0 && !slices.Contains(args, "-vnc") {
		args = append(args, "-vnc", fmt.Sprintf(":0,websocket=%d", c.cfg.VNCWebsocket))
	}
	_ = os.Remove(c.cfg.Monitor)

	cmd := execCommand(c.cfg.Executable, args...)
	ptmx, err := ptyStart(cmd)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("start %s: %w", c.cfg.Executable, err)
	}
	exited := make(chan struct{})
	c.cmd = cmd
	c.pty = ptmx
	c.exited = exited
	notify := c.onStatus
	c.mu.Unlock()

	c.logger.Info("target started", zap.Int("pid", cmd.Process.Pid))
	go c.readLoop(ptmx)
	go c.wait(cmd, ptmx, exited)
	if notify != nil {
		notify(StatusOn)
	}
	return nil
}

// Off asks QEMU to quit through the monitor and kills the process when the
// monitor is unreachable or ctx ends first.
func (c *Controller) Off(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	exited := c.exited
	c.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if _, err := c.monitor.Cmd(ctx, "quit"); err != nil {
		c.logger.Debug("monitor quit failed, killing target", zap.Error(err))
		_ = cmd.Process.Kill()
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		return nil
	}
}

// Toggle flips the power state and returns the resulting status.
func (c *Controller) Toggle(ctx context.Context) (string, error) {
	var err error
	if c.Status() == StatusOn {
		err = c.Off(ctx)
	} else {
		err = c.On(ctx)
	}
	return c.Status(), err
}

// Cmd runs a monitor command against the running machine.
func (c *Controller) Cmd(ctx context.Context, line string) (string, error) {
	if c.Status() != StatusOn {
		return "", ErrNotRunning
	}
	return c.monitor.Cmd(ctx, line)
}

// WriteConsole sends input to the serial console.
func (c *Controller) WriteConsole(data []byte) error {
	c.mu.Lock()
	ptmx := c.pty
	c.mu.Unlock()
	if ptmx == nil {
		return ErrNotRunning
	}
	_, err := ptmx.Write(data)
	return err
}

func (c *Controller) readLoop(ptmx *os.File) {
	buf := make([]byte, 32*1024)
	var tail []byte
	for {
		n, err := ptmx.Read(buf)
		if n > 0 || (err != nil && len(tail) > 0) {
			chunk := append(tail, buf[:n]...)
			tail = nil
			if err == nil {
				chunk, tail = splitUTF8(chunk)
				tail = append([]byte(nil), tail...)
			}
			if len(chunk) > 0 {
				c.mu.Lock()
				sink := c.sink
				c.mu.Unlock()
				if sink != nil {
					sink(string(chunk))
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// splitUTF8 holds back a multi-byte character cut off at the end of b.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		break
	}
	return b, nil
}

func (c *Controller) wait(cmd *exec.Cmd, ptmx *os.File, exited chan struct{}) {
	err := cmd.Wait()
	_ = ptmx.Close()
	_ = c.monitor.Close()

	c.mu.Lock()
	if c.cmd == cmd {
		c.cmd = nil
		c.pty = nil
		c.exited = nil
	}
	notify := c.onStatus
	c.mu.Unlock()
	close(exited)

	c.logger.Info("target stopped", zap.Error(err))
	if notify != nil {
		notify(StatusOff)
	}
}

// Close powers the machine off, giving QEMU a few seconds to quit cleanly.
func (c *Controller) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Off(ctx)
}
