// Package device is the in-process device agent: it owns the target's power
// controller, console history, keyboard and video, and reports what happens
// to them through an event.Notifier.
package device

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"devbridge/internal/bridge"
	"devbridge/internal/event"
	"devbridge/internal/keyboard"
)

var ErrNoPower = errors.New("no power controller configured")

var _ bridge.Agent = (*Agent)(nil)

// Power is a target power controller with a serial console.
type Power interface {
	Variant() string
	Status() string
	Toggle(ctx context.Context) (string, error)
	WriteConsole(data []byte) error
	SetConsoleSink(fn func(string))
	SetStatusHandler(fn func(string))
}

type Option func(*Agent)

func WithPower(p Power) Option {
	return func(a *Agent) { a.power = p }
}

func WithKeyboard(d keyboard.Driver) Option {
	return func(a *Agent) { a.kb = d }
}

func WithVideo(v bridge.Video) Option {
	return func(a *Agent) { a.video = v }
}

func WithConsoleSize(n int) Option {
	return func(a *Agent) { a.console = NewRingBuffer(n) }
}

func WithSessionTimeout(d time.Duration) Option {
	return func(a *Agent) { a.sessionTimeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

type Agent struct {
	version        string
	power          Power
	kb             keyboard.Driver
	video          bridge.Video
	console        *RingBuffer
	sessions       *Tracker
	sessionTimeout time.Duration
	logger         *zap.Logger

	mu       sync.RWMutex
	notifier event.Notifier
}

func New(version string, opts ...Option) *Agent {
	a := &Agent{
		version:        version,
		console:        NewRingBuffer(DefaultConsoleSize),
		sessionTimeout: DefaultSessionTimeout,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.sessions = NewTracker(a.sessionTimeout, func(status string) {
		a.notify(event.Session, status)
	})
	if a.power != nil {
		a.power.SetConsoleSink(a.consoleOutput)
		a.power.SetStatusHandler(func(status string) {
			a.logger.Info("power", zap.String("status", status))
			a.notify(event.Power, status)
		})
	}
	return a
}

// SetNotifier directs events and console output to n.
func (a *Agent) SetNotifier(n event.Notifier) {
	a.mu.Lock()
	a.notifier = n
	a.mu.Unlock()
}

func (a *Agent) AgentVersion(ctx context.Context) (string, error) {
	return a.version, nil
}

func (a *Agent) ConsoleDump(ctx context.Context) (string, error) {
	return a.console.String(), nil
}

// ConsoleSend writes input to the target console verbatim. raw makes no
// difference on a serial line.
func (a *Agent) ConsoleSend(ctx context.Context, input string, raw bool, session string) error {
	a.sessions.Touch(session)
	if a.power == nil {
		return ErrNoPower
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.power.WriteConsole([]byte(input))
}

func (a *Agent) TargetToggle(ctx context.Context, session string) (string, error) {
	a.sessions.Touch(session)
	if a.power == nil {
		return "", ErrNoPower
	}
	a.logger.Info("power toggle", zap.String("session", session))
	return a.power.Toggle(ctx)
}

// TargetStatus returns the power status, or "" without a power controller.
func (a *Agent) TargetStatus() string {
	if a.power == nil {
		return ""
	}
	return a.power.Status()
}

func (a *Agent) Video() bridge.Video {
	if a.video == nil {
		return nil
	}
	return a.video
}

func (a *Agent) Keyboard() keyboard.Driver {
	if a.kb == nil {
		return nil
	}
	return a.kb
}

// Sessions returns the ids of sessions seen within the session timeout.
func (a *Agent) Sessions() []string {
	return a.sessions.Active()
}

// Close stops session tracking and closes the keyboard driver if it can be
// closed.
func (a *Agent) Close() error {
	a.sessions.Stop()
	if c, ok := a.kb.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (a *Agent) consoleOutput(data string) {
	_, _ = a.console.Write([]byte(data))
	a.mu.RLock()
	n := a.notifier
	a.mu.RUnlock()
	if n != nil {
		n.Write(event.Console, data)
	}
}

func (a *Agent) notify(kind event.Kind, payload any) {
	a.mu.RLock()
	n := a.notifier
	a.mu.RUnlock()
	if n != nil {
		n.Notify(kind, payload)
	}
}
