// Package keyboard defines the capability interface every input-injection
// backend satisfies and the normalizer that turns client tokens into driver
// calls.
package keyboard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable reports a driver that declined to activate on the current
// backend. Callers treat the device as having no keyboard.
var ErrUnavailable = errors.New("keyboard driver unavailable")

// DefaultSettle is the pause after each injected key so the backend input
// queue keeps up.
const DefaultSettle = 100 * time.Millisecond

// Key is a logical key name understood by every driver.
type Key string

const (
	KeyEnter     Key = "enter"
	KeyEsc       Key = "esc"
	KeyUp        Key = "up"
	KeyDown      Key = "down"
	KeyLeft      Key = "left"
	KeyRight     Key = "right"
	KeyTab       Key = "tab"
	KeyBackspace Key = "backspace"
	KeyCapsLock  Key = "capslock"
	KeyF1        Key = "f1"
	KeyF2        Key = "f2"
	KeyF3        Key = "f3"
	KeyF4        Key = "f4"
	KeyF5        Key = "f5"
	KeyF6        Key = "f6"
	KeyF7        Key = "f7"
	KeyF8        Key = "f8"
	KeyF9        Key = "f9"
	KeyF10       Key = "f10"
	KeyF11       Key = "f11"
	KeyF12       Key = "f12"
)

// Driver is the capability interface of an input-injection backend. Every
// catalogue operation presses its key repeat times and reports success.
type Driver interface {
	Configure(options map[string]string) error
	Probe() bool
	Idle() bool

	Enter(repeat int) bool
	Esc(repeat int) bool
	Up(repeat int) bool
	Down(repeat int) bool
	Left(repeat int) bool
	Right(repeat int) bool
	Tab(repeat int) bool
	Backspace(repeat int) bool
	CapsLock(repeat int) bool
	F1(repeat int) bool
	F2(repeat int) bool
	F3(repeat int) bool
	F4(repeat int) bool
	F5(repeat int) bool
	F6(repeat int) bool
	F7(repeat int) bool
	F8(repeat int) bool
	F9(repeat int) bool
	F10(repeat int) bool
	F11(repeat int) bool
	F12(repeat int) bool

	// Write injects literal characters. Characters the backend cannot
	// represent make it return false.
	Write(text string) bool
}

// Keys implements the catalogue on top of a single press primitive. Drivers
// embed it and set PressFunc.
type Keys struct {
	PressFunc func(key Key, repeat int) bool
}

func (k Keys) press(key Key, repeat int) bool {
	if k.PressFunc == nil {
		return false
	}
	return k.PressFunc(key, repeat)
}

func (k Keys) Enter(repeat int) bool     { return k.press(KeyEnter, repeat) }
func (k Keys) Esc(repeat int) bool       { return k.press(KeyEsc, repeat) }
func (k Keys) Up(repeat int) bool        { return k.press(KeyUp, repeat) }
func (k Keys) Down(repeat int) bool      { return k.press(KeyDown, repeat) }
func (k Keys) Left(repeat int) bool      { return k.press(KeyLeft, repeat) }
func (k Keys) Right(repeat int) bool     { return k.press(KeyRight, repeat) }
func (k Keys) Tab(repeat int) bool       { return k.press(KeyTab, repeat) }
func (k Keys) Backspace(repeat int) bool { return k.press(KeyBackspace, repeat) }
func (k Keys) CapsLock(repeat int) bool  { return k.press(KeyCapsLock, repeat) }
func (k Keys) F1(repeat int) bool        { return k.press(KeyF1, repeat) }
func (k Keys) F2(repeat int) bool        { return k.press(KeyF2, repeat) }
func (k Keys) F3(repeat int) bool        { return k.press(KeyF3, repeat) }
func (k Keys) F4(repeat int) bool        { return k.press(KeyF4, repeat) }
func (k Keys) F5(repeat int) bool        { return k.press(KeyF5, repeat) }
func (k Keys) F6(repeat int) bool        { return k.press(KeyF6, repeat) }
func (k Keys) F7(repeat int) bool        { return k.press(KeyF7, repeat) }
func (k Keys) F8(repeat int) bool        { return k.press(KeyF8, repeat) }
func (k Keys) F9(repeat int) bool        { return k.press(KeyF9, repeat) }
func (k Keys) F10(repeat int) bool       { return k.press(KeyF10, repeat) }
func (k Keys) F11(repeat int) bool       { return k.press(KeyF11, repeat) }
func (k Keys) F12(repeat int) bool       { return k.press(KeyF12, repeat) }

// Press performs send repeat times, waiting settle after each one. It stops
// early and returns false when send fails or ctx is done.
func Press(ctx context.Context, repeat int, settle time.Duration, send func() error) bool {
	for repeat > 0 {
		repeat--
		if err := ctx.Err(); err != nil {
			return false
		}
		if err := send(); err != nil {
			return false
		}
		if settle <= 0 {
			continue
		}
		t := time.NewTimer(settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		}
	}
	return true
}

// Activate configures d and probes it. A failed probe returns
// ErrUnavailable and no driver.
func Activate(d Driver, options map[string]string) (Driver, error) {
	if d == nil {
		return nil, ErrUnavailable
	}
	if err := d.Configure(options); err != nil {
		return nil, fmt.Errorf("configure keyboard: %w", err)
	}
	if !d.Probe() {
		return nil, ErrUnavailable
	}
	return d, nil
}
