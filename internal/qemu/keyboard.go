package qemu

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"devbridge/internal/keyboard"
)

// Commander is the part of the power controller the keyboard needs.
type Commander interface {
	Variant() string
	Cmd(ctx context.Context, line string) (string, error)
}

// Keyboard injects keys with the monitor's sendkey command.
type Keyboard struct {
	keyboard.Keys

	target  Commander
	settle  time.Duration
	pending atomic.Int32
	logger  *zap.Logger

	// ctx ends in-flight presses once the keyboard is closed
	ctx    context.Context
	cancel context.CancelFunc
}

var keyNames = map[keyboard.Key]string{
	keyboard.KeyEnter:    "ret",
	keyboard.KeyCapsLock: "caps_lock",
}

var shifted = map[rune]string{
	'!': "1", '@': "2", '#': "3", '$': "4", '%': "5",
	'^': "6", '&': "7", '*': "8", '(': "9", ')': "0",
	'_': "minus", '+': "equal", '{': "bracket_left", '}': "bracket_right",
	'|': "backslash", ':': "semicolon", '"': "apostrophe", '~': "grave_accent",
	'<': "comma", '>': "dot", '?': "slash",
}

var plain = map[rune]string{
	' ': "spc", '\n': "ret", '\t': "tab",
	'-': "minus", '=': "equal", '[': "bracket_left", ']': "bracket_right",
	'\\': "backslash", ';': "semicolon", '\'': "apostrophe", '`': "grave_accent",
	',': "comma", '.': "dot", '/': "slash",
}

func NewKeyboard(target Commander) *Keyboard {
	ctx, cancel := context.WithCancel(context.Background())
	k := &Keyboard{
		target: target,
		settle: keyboard.DefaultSettle,
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
	}
	k.Keys = keyboard.Keys{PressFunc: func(key keyboard.Key, repeat int) bool {
		return k.press(qemuName(key), repeat)
	}}
	return k
}

func (k *Keyboard) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	k.logger = logger
}

// Configure accepts the "delay" option, a duration between key presses.
func (k *Keyboard) Configure(options map[string]string) error {
	v, ok := options["delay"]
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("delay %q: %w", v, err)
	}
	if d < 0 {
		return fmt.Errorf("delay %q: negative", v)
	}
	k.settle = d
	return nil
}

// Probe requires a QEMU power controller.
func (k *Keyboard) Probe() bool {
	if k.target == nil {
		return false
	}
	ok := k.target.Variant() == variant
	if !ok {
		k.logger.Warn("qemu keyboard requires a qemu power controller", zap.String("variant", k.target.Variant()))
	}
	return ok
}

func (k *Keyboard) Idle() bool {
	return k.pending.Load() == 0
}

// Close interrupts presses in flight; later presses fail.
func (k *Keyboard) Close() error {
	k.cancel()
	return nil
}

// Write types text key by key. Nothing is sent when any character has no
// QEMU key.
func (k *Keyboard) Write(text string) bool {
	var names []string
	for _, r := range text {
		name, ok := runeKey(r)
		if !ok {
			return false
		}
		names = append(names, name)
	}
	for _, name := range names {
		if !k.press(name, 1) {
			return false
		}
	}
	return true
}

func (k *Keyboard) press(name string, repeat int) bool {
	k.pending.Add(1)
	defer k.pending.Add(-1)
	return keyboard.Press(k.ctx, repeat, k.settle, func() error {
		_, err := k.target.Cmd(k.ctx, "sendkey "+name)
		if err != nil {
			k.logger.Debug("sendkey failed", zap.String("key", name), zap.Error(err))
		}
		return err
	})
}

func qemuName(key keyboard.Key) string {
	if name, ok := keyNames[key]; ok {
		return name
	}
	return string(key)
}

func runeKey(r rune) (string, bool) {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return string(r), true
	case r >= 'A' && r <= 'Z':
		return "shift-" + string(r-'A'+'a'), true
	}
	if name, ok := plain[r]; ok {
		return name, true
	}
	if name, ok := shifted[r]; ok {
		return "shift-" + name, true
	}
	return "", false
}
