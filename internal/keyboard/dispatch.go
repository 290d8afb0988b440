package keyboard

import "unicode/utf8"

// Catalogue maps the key labels clients send to driver operations.
var Catalogue = map[string]func(d Driver, repeat int) bool{
	"Esc":       Driver.Esc,
	"F1":        Driver.F1,
	"F2":        Driver.F2,
	"F3":        Driver.F3,
	"F4":        Driver.F4,
	"F5":        Driver.F5,
	"F6":        Driver.F6,
	"F7":        Driver.F7,
	"F8":        Driver.F8,
	"F9":        Driver.F9,
	"F10":       Driver.F10,
	"F11":       Driver.F11,
	"F12":       Driver.F12,
	"Backspace": Driver.Backspace,
	"Tab":       Driver.Tab,
	"Caps Lock": Driver.CapsLock,
	"Enter":     Driver.Enter,
	"Left":      Driver.Left,
	"Right":     Driver.Right,
	"Up":        Driver.Up,
	"Down":      Driver.Down,
}

// Dispatch routes token to d. A single character is written literally, a
// catalogue label presses its key once, and anything else is ignored.
// handled is false only for ignored tokens.
func Dispatch(d Driver, token string) (handled, ok bool) {
	if utf8.RuneCountInString(token) == 1 {
		return true, d.Write(token)
	}
	op, found := Catalogue[token]
	if !found {
		return false, false
	}
	return true, op(d, 1)
}
