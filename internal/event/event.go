package event

// Kind identifies a device-originated event stream. Ordering is only
// guaranteed within a single kind.
type Kind int

const (
	Power Kind = iota + 1
	Session
	Storage
)

func (k Kind) String() string {
	switch k {
	case Power:
		return "POWER"
	case Session:
		return "SESSION"
	case Storage:
		return "STORAGE"
	default:
		return "UNKNOWN"
	}
}

// Topic identifies a raw data channel relayed from the device.
type Topic string

const (
	Console Topic = "console"
	Monitor Topic = "monitor"
)

// Notifier receives events and raw data from the device side.
type Notifier interface {
	Notify(kind Kind, payload any)
	Write(topic Topic, data string)
}
