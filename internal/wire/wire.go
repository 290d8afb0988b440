// Package wire encodes the named-event frames exchanged with browser clients.
package wire

import (
	"encoding/json"
	"errors"
)

// Event names on the /mtda channel.
const (
	Version       = "mtda-version"
	ConsoleOutput = "console-output"
	VideoInfo     = "video-info"
	PowerEvent    = "power-event"
	SessionEvent  = "session-event"
	StorageEvent  = "storage-event"
	ConsoleInput  = "console-input"
)

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type VersionPayload struct {
	Version string `json:"version"`
}

type OutputPayload struct {
	Output string `json:"output"`
}

type VideoPayload struct {
	Format string `json:"format"`
	URL    string `json:"url"`
}

type EventPayload struct {
	Event any `json:"event"`
}

type InputPayload struct {
	Input string `json:"input"`
}

func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, errors.New("event name required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, errors.New("empty frame")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Event == "" {
		return Frame{}, errors.New("event name required")
	}
	return f, nil
}

// Payload unmarshals the frame data into v.
func (f Frame) Payload(v any) error {
	if len(f.Data) == 0 {
		return errors.New("frame has no data")
	}
	return json.Unmarshal(f.Data, v)
}
