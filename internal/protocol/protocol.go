// Package protocol defines the JSON frames exchanged with agents and
// dashboards. Every frame carries a "t" discriminator; each direction is a
// closed set of Go types decoded by a single switch.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned for frames that are not valid JSON or
	// miss required fields.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrame is returned for well-formed frames with an unrecognized discriminator.
	ErrUnknownFrame = errors.New("unknown frame type")
)

type envelope struct {
	T string `json:"t"`
}

func frameType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.T == "" {
		return "", fmt.Errorf("%w: missing t", ErrMalformedFrame)
	}
	return env.T, nil
}

func decodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func unknown(t string) error {
	return fmt.Errorf("%w: %q", ErrUnknownFrame, t)
}

func missing(t, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMalformedFrame, t, field)
}
