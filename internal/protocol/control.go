package protocol

import (
	"errors"
	"fmt"
)

// Control is the first frame on a connection to the broker.
type Control string

const (
	ControlGib  Control = "gib"  // become a query session
	ControlTake Control = "take" // provision a telemetry receiver
	ControlExit Control = "exit" // shut the broker down
)

var ErrUnknownControl = errors.New("protocol: unknown control message")

func ParseControl(b []byte) (Control, error) {
	switch c := Control(b); c {
	case ControlGib, ControlTake, ControlExit:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownControl, truncate(b, 32))
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
