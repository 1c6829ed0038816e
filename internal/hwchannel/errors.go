package hwchannel

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelLost reports that the worker's output ended or the process exited.
	ErrChannelLost = errors.New("hardware channel lost")
	// ErrTimeout reports a command that received no response within its deadline.
	ErrTimeout = errors.New("hardware command timed out")
	// ErrMalformedResponse reports worker output that could not be decoded.
	ErrMalformedResponse = errors.New("malformed hardware response")
	// ErrClosed is the cause recorded when the caller closes the channel.
	ErrClosed = errors.New("channel closed")
)

// CommandError is a failure reported by the worker for a specific command.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("worker rejected %s", e.Command)
	}
	return fmt.Sprintf("worker rejected %s: %s", e.Command, e.Message)
}
