package node

import (
	"errors"
	"strings"
)

type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}

var (
	// ErrSignalStopped is returned out of the event loop when the stop
	// signal has been read from the eventfd.
	ErrSignalStopped = errors.New("signal stopped")

	// ErrBodyTooLarge marks a connection that accumulated more than
	// MaxBodySize bytes before a request could be framed.
	ErrBodyTooLarge = errors.New("request body exceeds maximum size")

	// ErrRegistryFull means the registry already tracks MaxFDs descriptors.
	ErrRegistryFull = errors.New("connection registry is full")

	// ErrDuplicateFd means a descriptor was registered twice without being
	// removed in between, which indicates a lifecycle bug.
	ErrDuplicateFd = errors.New("descriptor already registered")
)
