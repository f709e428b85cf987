package cluster

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
)

var (
	// ErrMalformed is returned when a message line is not a JSON object.
	ErrMalformed = errors.New("malformed message")

	// ErrSchema is returned when a required field is missing, has the wrong
	// type, or holds a value outside its domain.
	ErrSchema = errors.New("schema violation")

	// ErrUnknownType is returned for a requestType outside the protocol.
	ErrUnknownType = errors.New("unknown request type")

	// ErrUnexpected is returned when a known message arrives at a role that
	// does not serve it.
	ErrUnexpected = errors.New("unexpected request type")

	// ErrDial marks failures to open a connection. Nothing was sent, so the
	// request may safely be tried again.
	ErrDial = errors.New("dial failed")

	// ErrTooLarge is returned when a line exceeds MaxLineBytes.
	ErrTooLarge = errors.New("message too large")
)

// ErrorKind classifies err for logs and metric labels.
func ErrorKind(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrSchema):
		return "schema"
	case errors.Is(err, ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrUnexpected):
		return "unexpected"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "transport"
	default:
		return "handler"
	}
}
