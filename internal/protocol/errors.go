package protocol

import (
	"context"
	"errors"
	"net"
)

// ErrorKind classifies failures the way the flow controllers report them.
type ErrorKind string

const (
	KindMalformedInput  ErrorKind = "malformed_input"
	KindTransientServer ErrorKind = "transient_server"
	KindProtocolDenial  ErrorKind = "protocol_denial"
	KindPartialFailure  ErrorKind = "partial_failure"
	KindUnknown         ErrorKind = "unknown"
)

// Kinded is implemented by errors that know their own classification.
type Kinded interface {
	Kind() ErrorKind
}

// Classify maps an error to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, ErrMalformedToken), errors.Is(err, ErrInvalidVerifierLength):
		return KindMalformedInput
	case errors.Is(err, ErrStateMismatch):
		return KindProtocolDenial
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransientServer
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientServer
	}
	return KindUnknown
}
