package calcrpc

// This source file is part of the AMQP-RPC open source project
// Licensed under Apache License v2.0
// See LICENSE file for license information

import (
	"errors"
	"fmt"
)

// Outcomes of a failed call. A Client only ever returns errors that match
// one of these with errors.Is, or a *RemoteError.
var (
	ErrTimeout   = errors.New("calcrpc: request timed out")
	ErrTransport = errors.New("calcrpc: transport unavailable")
	ErrClosed    = errors.New("calcrpc: shut down")
	// ErrEncode is returned for requests JSON cannot carry, such as
	// non-finite operands.
	ErrEncode = errors.New("calcrpc: cannot encode request")
)

var errDuplicateCall = errors.New("calcrpc: correlation id already in flight")

// RemoteError is a calculation the server refused, such as a division by
// zero or an unknown operation.
type RemoteError struct {
	Operation string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("calculation failed: %s", e.Message)
}

func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}
