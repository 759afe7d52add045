package transport

import (
	"errors"
	"fmt"
)

// ErrNotSupported is returned by optional operations on adapters that
// do not advertise the matching capability.
var ErrNotSupported = errors.New("transport: operation not supported by this adapter")

// ErrAttachmentNotFound is returned by DownloadAttachment when the
// message has no attachment at the requested index.
var ErrAttachmentNotFound = errors.New("transport: attachment not found")

// ConnectError reports a failure to reach or authenticate with the
// remote endpoint.
type ConnectError struct {
	Provider string
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: connecting to %s: %v", e.Provider, e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectError reports whether err chains to a ConnectError.
func IsConnectError(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce)
}

// ProtocolError reports a non-success response from the remote service.
// It carries the upstream status and a short body excerpt; callers
// decide retry policy.
type ProtocolError struct {
	Provider string
	Op       string
	Status   int
	Excerpt  string
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d: %s", e.Provider, e.Op, e.Status, e.Excerpt)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Op, e.Excerpt)
}

// IsProtocolError reports whether err chains to a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ParseError reports a message that could not be normalized. REST
// adapters skip and log these per message; the wire-protocol adapter
// fails the whole batch, since a garbled inline body usually signals a
// connection problem.
type ParseError struct {
	ExternalID string
	Err        error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing message %s: %v", e.ExternalID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err chains to a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
