package protocol

import "errors"

var (
	// Connection errors

	ErrConnectionClosed  = errors.New("connection is closed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionExists  = errors.New("connection already exists")
	ErrClientNotFound    = errors.New("client not found")
	ErrInvalidClientID   = errors.New("invalid client ID")

	// Framing errors

	ErrInvalidHeader   = errors.New("invalid packet header")
	ErrTruncated       = errors.New("truncated packet body")
	ErrUnknownKind     = errors.New("unknown sub-message kind")
	ErrUnknownChannel  = errors.New("unknown channel tag")
	ErrInvalidFragment = errors.New("invalid fragment")
	ErrTrailingBytes   = errors.New("trailing bytes after body")
	ErrMessageTooLarge = errors.New("message too large")

	ErrCapacityExceeded = errors.New("capacity exceeded")

	ErrTransportClosed = errors.New("transport is closed")
	ErrTransportFailed = errors.New("transport failed")

	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorCode is the numeric form of an error, stable across releases. The
// thousands digit groups codes by family.
type ErrorCode int

const (
	CodeNone ErrorCode = 0

	CodeConnectionClosed  ErrorCode = 1001
	CodeConnectionTimeout ErrorCode = 1002
	CodeConnectionExists  ErrorCode = 1003
	CodeClientNotFound    ErrorCode = 1004
	CodeInvalidClientID   ErrorCode = 1006

	CodeInvalidHeader   ErrorCode = 3001
	CodeTruncated       ErrorCode = 3002
	CodeUnknownKind     ErrorCode = 3003
	CodeUnknownChannel  ErrorCode = 3004
	CodeInvalidFragment ErrorCode = 3005
	CodeTrailingBytes   ErrorCode = 3006
	CodeMessageTooLarge ErrorCode = 3007

	CodeCapacityExceeded ErrorCode = 4001

	CodeTransportClosed ErrorCode = 7001
	CodeTransportFailed ErrorCode = 7002

	CodeInvalidConfig ErrorCode = 8001

	CodeUnknown ErrorCode = 9999
)

// Ordered so that a wrapped chain reports its most specific sentinel.
var codes = []struct {
	err  error
	code ErrorCode
}{
	{ErrInvalidHeader, CodeInvalidHeader},
	{ErrTruncated, CodeTruncated},
	{ErrUnknownKind, CodeUnknownKind},
	{ErrUnknownChannel, CodeUnknownChannel},
	{ErrInvalidFragment, CodeInvalidFragment},
	{ErrTrailingBytes, CodeTrailingBytes},
	{ErrMessageTooLarge, CodeMessageTooLarge},
	{ErrConnectionTimeout, CodeConnectionTimeout},
	{ErrConnectionClosed, CodeConnectionClosed},
	{ErrConnectionExists, CodeConnectionExists},
	{ErrClientNotFound, CodeClientNotFound},
	{ErrInvalidClientID, CodeInvalidClientID},
	{ErrCapacityExceeded, CodeCapacityExceeded},
	{ErrTransportClosed, CodeTransportClosed},
	{ErrTransportFailed, CodeTransportFailed},
	{ErrInvalidConfig, CodeInvalidConfig},
}

// Code maps err onto its ErrorCode. nil is CodeNone.
func Code(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// IsDecode reports whether the code concerns a single malformed datagram.
func (c ErrorCode) IsDecode() bool {
	return c >= 3000 && c < 4000
}

// IsDecodeError reports whether err describes a malformed datagram.
func IsDecodeError(err error) bool {
	return Code(err).IsDecode()
}
