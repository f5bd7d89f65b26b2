package frame

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol         = errors.New("invalid websocket frame")
	ErrUnsupportedData  = errors.New("unsupported websocket frame")
	ErrMessageTooBig    = errors.New("max payload size exceeded")
	ErrInvalidPayload   = errors.New("invalid frame payload data")
	ErrInvalidCloseCode = errors.New("invalid close code")
	ErrControlTooLong   = errors.New("control frame payload must not exceed 125 bytes")
)

// Error is a fatal parsing failure. Code is the status the connection should close with.
type Error struct {
	Code CloseCode
	Err  error
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func protocolError(format string, args ...any) error {
	return &Error{Code: CloseProtocolError, Err: ErrProtocol, Msg: fmt.Sprintf(format, args...)}
}

func unsupportedData(msg string) error {
	return &Error{Code: CloseMessageTooBig, Err: ErrUnsupportedData, Msg: msg}
}

func messageTooBig(total uint64, max int64) error {
	return &Error{
		Code: CloseMessageTooBig,
		Err:  ErrMessageTooBig,
		Msg:  fmt.Sprintf("%d bytes, limit %d", total, max),
	}
}

func invalidPayload(msg string) error {
	return &Error{Code: CloseInvalidFramePayloadData, Err: ErrInvalidPayload, Msg: msg}
}

// CloseCodeOf returns the close code carried by err, if any.
func CloseCodeOf(err error) (CloseCode, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code, true
	}
	return 0, false
}
