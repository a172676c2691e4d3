package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMessage is returned when a JSON fragment could not be decoded at all.
	ErrMessage = errors.New("message error")

	// ErrProtocol is returned when fragments decode but break a protocol rule.
	ErrProtocol = errors.New("protocol error")

	// ErrValidation is returned when a fragment is text where binary was expected, or the
	// other way around.
	ErrValidation = errors.New("validation error")

	ErrUnknownVersion   = fmt.Errorf("%w: unknown protocol version", ErrProtocol)
	ErrUnknownMsgType   = fmt.Errorf("%w: unknown message type", ErrProtocol)
	ErrTooManyBuffers   = fmt.Errorf("%w: too many buffers", ErrProtocol)
	ErrMissingMsgType   = fmt.Errorf("%w: header has no msgtype", ErrProtocol)
	ErrMalformedContent = fmt.Errorf("%w: malformed content", ErrProtocol)
	ErrBadArguments     = fmt.Errorf("%w: bad arguments", ErrProtocol)

	ErrUnexpectedFragment = fmt.Errorf("%w: unexpected fragment", ErrValidation)

	// ErrNoConnection is returned by Send when it is given no connection to write to.
	ErrNoConnection = errors.New("cannot send a message without a connection")
)

func messageError(part string, err error) error {
	return fmt.Errorf("%w: failed to decode %s fragment: %v", ErrMessage, part, err)
}
