package client

import (
	"errors"
	"fmt"

	"github.com/luma/docsync/protocol"
)

var (
	// ErrConnectionLost is returned by requests that were pending when the connection dropped.
	ErrConnectionLost = errors.New("connection lost")

	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNoAck is returned by Connect when the server's first message is not an ACK.
	ErrNoAck = fmt.Errorf("%w: expected ACK", protocol.ErrProtocol)

	ErrUnexpectedReply = fmt.Errorf("%w: unexpected reply", protocol.ErrProtocol)
)

// ServerError is returned by requests the server answered with an ERROR.
type ServerError struct {
	Text      string
	Traceback []string
}

func (e *ServerError) Error() string {
	return "server returned ERROR: " + e.Text
}

func serverError(reply *protocol.Message) error {
	var content protocol.ErrorContent
	if err := reply.DecodeContent(&content); err != nil {
		return err
	}

	return &ServerError{Text: content.Text, Traceback: content.Traceback}
}
