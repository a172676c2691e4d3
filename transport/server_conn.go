package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luma/docsync/document"
	"github.com/luma/docsync/protocol"
)

var ErrUnhandled = errors.New("message not handled by the server")

// ServerConn is the server side of one client connection.
type ServerConn struct {
	id        string
	sessionID string

	ws       *WebSocket
	protocol *protocol.Protocol
	receiver *protocol.Receiver

	doc         document.Store
	versionInfo protocol.VersionInfo
	metrics     *Metrics

	log *zap.Logger
}

// ID identifies the connection. It is the setter of every patch the connection applies.
func (c *ServerConn) ID() string {
	return c.id
}

func (c *ServerConn) SessionID() string {
	return c.sessionID
}

// Serve acknowledges the connection, then reads and answers messages until the connection
// closes, ctx is done or the client sends something that is not a valid message. acked is
// called once the ACK has been written, nothing may be sent to the client before that.
func (c *ServerConn) Serve(ctx context.Context, acked func()) {
	log := c.log.Named("readLoop")

	defer log.Debug("Read loop exited")

	if err := c.Send(protocol.NewAck()); err != nil {
		log.Warn("Failed to send ACK", zap.Error(err))
		_ = c.ws.Close("failed to acknowledge")
		return
	}

	if acked != nil {
		acked()
	}

	for {
		f, err := c.ws.ReadFragment(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				log.Debug("Connection closed", zap.Error(err))
			} else {
				log.Info("Connection lost", zap.Error(err))
			}

			_ = c.ws.Close("")
			return
		}

		msg, err := c.receiver.Consume(f)
		if err != nil {
			log.Error("Closing connection after bad input", zap.Error(err))
			c.metrics.receiveError(err)

			_ = c.ws.CloseWithCode(closeCode(err), err.Error())
			return
		}

		if msg == nil {
			continue
		}

		c.metrics.received(msg)

		if err := c.handle(msg); err != nil {
			log.Warn("Failed to reply",
				zap.String("msgtype", string(msg.Type())),
				zap.String("msgid", msg.MsgID()),
				zap.Error(err))

			_ = c.ws.Close("failed to reply")
			return
		}
	}
}

// Send sends msg to the client. It is safe to call from any goroutine.
func (c *ServerConn) Send(msg *protocol.Message) error {
	n, err := msg.Send(c.ws)
	if err != nil {
		return err
	}

	c.metrics.sent(msg, n)
	return nil
}

func (c *ServerConn) Close(reason string) error {
	return c.ws.Close(reason)
}

// handle answers msg. Failing to serve a request is answered with an ERROR, only failing to
// send is returned.
func (c *ServerConn) handle(msg *protocol.Message) error {
	reply, err := c.reply(msg)
	if err != nil {
		c.log.Warn("Request failed",
			zap.String("msgtype", string(msg.Type())),
			zap.String("msgid", msg.MsgID()),
			zap.Error(err))

		reply = protocol.NewError(msg.MsgID(), err.Error(), nil)
	}

	if reply == nil {
		return nil
	}

	return c.Send(reply)
}

func (c *ServerConn) reply(msg *protocol.Message) (*protocol.Message, error) {
	switch msg.Type() {
	case protocol.MsgServerInfoReq:
		return protocol.NewServerInfoReply(msg.MsgID(), c.versionInfo), nil

	case protocol.MsgPullDocReq:
		doc, err := c.doc.ToJSON()
		if err != nil {
			return nil, err
		}

		return protocol.NewPullDocReply(msg.MsgID(), doc)

	case protocol.MsgPushDoc:
		var content protocol.DocContent
		if err := msg.DecodeContent(&content); err != nil {
			return nil, err
		}

		// Replaced as a patch, so the other connections follow
		if err := c.doc.Replace(content.Doc, c.id); err != nil {
			return nil, err
		}

		return protocol.NewOK(msg.MsgID()), nil

	case protocol.MsgPatchDoc:
		patch, err := msg.ContentJSON()
		if err != nil {
			return nil, err
		}

		if err := c.doc.ApplyJSONPatch(patch, c.id); err != nil {
			return nil, err
		}

		return protocol.NewOK(msg.MsgID()), nil

	case protocol.MsgAck, protocol.MsgOK, protocol.MsgError:
		c.log.Debug("Ignoring client reply", zap.String("msgtype", string(msg.Type())))
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandled, msg.Type())
	}
}

func closeCode(err error) int {
	if errors.Is(err, protocol.ErrMessage) {
		return websocket.CloseInvalidFramePayloadData
	}

	return websocket.CloseProtocolError
}
