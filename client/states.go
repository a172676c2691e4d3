package client

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/luma/docsync/protocol"
)

type State string

const (
	StateNotYetConnected    State = "NOT_YET_CONNECTED"
	StateConnectedBeforeAck State = "CONNECTED_BEFORE_ACK"
	StateConnectedAfterAck  State = "CONNECTED_AFTER_ACK"
	StateWaitingForReply    State = "WAITING_FOR_REPLY"
	StateDisconnected       State = "DISCONNECTED"
)

// state is one step of the connection's state machine. run performs the step and moves the
// connection to its next state.
type state interface {
	name() State
	run(ctx context.Context, c *Connection) error
}

type notYetConnected struct{}

func (notYetConnected) name() State { return StateNotYetConnected }

func (notYetConnected) run(ctx context.Context, c *Connection) error {
	t, err := c.dial(ctx, c.url, c.query())
	if err != nil {
		c.log.Info("Failed to connect", zap.String("url", c.url), zap.Error(err))
		c.transitionTo(disconnected{})
		return err
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	c.transitionTo(connectedBeforeAck{})
	return nil
}

type connectedBeforeAck struct{}

func (connectedBeforeAck) name() State { return StateConnectedBeforeAck }

func (connectedBeforeAck) run(ctx context.Context, c *Connection) error {
	msg := c.popMessage(ctx)
	if msg == nil {
		c.transitionTo(disconnected{})
		return nil
	}

	if msg.Type() != protocol.MsgAck {
		return fmt.Errorf("%w, got %s", ErrNoAck, msg.Type())
	}

	c.log.Debug("Connection acknowledged")
	c.transitionTo(connectedAfterAck{})
	return nil
}

type connectedAfterAck struct{}

func (connectedAfterAck) name() State { return StateConnectedAfterAck }

func (connectedAfterAck) run(ctx context.Context, c *Connection) error {
	msg := c.popMessage(ctx)
	if msg == nil {
		c.transitionTo(disconnected{})
		return nil
	}

	c.dispatch(msg)
	return nil
}

// waitingForReply waits for the reply to the oldest pending request. Anything else that
// arrives meanwhile is dispatched as it would be after the ACK, in arrival order.
type waitingForReply struct {
	reqID string
}

func (waitingForReply) name() State { return StateWaitingForReply }

func (s waitingForReply) run(ctx context.Context, c *Connection) error {
	msg := c.popMessage(ctx)
	if msg == nil {
		c.transitionTo(disconnected{})
		return nil
	}

	if msg.ReqID() == s.reqID {
		if !c.resolve(s.reqID, msg) {
			c.log.Debug("Dropping reply to cancelled request",
				zap.String("msgtype", string(msg.Type())),
				zap.String("reqid", msg.ReqID()))
		}

		return nil
	}

	c.dispatch(msg)
	return nil
}

type disconnected struct{}

func (disconnected) name() State { return StateDisconnected }

func (disconnected) run(ctx context.Context, c *Connection) error {
	c.disconnect()
	return nil
}
