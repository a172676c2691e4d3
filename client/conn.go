package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/luma/docsync/document"
	"github.com/luma/docsync/protocol"
	"github.com/luma/docsync/transport"
)

// Connection is the client side of a connection to a docsync server.
//
// After Connect a read loop drives the connection's state machine: it dispatches unsolicited
// messages to the Session and hands replies to the requests waiting for them. Requests may
// be made from any goroutine.
type Connection struct {
	url       string
	sessionID string
	arguments url.Values

	dial     Dialer
	session  Session
	protocol *protocol.Protocol
	receiver *protocol.Receiver

	mu        sync.Mutex
	state     state
	started   bool
	transport Transport

	// pending requests by msgid, order holds them oldest first
	pending map[string]chan *protocol.Message
	order   []string

	infoMu     sync.Mutex
	serverInfo *protocol.VersionInfo

	cancel         context.CancelFunc
	loopWaiter     sync.WaitGroup
	disconnectOnce sync.Once
	done           chan struct{}

	tracer trace.Tracer
	log    *zap.Logger
}

func New(options Options) (*Connection, error) {
	version := options.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}

	proto, err := protocol.New(version)
	if err != nil {
		return nil, err
	}

	rawURL := options.URL
	if rawURL == "" {
		rawURL = DefaultURL
	}

	sessionID := options.SessionID
	if sessionID == "" {
		sessionID = protocol.MakeID()
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	dial := options.Dialer
	if dial == nil {
		dial = WebSocketDialer(transport.DialOptions{
			WebSocketOptions: transport.WebSocketOptions{Log: log.Named("transport")},
		})
	}

	tracer := options.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &Connection{
		url:       rawURL,
		sessionID: sessionID,
		arguments: options.Arguments,
		dial:      dial,
		session:   options.Session,
		protocol:  proto,
		receiver:  protocol.NewReceiver(proto),
		state:     notYetConnected{},
		pending:   make(map[string]chan *protocol.Message),
		done:      make(chan struct{}),
		tracer:    tracer,
		log:       log.With(zap.String("session", sessionID)),
	}, nil
}

// Connect dials the server and waits for its ACK. ctx bounds both, once Connect returns the
// connection lives until Close is called or the server goes away.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	c.mu.Unlock()

	// NOT_YET_CONNECTED
	if err := c.step(ctx); err != nil {
		c.fail(err)
		return err
	}

	// CONNECTED_BEFORE_ACK
	if err := c.step(ctx); err != nil {
		c.log.Error("Protocol violation while connecting", zap.Error(err))
		c.fail(err)
		return err
	}

	if c.State() == StateDisconnected {
		err := ErrConnectionLost
		if ctx.Err() != nil {
			err = ctx.Err()
		}

		c.fail(err)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.loopWaiter.Add(1)
	go c.loop(loopCtx)

	c.log.Info("Connected", zap.String("url", c.url))
	return nil
}

// Close closes the transport and waits for the read loop to stop. It must not be called from
// a Session callback. Closing a closed connection does nothing.
func (c *Connection) Close(reason string) (err error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	if t != nil && c.State() != StateDisconnected {
		err = t.Close(reason)
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.loopWaiter.Wait()
	c.fail(nil)

	return err
}

func (c *Connection) State() State {
	return c.currentState().name()
}

// Connected returns true once the server has acknowledged the connection and until it drops.
func (c *Connection) Connected() bool {
	switch c.State() {
	case StateConnectedAfterAck, StateWaitingForReply:
		return true

	default:
		return false
	}
}

// Done is closed when the connection reaches DISCONNECTED.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) SessionID() string {
	return c.sessionID
}

func (c *Connection) Protocol() *protocol.Protocol {
	return c.protocol
}

// Send sends msg without waiting for any reply.
func (c *Connection) Send(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t, err := c.connectedTransport()
	if err != nil {
		return err
	}

	_, err = msg.Send(t)
	return err
}

// Request sends msg and waits for the message whose reqid is msg's msgid. An ERROR reply is
// returned as a *ServerError.
func (c *Connection) Request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	ctx, span := c.tracer.Start(ctx, "docsync."+string(msg.Type()),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("docsync.msgid", msg.MsgID()),
			attribute.String("docsync.session_id", c.sessionID),
		))
	defer span.End()

	reply, err := c.request(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("docsync.reply", string(reply.Type())))
	return reply, nil
}

// PushDoc replaces the server's document with doc.
func (c *Connection) PushDoc(ctx context.Context, doc document.Store) error {
	data, err := doc.ToJSON()
	if err != nil {
		return err
	}

	msg, err := protocol.NewPushDoc(data)
	if err != nil {
		return err
	}

	reply, err := c.Request(ctx, msg)
	if err != nil {
		return err
	}

	if reply.Type() != protocol.MsgOK {
		return fmt.Errorf("%w %s to %s", ErrUnexpectedReply, reply.Type(), msg.Type())
	}

	return nil
}

// PullDoc replaces doc with the server's document.
func (c *Connection) PullDoc(ctx context.Context, doc document.Store) error {
	msg := protocol.NewPullDocReq()

	reply, err := c.Request(ctx, msg)
	if err != nil {
		return err
	}

	if reply.Type() != protocol.MsgPullDocReply {
		return fmt.Errorf("%w %s to %s", ErrUnexpectedReply, reply.Type(), msg.Type())
	}

	var content protocol.DocContent
	if err := reply.DecodeContent(&content); err != nil {
		return err
	}

	return doc.ReplaceWithJSON(content.Doc)
}

// RequestServerInfo asks the server for its version info once. Later calls return the
// first answer.
func (c *Connection) RequestServerInfo(ctx context.Context) (protocol.VersionInfo, error) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	if c.serverInfo != nil {
		return *c.serverInfo, nil
	}

	info, err := c.requestServerInfo(ctx)
	if err != nil {
		return protocol.VersionInfo{}, err
	}

	c.serverInfo = &info
	return info, nil
}

// ForceRoundtrip makes a request and waits for its reply. Everything the server sent before
// the reply has been dispatched when it returns.
func (c *Connection) ForceRoundtrip(ctx context.Context) error {
	_, err := c.requestServerInfo(ctx)
	return err
}

func (c *Connection) requestServerInfo(ctx context.Context) (protocol.VersionInfo, error) {
	msg := protocol.NewServerInfoReq()

	reply, err := c.Request(ctx, msg)
	if err != nil {
		return protocol.VersionInfo{}, err
	}

	if reply.Type() != protocol.MsgServerInfoReply {
		return protocol.VersionInfo{}, fmt.Errorf("%w %s to %s", ErrUnexpectedReply, reply.Type(), msg.Type())
	}

	var content protocol.ServerInfoContent
	if err := reply.DecodeContent(&content); err != nil {
		return protocol.VersionInfo{}, err
	}

	return content.VersionInfo, nil
}

func (c *Connection) request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	replyChan, err := c.createReplyChan(msg.MsgID())
	if err != nil {
		return nil, err
	}
	defer c.destroyReplyChan(msg.MsgID())

	if err := c.Send(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-replyChan:
		if !ok {
			return nil, ErrConnectionLost
		}

		if reply.Type() == protocol.MsgError {
			return nil, serverError(reply)
		}

		return reply, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) loop(ctx context.Context) {
	defer c.loopWaiter.Done()

	log := c.log.Named("readLoop")
	defer log.Debug("Read loop exited")

	for {
		s := c.currentState()

		if err := s.run(ctx, c); err != nil {
			log.Error("Closing connection", zap.Error(err))
			c.fail(err)
		}

		if s.name() == StateDisconnected {
			return
		}
	}
}

func (c *Connection) step(ctx context.Context) error {
	return c.currentState().run(ctx, c)
}

func (c *Connection) currentState() state {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// transitionTo moves to s. DISCONNECTED is final. CONNECTED_AFTER_ACK becomes
// WAITING_FOR_REPLY while requests are pending.
func (c *Connection) transitionTo(s state) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transitionLocked(s)
}

func (c *Connection) transitionLocked(s state) {
	if c.state.name() == StateDisconnected {
		return
	}

	if s.name() == StateConnectedAfterAck && len(c.order) > 0 {
		s = waitingForReply{reqID: c.order[0]}
	}

	if s != c.state {
		c.log.Debug("State transition",
			zap.String("from", string(c.state.name())),
			zap.String("to", string(s.name())))
	}

	c.state = s
}

// settleLocked re-evaluates the connected state after the pending requests changed
func (c *Connection) settleLocked() {
	switch c.state.name() {
	case StateConnectedAfterAck, StateWaitingForReply:
		c.transitionLocked(connectedAfterAck{})
	}
}

// fail closes the transport, with err as the reason when given, and disconnects.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	t := c.transport
	alreadyDisconnected := c.state.name() == StateDisconnected
	c.transitionLocked(disconnected{})
	c.mu.Unlock()

	if t != nil && !alreadyDisconnected {
		reason := ""
		if err != nil {
			reason = err.Error()
		}

		if cerr := t.Close(reason); cerr != nil {
			c.log.Debug("Failed to close transport", zap.Error(cerr))
		}
	}

	_ = c.step(context.Background())
}

// disconnect fails every pending request and notifies the session, once.
func (c *Connection) disconnect() {
	c.disconnectOnce.Do(func() {
		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[string]chan *protocol.Message)
		c.order = nil
		c.mu.Unlock()

		for _, replyChan := range pending {
			close(replyChan)
		}

		close(c.done)
		c.log.Info("Disconnected", zap.Int("pending", len(pending)))

		if c.session != nil {
			c.session.NotifyDisconnected()
		}
	})
}

// popMessage reads fragments until a message is complete. It returns nil when the transport
// fails or delivers something that is not a valid message, after closing it.
func (c *Connection) popMessage(ctx context.Context) *protocol.Message {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return nil
	}

	for {
		f, err := t.ReadFragment(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				c.log.Debug("Connection closed", zap.Error(err))
			} else {
				c.log.Info("Connection lost", zap.Error(err))
			}

			_ = t.Close("")
			return nil
		}

		msg, err := c.receiver.Consume(f)
		if err != nil {
			c.log.Error("Closing connection after bad input", zap.Error(err))

			_ = t.Close(err.Error())
			return nil
		}

		if msg != nil {
			return msg
		}
	}
}

// dispatch hands msg to the request waiting for it, or to the session if it is a patch.
// Anything else is logged and dropped.
func (c *Connection) dispatch(msg *protocol.Message) {
	if reqID := msg.ReqID(); reqID != "" {
		if c.resolve(reqID, msg) {
			return
		}
	}

	switch msg.Type() {
	case protocol.MsgPatchDoc:
		if c.session == nil {
			c.log.Debug("Dropping patch, no session", zap.String("msgid", msg.MsgID()))
			return
		}

		if err := c.session.HandlePatch(msg); err != nil {
			c.log.Error("Failed to apply patch", zap.String("msgid", msg.MsgID()), zap.Error(err))
		}

	case protocol.MsgOK, protocol.MsgError:
		c.log.Debug("Dropping reply to no pending request",
			zap.String("msgtype", string(msg.Type())),
			zap.String("reqid", msg.ReqID()))

	default:
		c.log.Warn("Ignoring unexpected message",
			zap.String("msgtype", string(msg.Type())),
			zap.String("msgid", msg.MsgID()))
	}
}

func (c *Connection) createReplyChan(reqID string) (<-chan *protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.name() {
	case StateConnectedAfterAck, StateWaitingForReply:
	default:
		return nil, ErrNotConnected
	}

	replyChan := make(chan *protocol.Message, 1)
	c.pending[reqID] = replyChan
	c.order = append(c.order, reqID)
	c.settleLocked()

	return replyChan, nil
}

// resolve hands reply to the request with msgid reqID. It returns false if no such request
// is pending.
func (c *Connection) resolve(reqID string, reply *protocol.Message) bool {
	c.mu.Lock()
	replyChan, ok := c.removePendingLocked(reqID)
	c.mu.Unlock()

	if !ok {
		return false
	}

	replyChan <- reply
	close(replyChan)
	return true
}

func (c *Connection) destroyReplyChan(reqID string) {
	c.mu.Lock()
	replyChan, ok := c.removePendingLocked(reqID)
	c.mu.Unlock()

	if ok {
		close(replyChan)
	}
}

func (c *Connection) removePendingLocked(reqID string) (chan *protocol.Message, bool) {
	replyChan, ok := c.pending[reqID]
	if !ok {
		return nil, false
	}

	delete(c.pending, reqID)
	for i, id := range c.order {
		if id == reqID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}

	c.settleLocked()
	return replyChan, true
}

func (c *Connection) connectedTransport() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.name() {
	case StateConnectedAfterAck, StateWaitingForReply:
		return c.transport, nil

	default:
		return nil, ErrNotConnected
	}
}

func (c *Connection) query() url.Values {
	query := url.Values{}
	query.Set(protocol.ParamProtocolVersion, c.protocol.Version())
	query.Set(protocol.ParamSessionID, c.sessionID)

	for key, values := range c.arguments {
		for _, value := range values {
			query.Add(key, value)
		}
	}

	return query
}
