package client

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/docsync/document"
	"github.com/luma/docsync/protocol"
)

// ClientSession keeps a local document in sync with the server's: patches from the server
// are applied to it and local changes are sent to the server.
type ClientSession struct {
	conn *Connection
	doc  *document.Document

	// setter marks the patches that came from the server, so they are not sent back
	setter string

	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup

	disconnectOnce sync.Once
	done           chan struct{}

	log *zap.Logger
}

func newClientSession(doc *document.Document, log *zap.Logger) *ClientSession {
	if log == nil {
		log = zap.NewNop()
	}

	return &ClientSession{
		doc:    doc,
		setter: "server:" + protocol.MakeID(),
		done:   make(chan struct{}),
		log:    log,
	}
}

// ConnectSession connects to the server with options and keeps doc in sync over the
// connection. options.Session is replaced by the returned session.
func ConnectSession(ctx context.Context, doc *document.Document, options Options) (*ClientSession, error) {
	s := newClientSession(doc, options.Log)
	options.Session = s

	conn, err := New(options)
	if err != nil {
		return nil, err
	}

	s.conn = conn
	s.log = s.log.With(zap.String("session", conn.SessionID()))

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	updates := doc.ListenToUpdates()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.loopWaiter.Add(1)
	go func() {
		defer s.loopWaiter.Done()
		defer doc.StopListening(updates)

		s.forwardUpdates(loopCtx, updates)
	}()

	return s, nil
}

// HandlePatch applies a PATCH-DOC from the server to the local document.
func (s *ClientSession) HandlePatch(msg *protocol.Message) error {
	patch, err := msg.ContentJSON()
	if err != nil {
		return err
	}

	return s.doc.ApplyJSONPatch(patch, s.setter)
}

func (s *ClientSession) NotifyDisconnected() {
	s.disconnectOnce.Do(func() {
		s.log.Info("Session disconnected")
		close(s.done)
	})
}

// Pull replaces the local document with the server's.
func (s *ClientSession) Pull(ctx context.Context) error {
	return s.conn.PullDoc(ctx, s.doc)
}

// Push replaces the server's document with the local one.
func (s *ClientSession) Push(ctx context.Context) error {
	return s.conn.PushDoc(ctx, s.doc)
}

// Close stops sending local changes and closes the connection.
func (s *ClientSession) Close() error {
	if s.cancel != nil {
		s.cancel()
	}

	err := s.conn.Close("session closed")
	s.loopWaiter.Wait()

	return err
}

// Done is closed once the connection has dropped.
func (s *ClientSession) Done() <-chan struct{} {
	return s.done
}

func (s *ClientSession) Document() *document.Document {
	return s.doc
}

func (s *ClientSession) Connection() *Connection {
	return s.conn
}

// forwardUpdates sends local document changes to the server as PATCH-DOC, in the order
// they were made.
func (s *ClientSession) forwardUpdates(ctx context.Context, updates <-chan *document.Update) {
	log := s.log.Named("forward")

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.conn.Done():
			return

		case update, ok := <-updates:
			if !ok {
				return
			}

			if update.Setter == s.setter {
				continue
			}

			msg, err := protocol.NewPatchDoc(update.Patch)
			if err != nil {
				log.Error("Failed to build patch", zap.Error(err))
				continue
			}

			if _, err := s.conn.Request(ctx, msg); err != nil {
				log.Warn("Server refused patch", zap.String("setter", update.Setter), zap.Error(err))
			}
		}
	}
}
