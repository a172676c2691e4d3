package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luma/docsync/protocol"
)

const (
	// maxCloseReason is the longest reason a websocket close frame can carry.
	maxCloseReason = 123

	closeGracePeriod = time.Second
)

var ErrClosed = errors.New("connection closed")

type WebSocketOptions struct {
	// ReadTimeout bounds how long a single read may block. Zero disables it.
	ReadTimeout time.Duration

	// WriteTimeout bounds how long writing a single fragment may block. Zero disables it.
	WriteTimeout time.Duration

	// MaxMessageSize is the largest fragment that will be read. Zero means no limit.
	MaxMessageSize int64

	Log *zap.Logger
}

// WebSocket carries protocol fragments over a websocket connection, one fragment per
// websocket message. Text fragments travel as text messages, binary fragments as binary ones.
type WebSocket struct {
	conn *websocket.Conn

	// writeMu is the connection's write lock, see protocol.FragmentWriter
	writeMu sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}

	log *zap.Logger
}

func NewWebSocket(conn *websocket.Conn, options WebSocketOptions) *WebSocket {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	if options.MaxMessageSize > 0 {
		conn.SetReadLimit(options.MaxMessageSize)
	}

	return &WebSocket{
		conn:         conn,
		readTimeout:  options.ReadTimeout,
		writeTimeout: options.WriteTimeout,
		closed:       make(chan struct{}),
		log:          log,
	}
}

func (w *WebSocket) Lock() {
	w.writeMu.Lock()
}

func (w *WebSocket) Unlock() {
	w.writeMu.Unlock()
}

// WriteFragment writes one fragment. Callers must hold the write lock.
func (w *WebSocket) WriteFragment(f protocol.Fragment) (int, error) {
	if !w.isRunning() {
		return 0, ErrClosed
	}

	messageType := websocket.TextMessage
	if f.Binary {
		messageType = websocket.BinaryMessage
	}

	if w.writeTimeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return 0, err
		}
	}

	if err := w.conn.WriteMessage(messageType, f.Data); err != nil {
		return 0, err
	}

	return len(f.Data), nil
}

// ReadFragment blocks until the next fragment arrives, the connection closes or ctx is done.
func (w *WebSocket) ReadFragment(ctx context.Context) (protocol.Fragment, error) {
	if w.readTimeout > 0 {
		if err := w.conn.SetReadDeadline(time.Now().Add(w.readTimeout)); err != nil {
			return protocol.Fragment{}, err
		}
	}

	// Unblock the read below if the context ends first
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Fragment{}, ctx.Err()
			}

			if !w.isRunning() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return protocol.Fragment{}, fmt.Errorf("%w: %v", ErrClosed, err)
			}

			return protocol.Fragment{}, err
		}

		switch messageType {
		case websocket.TextMessage:
			return protocol.TextFragment(data), nil

		case websocket.BinaryMessage:
			return protocol.BinaryFragment(data), nil

		default:
			w.log.Debug("Ignoring websocket message", zap.Int("type", messageType))
		}
	}
}

// Close closes the connection with a normal closure. Only the first call has any effect.
func (w *WebSocket) Close(reason string) error {
	return w.CloseWithCode(websocket.CloseNormalClosure, reason)
}

// CloseWithCode sends a close frame with code and reason, then closes the connection. Only
// the first call has any effect.
func (w *WebSocket) CloseWithCode(code int, reason string) (err error) {
	w.closeOnce.Do(func() {
		close(w.closed)

		msg := websocket.FormatCloseMessage(code, closeReason(reason))
		if werr := w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); werr != nil &&
			!errors.Is(werr, websocket.ErrCloseSent) {
			w.log.Debug("Failed to send close frame", zap.Error(werr))
		}

		err = w.conn.Close()
	})

	return err
}

// closeReason makes reason fit a close frame: valid UTF-8, cut on a rune boundary.
func closeReason(reason string) string {
	reason = strings.ToValidUTF8(reason, "?")
	if len(reason) <= maxCloseReason {
		return reason
	}

	end := maxCloseReason
	for end > 0 && !utf8.RuneStart(reason[end]) {
		end--
	}

	return reason[:end]
}

// Done is closed once Close has been called.
func (w *WebSocket) Done() <-chan struct{} {
	return w.closed
}

func (w *WebSocket) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// isRunning returns true if Close has not been called
func (w *WebSocket) isRunning() bool {
	select {
	case <-w.closed:
		return false

	default:
		return true
	}
}

var _ protocol.FragmentWriter = (*WebSocket)(nil)
