package client

import (
	"context"
	"net/url"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/luma/docsync/protocol"
	"github.com/luma/docsync/transport"
)

const (
	DefaultURL             = "ws://127.0.0.1:5006/ws"
	DefaultProtocolVersion = "1.0"

	tracerName = "github.com/luma/docsync/client"
)

// Transport carries fragments between a Connection and the server.
type Transport interface {
	protocol.FragmentWriter

	ReadFragment(ctx context.Context) (protocol.Fragment, error)
	Close(reason string) error
}

// Dialer opens a Transport to rawURL, adding query to the URL's query string.
type Dialer func(ctx context.Context, rawURL string, query url.Values) (Transport, error)

// WebSocketDialer dials with transport.Dial.
func WebSocketDialer(options transport.DialOptions) Dialer {
	return func(ctx context.Context, rawURL string, query url.Values) (Transport, error) {
		ws, err := transport.Dial(ctx, rawURL, query, options)
		if err != nil {
			return nil, err
		}

		return ws, nil
	}
}

// Session receives what a Connection does not handle itself.
type Session interface {
	// HandlePatch applies an unsolicited PATCH-DOC.
	HandlePatch(msg *protocol.Message) error

	// NotifyDisconnected is called once, when the connection reaches DISCONNECTED.
	NotifyDisconnected()
}

type Options struct {
	// URL of the server's websocket endpoint
	URL string

	// SessionID is sent as bokeh-session-id. A fresh id is generated when empty.
	SessionID string

	// ProtocolVersion is sent as bokeh-protocol-version. Defaults to 1.0
	ProtocolVersion string

	// Arguments are added to the connect query string as is
	Arguments url.Values

	Session Session

	// Dialer defaults to a websocket dialer
	Dialer Dialer

	// Tracer defaults to the global tracer provider's tracer
	Tracer trace.Tracer

	Log *zap.Logger
}
