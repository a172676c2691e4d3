package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultHandshakeTimeout = 10 * time.Second

type DialOptions struct {
	// Header is sent with the upgrade request
	Header http.Header

	HandshakeTimeout time.Duration

	WebSocketOptions
}

// Dial opens a websocket to rawURL. query is added to any query the URL already carries.
func Dial(ctx context.Context, rawURL string, query url.Values, options DialOptions) (*WebSocket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("Invalid url %q: %w", rawURL, err)
	}

	q := u.Query()
	for key, values := range query {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	u.RawQuery = q.Encode()

	handshakeTimeout := options.HandshakeTimeout
	if handshakeTimeout == 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	log.Debug("Dialing", zap.String("url", u.Redacted()))

	conn, resp, err := dialer.DialContext(ctx, u.String(), options.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("Failed to connect to %s (%s): %w", u.Redacted(), resp.Status, err)
		}

		return nil, fmt.Errorf("Failed to connect to %s: %w", u.Redacted(), err)
	}

	return NewWebSocket(conn, options.WebSocketOptions), nil
}
