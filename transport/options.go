package transport

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luma/docsync/document"
	"github.com/luma/docsync/protocol"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on. Zero picks a free port, see Server.Addr()
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Path the websocket endpoint is served on. Defaults to /ws
	Path string

	// Document is shared by every connection. Patches from one connection are broadcast to
	// the others.
	Document document.Store

	// VersionInfo is what SERVER-INFO-REQ is answered with
	VersionInfo protocol.VersionInfo

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// CheckOrigin is passed on to the websocket upgrader. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool

	// Registry collects the server's metrics and is served on /metrics. A fresh registry is
	// used when nil.
	Registry *prometheus.Registry

	// DebugHTTP puts gin into debug mode
	DebugHTTP bool

	Log *zap.Logger
}
