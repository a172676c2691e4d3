package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	reuseport "github.com/kavu/go_reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/docsync/document"
	"github.com/luma/docsync/protocol"
)

const (
	DefaultPath = "/ws"

	shutdownTimeout = 5 * time.Second
)

// Server serves one shared document to any number of websocket clients.
type Server struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup
	connWaiter sync.WaitGroup

	addr      string
	reuseport bool
	options   Options

	doc        document.Store
	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	metrics    *Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[*ServerConn]struct{}
	closing  bool

	log *zap.Logger
}

func NewServer(options Options) *Server {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	registry := options.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	doc := options.Document
	if doc == nil {
		doc = document.New()
	}

	path := options.Path
	if path == "" {
		path = DefaultPath
	}

	checkOrigin := options.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	s := &Server{
		addr:      net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport: options.Reuseport,
		options:   options,
		doc:       doc,
		router:    newRouter(options.DebugHTTP, log.Named("http")),
		upgrader:  websocket.Upgrader{CheckOrigin: checkOrigin},
		metrics:   NewMetrics(registry),
		conns:     make(map[*ServerConn]struct{}),
		log:       log,
	}

	// Ping test
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	s.router.GET(path, s.serveWebSocket)

	return s
}

// Start listens and serves in the background until Close is called or ctx is done.
func (s *Server) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel

	listener, err := s.listen()
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Subscribe before serving so no patch is missed
	updates := s.doc.ListenToUpdates()

	s.stopWaiter.Add(2)

	go func() {
		defer s.stopWaiter.Done()
		s.broadcastUpdates(ctx, updates)
	}()

	go func() {
		defer s.stopWaiter.Done()

		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Http server errored", zap.Error(err))
		}
	}()

	s.log.Info("Listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("reuseport", s.reuseport))

	return nil
}

// Close stops accepting connections and closes every open one.
func (s *Server) Close() (err error) {
	s.log.Info("Stopping server")

	if s.cancel != nil {
		s.cancel()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.httpServer.SetKeepAlivesEnabled(false)
		if serr := s.httpServer.Shutdown(ctx); serr != nil {
			err = multierr.Append(err, serr)
		}
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err = multierr.Append(err, s.closeConns("server shutting down"))

	s.log.Debug("Waiting for connections")
	s.connWaiter.Wait()
	s.stopWaiter.Wait()
	s.log.Info("Server stopped")

	return err
}

// Addr is the address the server listens on, once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.addr
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Document() document.Store {
	return s.doc
}

// NumConns is the number of open client connections.
func (s *Server) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Broadcast sends update as a PATCH-DOC to every connection except the one that made it.
func (s *Server) Broadcast(update *document.Update) (err error) {
	for _, conn := range s.connections() {
		if conn.ID() == update.Setter {
			continue
		}

		msg, merr := protocol.NewPatchDoc(update.Patch)
		if merr != nil {
			return merr
		}

		if serr := conn.Send(msg); serr != nil {
			err = multierr.Append(err, serr)
			continue
		}

		s.metrics.patchesBroadcast.Inc()
	}

	return err
}

func (s *Server) listen() (net.Listener, error) {
	if s.reuseport {
		return reuseport.Listen("tcp", s.addr)
	}

	return net.Listen("tcp", s.addr)
}

func (s *Server) broadcastUpdates(ctx context.Context, updates <-chan *document.Update) {
	for {
		select {
		case <-ctx.Done():
			return

		case update, ok := <-updates:
			if !ok {
				return
			}

			if err := s.Broadcast(update); err != nil {
				s.log.Warn("Failed to broadcast patch", zap.String("setter", update.Setter), zap.Error(err))
			}
		}
	}
}

func (s *Server) serveWebSocket(c *gin.Context) {
	version := c.Query(protocol.ParamProtocolVersion)

	proto, err := protocol.New(version)
	if err != nil {
		s.log.Warn("Refusing connection", zap.String("version", version), zap.Error(err))
		c.String(http.StatusBadRequest, err.Error())
		return
	}

	sessionID := c.Query(protocol.ParamSessionID)
	if sessionID == "" {
		sessionID = protocol.MakeID()
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered the request
		s.log.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	id := protocol.MakeID()
	log := s.log.Named("conn").With(zap.String("conn", id), zap.String("session", sessionID))

	conn := &ServerConn{
		id:        id,
		sessionID: sessionID,
		ws: NewWebSocket(ws, WebSocketOptions{
			ReadTimeout:    s.options.ReadTimeout,
			WriteTimeout:   s.options.WriteTimeout,
			MaxMessageSize: s.options.MaxMessageSize,
			Log:            log,
		}),
		protocol:    proto,
		receiver:    protocol.NewReceiver(proto),
		doc:         s.doc,
		versionInfo: s.options.VersionInfo,
		metrics:     s.metrics,
		log:         log,
	}

	// Registered only once acknowledged, so no broadcast patch can overtake the ACK
	defer s.removeConn(conn)
	conn.Serve(c.Request.Context(), func() {
		if !s.addConn(conn) {
			_ = conn.Close("server shutting down")
		}
	})
}

func (s *Server) connections() []*ServerConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*ServerConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}

	return conns
}

func (s *Server) closeConns(reason string) (err error) {
	for _, conn := range s.connections() {
		err = multierr.Append(err, conn.Close(reason))
	}

	return err
}

// addConn registers conn, unless the server is already closing.
func (s *Server) addConn(conn *ServerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}

	s.connWaiter.Add(1)
	s.conns[conn] = struct{}{}
	s.metrics.connections.Inc()
	return true
}

func (s *Server) removeConn(conn *ServerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[conn]; !ok {
		return
	}

	delete(s.conns, conn)
	s.metrics.connections.Dec()
	s.connWaiter.Done()
}
