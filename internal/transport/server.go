// Package transport serves the relay over HTTP: the websocket endpoint for
// clients plus health and metrics routes for operators.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/relay/internal/envelope"
	"github.com/matheus3301/relay/internal/registry"
)

// Session handles the frames of one connection.
type Session interface {
	Handle(ctx context.Context, raw []byte) error
	Close()
}

// Opener starts a session for an accepted connection.
type Opener func(conn registry.Conn) Session

// Options tunes the websocket side.
type Options struct {
	Addr         string
	WriteTimeout time.Duration
	ReadLimit    int64
	PingInterval time.Duration
	// SendBuffer is the number of outbound frames queued per connection
	// before it is dropped as too slow.
	SendBuffer int
}

// Server owns the HTTP listener and every websocket accepted through it.
type Server struct {
	opts     Options
	open     Opener
	checks   map[string]Pinger
	logger   *zap.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	mu    sync.Mutex
	conns map[*wsConn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server. checks feed /readyz.
func NewServer(opts Options, open Opener, checks map[string]Pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	s := &Server{
		opts:   opts,
		open:   open,
		checks: checks,
		logger: logger.Named("transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// No authentication, so no origin policy either.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background. Health reports
// success from this point on.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting, closes every websocket and waits for their reader
// loops to finish tearing down sessions.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newWSConn(ws, s.opts.WriteTimeout, s.opts.SendBuffer)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.logger.Debug("client connected", zap.String("conn", conn.ID()), zap.String("remote_addr", r.RemoteAddr))
	s.serve(conn)
}

func (s *Server) serve(conn *wsConn) {
	session := s.open(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		session.Close()
		_ = conn.Close()
	}()

	pongWait := 2 * s.opts.PingInterval
	ws := conn.ws
	if s.opts.ReadLimit > 0 {
		ws.SetReadLimit(s.opts.ReadLimit)
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.keepalive(ctx, conn)

	log := s.logger.With(zap.String("conn", conn.ID()))
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if err := session.Handle(ctx, data); err != nil {
			if errors.Is(err, envelope.ErrMalformed) {
				log.Debug("dropped malformed frame", zap.Error(err))
			} else {
				log.Warn("frame failed", zap.Error(err))
			}
		}
	}
}

func (s *Server) keepalive(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
