// Package ws serves the browser websocket endpoint. Each connection reads
// JSON commands and receives account events queued through Deliver.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/config"
	"github.com/cory-johannsen/worldlink/internal/dispatch"
	"github.com/cory-johannsen/worldlink/internal/event"
	"github.com/cory-johannsen/worldlink/internal/fanout"
	"github.com/cory-johannsen/worldlink/internal/observability"
)

var (
	// ErrUnknownConn is returned by Deliver for a connection that is gone.
	ErrUnknownConn = errors.New("ws: unknown connection")
	// ErrSlowConsumer is returned by Deliver when a connection's send queue
	// is full; the connection is closed.
	ErrSlowConsumer = errors.New("ws: send queue full")
)

// Handler receives connection lifecycle and commands. dispatch.Service
// implements it.
type Handler interface {
	ConnectionOpened(connID string)
	ConnectionClosed(connID string)
	Handle(ctx context.Context, connID string, cmd dispatch.Command)
}

var _ fanout.Deliverer = (*Acceptor)(nil)

// Acceptor upgrades HTTP requests on the configured path to websockets and
// tracks the live connections.
type Acceptor struct {
	cfg      config.WebConfig
	handler  Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]*Conn
	listener net.Listener
	srv      *http.Server
	running  bool
	wg       sync.WaitGroup
	quit     chan struct{}
}

// NewAcceptor creates a websocket acceptor.
//
// Precondition: cfg must be valid; handler and logger must be non-nil.
// SetHandler may be used instead when the handler is built later.
func NewAcceptor(cfg config.WebConfig, handler Handler, logger *zap.Logger) *Acceptor {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	a := &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger.Named("ws"),
		conns:   make(map[string]*Conn),
		quit:    make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

// SetHandler binds the command handler. The dispatcher delivers through
// the acceptor, so the two are wired in two steps.
func (a *Acceptor) SetHandler(h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Handler returns the HTTP handler serving the websocket path and /healthz.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.serveWS)
	mux.HandleFunc("/healthz", a.serveHealth)
	return mux
}

// Start listens on cfg.Addr() and serves until Stop. It implements
// server.Service.
func (a *Acceptor) Start(ctx context.Context) error {
	start := time.Now()
	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	a.mu.Lock()
	a.listener = listener
	a.srv = srv
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Stop closes the listener, sends a going-away close to every connection,
// and waits for their handlers to finish or ctx to end.
//
// Postcondition: no new connections are accepted.
func (a *Acceptor) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.quit)
	srv := a.srv
	conns := make([]*Conn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.logger.Info("websocket acceptor stopped")
	return err
}

// Addr returns the actual listening address, or "" if not listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// Count returns the number of open connections.
func (a *Acceptor) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// Deliver queues payload for connID. It never blocks: a full queue closes
// the connection and returns ErrSlowConsumer.
func (a *Acceptor) Deliver(connID string, payload []byte) error {
	a.mu.Lock()
	c, ok := a.conns[connID]
	a.mu.Unlock()
	if !ok {
		return ErrUnknownConn
	}
	if !c.enqueue(payload) {
		c.Close(websocket.ClosePolicyViolation, "too slow")
		return ErrSlowConsumer
	}
	return nil
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, allowed := range a.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (a *Acceptor) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connections": a.Count()})
}

func (a *Acceptor) register(c *Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.quit:
		return false
	default:
	}
	a.conns[c.id] = c
	a.wg.Add(1)
	return true
}

func (a *Acceptor) unregister(c *Conn) {
	a.mu.Lock()
	delete(a.conns, c.id)
	a.mu.Unlock()
	a.wg.Done()
}

func (a *Acceptor) currentHandler() Handler {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler
}

func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	c := newConn(uuid.NewString(), r.RemoteAddr, raw, a.cfg.SendBuffer, a.cfg.WriteTimeout, a.cfg.PingInterval)
	if !a.register(c) {
		_ = raw.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = raw.Close()
		return
	}
	defer a.unregister(c)
	a.handleConn(c)
}

// handleConn runs the read loop for c until the peer goes away, a read
// fails, or the connection is closed locally.
func (a *Acceptor) handleConn(c *Conn) {
	start := time.Now()
	handler := a.currentHandler()
	log := a.logger.With(observability.Conn(c.id), zap.String("remote_addr", c.remote))
	log.Info("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		c.writeLoop()
		close(writerDone)
	}()
	handler.ConnectionOpened(c.id)
	defer func() {
		handler.ConnectionClosed(c.id)
		c.Close(websocket.CloseNormalClosure, "")
		<-writerDone
		log.Info("client disconnected", zap.Duration("duration", time.Since(start)))
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	extend := func() { _ = c.ws.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout)) }
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		extend()
		if kind != websocket.TextMessage {
			continue
		}
		var cmd dispatch.Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			a.malformed(c, err)
			continue
		}
		handler.Handle(ctx, c.id, cmd)
	}
}

func (a *Acceptor) malformed(c *Conn, err error) {
	ev := event.New(event.Error, uuid.Nil, event.ErrorData{Kind: "invalid_input", Message: "malformed command: " + err.Error()})
	payload, mErr := json.Marshal(ev)
	if mErr != nil {
		return
	}
	_ = a.Deliver(c.id, payload)
}
