// Package mockserver is a socket.io-style endpoint speaking the subset of the
// protocol the uplink uses. It backs the `statlink mock` command and the
// connector tests.
package mockserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/statlink-project/statlink/internal/protocol"
)

// Options configures the mock endpoint.
type Options struct {
	// PingInterval and PingTimeout are advertised in the open packet.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// RequiredKey, when set, makes the server answer the namespace connect
	// with a "44" error unless the handshake carried this key or secret.
	RequiredKey string
}

// ReceivedEvent is one "42" event the server read from a client.
type ReceivedEvent struct {
	SessionID string          `json:"session_id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

// Handshake records the query parameters a client connected with.
type Handshake struct {
	SessionID string
	Query     url.Values
	At        time.Time
}

type wsConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeText(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) writeControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(time.Second))
}

// Server is the mock endpoint. It implements http.Handler.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu           sync.Mutex
	conns        map[string]*wsConn
	events       []ReceivedEvent
	handshakes   []Handshake
	pongs        int
	controlPongs int
	notify       chan struct{}

	httpServer *http.Server
}

// New creates a mock endpoint.
func New(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 20 * time.Second
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:  make(map[string]*wsConn),
		notify: make(chan struct{}),
	}
}

// Handler returns a mux serving the endpoint under /socket.io/.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s)
	return mux
}

// ListenAndServe serves on addr until Shutdown. tlsConfig may be nil.
func (s *Server) ListenAndServe(addr string, tlsConfig *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln, tlsConfig)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener, tlsConfig *tls.Config) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	log.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsConfig != nil).Msg("mock endpoint listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and closes every client connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.DropAll()
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ServeHTTP upgrades the request and runs the session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("transport") != "websocket" {
		http.Error(w, "websocket transport required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("mock upgrade failed")
		return
	}

	c := &wsConn{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.conns[c.id] = c
	s.handshakes = append(s.handshakes, Handshake{SessionID: c.id, Query: query, At: time.Now()})
	s.signalLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.signalLocked()
		s.mu.Unlock()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.controlPongs++
		s.signalLocked()
		s.mu.Unlock()
		return nil
	})

	open, err := protocol.BuildOpen(protocol.OpenInfo{
		SID:          c.id,
		Upgrades:     []string{},
		PingInterval: int(s.opts.PingInterval.Milliseconds()),
		PingTimeout:  int(s.opts.PingTimeout.Milliseconds()),
		MaxPayload:   protocol.MaxFrameSize,
	})
	if err == nil {
		if err := c.writeText(open); err != nil {
			return
		}
	}

	log.Debug().Str("sid", c.id).Msg("mock session opened")
	s.readLoop(c, query)
}

func (s *Server) readLoop(c *wsConn, query url.Values) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("sid", c.id).Msg("mock session closed")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !s.handleMessage(c, query, string(data)) {
			return
		}
	}
}

func (s *Server) handleMessage(c *wsConn, query url.Values, raw string) bool {
	pkt, err := protocol.ParsePacket(raw)
	if err != nil {
		log.Warn().Err(err).Str("raw", raw).Msg("mock received malformed packet")
		return true
	}

	switch pkt.Kind {
	case protocol.KindPong:
		s.mu.Lock()
		s.pongs++
		s.signalLocked()
		s.mu.Unlock()
	case protocol.KindPing:
		c.writeText(protocol.TokenPong)
	case protocol.KindConnect:
		if !s.authorized(query) {
			c.writeText(protocol.BuildConnectError("invalid credentials"))
			return true
		}
		c.writeText(fmt.Sprintf(`40{"sid":%q}`, c.id))
		if hello, err := protocol.BuildEvent("connected", json.RawMessage(fmt.Sprintf(`{"sid":%q}`, c.id))); err == nil {
			c.writeText(hello)
		}
	case protocol.KindEvent:
		s.mu.Lock()
		s.events = append(s.events, ReceivedEvent{SessionID: c.id, Name: pkt.Event, Data: pkt.Data, At: time.Now()})
		s.signalLocked()
		s.mu.Unlock()
		log.Info().Str("sid", c.id).Str("event", pkt.Event).Int("bytes", len(pkt.Data)).Msg("mock received event")
		s.reply(c, pkt)
	case protocol.KindDisconnect, protocol.KindClose:
		return false
	}
	return true
}

func (s *Server) reply(c *wsConn, pkt protocol.Packet) {
	var name string
	var data json.RawMessage
	switch pkt.Event {
	case "ping":
		name = "pong"
	case "updateStats":
		if len(pkt.Data) == 0 || string(pkt.Data) == "null" {
			name, data = "updateError", json.RawMessage(`{"message":"empty payload"}`)
		} else {
			name, data = "statsUpdated", json.RawMessage(`{"ok":true}`)
		}
	default:
		return
	}
	if text, err := protocol.BuildEvent(name, data); err == nil {
		c.writeText(text)
	}
}

func (s *Server) authorized(query url.Values) bool {
	if s.opts.RequiredKey == "" {
		return true
	}
	return query.Get("key") == s.opts.RequiredKey || query.Get("secretKey") == s.opts.RequiredKey
}

// SendPing writes the "2" ping token to every connected client and returns
// how many clients it reached.
func (s *Server) SendPing() int {
	return s.broadcast(func(c *wsConn) error { return c.writeText(protocol.TokenPing) })
}

// SendControlPing writes a websocket ping frame to every connected client.
func (s *Server) SendControlPing(payload []byte) int {
	return s.broadcast(func(c *wsConn) error { return c.writeControl(websocket.PingMessage, payload) })
}

// SendText writes a raw text message to every connected client.
func (s *Server) SendText(text string) int {
	return s.broadcast(func(c *wsConn) error { return c.writeText(text) })
}

// DropAll closes every client connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

func (s *Server) broadcast(fn func(c *wsConn) error) int {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	n := 0
	for _, c := range conns {
		if err := fn(c); err == nil {
			n++
		}
	}
	return n
}

// Events returns a copy of every event received so far.
func (s *Server) Events() []ReceivedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReceivedEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Handshakes returns a copy of every handshake seen so far.
func (s *Server) Handshakes() []Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handshake, len(s.handshakes))
	copy(out, s.handshakes)
	return out
}

// Pongs returns how many "3" tokens clients sent.
func (s *Server) Pongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs
}

// ControlPongs returns how many websocket pong frames clients sent.
func (s *Server) ControlPongs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlPongs
}

// ConnectionCount returns the number of live client connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WaitFor blocks until cond holds or timeout elapses. cond is evaluated with
// the server lock released.
func (s *Server) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		ch := s.notify
		s.mu.Unlock()

		if cond() {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return cond()
		}
	}
}

func (s *Server) signalLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}
