package connector

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/statlink-project/statlink/internal/protocol"
)

const readChunkSize = 32 << 10

// sessionHooks are invoked from the receive goroutine.
type sessionHooks struct {
	onNamespace   func()
	onEvent       func(name string, data json.RawMessage)
	onServerError func(message string)
}

// Session is one live transport connection. It is created per connect
// attempt and discarded on any failure; it is never reused.
type Session struct {
	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	established  atomic.Bool
	pingInterval atomic.Int64
	pingTimeout  atomic.Int64

	hooks sessionHooks

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// dialTransport opens the TCP connection, wrapped in TLS when opts.Secure.
func dialTransport(ctx context.Context, opts Options) (net.Conn, error) {
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}

	if !opts.Secure {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &HandshakeError{Stage: "dial", Err: err}
		}
		return conn, nil
	}

	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &HandshakeError{Stage: "tls dial", Err: err}
	}
	return conn, nil
}

func newSession(conn net.Conn, writeTimeout time.Duration, hooks sessionHooks) *Session {
	return &Session{
		conn:         conn,
		writeTimeout: writeTimeout,
		hooks:        hooks,
		done:         make(chan struct{}),
	}
}

// Send writes one text frame. Writes from the sender loop and the receive
// loop's pong replies are serialized by the write mutex.
func (s *Session) Send(text string) error {
	return s.writeFrame(protocol.OpText, []byte(text))
}

func (s *Session) writeFrame(opcode byte, payload []byte) error {
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}

	frame := protocol.EncodeFrame(opcode, payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	if _, err := s.conn.Write(frame); err != nil {
		return err
	}
	return nil
}

// Established reports whether the server acknowledged the namespace connect.
func (s *Session) Established() bool {
	return s.established.Load()
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Err returns the reason the session ended, if any.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears the session down. Closing the socket unblocks a pending read.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = reason
		s.errMu.Unlock()

		s.conn.Close()
		close(s.done)
	})
}

// readLoop owns all reads on the connection until it is torn down.
// initial holds any frame bytes that arrived with the handshake response.
func (s *Session) readLoop(initial []byte) {
	buf := initial
	chunk := make([]byte, readChunkSize)

	for {
		for {
			frame, rest, err := protocol.DecodeFrame(buf)
			buf = rest
			if err != nil {
				var decErr *protocol.FrameDecodeError
				if errors.As(err, &decErr) && decErr.Fatal {
					log.Error().Err(err).Msg("frame stream desynced, dropping connection")
					s.Close(err)
					return
				}
				log.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			if frame == nil {
				break
			}
			if !s.handleFrame(frame) {
				s.Close(nil)
				return
			}
		}
		if len(buf) == 0 {
			buf = nil
		}

		if err := s.conn.SetReadDeadline(s.readDeadline()); err != nil {
			s.Close(err)
			return
		}
		n, err := s.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if n > 0 {
				// Process what arrived alongside the error before tearing down.
				for {
					frame, rest, decErr := protocol.DecodeFrame(buf)
					buf = rest
					if decErr != nil || frame == nil || !s.handleFrame(frame) {
						break
					}
				}
			}
			if s.Closed() {
				return
			}
			log.Info().Err(err).Msg("connection read ended")
			s.Close(fmt.Errorf("read: %w", err))
			return
		}
	}
}

// readDeadline is zero until the server negotiates ping timing; afterwards
// silence longer than interval plus timeout ends the read.
func (s *Session) readDeadline() time.Time {
	window := time.Duration(s.pingInterval.Load() + s.pingTimeout.Load())
	if window <= 0 {
		return time.Time{}
	}
	return time.Now().Add(window)
}

// handleFrame returns false when the connection must be torn down.
func (s *Session) handleFrame(frame *protocol.Frame) bool {
	switch frame.Opcode {
	case protocol.OpText:
		return s.handleMessage(string(frame.Payload))
	case protocol.OpClose:
		log.Info().Msg("server sent close frame")
		return false
	case protocol.OpPing:
		if err := s.writeFrame(protocol.OpPong, frame.Payload); err != nil {
			log.Warn().Err(err).Msg("failed to answer control ping")
			return false
		}
		return true
	default:
		return true
	}
}

func (s *Session) handleMessage(raw string) bool {
	pkt, err := protocol.ParsePacket(raw)
	if err != nil {
		log.Warn().Err(err).Str("raw", truncate(raw, 128)).Msg("ignoring unparseable message")
		return true
	}

	switch pkt.Kind {
	case protocol.KindPing:
		if err := s.Send(protocol.TokenPong); err != nil {
			log.Warn().Err(err).Msg("failed to send pong")
			return false
		}
		log.Trace().Msg("answered server ping")
	case protocol.KindPong:
	case protocol.KindOpen:
		if pkt.Open == nil {
			return true
		}
		s.pingInterval.Store(int64(pkt.Open.PingIntervalDuration()))
		s.pingTimeout.Store(int64(pkt.Open.PingTimeoutDuration()))
		log.Debug().
			Str("sid", pkt.Open.SID).
			Dur("ping_interval", pkt.Open.PingIntervalDuration()).
			Dur("ping_timeout", pkt.Open.PingTimeoutDuration()).
			Msg("transport opened")
	case protocol.KindConnect:
		s.established.Store(true)
		if s.hooks.onNamespace != nil {
			s.hooks.onNamespace()
		}
	case protocol.KindEvent:
		if s.hooks.onEvent != nil {
			s.hooks.onEvent(pkt.Event, pkt.Data)
		}
	case protocol.KindConnectError:
		if s.hooks.onServerError != nil {
			s.hooks.onServerError(pkt.ErrorMessage)
		}
	case protocol.KindDisconnect, protocol.KindClose:
		log.Info().Str("packet", pkt.Kind.String()).Msg("server ended the session")
		return false
	default:
		log.Debug().Str("raw", truncate(raw, 128)).Msg("ignoring unknown message")
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
