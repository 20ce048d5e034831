package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/statlink-project/statlink/internal/events"
	"github.com/statlink-project/statlink/internal/protocol"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateClosed
)

var stateStrings = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateHandshaking:  "handshaking",
	StateConnected:    "connected",
	StateClosed:       "closed",
}

// String returns the string representation of State.
func (s State) String() string {
	if v, ok := stateStrings[s]; ok {
		return v
	}
	return "unknown"
}

// Credentials is a point-in-time copy of the client's auth parameters.
type Credentials struct {
	AccessKey     string `json:"-"`
	SecretKey     string `json:"-"`
	UseSecretAuth bool   `json:"use_secret_auth"`
	PlayerID      string `json:"player_id"`
}

// HasAccessKey reports whether an access key is set.
func (c Credentials) HasAccessKey() bool { return c.AccessKey != "" }

// Stats is a snapshot of client counters.
type Stats struct {
	State               string    `json:"state"`
	Established         bool      `json:"established"`
	QueueLength         int       `json:"queue_length"`
	QueueCapacity       int       `json:"queue_capacity"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Sent                uint64    `json:"sent"`
	Dropped             uint64    `json:"dropped"`
	Rejected            uint64    `json:"rejected"`
	Reconnects          uint64    `json:"reconnects"`
	LastError           string    `json:"last_error,omitempty"`
	LastSentAt          time.Time `json:"last_sent_at,omitempty"`
}

type outboundItem struct {
	event   string
	payload json.RawMessage
}

// Client keeps one authenticated session to the endpoint alive and delivers
// submitted events in order from a single sender goroutine. Producers only
// touch the bounded queue and the credentials; they never do socket I/O.
type Client struct {
	opts     Options
	eventBus *events.EventBus

	queue   *Queue[outboundItem]
	backoff *Backoff
	limiter *rate.Limiter

	// credMu is independent of the queue lock and of mu.
	credMu    sync.RWMutex
	accessKey string
	playerID  string

	mu      sync.Mutex
	started bool
	closed  bool
	session *Session

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state atomic.Int32

	sent       atomic.Uint64
	dropped    atomic.Uint64
	rejected   atomic.Uint64
	reconnects atomic.Uint64
	lastErr    atomic.Value
	lastSentAt atomic.Int64
}

// NewClient creates a client. No connection is made until the first event
// is submitted. bus may be nil.
func NewClient(opts Options, bus *events.EventBus) *Client {
	opts = opts.withDefaults()

	limit := rate.Inf
	if opts.SendCooldown > 0 {
		limit = rate.Every(opts.SendCooldown)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:      opts,
		eventBus:  bus,
		queue:     NewQueue[outboundItem](opts.QueueCapacity),
		backoff:   NewBackoff(opts.Backoff),
		limiter:   rate.NewLimiter(limit, 1),
		accessKey: opts.AccessKey,
		playerID:  opts.PlayerID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// SetCredentials replaces the access key. It takes effect on the next
// connection attempt and the next payload built from Credentials.
func (c *Client) SetCredentials(accessKey string) {
	c.credMu.Lock()
	changed := c.accessKey != accessKey
	c.accessKey = accessKey
	c.credMu.Unlock()

	if changed {
		log.Info().Bool("has_key", accessKey != "").Msg("access key updated")
		c.emit(events.EventCredentialsChanged, nil)
	}
}

// SetPlayerID replaces the player id sent in the handshake.
func (c *Client) SetPlayerID(playerID string) {
	c.credMu.Lock()
	changed := c.playerID != playerID
	c.playerID = playerID
	c.credMu.Unlock()

	if changed {
		log.Info().Str("player_id", playerID).Msg("player id updated")
		c.emit(events.EventCredentialsChanged, nil)
	}
}

// Credentials returns the current credentials.
func (c *Client) Credentials() Credentials {
	c.credMu.RLock()
	defer c.credMu.RUnlock()
	return Credentials{
		AccessKey:     c.accessKey,
		SecretKey:     c.opts.SecretKey,
		UseSecretAuth: c.opts.UseSecretAuth,
		PlayerID:      c.playerID,
	}
}

// SubmitEvent queues an event for delivery.
//
// payload may be json.RawMessage or []byte holding JSON, or any value that
// encoding/json can marshal; nil sends the event without data. Oversized
// payloads and a queue that stays full past the enqueue timeout are rejected
// synchronously. Delivery itself is asynchronous and best-effort.
func (c *Client) SubmitEvent(name string, payload interface{}) error {
	if name == "" {
		return ErrEmptyEventName
	}

	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if len(data) > c.opts.MaxPayloadBytes {
		c.rejected.Add(1)
		log.Warn().
			Str("event", name).
			Int("bytes", len(data)).
			Int("limit", c.opts.MaxPayloadBytes).
			Msg("payload rejected: too large")
		c.emit(events.EventRejected, events.DeliveryPayload{Event: name, Bytes: len(data), Reason: "too_large", At: time.Now()})
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, len(data), c.opts.MaxPayloadBytes)
	}

	if err := c.start(); err != nil {
		return err
	}

	if err := c.queue.Push(c.ctx, outboundItem{event: name, payload: data}, c.opts.EnqueueTimeout); err != nil {
		if errors.Is(err, ErrQueueFull) {
			c.rejected.Add(1)
			log.Warn().Str("event", name).Int("capacity", c.queue.Cap()).Msg("payload rejected: queue full")
			c.emit(events.EventRejected, events.DeliveryPayload{Event: name, Bytes: len(data), Reason: "queue_full", At: time.Now()})
			return ErrQueueFull
		}
		return ErrClosed
	}
	return nil
}

// Close stops the sender loop, closes the live session, discards the queue
// when DrainOnClose is set and waits up to CloseTimeout for the worker.
// It is idempotent and safe to call from any goroutine.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	sess := c.session
	c.mu.Unlock()

	c.cancel()
	if sess != nil {
		sess.Close(ErrClosed)
	}

	c.drainOnClose()

	if started {
		timer := time.NewTimer(c.opts.CloseTimeout)
		defer timer.Stop()
		select {
		case <-c.done:
		case <-timer.C:
			log.Warn().Dur("timeout", c.opts.CloseTimeout).Msg("sender loop did not stop in time, leaking it")
		}
		// Catch anything pushed back while the sender was stopping.
		c.drainOnClose()
	}

	c.setState(StateClosed)
	c.emit(events.EventShutdown, nil)
	log.Info().Msg("client closed")
}

func (c *Client) drainOnClose() {
	if !c.opts.DrainOnClose {
		return
	}
	if n := c.queue.Drain(); n > 0 {
		c.dropped.Add(uint64(n))
		log.Info().Int("count", n).Msg("discarded queued events on close")
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connected reports whether a session is open.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	st := Stats{
		State:               c.State().String(),
		QueueLength:         c.queue.Len(),
		QueueCapacity:       c.queue.Cap(),
		ConsecutiveFailures: c.backoff.Failures(),
		Sent:                c.sent.Load(),
		Dropped:             c.dropped.Load(),
		Rejected:            c.rejected.Load(),
		Reconnects:          c.reconnects.Load(),
	}
	if v, ok := c.lastErr.Load().(string); ok {
		st.LastError = v
	}
	if ts := c.lastSentAt.Load(); ts > 0 {
		st.LastSentAt = time.Unix(0, ts)
	}
	c.mu.Lock()
	if c.session != nil {
		st.Established = c.session.Established()
	}
	c.mu.Unlock()
	return st
}

func (c *Client) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.started {
		c.started = true
		go c.run()
	}
	return nil
}

// run is the sender loop. It owns the session for its whole lifetime.
func (c *Client) run() {
	defer close(c.done)
	defer c.dropSession()

	log.Debug().Msg("sender loop started")

	for {
		if c.ctx.Err() != nil {
			return
		}

		sess := c.currentSession()
		if sess == nil || sess.Closed() {
			if sess != nil {
				c.handleSessionLost(sess)
			}
			if !c.reconnect() {
				return
			}
			continue
		}

		item, ok, err := c.queue.Pop(c.ctx, c.opts.DequeueTimeout)
		if err != nil {
			return
		}
		if !ok {
			continue
		}

		if err := c.limiter.Wait(c.ctx); err != nil {
			c.requeue(item)
			return
		}

		// The session may have died while the item was popped or cooling
		// down. That is not a send failure.
		if sess.Closed() {
			c.requeue(item)
			continue
		}

		if err := c.send(sess, item); err != nil {
			c.recordError(err)
			log.Warn().Err(err).Msg("send failed, reconnecting")
			c.requeue(item)
			c.backoff.Fail()
			sess.Close(err)
			continue
		}

		c.backoff.Reset()
	}
}

// reconnect makes one connect attempt and sleeps the backoff delay on
// failure. It returns false when the client is shutting down.
func (c *Client) reconnect() bool {
	err := c.connect()
	if err == nil {
		c.backoff.Reset()
		return true
	}
	if c.ctx.Err() != nil {
		return false
	}

	c.recordError(err)
	delay := c.backoff.Fail()
	failures := c.backoff.Failures()

	log.Warn().
		Err(err).
		Int("failures", failures).
		Dur("retry_in", delay).
		Msg("connect attempt failed")
	c.emit(events.EventConnectFailed, events.ConnectFailedPayload{Failures: failures, Delay: delay, Error: err.Error()})

	if failures%c.opts.MaxConnectAttempts == 0 {
		log.Warn().
			Int("failures", failures).
			Msg("giving up this batch of connect attempts, continuing at capped backoff")
		c.emit(events.EventConnectGaveUp, events.ConnectFailedPayload{Failures: failures, Delay: delay, Error: err.Error()})
	}

	return sleepCtx(c.ctx, delay)
}

func (c *Client) connect() error {
	c.setState(StateConnecting)

	conn, err := dialTransport(c.ctx, c.opts)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateHandshaking)

	creds := c.Credentials()
	q := handshakeQuery{AccessKey: creds.AccessKey, PlayerID: creds.PlayerID}
	if creds.UseSecretAuth {
		q.SecretKey = creds.SecretKey
	}

	initial, err := performHandshake(conn, c.opts.Host, c.opts.Port, q, c.opts.ConnectTimeout)
	if err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	sess := newSession(conn, c.opts.WriteTimeout, sessionHooks{
		onNamespace:   c.handleNamespace,
		onEvent:       c.handleServerEvent,
		onServerError: c.handleServerError,
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Close(ErrClosed)
		return ErrClosed
	}
	c.session = sess
	c.mu.Unlock()

	go sess.readLoop(initial)

	if !sleepCtx(c.ctx, c.opts.SettleDelay) {
		return c.ctx.Err()
	}
	if err := sess.Send(protocol.TokenConnect); err != nil {
		sess.Close(err)
		c.setState(StateDisconnected)
		return &HandshakeError{Stage: "namespace connect", Err: err}
	}

	c.reconnects.Add(1)
	c.setState(StateConnected)
	log.Info().
		Str("host", c.opts.Host).
		Int("port", c.opts.Port).
		Bool("secure", c.opts.Secure).
		Msg("connected to endpoint")
	c.emit(events.EventConnected, nil)
	return nil
}

func (c *Client) send(sess *Session, item outboundItem) error {
	text, err := protocol.BuildEvent(item.event, item.payload)
	if err != nil {
		// Payloads are validated on submit, so this is not a transport fault.
		c.dropped.Add(1)
		log.Error().Err(err).Str("event", item.event).Msg("dropping unencodable event")
		return nil
	}

	if err := sess.Send(text); err != nil {
		return &SendError{Event: item.event, Err: err}
	}

	c.sent.Add(1)
	c.lastSentAt.Store(time.Now().UnixNano())
	log.Debug().Str("event", item.event).Int("bytes", len(item.payload)).Msg("event sent")
	c.emit(events.EventDelivered, events.DeliveryPayload{Event: item.event, Bytes: len(item.payload), At: time.Now()})
	return nil
}

// requeue puts a failed item back at the head so it goes out before newer
// ones. When the queue filled up in the meantime the item is dropped.
// During Close with DrainOnClose the item is dropped instead.
func (c *Client) requeue(item outboundItem) {
	if c.ctx.Err() != nil && c.opts.DrainOnClose {
		c.dropped.Add(1)
		log.Debug().Str("event", item.event).Msg("discarded in-flight event on close")
		c.emit(events.EventDropped, events.DeliveryPayload{Event: item.event, Bytes: len(item.payload), Reason: "closed", At: time.Now()})
		return
	}
	if c.queue.PushFront(item) {
		return
	}
	c.dropped.Add(1)
	log.Warn().Str("event", item.event).Msg("queue full on requeue, event dropped")
	c.emit(events.EventDropped, events.DeliveryPayload{Event: item.event, Bytes: len(item.payload), Reason: "requeue_full", At: time.Now()})
}

func (c *Client) handleSessionLost(sess *Session) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()

	reason := "closed"
	if err := sess.Err(); err != nil {
		reason = err.Error()
		c.recordError(err)
	}
	c.setState(StateDisconnected)
	log.Warn().Str("reason", reason).Msg("session lost")
	c.emit(events.EventDisconnected, events.ServerMessagePayload{Message: reason})
}

func (c *Client) handleNamespace() {
	log.Debug().Msg("namespace connect acknowledged")
	c.emit(events.EventNamespaceReady, nil)
}

func (c *Client) handleServerEvent(name string, data json.RawMessage) {
	payload := events.ServerMessagePayload{Event: name, Data: string(data)}

	switch name {
	case "connected":
		log.Info().RawJSON("data", rawOrNull(data)).Msg("server greeted client")
		c.emit(events.EventServerHello, payload)
	case "statsUpdated":
		log.Debug().RawJSON("data", rawOrNull(data)).Msg("server confirmed stats update")
		c.emit(events.EventStatsUpdated, payload)
	case "updateError":
		log.Warn().RawJSON("data", rawOrNull(data)).Msg("server rejected stats update")
		c.emit(events.EventUpdateError, payload)
	case "pong":
		log.Trace().Msg("server pong")
		c.emit(events.EventServerPong, payload)
	default:
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(name, data)
		}
	}
}

func (c *Client) handleServerError(message string) {
	log.Warn().Str("message", message).Msg("server reported an error")
	c.emit(events.EventServerError, events.ServerMessagePayload{Message: message})
	if c.opts.OnServerError != nil {
		c.opts.OnServerError(message)
	}
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) dropSession() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	if sess != nil {
		sess.Close(ErrClosed)
	}
	c.setState(StateDisconnected)
	log.Debug().Msg("sender loop stopped")
}

// setState records a transition. Closed is terminal.
func (c *Client) setState(to State) {
	for {
		from := State(c.state.Load())
		if from == to || from == StateClosed {
			return
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			c.emit(events.EventStateChanged, events.StateChangedPayload{From: from.String(), To: to.String()})
			return
		}
	}
}

func (c *Client) recordError(err error) {
	c.lastErr.Store(err.Error())
}

func (c *Client) emit(t events.EventType, payload interface{}) {
	c.eventBus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "connector",
		Payload: payload,
	})
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return p, nil
	case []byte:
		if len(p) > 0 && !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return data, nil
	}
}

func rawOrNull(data json.RawMessage) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
