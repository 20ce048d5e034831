package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlink-project/statlink/internal/events"
	"github.com/statlink-project/statlink/internal/mockserver"
)

const waitTimeout = 5 * time.Second

func startMock(t *testing.T, opts mockserver.Options) (*mockserver.Server, string, int) {
	t.Helper()
	m := mockserver.New(opts)
	ts := httptest.NewServer(m.Handler())
	t.Cleanup(func() {
		m.DropAll()
		ts.Close()
	})

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return m, host, port
}

func testOptions(host string, port int) Options {
	opts := DefaultOptions()
	opts.Host = host
	opts.Port = port
	opts.Secure = false
	opts.SettleDelay = 10 * time.Millisecond
	opts.SendCooldown = 0
	opts.DequeueTimeout = 50 * time.Millisecond
	opts.Backoff = BackoffConfig{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	opts.ConnectTimeout = 2 * time.Second
	opts.CloseTimeout = 2 * time.Second
	return opts
}

// unusedPort returns a localhost port with nothing listening on it.
func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func eventNames(evs []mockserver.ReceivedEvent) []string {
	names := make([]string, len(evs))
	for i, e := range evs {
		names[i] = e.Name
	}
	return names
}

func TestClientDeliversEventsInOrder(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{})
	c := NewClient(testOptions(host, port), nil)
	defer c.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.SubmitEvent(fmt.Sprintf("e%d", i), map[string]int{"n": i}))
	}

	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 5 }))
	evs := m.Events()
	assert.Equal(t, []string{"e0", "e1", "e2", "e3", "e4"}, eventNames(evs))
	assert.JSONEq(t, `{"n":3}`, string(evs[3].Data))

	assert.Eventually(t, func() bool { return c.Stats().Sent == 5 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 0, c.Stats().ConsecutiveFailures)
}

func TestClientQueueBackpressure(t *testing.T) {
	opts := testOptions("127.0.0.1", unusedPort(t))
	opts.QueueCapacity = 3
	opts.EnqueueTimeout = 20 * time.Millisecond
	c := NewClient(opts, nil)
	defer c.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SubmitEvent("queued", nil))
	}

	start := time.Now()
	err := c.SubmitEvent("overflow", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Less(t, time.Since(start), time.Second, "a full queue must not block the producer")

	st := c.Stats()
	assert.Equal(t, 3, st.QueueLength)
	assert.Equal(t, uint64(1), st.Rejected)
}

func TestClientRejectsOversizedPayload(t *testing.T) {
	opts := testOptions("127.0.0.1", unusedPort(t))
	c := NewClient(opts, nil)
	defer c.Close()

	big := json.RawMessage(`"` + strings.Repeat("a", 3<<20) + `"`)
	err := c.SubmitEvent("updateStats", big)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, 0, c.Stats().QueueLength)

	atLimit := json.RawMessage(`"` + strings.Repeat("a", DefaultMaxPayloadBytes-2) + `"`)
	assert.NoError(t, c.SubmitEvent("updateStats", atLimit))
}

func TestClientRejectsInvalidInput(t *testing.T) {
	c := NewClient(testOptions("127.0.0.1", unusedPort(t)), nil)
	defer c.Close()

	assert.ErrorIs(t, c.SubmitEvent("", nil), ErrEmptyEventName)
	assert.ErrorIs(t, c.SubmitEvent("x", []byte("{not json")), ErrInvalidPayload)
	assert.Error(t, c.SubmitEvent("x", make(chan int)))
}

func TestClientCloseIsIdempotent(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{})
	c := NewClient(testOptions(host, port), nil)

	require.NoError(t, c.SubmitEvent("hello", nil))
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 1 }))

	done := make(chan struct{})
	go func() {
		c.Close()
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.SubmitEvent("late", nil), ErrClosed)
	assert.True(t, m.WaitFor(waitTimeout, func() bool { return m.ConnectionCount() == 0 }))
}

func TestClientCloseWithoutStart(t *testing.T) {
	c := NewClient(testOptions("127.0.0.1", unusedPort(t)), nil)
	c.Close()
	assert.Equal(t, StateClosed, c.State())
}

func TestClientCloseDrainsQueue(t *testing.T) {
	opts := testOptions("127.0.0.1", unusedPort(t))
	c := NewClient(opts, nil)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.SubmitEvent("pending", nil))
	}
	c.Close()

	st := c.Stats()
	assert.Equal(t, 0, st.QueueLength)
	assert.Equal(t, uint64(4), st.Dropped)
}

func TestClientCloseDuringCooldownDropsInFlight(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{})
	opts := testOptions(host, port)
	opts.SendCooldown = 3 * time.Second
	c := NewClient(opts, nil)

	require.NoError(t, c.SubmitEvent("a", nil))
	require.NoError(t, c.SubmitEvent("b", nil))
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 1 }))
	// "b" is popped and waiting out the cooldown.
	require.Eventually(t, func() bool { return c.Stats().QueueLength == 0 }, waitTimeout, 10*time.Millisecond)

	c.Close()

	st := c.Stats()
	assert.Equal(t, "closed", st.State)
	assert.Equal(t, 0, st.QueueLength)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, []string{"a"}, eventNames(m.Events()))
}

func TestClientSessionLostDuringCooldownIsNotSendFailure(t *testing.T) {
	m := mockserver.New(mockserver.Options{})
	ts := httptest.NewServer(m.Handler())
	defer ts.Close()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	bus := events.NewEventBus()
	defer bus.Stop()
	firstFailure := make(chan int, 16)
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		if p, ok := e.Payload.(events.ConnectFailedPayload); ok {
			firstFailure <- p.Failures
		}
		return nil
	}, events.EventConnectFailed)

	opts := testOptions(host, port)
	opts.SendCooldown = 500 * time.Millisecond
	opts.Backoff = BackoffConfig{Base: time.Second, Max: time.Second}
	c := NewClient(opts, bus)
	defer c.Close()

	require.NoError(t, c.SubmitEvent("first", nil))
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 1 }))
	require.NoError(t, c.SubmitEvent("second", nil))
	require.Eventually(t, func() bool { return c.Stats().QueueLength == 0 }, waitTimeout, 5*time.Millisecond)

	// Take the endpoint away while "second" waits for the cooldown.
	m.DropAll()
	ts.Close()

	select {
	case n := <-firstFailure:
		assert.Equal(t, 1, n, "a write to a dead session must not count as a failure")
	case <-time.After(waitTimeout):
		t.Fatal("no connect failure reported")
	}
	assert.Equal(t, 1, c.Stats().QueueLength)
	assert.Equal(t, []string{"first"}, eventNames(m.Events()))
}

func TestClientRateLimitsSends(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{})
	opts := testOptions(host, port)
	opts.SendCooldown = 200 * time.Millisecond
	c := NewClient(opts, nil)
	defer c.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SubmitEvent("tick", i))
	}
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 3 }))

	evs := m.Events()
	for i := 1; i < len(evs); i++ {
		gap := evs[i].At.Sub(evs[i-1].At)
		assert.GreaterOrEqual(t, gap, 150*time.Millisecond, "sends %d and %d too close", i-1, i)
	}
}

func TestClientAnswersPingWhileBacklogged(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{})
	opts := testOptions(host, port)
	opts.SendCooldown = 10 * time.Second
	opts.QueueCapacity = 3
	c := NewClient(opts, nil)
	defer c.Close()

	require.NoError(t, c.SubmitEvent("first", nil))
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 1 }))

	// The next send waits on the cooldown; fill the queue behind it.
	for i := 0; i < 5; i++ {
		c.SubmitEvent("backlog", nil)
	}
	assert.Equal(t, 3, c.Stats().QueueLength)

	require.Equal(t, 1, m.SendPing())
	assert.True(t, m.WaitFor(waitTimeout, func() bool { return m.Pongs() == 1 }), "pong must bypass the queue")

	require.Equal(t, 1, m.SendControlPing([]byte("hb")))
	assert.True(t, m.WaitFor(waitTimeout, func() bool { return m.ControlPongs() == 1 }))

	assert.Len(t, m.Events(), 1)
}

// flakyListener closes the first n accepted connections before they reach
// the HTTP server, so the client sees failed handshakes.
type flakyListener struct {
	net.Listener
	mu        sync.Mutex
	remaining int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		drop := l.remaining > 0
		if drop {
			l.remaining--
		}
		l.mu.Unlock()
		if drop {
			conn.Close()
			continue
		}
		return conn, nil
	}
}

func TestClientRecoversAfterConnectFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := mockserver.New(mockserver.Options{})
	go m.Serve(&flakyListener{Listener: ln, remaining: 3}, nil)
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	bus := events.NewEventBus()
	defer bus.Stop()
	var failures atomic.Int32
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		failures.Add(1)
		return nil
	}, events.EventConnectFailed)

	c := NewClient(testOptions("127.0.0.1", ln.Addr().(*net.TCPAddr).Port), bus)
	defer c.Close()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, c.SubmitEvent(name, nil))
	}

	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 3 }))
	assert.Equal(t, []string{"a", "b", "c"}, eventNames(m.Events()))
	assert.Eventually(t, func() bool { return failures.Load() == 3 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, 0, c.Stats().ConsecutiveFailures)
	assert.Len(t, m.Handshakes(), 1)
}

func TestClientCredentialChangeAppliesOnReconnect(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{})
	opts := testOptions(host, port)
	opts.AccessKey = "old-key"
	opts.PlayerID = "p1"
	c := NewClient(opts, nil)
	defer c.Close()

	require.NoError(t, c.SubmitEvent("first", nil))
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 1 }))

	hs := m.Handshakes()
	require.Len(t, hs, 1)
	assert.Equal(t, "old-key", hs[0].Query.Get("key"))
	assert.Equal(t, "p1", hs[0].Query.Get("playerId"))

	c.SetCredentials("new-key")
	assert.Equal(t, "new-key", c.Credentials().AccessKey)
	m.DropAll()

	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Handshakes()) == 2 }))
	assert.Equal(t, "new-key", m.Handshakes()[1].Query.Get("key"))

	require.NoError(t, c.SubmitEvent("second", nil))
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 2 }))
	assert.Equal(t, "second", m.Events()[1].Name)
}

func TestClientSecretAuthSendsBothCredentials(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{RequiredKey: "s3cret"})
	opts := testOptions(host, port)
	opts.AccessKey = "k"
	opts.SecretKey = "s3cret"
	opts.UseSecretAuth = true

	var serverErrors atomic.Int32
	opts.OnServerError = func(string) { serverErrors.Add(1) }
	c := NewClient(opts, nil)
	defer c.Close()

	require.NoError(t, c.SubmitEvent("hello", nil))
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 1 }))

	q := m.Handshakes()[0].Query
	assert.Equal(t, "k", q.Get("key"))
	assert.Equal(t, "s3cret", q.Get("secretKey"))
	assert.Equal(t, int32(0), serverErrors.Load())
}

func TestClientSurfacesServerErrorWithoutDisconnecting(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{RequiredKey: "expected"})
	opts := testOptions(host, port)
	opts.AccessKey = "wrong"

	messages := make(chan string, 1)
	opts.OnServerError = func(msg string) { messages <- msg }
	c := NewClient(opts, nil)
	defer c.Close()

	require.NoError(t, c.SubmitEvent("hello", nil))

	select {
	case msg := <-messages:
		assert.Equal(t, "invalid credentials", msg)
	case <-time.After(waitTimeout):
		t.Fatal("server error not reported")
	}
	assert.Equal(t, 1, m.ConnectionCount())
}

func TestClientDispatchesServerEvents(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{})
	opts := testOptions(host, port)

	custom := make(chan string, 1)
	opts.OnMessage = func(event string, data json.RawMessage) {
		if event == "custom" {
			custom <- string(data)
		}
	}

	bus := events.NewEventBus()
	defer bus.Stop()
	updated := make(chan struct{}, 1)
	bus.Subscribe("test", func(ctx context.Context, e events.Event) error {
		select {
		case updated <- struct{}{}:
		default:
		}
		return nil
	}, events.EventStatsUpdated)

	c := NewClient(opts, bus)
	defer c.Close()

	require.NoError(t, c.SubmitEvent("updateStats", map[string]string{"playerId": "1"}))

	select {
	case <-updated:
	case <-time.After(waitTimeout):
		t.Fatal("statsUpdated not dispatched")
	}

	require.Equal(t, 1, m.SendText(`42["custom",{"a":1}]`))
	select {
	case data := <-custom:
		assert.JSONEq(t, `{"a":1}`, data)
	case <-time.After(waitTimeout):
		t.Fatal("unknown event not forwarded")
	}
}

func TestClientReconnectsWhenServerCloses(t *testing.T) {
	m, host, port := startMock(t, mockserver.Options{})
	c := NewClient(testOptions(host, port), nil)
	defer c.Close()

	require.NoError(t, c.SubmitEvent("one", nil))
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 1 }))

	m.SendText("41")
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Handshakes()) == 2 }))

	require.NoError(t, c.SubmitEvent("two", nil))
	require.True(t, m.WaitFor(waitTimeout, func() bool { return len(m.Events()) == 2 }))
	assert.GreaterOrEqual(t, c.Stats().Reconnects, uint64(2))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(99).String())
}
