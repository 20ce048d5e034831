package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlink-project/statlink/internal/config"
	"github.com/statlink-project/statlink/internal/connector"
	"github.com/statlink-project/statlink/internal/events"
)

type capture struct {
	mu       sync.Mutex
	messages map[string][]map[string]interface{}
}

func (c *capture) publish(topic string, data []byte) error {
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.messages == nil {
		c.messages = make(map[string][]map[string]interface{})
	}
	c.messages[topic] = append(c.messages[topic], msg)
	return nil
}

func (c *capture) on(topic string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages[topic]
}

func newTestHandler(t *testing.T, bus *events.EventBus) (*MQTTHandler, *capture) {
	t.Helper()
	h := newHandler(config.MQTTConfig{TopicPrefix: "test"}, bus)
	c := &capture{}
	h.publishFn = c.publish
	return h, c
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = false

	h, err := NewMQTTHandler(cfg, events.NewEventBus())
	assert.Error(t, err)
	assert.Nil(t, h)
}

func TestMQTTMirrorsStatusAndDelivery(t *testing.T) {
	bus := events.NewEventBus()
	h, c := newTestHandler(t, bus)
	h.subscribeEvents()

	ctx := context.Background()
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventStateChanged,
		Payload: events.StateChangedPayload{From: "connecting", To: "handshaking"},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventDelivered,
		Payload: events.DeliveryPayload{Event: "updateStats", Bytes: 42},
	}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventRejected,
		Payload: events.DeliveryPayload{Event: "updateStats", Reason: "too_large"},
	}))

	status := c.on("test/status")
	require.Len(t, status, 1)
	assert.Equal(t, "state_changed", status[0]["event"])
	assert.Equal(t, h.instanceID, status[0]["instance_id"])
	assert.NotEmpty(t, status[0]["timestamp"])

	delivery := c.on("test/delivery")
	require.Len(t, delivery, 2)
	assert.Equal(t, "delivered", delivery[0]["event"])
	payload := delivery[0]["payload"].(map[string]interface{})
	assert.Equal(t, "updateStats", payload["event"])
	assert.EqualValues(t, 42, payload["bytes"])
	assert.Equal(t, "rejected", delivery[1]["event"])
}

func TestMQTTHeartbeatIncludesStatus(t *testing.T) {
	h, c := newTestHandler(t, events.NewEventBus())
	h.SetStatusSource(func() interface{} {
		return connector.Stats{State: "connected", Sent: 3}
	})

	h.PublishHeartbeat()
	h.PublishShutdown()

	msgs := c.on("test/status")
	require.Len(t, msgs, 2)
	assert.Equal(t, "heartbeat", msgs[0]["event"])
	payload := msgs[0]["payload"].(map[string]interface{})
	assert.Contains(t, payload, "process")
	uplink := payload["uplink"].(map[string]interface{})
	assert.Equal(t, "connected", uplink["state"])
	assert.Equal(t, "shutdown", msgs[1]["event"])
}

func TestTopicDefaultPrefix(t *testing.T) {
	h := newHandler(config.MQTTConfig{}, nil)
	assert.Equal(t, "statlink/delivery", h.topic(TopicDelivery))
}

func TestMetricsCountBusEvents(t *testing.T) {
	bus := events.NewEventBus()
	m := NewMetrics()
	m.Attach(bus)

	ctx := context.Background()
	emit := func(typ events.EventType, payload interface{}) {
		require.NoError(t, bus.EmitSync(ctx, events.Event{Type: typ, Payload: payload}))
	}
	emit(events.EventDelivered, events.DeliveryPayload{Bytes: 10})
	emit(events.EventDelivered, events.DeliveryPayload{Bytes: 5})
	emit(events.EventDropped, events.DeliveryPayload{})
	emit(events.EventRejected, events.DeliveryPayload{Reason: "queue_full"})
	emit(events.EventRejected, events.DeliveryPayload{Reason: "too_large"})
	emit(events.EventRejected, events.DeliveryPayload{Reason: "too_large"})
	emit(events.EventConnectFailed, events.ConnectFailedPayload{Failures: 1})
	emit(events.EventConnected, nil)
	emit(events.EventDisconnected, nil)
	emit(events.EventServerError, events.ServerMessagePayload{Message: "bad"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sent))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.sentBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("queue_full")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rejected.WithLabelValues("too_large")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serverErrors))
}

func TestMetricsHandlerExposesGauges(t *testing.T) {
	m := NewMetrics()
	m.SetSource(func() connector.Stats {
		return connector.Stats{Established: true, QueueLength: 7}
	})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "statlink_connected 1")
	assert.Contains(t, string(body), "statlink_queue_length 7")
}
