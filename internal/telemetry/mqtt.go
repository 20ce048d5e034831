// Package telemetry mirrors uplink activity to an MQTT broker and exposes
// Prometheus metrics for it.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/statlink-project/statlink/internal/config"
	"github.com/statlink-project/statlink/internal/events"
	"github.com/statlink-project/statlink/internal/util"
)

// Topic suffixes appended to the configured prefix.
const (
	TopicStatus   = "status"
	TopicDelivery = "delivery"
)

type publishFunc func(topic string, payload []byte) error

// MQTTHandler publishes connection state and delivery outcomes to MQTT.
type MQTTHandler struct {
	mu sync.Mutex

	cfg       config.MQTTConfig
	eventBus  *events.EventBus
	client    mqtt.Client
	publishFn publishFunc

	instanceID string
	metadata   map[string]interface{}
	status     func() interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg *config.Config, eventBus *events.EventBus) (*MQTTHandler, error) {
	mqttCfg := cfg.MQTT

	if !mqttCfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	handler := newHandler(mqttCfg, eventBus)

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID("statlink-" + handler.instanceID)
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		if mqttCfg.CAFile != "" {
			pem, err := os.ReadFile(mqttCfg.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", mqttCfg.CAFile)
			}
			tlsConfig.RootCAs = pool
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.publishFn = handler.publishMQTT

	return handler, nil
}

func newHandler(cfg config.MQTTConfig, eventBus *events.EventBus) *MQTTHandler {
	sysInfo := util.GetSystemInfo()
	id := uuid.NewString()
	return &MQTTHandler{
		cfg:        cfg,
		eventBus:   eventBus,
		instanceID: id,
		metadata: map[string]interface{}{
			"instance_id": id,
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"cpu_model":   sysInfo.CPUModel,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": util.Version,
		},
	}
}

// SetStatusSource registers a snapshot function included in heartbeats.
func (h *MQTTHandler) SetStatusSource(fn func() interface{}) {
	h.mu.Lock()
	h.status = fn
	h.mu.Unlock()
}

// Start connects to the MQTT broker and mirrors bus events until ctx ends.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.eventBus.Unsubscribe("mqtt")
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe("mqtt", h.onStatus,
		events.EventStateChanged,
		events.EventConnected,
		events.EventDisconnected,
		events.EventConnectGaveUp,
		events.EventServerError,
	)
	h.eventBus.Subscribe("mqtt", h.onDelivery,
		events.EventDelivered,
		events.EventDropped,
		events.EventRejected,
	)
}

func (h *MQTTHandler) topic(suffix string) string {
	prefix := h.cfg.TopicPrefix
	if prefix == "" {
		prefix = "statlink"
	}
	return prefix + "/" + suffix
}

// publish marshals the message and hands it to the publish function.
func (h *MQTTHandler) publish(topic string, event string, payload interface{}) {
	if h.publishFn == nil {
		return
	}

	data, err := json.Marshal(h.buildMessage(event, payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	if err := h.publishFn(topic, data); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("MQTT publish failed")
	}
}

func (h *MQTTHandler) publishMQTT(topic string, data []byte) error {
	if !h.client.IsConnected() {
		return nil
	}
	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
	return nil
}

func (h *MQTTHandler) buildMessage(event string, payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+3)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["event"] = event
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) onStatus(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicStatus), string(event.Type), event.Payload)
	return nil
}

func (h *MQTTHandler) onDelivery(ctx context.Context, event events.Event) error {
	h.publish(h.topic(TopicDelivery), string(event.Type), event.Payload)
	return nil
}

// PublishHeartbeat sends process resource usage and, when registered, the
// uplink status snapshot.
func (h *MQTTHandler) PublishHeartbeat() {
	h.mu.Lock()
	statusFn := h.status
	h.mu.Unlock()

	payload := map[string]interface{}{
		"process": util.GetProcessStats(),
	}
	if statusFn != nil {
		payload["uplink"] = statusFn()
	}
	h.publish(h.topic(TopicStatus), "heartbeat", payload)
}

// PublishShutdown sends a shutdown message to the MQTT broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicStatus), "shutdown", nil)
}
