// Package ingest feeds device traffic into the store: MQTT heartbeats advance
// device liveness, AMQP content messages become queued alerts.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/metrics"
	"github.com/kidguard/kidguard/models"
)

// Ingest outcomes, used as the status label on ingest metrics.
const (
	StatusOK            = "ok"
	StatusMalformed     = "malformed"
	StatusUnknownDevice = "unknown_device"
	StatusUnknownChild  = "unknown_child"
	StatusError         = "error"
	StatusRequeued      = "requeued"
)

const (
	sourceMQTT = "mqtt"
	sourceAMQP = "amqp"
)

// ErrMalformed marks payloads that can never be processed.
var ErrMalformed = errors.New("malformed message")

// HeartbeatStore records device check-ins.
type HeartbeatStore interface {
	RecordHeartbeat(ctx context.Context, hb models.Heartbeat) (bool, error)
}

type heartbeatPayload struct {
	BatteryLevel *int       `json:"battery_level"`
	Latitude     *float64   `json:"latitude"`
	Longitude    *float64   `json:"longitude"`
	Timestamp    *time.Time `json:"timestamp"`
}

// Heartbeats turns heartbeat payloads into device updates.
type Heartbeats struct {
	store   HeartbeatStore
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewHeartbeats returns a handler writing to store.
func NewHeartbeats(store HeartbeatStore, m *metrics.Metrics, log *zap.Logger) *Heartbeats {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heartbeats{store: store, metrics: m, log: log, now: time.Now}
}

// DeviceIDFromTopic extracts <id> from kidguard/devices/<id>/heartbeat.
func DeviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "devices" && parts[i+2] == "heartbeat" && parts[i+1] != "" {
			return parts[i+1], true
		}
	}
	return "", false
}

// Parse decodes one heartbeat. Timestamps in the future or missing are
// replaced by now.
func (h *Heartbeats) Parse(topic string, payload []byte) (models.Heartbeat, error) {
	deviceID, ok := DeviceIDFromTopic(topic)
	if !ok {
		return models.Heartbeat{}, fmt.Errorf("%w: topic %q has no device id", ErrMalformed, topic)
	}
	var p heartbeatPayload
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return models.Heartbeat{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if p.BatteryLevel != nil && (*p.BatteryLevel < 0 || *p.BatteryLevel > 100) {
		return models.Heartbeat{}, fmt.Errorf("%w: battery_level %d out of range", ErrMalformed, *p.BatteryLevel)
	}
	now := h.now().UTC()
	ts := now
	if p.Timestamp != nil && !p.Timestamp.IsZero() && !p.Timestamp.After(now) {
		ts = p.Timestamp.UTC()
	}
	return models.Heartbeat{
		DeviceID:     deviceID,
		BatteryLevel: p.BatteryLevel,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		Timestamp:    ts,
	}, nil
}

// Handle processes one message and returns its ingest status.
func (h *Heartbeats) Handle(ctx context.Context, topic string, payload []byte) (string, error) {
	status, err := h.handle(ctx, topic, payload)
	h.metrics.RecordIngest(sourceMQTT, status)
	return status, err
}

func (h *Heartbeats) handle(ctx context.Context, topic string, payload []byte) (string, error) {
	hb, err := h.Parse(topic, payload)
	if err != nil {
		h.log.Warn("dropping heartbeat", zap.String("topic", topic), zap.Error(err))
		return StatusMalformed, err
	}
	known, err := h.store.RecordHeartbeat(ctx, hb)
	if err != nil {
		h.log.Error("recording heartbeat failed", zap.String("device_id", hb.DeviceID), zap.Error(err))
		return StatusError, err
	}
	if !known {
		h.log.Debug("heartbeat from unknown device", zap.String("device_id", hb.DeviceID))
		return StatusUnknownDevice, nil
	}
	return StatusOK, nil
}

// HeartbeatSubscriber consumes heartbeats from an MQTT broker.
type HeartbeatSubscriber struct {
	cfg     config.MQTTConfig
	handler *Heartbeats
	log     *zap.Logger
	client  mqtt.Client
	ctx     context.Context
}

// NewHeartbeatSubscriber prepares a subscriber; Start connects it.
func NewHeartbeatSubscriber(cfg config.MQTTConfig, handler *Heartbeats, log *zap.Logger) *HeartbeatSubscriber {
	if cfg.HeartbeatTopic == "" {
		cfg.HeartbeatTopic = "kidguard/devices/+/heartbeat"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "kidguard-core"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HeartbeatSubscriber{cfg: cfg, handler: handler, log: log.Named("mqtt")}
}

// Start connects to the broker and subscribes. Subscriptions are renewed on
// every reconnect. Message handling stops when ctx ends.
func (s *HeartbeatSubscriber) Start(ctx context.Context) error {
	s.ctx = ctx
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("connection to broker lost", zap.Error(err))
	})

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("connecting to MQTT broker %s: timeout", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker %s: %w", s.cfg.Broker, err)
	}
	return nil
}

func (s *HeartbeatSubscriber) onConnect(c mqtt.Client) {
	token := c.Subscribe(s.cfg.HeartbeatTopic, 1, s.onMessage)
	if !token.WaitTimeout(10 * time.Second) {
		s.log.Error("subscribe timed out", zap.String("topic", s.cfg.HeartbeatTopic))
		return
	}
	if err := token.Error(); err != nil {
		s.log.Error("subscribe failed", zap.String("topic", s.cfg.HeartbeatTopic), zap.Error(err))
		return
	}
	s.log.Info("subscribed to heartbeats", zap.String("topic", s.cfg.HeartbeatTopic))
}

func (s *HeartbeatSubscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	// Errors are logged and counted inside Handle; MQTT has no negative ack.
	_, _ = s.handler.Handle(ctx, msg.Topic(), msg.Payload())
}

// Stop unsubscribes and disconnects.
func (s *HeartbeatSubscriber) Stop() {
	if s.client == nil || !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.cfg.HeartbeatTopic).WaitTimeout(2 * time.Second)
	s.client.Disconnect(250)
}
