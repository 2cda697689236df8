package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/metrics"
	"github.com/kidguard/kidguard/internal/queue"
	"github.com/kidguard/kidguard/models"
)

// Submitter stores a content alert together with its queue item.
type Submitter interface {
	Submit(ctx context.Context, a *models.Alert) (models.QueueItem, error)
}

// ContentMessage is the body published by device agents for captured content.
type ContentMessage struct {
	ChildID    string     `json:"child_id"`
	DeviceID   string     `json:"device_id,omitempty"`
	Category   string     `json:"category"`
	SenderName string     `json:"sender_name"`
	Message    string     `json:"message"`
	Content    string     `json:"content"`
	CapturedAt *time.Time `json:"captured_at,omitempty"`
}

// Alert converts m to an unprocessed alert.
func (m ContentMessage) Alert(now time.Time) (*models.Alert, error) {
	m.ChildID = strings.TrimSpace(m.ChildID)
	if m.ChildID == "" {
		return nil, fmt.Errorf("%w: child_id is required", ErrMalformed)
	}
	if strings.TrimSpace(m.Content) == "" && strings.TrimSpace(m.Message) == "" {
		return nil, fmt.Errorf("%w: message or content is required", ErrMalformed)
	}
	if m.Category == "" {
		m.Category = "message"
	}
	a := &models.Alert{
		ChildID:    &m.ChildID,
		Category:   m.Category,
		SenderName: m.SenderName,
		Message:    m.Message,
		Content:    m.Content,
		CreatedAt:  now.UTC(),
	}
	if m.DeviceID != "" {
		a.DeviceID = &m.DeviceID
	}
	if m.CapturedAt != nil && !m.CapturedAt.IsZero() && m.CapturedAt.Before(now) {
		a.CreatedAt = m.CapturedAt.UTC()
	}
	return a, nil
}

// Disposition is what happens to a delivery after handling.
type Disposition int

const (
	Ack Disposition = iota
	Requeue
	Reject
)

// Contents turns content messages into queued alerts.
type Contents struct {
	submitter Submitter
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// NewContents returns a handler submitting to s.
func NewContents(s Submitter, m *metrics.Metrics, log *zap.Logger) *Contents {
	if log == nil {
		log = zap.NewNop()
	}
	return &Contents{submitter: s, metrics: m, log: log, now: time.Now}
}

// Handle stores one message body. Malformed bodies and messages for unknown
// children are rejected, storage failures requeued.
func (c *Contents) Handle(ctx context.Context, body []byte) (Disposition, error) {
	var msg ContentMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.metrics.RecordIngest(sourceAMQP, StatusMalformed)
		return Reject, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	alert, err := msg.Alert(c.now())
	if err != nil {
		c.metrics.RecordIngest(sourceAMQP, StatusMalformed)
		return Reject, err
	}
	item, err := c.submitter.Submit(ctx, alert)
	if errors.Is(err, queue.ErrChildNotFound) {
		c.metrics.RecordIngest(sourceAMQP, StatusUnknownChild)
		return Reject, err
	}
	if err != nil {
		c.metrics.RecordIngest(sourceAMQP, StatusRequeued)
		return Requeue, fmt.Errorf("submitting alert for child %s: %w", msg.ChildID, err)
	}
	c.metrics.RecordIngest(sourceAMQP, StatusOK)
	c.log.Debug("content alert queued",
		zap.Int64("alert_id", alert.ID),
		zap.String("item_id", item.ID),
		zap.String("child_id", msg.ChildID))
	return Ack, nil
}

// Consume handles deliveries until ctx ends or the channel closes.
func (c *Contents) Consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.settle(ctx, d)
		}
	}
}

var errDeliveriesClosed = errors.New("delivery channel closed")

func (c *Contents) settle(ctx context.Context, d amqp.Delivery) {
	disp, err := c.Handle(ctx, d.Body)
	log := c.log.With(zap.String("message_id", d.MessageId), zap.Uint64("delivery_tag", d.DeliveryTag))
	var ackErr error
	switch disp {
	case Ack:
		ackErr = d.Ack(false)
	case Requeue:
		log.Error("content message requeued", zap.Error(err))
		ackErr = d.Nack(false, true)
	case Reject:
		log.Warn("content message rejected", zap.Error(err))
		ackErr = d.Reject(false)
	}
	if ackErr != nil {
		log.Error("settling delivery failed", zap.Error(ackErr))
	}
}

// ContentConsumer owns the AMQP connection feeding Contents.
type ContentConsumer struct {
	cfg     config.AMQPConfig
	handler *Contents
	log     *zap.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewContentConsumer prepares a consumer; Run connects it.
func NewContentConsumer(cfg config.AMQPConfig, handler *Contents, log *zap.Logger) *ContentConsumer {
	if cfg.Queue == "" {
		cfg.Queue = "kidguard.messages"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ContentConsumer{cfg: cfg, handler: handler, log: log.Named("amqp")}
}

func (c *ContentConsumer) connect() (<-chan amqp.Delivery, error) {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting QoS: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", c.cfg.Queue, err)
	}
	if c.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declaring exchange %s: %w", c.cfg.Exchange, err)
		}
		if err := ch.QueueBind(q.Name, q.Name, c.cfg.Exchange, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("binding queue %s: %w", q.Name, err)
		}
	}
	deliveries, err := ch.Consume(q.Name, "kidguard-core", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("registering consumer: %w", err)
	}
	c.conn, c.channel = conn, ch
	return deliveries, nil
}

// Run consumes until ctx ends, reconnecting with backoff when the broker
// drops the connection.
func (c *ContentConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		deliveries, err := c.connect()
		if err != nil {
			c.log.Warn("AMQP connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
		} else {
			backoff = time.Second
			c.log.Info("consuming content messages", zap.String("queue", c.cfg.Queue))
			err = c.handler.Consume(ctx, deliveries)
			c.close()
			if err == nil {
				return nil
			}
			c.log.Warn("AMQP consumer stopped", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

func (c *ContentConsumer) close() {
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
