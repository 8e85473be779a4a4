package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/connect"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
)

const (
	// ExchangeKind of the domain exchange
	ExchangeKind = "direct"

	// ConsumerTag identifies this service's consumer on the queue
	ConsumerTag = "transcoder"

	heartbeat = 10 * time.Second
)

// Queue owns the broker connection. Deliveries are consumed on one
// channel; ReadyEvents are published on a second channel in confirm mode.
type Queue struct {
	conn      *amqp.Connection
	consumeCh *amqp.Channel
	publishCh *amqp.Channel
	cfg       config.AMQPConfig
	logger    *logging.Logger
}

// New connects to the broker, retrying the handshake until maxWait, then
// declares the exchange, the durable queue and its binding
func New(ctx context.Context, cfg config.AMQPConfig, connector *connect.Connector, maxWait time.Duration, logger *logging.Logger) (*Queue, error) {
	var conn *amqp.Connection
	err := connector.Retry(ctx, "amqp", maxWait, func(ctx context.Context) error {
		c, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Heartbeat: heartbeat,
			Locale:    "en_US",
			Properties: amqp.Table{
				"connection_name": ConsumerTag,
			},
		})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	q := &Queue{conn: conn, cfg: cfg, logger: logger}
	if err := q.setup(); err != nil {
		q.Close()
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"exchange": cfg.Exchange,
		"queue":    cfg.Queue,
		"binding":  cfg.UploadedRoutingKey,
		"prefetch": cfg.Prefetch,
	}).Info("Broker topology declared")

	return q, nil
}

func (q *Queue) setup() error {
	var err error

	q.consumeCh, err = q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = q.consumeCh.ExchangeDeclare(
		q.cfg.Exchange,
		ExchangeKind,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Declare queue
	_, err = q.consumeCh.QueueDeclare(
		q.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = q.consumeCh.QueueBind(
		q.cfg.Queue,
		q.cfg.UploadedRoutingKey,
		q.cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	err = q.consumeCh.Qos(
		q.cfg.Prefetch, // prefetch count
		0,              // prefetch size
		false,          // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	q.publishCh, err = q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := q.publishCh.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return nil
}

// Consume registers the consumer and returns its delivery stream
func (q *Queue) Consume() (<-chan amqp.Delivery, error) {
	msgs, err := q.consumeCh.Consume(
		q.cfg.Queue,
		ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return msgs, nil
}

// Publisher returns a confirming publisher for ReadyEvents
func (q *Queue) Publisher(opts ...PublisherOption) *Publisher {
	return NewPublisher(&channelConfirmer{ch: q.publishCh}, q.cfg.Exchange, q.cfg.ReadyRoutingKey, opts...)
}

// NotifyClose delivers the error that closed the connection
func (q *Queue) NotifyClose() <-chan *amqp.Error {
	return q.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Health reports whether the connection and channels are open
func (q *Queue) Health(ctx context.Context) error {
	if q.conn == nil || q.conn.IsClosed() {
		return fmt.Errorf("broker connection closed")
	}
	if q.consumeCh == nil || q.consumeCh.IsClosed() {
		return fmt.Errorf("consume channel closed")
	}
	if q.publishCh == nil || q.publishCh.IsClosed() {
		return fmt.Errorf("publish channel closed")
	}
	return nil
}

// CancelConsumer stops new deliveries while in-flight ones can still be acked
func (q *Queue) CancelConsumer() error {
	if q.consumeCh == nil {
		return nil
	}
	return q.consumeCh.Cancel(ConsumerTag, false)
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.publishCh != nil {
		q.publishCh.Close()
	}
	if q.consumeCh != nil {
		q.consumeCh.Close()
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}
