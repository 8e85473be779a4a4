package queue

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsworker/pkg/models"
)

// DefaultConfirmTimeout bounds the wait for a publisher confirm
const DefaultConfirmTimeout = 30 * time.Second

// Confirmer publishes a message and reports whether the broker acked it
type Confirmer interface {
	PublishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (bool, error)
}

type channelConfirmer struct {
	ch *amqp.Channel
}

func (c *channelConfirmer) PublishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (bool, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return false, err
	}
	if dc == nil {
		// channel not in confirm mode
		return true, nil
	}
	return dc.WaitContext(ctx)
}

// Publisher emits ReadyEvents on the domain exchange
type Publisher struct {
	confirmer      Confirmer
	exchange       string
	routingKey     string
	confirmTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *logging.Logger
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithPublisherMetrics records publish outcomes
func WithPublisherMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(l *logging.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

// WithConfirmTimeout overrides DefaultConfirmTimeout
func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.confirmTimeout = d }
}

// NewPublisher creates a publisher
func NewPublisher(c Confirmer, exchange, routingKey string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		confirmer:      c,
		exchange:       exchange,
		routingKey:     routingKey,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishReady publishes evt as persistent JSON and waits for the broker
// to confirm it
func (p *Publisher) PublishReady(ctx context.Context, evt *models.ReadyEvent) (err error) {
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordPublish(err)
		}
	}()

	body, err := json.Marshal(evt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "publisher.marshal", "ready event")
	}

	ctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := p.confirmer.PublishConfirmed(ctx, p.exchange, p.routingKey, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Type:         p.routingKey,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return apperr.Wrap(err, apperr.CodeBroker, "publisher.publish", p.routingKey)
	}
	if !acked {
		return apperr.New(apperr.CodeBroker, "publisher.confirm", "broker nacked "+p.routingKey+" for video "+evt.VideoID)
	}

	p.logger.WithVideoID(evt.VideoID).WithField("routing_key", p.routingKey).Debug("Ready event confirmed")
	return nil
}
