package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/metrics"
)

// ErrDeliveriesClosed is returned by Run when the broker closed the
// delivery stream while the consumer was still meant to be running
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Handler processes one delivery body
type Handler func(ctx context.Context, body []byte) error

// Consumer fans deliveries out to a bounded pool of job goroutines and
// routes every outcome to a single acknowledgment goroutine
type Consumer struct {
	handler         Handler
	concurrency     int
	shutdownTimeout time.Duration
	metrics         *metrics.Metrics
	logger          *logging.Logger
}

type result struct {
	delivery amqp.Delivery
	err      error
	elapsed  time.Duration
}

// NewConsumer creates a consumer. concurrency below 1 is treated as 1.
func NewConsumer(handler Handler, concurrency int, shutdownTimeout time.Duration, m *metrics.Metrics, logger *logging.Logger) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{
		handler:         handler,
		concurrency:     concurrency,
		shutdownTimeout: shutdownTimeout,
		metrics:         m,
		logger:          logger,
	}
}

// Run consumes deliveries until ctx is cancelled or the stream closes,
// then waits for in-flight jobs and routes their outcomes. Jobs that
// outlive the shutdown timeout have their context cancelled. Run returns
// ErrDeliveriesClosed if the stream closed before ctx was cancelled.
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	jobs := make(chan amqp.Delivery)
	results := make(chan result, c.concurrency)

	var workers sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for d := range jobs {
				results <- c.process(jobCtx, d)
			}
		}()
	}

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		for r := range results {
			c.route(r)
		}
	}()

	c.logger.WithField("concurrency", c.concurrency).Info("Consumer started, waiting for upload events")
	runErr := c.receive(ctx, deliveries, jobs)
	close(jobs)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-c.graceExpired():
		c.logger.Warn("Shutdown timeout reached, cancelling in-flight jobs")
		cancelJobs()
		<-drained
	}

	close(results)
	<-routerDone

	c.logger.Info("Consumer stopped")
	return runErr
}

func (c *Consumer) graceExpired() <-chan time.Time {
	if c.shutdownTimeout <= 0 {
		return nil
	}
	return time.After(c.shutdownTimeout)
}

// receive hands deliveries to the pool. It never runs a job itself.
func (c *Consumer) receive(ctx context.Context, deliveries <-chan amqp.Delivery, jobs chan<- amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}

			if c.metrics != nil {
				c.metrics.RecordReceived()
			}
			if d.Acknowledger == nil {
				c.logger.WithDeliveryTag(d.DeliveryTag).Error("Received delivery without acknowledger, skipping")
				continue
			}

			select {
			case jobs <- d:
			case <-ctx.Done():
				// Not started; hand it back to the broker
				if err := d.Nack(false, true); err != nil {
					c.logger.WithDeliveryTag(d.DeliveryTag).WithError(err).Warn("Failed to requeue undispatched delivery")
				}
				return nil
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) result {
	if c.metrics != nil {
		c.metrics.JobStarted()
		defer c.metrics.JobFinished()
	}

	start := time.Now()
	err := c.handler(ctx, d.Body)
	return result{delivery: d, err: err, elapsed: time.Since(start)}
}

// route is the only place deliveries are acked or nacked
func (c *Consumer) route(r result) {
	action := apperr.Classify(r.err)
	d := r.delivery

	var ackErr error
	switch action {
	case apperr.Ack:
		ackErr = d.Ack(false)
		if c.metrics != nil {
			c.metrics.RecordSucceeded(r.elapsed)
		}
	case apperr.Drop:
		ackErr = d.Ack(false)
		if c.metrics != nil {
			c.metrics.RecordFailed(apperr.Kind(r.err), r.elapsed)
		}
	default:
		ackErr = d.Nack(false, true)
		if c.metrics != nil {
			c.metrics.RecordFailed(apperr.Kind(r.err), r.elapsed)
		}
	}

	c.logger.LogDelivery(d.DeliveryTag, action.String(), r.elapsed, r.err)
	if ackErr != nil {
		c.logger.WithDeliveryTag(d.DeliveryTag).WithError(ackErr).Error("Failed to " + action.String() + " delivery")
	}
}
