package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsworker/pkg/models"
)

type fakeConfirmer struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
	acked      bool
	err        error
}

func (f *fakeConfirmer) PublishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (bool, error) {
	f.exchange = exchange
	f.routingKey = routingKey
	f.msg = msg
	return f.acked, f.err
}

var readyV1 = &models.ReadyEvent{
	VideoID:      "v1",
	OutputPrefix: "hls/v1/",
	ThumbKey:     "hls/v1/thumb.jpg",
	DurationSec:  10.0,
}

func TestPublisher_PublishReady(t *testing.T) {
	fc := &fakeConfirmer{acked: true}
	m := metrics.New()
	p := NewPublisher(fc, "domain", "video.ready", WithPublisherMetrics(m))

	require.NoError(t, p.PublishReady(context.Background(), readyV1))

	assert.Equal(t, "domain", fc.exchange)
	assert.Equal(t, "video.ready", fc.routingKey)
	assert.Equal(t, amqp.Persistent, fc.msg.DeliveryMode)
	assert.Equal(t, "application/json", fc.msg.ContentType)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(fc.msg.Body, &got))
	assert.Equal(t, map[string]interface{}{
		"videoId":      "v1",
		"outputPrefix": "hls/v1/",
		"thumbKey":     "hls/v1/thumb.jpg",
		"durationSec":  10.0,
	}, got)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PublishedTotal.WithLabelValues("success")))
}

func TestPublisher_BrokerNack(t *testing.T) {
	m := metrics.New()
	p := NewPublisher(&fakeConfirmer{acked: false}, "domain", "video.ready", WithPublisherMetrics(m))

	err := p.PublishReady(context.Background(), readyV1)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBroker, apperr.CodeOf(err))
	assert.Equal(t, apperr.Requeue, apperr.Classify(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PublishedTotal.WithLabelValues("error")))
}

func TestPublisher_ChannelError(t *testing.T) {
	p := NewPublisher(&fakeConfirmer{err: amqp.ErrClosed}, "domain", "video.ready")

	err := p.PublishReady(context.Background(), readyV1)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBroker, apperr.CodeOf(err))
	assert.True(t, errors.Is(err, amqp.ErrClosed))
}
