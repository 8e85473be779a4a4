// Package connect blocks startup until network dependencies answer.
// Retries use a fixed interval.
package connect

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
)

var defaultPorts = map[string]int{
	"amqp":       5672,
	"amqps":      5671,
	"http":       80,
	"https":      443,
	"redis":      6379,
	"rediss":     6379,
	"postgres":   5432,
	"postgresql": 5432,
}

// Connector retries dependency checks until they succeed or a ceiling elapses
type Connector struct {
	logger   *logging.Logger
	interval time.Duration
	logEvery int
	dialer   net.Dialer
	resolver *net.Resolver
}

// Option customizes a Connector
type Option func(*Connector)

// WithInterval sets the polling interval (default 1s)
func WithInterval(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithLogEvery logs progress every n attempts (default 5)
func WithLogEvery(n int) Option {
	return func(c *Connector) {
		if n > 0 {
			c.logEvery = n
		}
	}
}

// New creates a Connector
func New(logger *logging.Logger, opts ...Option) *Connector {
	c := &Connector{
		logger:   logger,
		interval: time.Second,
		logEvery: 5,
		dialer:   net.Dialer{Timeout: time.Second},
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WaitReachable polls name resolution and a TCP dial to host:port
func (c *Connector) WaitReachable(ctx context.Context, host string, port int, maxWait time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	err := c.Retry(ctx, addr, maxWait, func(ctx context.Context) error {
		if _, err := c.resolver.LookupHost(ctx, host); err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
	if err != nil {
		return err
	}

	c.logger.WithField("addr", addr).Info("Dependency reachable")
	return nil
}

// WaitURL is WaitReachable for an endpoint URL or host:port string
func (c *Connector) WaitURL(ctx context.Context, endpoint string, maxWait time.Duration) error {
	host, port, err := HostPort(endpoint)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeDependencyUnavailable, "connect.wait", endpoint)
	}
	return c.WaitReachable(ctx, host, port, maxWait)
}

// Retry calls fn once per interval until it succeeds. After maxWait it
// returns a DEPENDENCY_UNAVAILABLE error wrapping the last failure.
func (c *Connector) Retry(ctx context.Context, name string, maxWait time.Duration, fn func(ctx context.Context) error) error {
	var waited time.Duration

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if waited >= maxWait {
			return unavailable(name, fmt.Sprintf("gave up after %s", waited), err)
		}

		if attempt%c.logEvery == 0 {
			c.logger.WithFields(map[string]interface{}{
				"dependency": name,
				"waited":     waited.String(),
				"error":      err.Error(),
			}).Info("Waiting for dependency")
		}

		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return unavailable(name, "cancelled", ctx.Err())
		case <-timer.C:
		}
		waited += c.interval
	}
}

// unavailable always reports DEPENDENCY_UNAVAILABLE, whatever code the
// last failure carried
func unavailable(name, msg string, err error) error {
	return &apperr.Error{
		Code:    apperr.CodeDependencyUnavailable,
		Op:      "connect." + name,
		Message: msg,
		Err:     err,
	}
}

// HostPort extracts host and port from a URL, falling back to the scheme's
// well-known port. Bare host:port strings are accepted.
func HostPort(endpoint string) (string, int, error) {
	if !strings.Contains(endpoint, "://") {
		host, portStr, err := net.SplitHostPort(endpoint)
		if err != nil {
			return "", 0, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port in %q: %w", endpoint, err)
		}
		return host, port, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", endpoint)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port in %q: %w", endpoint, err)
		}
		return host, port, nil
	}

	port, ok := defaultPorts[strings.ToLower(u.Scheme)]
	if !ok {
		return "", 0, fmt.Errorf("missing port in %q", endpoint)
	}
	return host, port, nil
}
