package cache

import (
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/apperr"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
)

const (
	releaseTimeout = 5 * time.Second

	// DefaultLeaseTTL is used when no positive TTL is given
	DefaultLeaseTTL = 30 * time.Second

	// DefaultLeaseRetry is how often a waiter polls a lease held by another worker
	DefaultLeaseRetry = time.Second
)

// VideoLock serializes attempts per video id. Attempts in this process wait
// on a per-video slot; when a Cache is configured they then wait for a Redis
// lease that excludes other workers. The lease is short and renewed while
// held, so a crashed holder frees the video within one TTL.
type VideoLock struct {
	mu     sync.Mutex
	slots  map[string]*slot
	cache  *Cache
	ttl    time.Duration
	retry  time.Duration
	logger *logging.Logger
}

type slot struct {
	sem   chan struct{}
	users int
}

// LockOption configures a VideoLock
type LockOption func(*VideoLock)

// WithLeaseRetry sets the polling interval used while another worker holds
// the lease
func WithLeaseRetry(d time.Duration) LockOption {
	return func(l *VideoLock) {
		if d > 0 {
			l.retry = d
		}
	}
}

// NewVideoLock creates a lock. cache may be nil.
func NewVideoLock(cache *Cache, ttl time.Duration, logger *logging.Logger, opts ...LockOption) *VideoLock {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	l := &VideoLock{
		slots:  make(map[string]*slot),
		cache:  cache,
		ttl:    ttl,
		retry:  DefaultLeaseRetry,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until attemptID holds videoID or ctx ends. A cancelled wait
// yields an apperr.CodeLocked error wrapping the context error; an
// unreachable Redis yields apperr.CodeDependencyUnavailable.
func (l *VideoLock) Acquire(ctx context.Context, videoID, attemptID string) (func(), error) {
	s := l.join(videoID)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		l.leave(videoID, s)
		return nil, apperr.Wrap(ctx.Err(), apperr.CodeLocked, "lock.acquire", "waiting for video "+videoID)
	}

	stop := func() {}
	if l.cache != nil {
		if err := l.lease(ctx, videoID, attemptID); err != nil {
			<-s.sem
			l.leave(videoID, s)
			return nil, err
		}
		stop = l.heartbeat(videoID, attemptID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			l.release(videoID, attemptID)
			<-s.sem
			l.leave(videoID, s)
		})
	}, nil
}

// Held reports whether an attempt in this process holds the lock for videoID
func (l *VideoLock) Held(videoID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[videoID]
	return ok && len(s.sem) == 1
}

func (l *VideoLock) join(videoID string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[videoID]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		l.slots[videoID] = s
	}
	s.users++
	return s
}

func (l *VideoLock) leave(videoID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.users--
	if s.users == 0 {
		delete(l.slots, videoID)
	}
}

func (l *VideoLock) lease(ctx context.Context, videoID, attemptID string) error {
	logged := false
	for {
		ok, err := l.cache.AcquireLock(ctx, videoID, attemptID, l.ttl)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeDependencyUnavailable, "lock.acquire", "redis lease")
		}
		if ok {
			return nil
		}
		if !logged {
			l.logger.WithVideoID(videoID).Info("Video leased by another worker, waiting")
			logged = true
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return apperr.Wrap(ctx.Err(), apperr.CodeLocked, "lock.acquire", "waiting for redis lease on "+videoID)
		case <-timer.C:
		}
	}
}

// heartbeat renews the lease every third of its TTL until the returned stop
// function is called
func (l *VideoLock) heartbeat(videoID, attemptID string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.cache.RenewLock(ctx, videoID, attemptID, l.ttl)
				switch {
				case err != nil && ctx.Err() == nil:
					l.logger.WithVideoID(videoID).WithError(err).Warn("Failed to renew redis lease")
				case err == nil && !ok:
					l.logger.WithVideoID(videoID).Warn("Redis lease lost to another owner")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (l *VideoLock) release(videoID, attemptID string) {
	if l.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := l.cache.ReleaseLock(ctx, videoID, attemptID); err != nil {
		l.logger.WithVideoID(videoID).WithError(err).Warn("Failed to release redis lease, it will expire")
	}
}
