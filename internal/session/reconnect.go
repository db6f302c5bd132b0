package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	DefaultMaxRetries = 10
	DefaultBackoff    = 1 * time.Second
	DefaultMaxBackoff = 30 * time.Second
)

// ErrGaveUp is returned by [Reconnector.Run] when every reconnection attempt
// of a cycle failed.
var ErrGaveUp = errors.New("session: reconnection failed after max retries")

// Reconnector keeps a [Client] connected. It runs the receive loop and, when
// the loop ends with a transport fault, re-establishes the session with
// exponential backoff and invokes OnReconnect before resuming.
//
// Connections dropped on purpose with [Client.Drop] are re-established
// immediately without backoff.
type Reconnector struct {
	client      *Client
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(ctx context.Context)
	log         *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Client is the session to keep alive.
	Client *Client

	// MaxRetries is the maximum number of reconnection attempts per outage
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after every successful reconnection, before
	// messages are delivered again. May be nil.
	OnReconnect func(ctx context.Context)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		client:      cfg.Client,
		maxRetries:  maxRetries,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
		onReconnect: cfg.OnReconnect,
		log:         logger,
		done:        make(chan struct{}),
	}
}

// Run delivers messages to handle until ctx is done, Stop is called, the
// client is closed, or a reconnection cycle gives up. The client must already
// be connected. It returns nil on orderly shutdown.
func (r *Reconnector) Run(ctx context.Context, handle Handler) error {
	for {
		err := r.client.Run(ctx, handle)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return nil
		case r.stopped():
			return nil
		}

		immediate := errors.Is(err, ErrDropped)
		if !immediate {
			r.log.Warn("session lost", "err", err)
		}
		if err := r.reconnect(ctx, immediate); err != nil {
			if ctx.Err() != nil || r.stopped() {
				return nil
			}
			return err
		}
		if r.onReconnect != nil {
			r.onReconnect(ctx)
		}
	}
}

// Stop prevents further reconnection attempts; Run returns once the current
// receive loop ends. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Reconnector) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// reconnect tries to re-establish the session with exponential backoff.
// When immediate is set the first attempt is made without waiting.
func (r *Reconnector) reconnect(ctx context.Context, immediate bool) error {
	wait := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if attempt > 1 || !immediate {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.done:
				return ErrClosed
			case <-time.After(wait):
			}
			wait = min(wait*2, r.maxBackoff)
		}

		r.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)

		err := r.client.Connect(ctx)
		if err == nil {
			r.client.metrics.RecordReconnect(ctx, "ok")
			r.log.Info("reconnection successful", "attempt", attempt)
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		r.client.metrics.RecordReconnect(ctx, "error")

		r.log.Warn("reconnection attempt failed",
			"attempt", attempt,
			"err", err,
		)
	}

	r.log.Error("reconnection failed after max retries", "max_retries", r.maxRetries)
	return fmt.Errorf("%w (%d attempts)", ErrGaveUp, r.maxRetries)
}
