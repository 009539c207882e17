package stream

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Default dial backoff parameters.
const (
	defaultDialBackoff    = 500 * time.Millisecond
	defaultDialMaxBackoff = 10 * time.Second
	defaultDialTimeout    = 10 * time.Second
)

// DialOptions configures [Dial].
type DialOptions struct {
	// Retries is the number of additional attempts after the first one
	// fails. Zero means a single attempt.
	Retries int

	// Backoff is the wait before the first retry. Doubles each attempt up to
	// MaxBackoff. Defaults to 500ms.
	Backoff time.Duration

	// MaxBackoff caps the wait between retries. Defaults to 10s.
	MaxBackoff time.Duration

	// Timeout bounds each individual attempt. Defaults to 10s.
	Timeout time.Duration

	// Logger receives retry notices. Nil selects [slog.Default].
	Logger *slog.Logger
}

// Dial connects to the TCP address addr, retrying with exponential backoff as
// configured. It returns a [ConnectionFailed] error wrapping the last
// attempt's cause when every attempt fails or ctx is done.
func Dial(ctx context.Context, addr string, opts DialOptions) (net.Conn, error) {
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultDialBackoff
	}
	maxBackoff := opts.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultDialMaxBackoff
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	d := net.Dialer{Timeout: timeout}
	attempts := max(opts.Retries, 0) + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == attempts {
			break
		}

		log.Warn("connection attempt failed, retrying",
			"addr", addr,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff,
			"err", err,
		)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, newError(ConnectionFailed, ctx.Err())
		case <-t.C:
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return nil, newError(ConnectionFailed, lastErr)
}
