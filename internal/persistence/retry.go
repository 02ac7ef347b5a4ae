package persistence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 200 * time.Millisecond
)

// withRetry runs fn, retrying connection-class failures with exponential
// backoff. Non-transient errors propagate unchanged.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			logger.Warn("retrying repository operation",
				"op", op,
				"attempt", attempt,
				"delay", delay,
				"error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransientError(err) {
			return err
		}
	}
	return err
}

// backoffDelay returns 0.2 * 2^attempt seconds for attempt >= 1.
func backoffDelay(attempt int) time.Duration {
	return time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(attempt-1)))
}

// isTransientError reports whether err looks like a connection-level failure
// worth retrying. Query and constraint errors are not transient.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. 57P01..57P03: server shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P")
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"):
		return true
	}
	return false
}
