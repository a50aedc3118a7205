package database

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IsBusy reports whether err is a lock conflict worth retrying. The driver
// error types differ per engine, so we match on the message.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "resource busy") ||
		strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "sqlstate 40001")
}

// RetryBusy runs fn until it succeeds, fails with a non-busy error, or
// attempts run out. Backoff doubles from 50ms and is capped at one second.
func (d *Database) RetryBusy(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := 50 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsBusy(err) {
			return err
		}
		d.log.Debug("database busy, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
	return err
}
