package main

import (
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// sessionRunner is one attempt of the reconnect loop.
type sessionRunner interface {
	Run() error
	Activated() bool
}

// ReconnectLoop keeps a session alive until cancellation.
type ReconnectLoop struct {
	backoff BackoffConfig
	cancel  *Canceller
	logger  *slog.Logger
	metrics *Metrics
	rng     *rand.Rand

	newSession func() (sessionRunner, error)
}

// NewReconnectLoop builds a loop whose sessions share the dispatcher, tracker
// and metrics.
func NewReconnectLoop(cfg SessionConfig, backoff BackoffConfig, cancel *Canceller, sink commandSink, tracker *StatusTracker, logger *slog.Logger, m *Metrics) *ReconnectLoop {
	return &ReconnectLoop{
		backoff: backoff,
		cancel:  cancel,
		logger:  logger,
		metrics: m,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		newSession: func() (sessionRunner, error) {
			return NewSession(cfg, cancel, sink, tracker, logger, m)
		},
	}
}

// Run retries sessions until the cancellation flag is set. It returns nil on
// cancellation and an error only when a session cannot be constructed.
func (l *ReconnectLoop) Run() error {
	attempt := 0

	for !l.cancel.Cancelled() {
		sess, err := l.newSession()
		if err != nil {
			return err
		}

		err = sess.Run()
		l.metrics.SessionEnded(err)
		if sess.Activated() {
			attempt = 0
		}

		switch {
		case err == nil:
			l.logger.Info("session closed")
		case errors.Is(err, ErrIdentityConflict):
			l.logger.Error("server rejected identity", "error", err)
		default:
			l.logger.Warn("session failed", "kind", errorKind(err), "error", err)
		}

		if l.cancel.Cancelled() {
			break
		}
		if err == nil {
			// Server ended the session cleanly; reconnect right away.
			continue
		}

		attempt++
		delay := nextBackoffDelay(l.backoff, attempt, l.rng)
		if delay > 0 {
			l.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		}
		if !l.cancel.Sleep(delay) {
			break
		}
	}

	l.logger.Info("reconnect loop stopped")
	return nil
}
