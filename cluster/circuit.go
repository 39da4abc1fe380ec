// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrPeerUnavailable is returned when a peer cannot be reached: its circuit is
// open or every retry failed.
var ErrPeerUnavailable = errors.New("peer unavailable")

// RejectedError is a forward the peer received but refused to process. It is
// neither retried nor counted against the peer's circuit breaker.
type RejectedError struct {
	Peer   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("forward rejected by %s: %s", e.Peer, e.Reason)
}

func newPeerBreaker(name string, failureThreshold uint32, resetTimeout time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("peer circuit breaker state changed",
				slog.String("peer", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			var rej *RejectedError
			return err == nil || errors.As(err, &rej)
		},
	})
}

// retryWithBreaker runs fn up to attempts times with exponential backoff through
// the peer's circuit breaker.
func retryWithBreaker(ctx context.Context, cb *gobreaker.CircuitBreaker, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := range attempts {
		_, err := cb.Execute(func() (any, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, cb.Name(), err)
		}
		var rej *RejectedError
		if errors.As(err, &rej) {
			return err
		}
		lastErr = err

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(baseDelay << attempt):
			}
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, cb.Name(), lastErr)
}
