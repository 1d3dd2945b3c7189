package dspaceclient

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome is the tagged result of a poll loop: either the loop was aborted
// (abortCheck returned true) or it reached a terminal value. Callers switch
// on Aborted rather than risk confusing "aborted" with "no data" the way a
// bare nil return would.
type Outcome[T any] struct {
	Aborted bool
	Value   T
}

// pollLoop is the single routine shared by PollNegotiation and
// PollTransfer: fetch, check terminal, check abort, sleep, repeat.
// Parameterising on fetch/extractState/isTerminal keeps the two callers
// from drifting into near-identical copies of the same loop.
func pollLoop[T any](
	ctx context.Context,
	interval time.Duration,
	abortCheck func() bool,
	log *logrus.Entry,
	fetch func(context.Context) (T, error),
	extractState func(T) string,
	isTerminal func(T) bool,
) (Outcome[T], error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	var lastState string
	var lastChange time.Time
	first := true

	for {
		val, err := fetch(ctx)
		if err != nil {
			return Outcome[T]{}, err
		}

		state := extractState(val)
		if first || state != lastState {
			if !first && log != nil {
				log.WithFields(logrus.Fields{
					"from":    lastState,
					"to":      state,
					"elapsed": time.Since(lastChange).String(),
				}).Debug("poll: state changed")
			}
			lastState = state
			lastChange = time.Now()
			first = false
		}

		if isTerminal(val) {
			return Outcome[T]{Value: val}, nil
		}

		if abortCheck() {
			return Outcome[T]{Aborted: true}, nil
		}

		select {
		case <-ctx.Done():
			return Outcome[T]{Aborted: true}, nil
		case <-time.After(interval):
		}
	}
}
