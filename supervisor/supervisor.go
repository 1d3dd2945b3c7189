// Package supervisor is the cancellation & timeout watchdog (C8): it is the
// only component that ever forces a process to TERMINATED from the outside
// rather than a driver concluding its own polling loop.
package supervisor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dpp-connector/engine/model"
	"github.com/dpp-connector/engine/procreg"
	"github.com/dpp-connector/engine/processstore"
)

// Supervisor terminates processes on request or on deadline.
type Supervisor struct {
	Store    *processstore.Store
	Registry *procreg.Registry
	Log      *logrus.Entry
}

// Terminate marks processID TERMINATED and signals its driver to stop. The
// next poll iteration observes the state change via procreg and returns
// without persisting further remote state: the driver returns within one
// poll interval plus one in-flight HTTP call.
func (s *Supervisor) Terminate(processID string) error {
	if err := s.Store.Transition(processID, model.StateTerminated); err != nil {
		return err
	}
	if err := s.Registry.SetState(processID, model.StateTerminated); err != nil {
		s.Log.WithField("processId", processID).WithError(err).Warn("procreg already past terminated")
	}
	s.Registry.SignalTerminate(processID)
	return nil
}

// WithDeadline runs fn, forcing processID to TERMINATED with a
// "timeout: FAILED" history entry if fn has not returned by deadline. fn is
// expected to be a driver's Run call; ctx is the context WithDeadline
// derives its own cancellation from so fn's HTTP calls unwind too.
func (s *Supervisor) WithDeadline(ctx context.Context, processID string, deadline time.Duration, fn func(context.Context) error) error {
	if deadline <= 0 {
		return fn(ctx)
	}

	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(dctx) }()

	select {
	case err := <-done:
		return err
	case <-dctx.Done():
		if dctx.Err() != context.DeadlineExceeded {
			<-done
			return dctx.Err()
		}
		if terr := s.Store.RecordStep(processID, "timeout", "FAILED"); terr != nil {
			s.Log.WithField("processId", processID).WithError(terr).Error("failed to record timeout")
		}
		if terr := s.Store.Transition(processID, model.StateTerminated); terr != nil {
			s.Log.WithField("processId", processID).WithError(terr).Error("failed to transition process on timeout")
		}
		if terr := s.Registry.SetState(processID, model.StateTerminated); terr != nil {
			s.Log.WithField("processId", processID).WithError(terr).Warn("procreg already past terminated")
		}
		s.Registry.SignalTerminate(processID)
		<-done
		return model.NewError(model.KindAborted, "process terminated: deadline exceeded", dctx.Err())
	}
}
