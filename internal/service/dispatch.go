package service

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meshcommons/panbridge/internal/pan"
)

// Start launches the dispatch goroutine and posts the startup marker. The
// service shuts down when ctx is cancelled or Stop is called. Start after
// Stop does nothing.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		return
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.done = make(chan struct{})
	s.PostEvent(pan.NewMessage(pan.EventServiceStartup, ""))
	go s.run(ctx, s.done)
}

// Stop posts the shutdown marker and waits for it to be processed. Every
// session and the bridge are closed; their errors are combined.
func (s *Service) Stop() error {
	s.runMu.Lock()
	done := s.done
	s.runMu.Unlock()

	if done == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.shutdownLocked()
		return s.shutdownErr
	}
	s.PostEvent(pan.NewMessage(pan.EventServiceShutdown, ""))
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownErr
}

// Pending returns the number of queued events.
func (s *Service) Pending() int { return s.q.len() }

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if s.runPending() {
			return
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.shutdownLocked()
			s.mu.Unlock()
			return
		case <-s.q.notify:
		}
	}
}

// runPending dispatches queued events until the queue is empty. It reports
// whether a shutdown was processed.
func (s *Service) runPending() bool {
	for {
		msg, ok := s.q.pop()
		if !ok {
			return false
		}
		s.dispatch(msg)
		if msg.Kind == pan.EventServiceShutdown {
			return true
		}
	}
}

func (s *Service) dispatch(msg pan.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Kind {
	case pan.EventServiceStartup:
		s.log.Info("service: started",
			zap.String("local_address", s.LocalAddress()),
			zap.Bool("tethering", s.IsTetheringOn()),
		)
		return
	case pan.EventServiceShutdown:
		s.shutdownLocked()
		return
	case pan.EventRemoveStateMachine:
		if sm, ok := s.machines[msg.Address]; ok && sm.IsRemoving() && sm.State() == pan.StateDisconnected {
			s.removeLocked(msg.Address)
		}
		return
	case pan.EventRemoteBusy:
		if s.bridge != nil {
			s.bridge.ReceiveRemoteBusy(msg.Arg != 0)
		}
		return
	}

	sm, ok := s.machines[msg.Address]
	if !ok {
		s.log.Debug("service: event for unknown device dropped",
			zap.Stringer("event", msg.Kind),
			zap.String("address", msg.Address),
		)
		return
	}
	if msg.Kind == pan.EventL2capEvent {
		if sess := sm.Session(); sess != nil {
			sess.ProcessL2capEvent(msg)
		}
		return
	}
	sm.Dispatch(msg)
}

// removeLocked retires addr's machine and releases its session.
func (s *Service) removeLocked(addr string) {
	sm, ok := s.machines[addr]
	if !ok {
		return
	}
	delete(s.machines, addr)
	sm.Stop()
	if sess := sm.Session(); sess != nil {
		if err := sess.Close(); err != nil {
			s.log.Warn("service: close session", zap.String("address", addr), zap.Error(err))
		}
	}
	s.connMu.Lock()
	delete(s.connected, addr)
	s.connMu.Unlock()
	s.log.Debug("service: state machine removed", zap.String("address", addr))
}

func (s *Service) shutdownLocked() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.q.close()

	var err error
	for addr, sm := range s.machines {
		sm.Stop()
		if sess := sm.Session(); sess != nil {
			err = multierr.Append(err, sess.Close())
		}
		delete(s.machines, addr)
	}
	s.connMu.Lock()
	clear(s.connected)
	s.connMu.Unlock()

	if s.bridge != nil {
		err = multierr.Append(err, s.bridge.Close())
	}
	s.shutdownErr = err
	s.log.Info("service: stopped", zap.Error(err))
}
