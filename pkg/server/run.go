package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"

	"golang.org/x/sync/errgroup"
)

// forceCloseGrace is how long shutdown waits for handlers after force-closing
// their connections.
const forceCloseGrace = time.Second

// Run binds the listeners, serves until shutdown and returns nil once shutdown
// has completed. A bind failure is returned before anything is served.
// Cancelling ctx starts the same shutdown as the operator's /quit.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(ln) })
	g.Go(s.serveHTTP)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Shutdown("Server is shutting down. Goodbye!")
		case <-s.done:
		}
		return nil
	})

	// Console reads cannot be interrupted, so the operator loop is not joined.
	go s.serveOperator()

	s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.done)
	slog.Info("chat server running", "operator", s.operator.Name())

	err := g.Wait()
	<-s.done
	return err
}

// Shutdown drives process-wide termination:
//  1. seal the registry and send the shutdown notice to every session,
//  2. cancel every network handler (the operator's is not cancelled),
//  3. stop the acceptors,
//  4. wait for handlers up to ShutdownTimeout, then force-close the rest.
//
// Concurrent and repeated calls block until the first one has finished.
func (s *Server) Shutdown(reason string) {
	if !s.stopping.SetToIf(false, true) {
		<-s.done
		return
	}
	defer close(s.done)
	start := time.Now()
	slog.Info("shutting down...", "sessions", s.registry.Count())

	s.registry.Seal()
	s.broadcast.Send(model.Notice(reason), s.registry.Snapshot())

	s.cancel(ErrShutdown)
	s.stopAcceptors()

	if !waitTimeout(&s.handlers, s.cfg.ShutdownTimeout) {
		n := s.forceClose()
		slog.Warn("handlers did not finish in time, forcing", "connections", n)
		if !waitTimeout(&s.handlers, forceCloseGrace) {
			slog.Error("handlers still running after force close")
		}
	}

	// Flush whatever is queued for the console.
	s.operator.close()
	select {
	case <-s.operator.Flushed():
	case <-time.After(forceCloseGrace):
	}

	slog.Info("shutdown complete", "took", time.Since(start).Truncate(time.Millisecond))
}

// waitTimeout waits for wg and reports whether it finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
