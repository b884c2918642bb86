// Package lifecycle provides a small graceful-shutdown coordinator, adapted
// from the teacher's kernel/utils.GracefulShutdown, for cmd/allocstress to
// tear down its worker goroutines and print final allocator stats before
// exit.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/nmxmxh/hardguard/kernel/alloc/allocerr"
	"github.com/nmxmxh/hardguard/kernel/alloc/obslog"
)

// Shutdown runs registered teardown functions concurrently, bounded by a
// timeout. They are started in reverse registration order; no completion
// order is guaranteed.
type Shutdown struct {
	mu      sync.Mutex
	fns     []func() error
	timeout time.Duration
	logger  *obslog.Logger
}

// New creates a Shutdown coordinator. A nil logger uses obslog.Default.
func New(timeout time.Duration, logger *obslog.Logger) *Shutdown {
	if logger == nil {
		logger = obslog.Default("shutdown")
	}
	return &Shutdown{timeout: timeout, logger: logger}
}

// Register adds fn to the set run on Run; the most recently registered
// function is started first.
func (s *Shutdown) Register(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

// Run executes every registered function, in reverse registration order,
// concurrently, bounded by the configured timeout.
func (s *Shutdown) Run(ctx context.Context) error {
	s.mu.Lock()
	fns := append([]func() error(nil), s.fns...)
	s.mu.Unlock()

	s.logger.Info("shutdown starting", obslog.Int("components", len(fns)))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(fns))
	for i := len(fns) - 1; i >= 0; i-- {
		wg.Add(1)
		fn := fns[i]
		go func(idx int) {
			defer wg.Done()
			if err := fn(); err != nil {
				s.logger.Error("shutdown step failed", obslog.Int("index", idx), obslog.Err(err))
				errs <- err
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown timed out")
		return allocerr.New("lifecycle: shutdown timed out")
	}
}
