package billboardd

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ModuleRunner runs a module within the supervisor.
type ModuleRunner struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor manages module lifecycles.
type Supervisor struct {
	Logger *zap.Logger
}

// Run starts all module runners and waits for termination. The first
// module error cancels the siblings, and Run does not return until every
// module has unwound — the player subprocess must be quit and the event
// spool closed before the process exits, on the restart path included.
// The error comes back wrapped with the module name, so callers can
// still match sentinels with errors.Is.
func (s Supervisor) Run(ctx context.Context, modules []ModuleRunner) error {
	if len(modules) == 0 {
		return fmt.Errorf("no modules enabled")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(modules))

	for _, module := range modules {
		m := module
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger := s.Logger.With(zap.String("module", m.Name))
			logger.Info("starting module")
			if err := m.Run(runCtx); err != nil {
				logger.Error("module exited", zap.Error(err))
				errCh <- fmt.Errorf("%s: %w", m.Name, err)
				return
			}
			logger.Info("module stopped")
		}()
	}

	var firstErr error
	select {
	case <-runCtx.Done():
		s.Logger.Info("shutdown requested")
	case firstErr = <-errCh:
		cancel()
	}

	wg.Wait()
	return firstErr
}
