package observer

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs one Loop per pool. The first loop to fail cancels the others,
// which drain before Run returns that failure.
type Supervisor struct {
	loops  []*Loop
	logger *zap.Logger
}

func NewSupervisor(loops []*Loop, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{loops: loops, logger: logger}
}

// Run blocks until every loop has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range s.loops {
		loop := loop
		g.Go(func() error {
			return loop.Run(gctx)
		})
	}

	err := g.Wait()
	if err != nil {
		s.logger.Error("observer supervisor stopping after failure", zap.Error(err))
		return err
	}
	s.logger.Info("all observers stopped", zap.Int("pools", len(s.loops)))
	return nil
}

// States reports the state of each loop keyed by pool.
func (s *Supervisor) States() map[string]State {
	states := make(map[string]State, len(s.loops))
	for _, loop := range s.loops {
		states[loop.Pool()] = loop.State()
	}
	return states
}
