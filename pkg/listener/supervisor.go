package listener

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs one listener per chain. Chains are independent: a
// reconnecting chain never stalls the others.
type Supervisor struct {
	listeners []*Listener
	log       *zap.SugaredLogger
}

func NewSupervisor(log *zap.SugaredLogger, listeners ...*Listener) *Supervisor {
	return &Supervisor{listeners: listeners, log: log}
}

// Run blocks until ctx is cancelled or a listener gives up.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.listeners {
		g.Go(func() error { return l.Run(ctx) })
	}
	s.log.Infow("listeners_started", "chains", len(s.listeners))
	return g.Wait()
}

// Statuses lists every listener ordered by chain selector.
func (s *Supervisor) Statuses() []Status {
	out := make([]Status, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}
