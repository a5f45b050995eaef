package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/safar/quotesync/internal/approval"
	"github.com/safar/quotesync/internal/config"
	"github.com/safar/quotesync/internal/presence"
	"github.com/safar/quotesync/internal/quote"
)

// sweeper performs the system actor's periodic work: reviewer routing,
// stale lock reclaim, quote expiry and presence TTL cleanup.
type sweeper struct {
	quotes     *quote.Manager
	machine    *approval.StateMachine
	tracker    *presence.Tracker
	staleAfter time.Duration
	log        *zap.Logger
}

func runSweeper(lc fx.Lifecycle, cfg *config.Config, quotes *quote.Manager, machine *approval.StateMachine, tracker *presence.Tracker, log *zap.Logger) {
	s := &sweeper{quotes: quotes, machine: machine, tracker: tracker, staleAfter: cfg.Store.LockStaleAfter, log: log}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.run(ctx, cfg.Store.SweepInterval)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func (s *sweeper) run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.once(ctx)
		}
	}
}

func (s *sweeper) once(ctx context.Context) {
	if _, err := s.quotes.ReclaimStaleLocks(ctx, s.staleAfter); err != nil {
		s.log.Warn("reclaim stale locks", zap.Error(err))
	}
	if n, err := s.machine.AssignPending(ctx); err != nil {
		s.log.Warn("assign pending reviews", zap.Error(err))
	} else if n > 0 {
		s.log.Info("assigned reviewers", zap.Int("count", n))
	}
	if n, err := s.machine.ExpireDue(ctx); err != nil {
		s.log.Warn("expire due quotes", zap.Error(err))
	} else if n > 0 {
		s.log.Info("expired quotes", zap.Int("count", n))
	}
	if n, err := s.tracker.Sweep(ctx); err != nil {
		s.log.Warn("sweep presence", zap.Error(err))
	} else if n > 0 {
		s.log.Debug("swept presence records", zap.Int64("count", n))
	}
}
