// Package keeper polls the exchange for pending actions and executes
// them with the keeper's signer. Expired actions are closed instead.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/time/rate"

	"github.com/atmx/perp-engine/internal/action"
	"github.com/atmx/perp-engine/internal/exchange"
)

// Config controls the polling loop.
type Config struct {
	PollInterval      time.Duration
	MaxActionsPerTick int
	// RatePerSec caps entry point calls; zero disables the throttle.
	RatePerSec       float64
	ScanLiquidations bool
}

// Service executes pending actions on a timer.
type Service struct {
	x       *exchange.Exchange
	signer  solana.PublicKey
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Report counts what one tick did.
type Report struct {
	Pending    int
	Attempted  int
	Executed   int
	Skipped    int
	Closed     int
	Failed     int
	Liquidated int
}

func New(x *exchange.Exchange, signer solana.PublicKey, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxActionsPerTick <= 0 {
		cfg.MaxActionsPerTick = 32
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &Service{x: x, signer: signer, cfg: cfg, limiter: limiter, logger: logger}
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"signer", s.signer,
		"poll_interval", s.cfg.PollInterval,
		"max_actions_per_tick", s.cfg.MaxActionsPerTick,
		"scan_liquidations", s.cfg.ScanLiquidations,
	)

	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

// Tick processes up to MaxActionsPerTick pending actions. Live actions
// go before expired ones; within each group the oldest goes first.
func (s *Service) Tick(ctx context.Context) (Report, error) {
	pending := s.x.PendingActions()
	rep := Report{Pending: len(pending)}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Expired != pending[j].Expired {
			return !pending[i].Expired
		}
		return pending[i].Created < pending[j].Created
	})

	limit := min(s.cfg.MaxActionsPerTick, len(pending))
	for _, p := range pending[:limit] {
		if err := s.limiter.Wait(ctx); err != nil {
			return rep, err
		}
		rep.Attempted++

		if p.Expired {
			if err := s.close(ctx, p); err != nil {
				rep.Failed++
				s.logger.Warn("expired action close failed", "kind", p.Kind, "action", p.Address, "err", err)
				continue
			}
			rep.Closed++
			continue
		}

		err := s.execute(ctx, p)
		switch {
		case err == nil:
			rep.Executed++
		case errors.Is(err, action.ErrTriggerNotMet):
			rep.Skipped++
			s.logger.Debug("order skipped", "action", p.Address, "reason", err)
		default:
			rep.Failed++
			s.logger.Warn("action execution failed",
				"kind", p.Kind,
				"action", p.Address,
				"class", exchange.Classify(err),
				"err", err,
			)
		}
	}

	if s.cfg.ScanLiquidations {
		n, err := s.liquidate(ctx)
		rep.Liquidated = n
		if err != nil {
			return rep, err
		}
	}

	if rep.Attempted > 0 || rep.Liquidated > 0 {
		s.logger.Info("keeper tick complete",
			"pending", rep.Pending,
			"attempted", rep.Attempted,
			"executed", rep.Executed,
			"skipped", rep.Skipped,
			"closed", rep.Closed,
			"failed", rep.Failed,
			"liquidated", rep.Liquidated,
		)
	}
	return rep, nil
}

func (s *Service) execute(ctx context.Context, p exchange.PendingAction) error {
	switch p.Kind {
	case action.KindDeposit:
		return s.x.ExecuteDeposit(ctx, s.signer, p.Address, false)
	case action.KindWithdrawal:
		return s.x.ExecuteWithdrawal(ctx, s.signer, p.Address, false)
	case action.KindShift:
		return s.x.ExecuteShift(ctx, s.signer, p.Address, false)
	case action.KindOrder:
		return s.x.ExecuteOrder(ctx, s.signer, p.Address, false)
	}
	return action.ErrInvalidArgument
}

func (s *Service) close(ctx context.Context, p exchange.PendingAction) error {
	switch p.Kind {
	case action.KindDeposit:
		return s.x.CloseDeposit(ctx, s.signer, p.Address)
	case action.KindWithdrawal:
		return s.x.CloseWithdrawal(ctx, s.signer, p.Address)
	case action.KindShift:
		return s.x.CloseShift(ctx, s.signer, p.Address)
	case action.KindOrder:
		return s.x.CloseOrder(ctx, s.signer, p.Address)
	}
	return action.ErrInvalidArgument
}

// liquidate force-closes every liquidatable position. A position that
// recovered between the scan and the call is left alone.
func (s *Service) liquidate(ctx context.Context) (int, error) {
	candidates, err := s.x.ScanLiquidations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range candidates {
		if err := s.limiter.Wait(ctx); err != nil {
			return n, err
		}
		if _, err := s.x.Liquidate(ctx, s.signer, c.Position); err != nil {
			s.logger.Warn("liquidation failed", "position", c.Position, "owner", c.Owner, "err", err)
			continue
		}
		n++
		s.logger.Info("position liquidated", "position", c.Position, "owner", c.Owner, "reason", c.Reason)
	}
	return n, nil
}
