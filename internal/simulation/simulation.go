// Package simulation drives the per-block pipeline over a lending market:
// prices, risk, liquidations, discretionary activity and metrics.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lendingsim/internal/domain"
	"github.com/alanyoungcy/lendingsim/internal/lending"
)

// PriceFeed supplies the price pair for a block. It is called exactly once
// per step with strictly increasing block numbers.
type PriceFeed interface {
	NextPrices(ctx context.Context, block uint64) (supply, debt decimal.Decimal, err error)
}

// Sampler proposes the discretionary actions for a block.
type Sampler interface {
	SampleActions(users []*lending.User, rate float64) []lending.Action
}

// MetricsSink consumes one snapshot per block, append-only.
type MetricsSink interface {
	Record(ctx context.Context, snap domain.Snapshot) error
}

// LiquidationSink is implemented by sinks that also want liquidation events.
type LiquidationSink interface {
	RecordLiquidations(ctx context.Context, block uint64, events []domain.Liquidation) error
}

// Config controls stepping.
type Config struct {
	// ActivityRate is the expected fraction of users acting per block.
	ActivityRate float64
	// Workers bounds the risk recomputation fan-out. Zero means NumCPU.
	Workers int
	// CheckInvariants verifies the ledger against user balances every step.
	CheckInvariants bool
	// BlockInterval paces Run. Zero steps as fast as possible.
	BlockInterval time.Duration
}

// blockStats counts what happened inside the last step.
type blockStats struct {
	liquidations int
	newBadDebt   int
	applied      int
	rejected     int
}

// Simulation owns the market, the user population and the liquidator.
type Simulation struct {
	cfg        Config
	market     *lending.Market
	users      []*lending.User
	byID       map[int]*lending.User
	liquidator *lending.Liquidator
	feed       PriceFeed
	sampler    Sampler
	sinks      []MetricsSink
	logger     *slog.Logger

	// mu serialises steps against read-side views used by the API.
	mu   sync.RWMutex
	last blockStats
}

// New assembles a simulation. users may be in any order; they are stepped
// in ascending id order.
func New(
	cfg Config,
	market *lending.Market,
	users []*lending.User,
	liquidator *lending.Liquidator,
	feed PriceFeed,
	sampler Sampler,
	sinks []MetricsSink,
	logger *slog.Logger,
) (*Simulation, error) {
	if market == nil || liquidator == nil || feed == nil || sampler == nil {
		return nil, errors.New("simulation: market, liquidator, feed and sampler are required")
	}
	if cfg.ActivityRate < 0 || cfg.ActivityRate > 1 {
		return nil, fmt.Errorf("simulation: activity rate %v not in [0, 1]", cfg.ActivityRate)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	sorted := make([]*lending.User, len(users))
	copy(sorted, users)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })

	byID := make(map[int]*lending.User, len(sorted))
	for _, u := range sorted {
		if _, dup := byID[u.ID()]; dup {
			return nil, fmt.Errorf("simulation: duplicate user id %d", u.ID())
		}
		byID[u.ID()] = u
	}

	return &Simulation{
		cfg:        cfg,
		market:     market,
		users:      sorted,
		byID:       byID,
		liquidator: liquidator,
		feed:       feed,
		sampler:    sampler,
		sinks:      sinks,
		logger:     logger.With(slog.String("component", "simulation")),
	}, nil
}

// Market exposes the simulated market for read-only callers.
func (s *Simulation) Market() *lending.Market { return s.market }

// Liquidator exposes the liquidation agent for read-only callers.
func (s *Simulation) Liquidator() *lending.Liquidator { return s.liquidator }

// UserCount returns the population size.
func (s *Simulation) UserCount() int { return len(s.users) }

// Step runs one block: prices, risk, liquidations, discretionary actions,
// block advance and metrics. Results are deterministic for seeded feed and
// sampler.
func (s *Simulation) Step(ctx context.Context) (domain.Snapshot, error) {
	s.mu.Lock()
	snap, events, err := s.advance(ctx)
	s.mu.Unlock()
	if err != nil {
		return domain.Snapshot{}, err
	}

	for _, sink := range s.sinks {
		if ls, ok := sink.(LiquidationSink); ok && len(events) > 0 {
			if err := ls.RecordLiquidations(ctx, snap.Block, events); err != nil {
				return snap, fmt.Errorf("simulation: block %d: record liquidations: %w", snap.Block, err)
			}
		}
		if err := sink.Record(ctx, snap); err != nil {
			return snap, fmt.Errorf("simulation: block %d: record snapshot: %w", snap.Block, err)
		}
	}
	return snap, nil
}

func (s *Simulation) advance(ctx context.Context) (domain.Snapshot, []domain.Liquidation, error) {
	block := s.market.Block() + 1

	supply, debt, err := s.feed.NextPrices(ctx, block)
	if err != nil {
		return domain.Snapshot{}, nil, fmt.Errorf("simulation: block %d: price feed: %w", block, err)
	}
	if err := s.market.UpdatePrices(supply, debt); err != nil {
		return domain.Snapshot{}, nil, fmt.Errorf("simulation: block %d: %w", block, err)
	}

	risks, err := s.recomputeRisks(ctx)
	if err != nil {
		return domain.Snapshot{}, nil, fmt.Errorf("simulation: block %d: recompute risk: %w", block, err)
	}

	scan, err := s.liquidator.Scan(s.users, s.market, risks)
	if err != nil {
		return domain.Snapshot{}, nil, fmt.Errorf("simulation: block %d: liquidation: %w", block, err)
	}
	for i := range scan.Events {
		scan.Events[i].Block = block
	}

	stats := blockStats{liquidations: len(scan.Events), newBadDebt: scan.NewBadDebt}
	for _, a := range s.sampler.SampleActions(s.users, s.cfg.ActivityRate) {
		if err := s.apply(ctx, block, a); err != nil {
			if errors.Is(err, domain.ErrLedgerInvariant) {
				return domain.Snapshot{}, nil, fmt.Errorf("simulation: block %d: %w", block, err)
			}
			stats.rejected++
			continue
		}
		stats.applied++
	}

	if s.cfg.CheckInvariants {
		if err := s.checkLedger(); err != nil {
			return domain.Snapshot{}, nil, fmt.Errorf("simulation: block %d: %w", block, err)
		}
	}

	s.market.AdvanceBlock()
	s.last = stats

	if stats.liquidations > 0 || stats.newBadDebt > 0 {
		s.logger.DebugContext(ctx, "liquidations processed",
			slog.Uint64("block", block),
			slog.Int("liquidations", stats.liquidations),
			slog.Int("new_bad_debt", stats.newBadDebt),
		)
	}
	return s.collect(), scan.Events, nil
}

func (s *Simulation) apply(ctx context.Context, block uint64, a lending.Action) error {
	u, ok := s.byID[a.UserID]
	if !ok {
		s.logger.WarnContext(ctx, "sampled action for unknown user",
			slog.Uint64("block", block),
			slog.Int("user_id", a.UserID),
		)
		return fmt.Errorf("simulation: user %d: %w", a.UserID, domain.ErrNotFound)
	}
	if err := u.ExecuteTransaction(s.market, a); err != nil {
		s.logger.DebugContext(ctx, "action rejected",
			slog.Uint64("block", block),
			slog.Int("user_id", a.UserID),
			slog.String("kind", a.Kind.String()),
			slog.String("amount", a.Amount.String()),
			slog.String("reason", err.Error()),
		)
		return err
	}
	return nil
}

// recomputeRisks evaluates every user's risk in parallel. Prices are fixed
// for the block and nothing is mutated, so chunks run without locking.
func (s *Simulation) recomputeRisks(ctx context.Context) ([]lending.Risk, error) {
	risks := make([]lending.Risk, len(s.users))
	if len(s.users) == 0 {
		return risks, nil
	}

	chunk := (len(s.users) + s.cfg.Workers - 1) / s.cfg.Workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for start := 0; start < len(s.users); start += chunk {
		end := min(start+chunk, len(s.users))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				risks[i] = s.users[i].RecomputeRisk(s.market)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return risks, nil
}

// Run steps until maxBlocks have been processed or ctx is cancelled. A zero
// maxBlocks runs until cancellation.
func (s *Simulation) Run(ctx context.Context, maxBlocks uint64) error {
	s.logger.InfoContext(ctx, "simulation started",
		slog.Int("users", len(s.users)),
		slog.Uint64("max_blocks", maxBlocks),
		slog.Float64("activity_rate", s.cfg.ActivityRate),
	)

	var tick <-chan time.Time
	if s.cfg.BlockInterval > 0 {
		ticker := time.NewTicker(s.cfg.BlockInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for n := uint64(0); maxBlocks == 0 || n < maxBlocks; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if tick != nil && n > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}
		snap, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if snap.Block%100 == 0 {
			s.logger.InfoContext(ctx, "simulation progress",
				slog.Uint64("block", snap.Block),
				slog.Int("bad_debt_users", snap.BadDebtUserCount),
				slog.String("bad_debt_usd", snap.BadDebtUSD.StringFixed(2)),
			)
		}
	}

	s.logger.InfoContext(ctx, "simulation finished", slog.Uint64("block", s.market.Block()))
	return nil
}

// CollectMetrics returns the current snapshot without mutating anything.
func (s *Simulation) CollectMetrics() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect()
}

func (s *Simulation) collect() domain.Snapshot {
	prices := s.market.Prices()
	totals := s.market.Totals()

	snap := domain.Snapshot{
		Block:           s.market.Block(),
		TotalSupplied:   totals.Supplied,
		TotalBorrowed:   totals.Borrowed,
		SupplyPrice:     prices.Supply,
		DebtPrice:       prices.Debt,
		BadDebtUSD:      decimal.Zero,
		Liquidations:    s.last.liquidations,
		NewBadDebtUsers: s.last.newBadDebt,
		AppliedActions:  s.last.applied,
		RejectedActions: s.last.rejected,
	}
	for _, u := range s.users {
		if u.BadDebt() {
			snap.BadDebtUserCount++
			snap.BadDebtUSD = snap.BadDebtUSD.Add(u.Borrowed().Mul(prices.Debt))
		}
	}
	return snap
}

// CheckLedger compares the market aggregates with the user balances.
func (s *Simulation) CheckLedger() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkLedger()
}

func (s *Simulation) checkLedger() error {
	supplied, borrowed := decimal.Zero, decimal.Zero
	for _, u := range s.users {
		if u.Supplied().IsNegative() || u.Borrowed().IsNegative() {
			return fmt.Errorf("%w: user %d has a negative balance", domain.ErrLedgerInvariant, u.ID())
		}
		supplied = supplied.Add(u.Supplied())
		borrowed = borrowed.Add(u.Borrowed())
	}
	totals := s.market.Totals()
	if !totals.Supplied.Equal(supplied) || !totals.Borrowed.Equal(borrowed) {
		return fmt.Errorf("%w: totals (%s, %s) != balances (%s, %s)",
			domain.ErrLedgerInvariant, totals.Supplied, totals.Borrowed, supplied, borrowed)
	}
	return nil
}

// MarketView is a read-only summary of the market and the liquidator.
type MarketView struct {
	SupplyToken      string           `json:"supply_token"`
	DebtToken        string           `json:"debt_token"`
	Block            uint64           `json:"block"`
	Prices           lending.Prices   `json:"prices"`
	Totals           lending.Totals   `json:"totals"`
	Params           lending.Params   `json:"params"`
	BadDebtClearable bool             `json:"bad_debt_clearable"`
	Users            int              `json:"users"`
	Liquidator       string           `json:"liquidator"`
	Proceeds         lending.Proceeds `json:"liquidator_proceeds"`
}

// MarketView returns a consistent copy of the market state between steps.
func (s *Simulation) MarketView() MarketView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MarketView{
		SupplyToken:      s.market.SupplyToken(),
		DebtToken:        s.market.DebtToken(),
		Block:            s.market.Block(),
		Prices:           s.market.Prices(),
		Totals:           s.market.Totals(),
		Params:           s.market.Params(),
		BadDebtClearable: s.market.BadDebtClearable(),
		Users:            len(s.users),
		Liquidator:       s.liquidator.ID(),
		Proceeds:         s.liquidator.Proceeds(),
	}
}

// UserView is a read-only copy of one account.
type UserView struct {
	ID       int             `json:"id"`
	Supplied decimal.Decimal `json:"supplied"`
	Borrowed decimal.Decimal `json:"borrowed"`
	BadDebt  bool            `json:"bad_debt"`
	Status   string          `json:"status"`
	Risk     lending.Risk    `json:"risk"`
}

// User returns a copy of the account with the given id.
func (s *Simulation) User(id int) (UserView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return UserView{}, fmt.Errorf("simulation: user %d: %w", id, domain.ErrNotFound)
	}
	return UserView{
		ID:       u.ID(),
		Supplied: u.Supplied(),
		Borrowed: u.Borrowed(),
		BadDebt:  u.BadDebt(),
		Status:   u.RiskStatus(s.market).String(),
		Risk:     u.RecomputeRisk(s.market),
	}, nil
}
