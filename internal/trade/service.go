// Package trade applies decoded chain events to the indexer's entities and
// drives the snapshot engine: trades, settlements, position updates, board
// and strike parameter changes, price updates and pool liquidity.
//
// All monetary values use fixed.Scaled18; floats only appear inside the
// Black-Scholes engine.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/options-indexer/internal/event"
	"github.com/atmx/options-indexer/internal/ident"
	"github.com/atmx/options-indexer/internal/metrics"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/snapshot"
	"github.com/atmx/options-indexer/internal/store"
)

var (
	// ErrMissingReference is returned when an event refers to an entity the
	// indexer has not seen. It matches store.ErrNotFound.
	ErrMissingReference = fmt.Errorf("trade: missing reference: %w", store.ErrNotFound)

	// ErrStaleOrReverted marks a pre-fetched on-chain value as unavailable
	// for the event's block.
	ErrStaleOrReverted = errors.New("trade: stale or reverted on-chain value")
)

// Service applies events strictly in order. The mutex serializes Apply so
// replay and live consumption can share one instance.
type Service struct {
	st     *store.Store
	engine *snapshot.Engine
	hub    *WSHub // optional
	mu     sync.Mutex
	log    *slog.Logger
}

// NewService creates a new event service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st *store.Store, engine *snapshot.Engine, hub *WSHub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{st: st, engine: engine, hub: hub, log: logger}
}

// Apply processes one event to completion. Domain errors (invalid pricing
// inputs, missing references, reverted reads, degenerate arithmetic) are
// logged and the event's derived work skipped; store errors are returned
// so the caller can stop and redeliver.
func (s *Service) Apply(ctx context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := ev.Header()
	kind := string(meta.Kind)
	start := time.Now()
	defer func() {
		metrics.EventLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	err := s.dispatch(ctx, ev)
	if err == nil {
		metrics.EventsProcessed.WithLabelValues(kind, "ok").Inc()
		metrics.LastBlock.Set(float64(meta.Block))
		return nil
	}

	if reason := classify(err); reason != "" {
		s.engine.Skip(kind, ident.FromAddress(meta.Market), meta.Timestamp, meta.Block, reason, err)
		metrics.EventsProcessed.WithLabelValues(kind, "skipped").Inc()
		metrics.LastBlock.Set(float64(meta.Block))
		return nil
	}

	metrics.EventsProcessed.WithLabelValues(kind, "failed").Inc()
	s.log.Error("event failed",
		"kind", kind,
		"market", ident.FromAddress(meta.Market),
		"block", meta.Block,
		"tx", meta.TxHash.Hex(),
		"err", err,
	)
	return fmt.Errorf("apply %s at block %d: %w", kind, meta.Block, err)
}

func (s *Service) dispatch(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case *event.MarketCreated:
		return s.marketCreated(ctx, e)
	case *event.GreekCacheParamsSet:
		return s.greekCacheParamsSet(ctx, e)
	case *event.PriceUpdated:
		return s.priceUpdated(ctx, e)
	case *event.GreekCacheRefreshed:
		return s.greekCacheRefreshed(ctx, e)
	case *event.HedgerPositionUpdated:
		return s.hedgerPositionUpdated(ctx, e)
	case *event.PoolHedgerUpdated:
		return s.poolHedgerUpdated(ctx, e)
	case *event.BoardCreated:
		return s.boardCreated(ctx, e)
	case *event.BoardBaseIVSet:
		return s.boardBaseIVSet(ctx, e)
	case *event.BoardFrozen:
		return s.boardFrozen(ctx, e)
	case *event.BoardSettled:
		return s.boardSettled(ctx, e)
	case *event.StrikeAdded:
		return s.strikeAdded(ctx, e)
	case *event.StrikeSkewSet:
		return s.strikeSkewSet(ctx, e)
	case *event.StrikeCacheUpdated:
		return s.strikeCacheUpdated(ctx, e)
	case *event.Trade:
		return s.trade(ctx, e)
	case *event.PositionUpdated:
		return s.positionUpdated(ctx, e)
	case *event.PositionTransferred:
		return s.positionTransferred(ctx, e)
	case *event.PositionSettled:
		return s.positionSettled(ctx, e)
	case *event.LiquidityQueued:
		return s.liquidityQueued(ctx, e)
	case *event.LiquidityProcessed:
		return s.liquidityProcessed(ctx, e)
	case *event.CircuitBreakerUpdated:
		return s.circuitBreakerUpdated(ctx, e)
	case *event.BaseBalanceChanged:
		return s.baseBalanceChanged(ctx, e)
	}
	return fmt.Errorf("%w: %T", event.ErrUnknownKind, ev)
}

// classify extends snapshot.Reason with the errors raised in this package.
func classify(err error) string {
	if errors.Is(err, ErrStaleOrReverted) {
		return "stale_or_reverted"
	}
	if errors.Is(err, event.ErrUnknownKind) {
		return "unknown_kind"
	}
	return snapshot.Reason(err)
}

// tolerate logs and swallows a domain error from one snapshot family so the
// rest of the event can proceed.
func (s *Service) tolerate(family, subject string, meta event.Meta, err error) error {
	if err == nil {
		return nil
	}
	reason := classify(err)
	if reason == "" {
		return err
	}
	s.engine.Skip(family, subject, meta.Timestamp, meta.Block, reason, err)
	return nil
}

// missing wraps a not-found load as ErrMissingReference.
func missing(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrMissingReference)
	}
	return err
}

func (s *Service) market(ctx context.Context, meta event.Meta) (*model.Market, error) {
	id := ident.FromAddress(meta.Market)
	m, err := s.st.Markets.Get(ctx, id)
	return m, missing("market", id, err)
}

func (s *Service) board(ctx context.Context, id string) (*model.Board, error) {
	b, err := s.st.Boards.Get(ctx, id)
	return b, missing("board", id, err)
}

func (s *Service) strike(ctx context.Context, id string) (*model.Strike, error) {
	st, err := s.st.Strikes.Get(ctx, id)
	return st, missing("strike", id, err)
}

func (s *Service) option(ctx context.Context, id string) (*model.Option, error) {
	o, err := s.st.Options.Get(ctx, id)
	return o, missing("option", id, err)
}

func (s *Service) position(ctx context.Context, id string) (*model.Position, error) {
	p, err := s.st.Positions.Get(ctx, id)
	return p, missing("position", id, err)
}

func (s *Service) pool(ctx context.Context, m *model.Market) (*model.Pool, error) {
	p, err := s.st.Pools.Get(ctx, m.Pool)
	return p, missing("pool", m.Pool, err)
}

// basePeriod is the smallest hourly period, used for refreshes triggered
// outside the hourly price cadence.
func (s *Service) basePeriod() int64 {
	return s.engine.HourlyPeriods()[0]
}
