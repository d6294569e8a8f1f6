// Package store persists indexer entities and snapshots. Each entity kind is
// exposed as a typed Repository over a Backend of JSON documents.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atmx/options-indexer/internal/model"
)

// ErrNotFound is returned when no document exists for a kind and id.
var ErrNotFound = errors.New("store: not found")

// Entity kinds, used as the document namespace in every backend.
const (
	KindMarket               = "market"
	KindPool                 = "pool"
	KindPoolHedger           = "pool_hedger"
	KindBoard                = "board"
	KindStrike               = "strike"
	KindOption               = "option"
	KindPosition             = "position"
	KindTrade                = "trade"
	KindSettle               = "settle"
	KindCollateralUpdate     = "collateral_update"
	KindPendingAction        = "pending_action"
	KindSpotPrice            = "spot_price_snapshot"
	KindMarketVolumeAndFees  = "market_volume_and_fees_snapshot"
	KindMarketGreeks         = "market_greeks_snapshot"
	KindMarketTotalValue     = "market_total_value_snapshot"
	KindBoardBaseIV          = "board_base_iv_snapshot"
	KindStrikeIVAndGreeks    = "strike_iv_and_greeks_snapshot"
	KindOptionPriceAndGreeks = "option_price_and_greeks_snapshot"
	KindOptionVolume         = "option_volume_snapshot"
	KindPoolHedgerExposure   = "pool_hedger_exposure_snapshot"
	KindPendingLiquidity     = "pool_pending_liquidity_snapshot"
	KindLPUserLiquidity      = "lp_user_liquidity"
	KindLPAction             = "lp_action"
	KindCircuitBreaker       = "circuit_breaker"
)

// Backend stores raw JSON documents keyed by kind and id.
type Backend interface {
	// Load returns the document or ErrNotFound.
	Load(ctx context.Context, kind, id string) ([]byte, error)

	// Save inserts or replaces the document.
	Save(ctx context.Context, kind, id string, data []byte) error

	// List returns every document of kind whose id starts with prefix,
	// ordered by id.
	List(ctx context.Context, kind, prefix string) ([][]byte, error)

	// Delete removes the document. Deleting a missing document is not an
	// error.
	Delete(ctx context.Context, kind, id string) error
}

// Repository is a typed view of one entity kind.
type Repository[T any] struct {
	backend Backend
	kind    string
}

// NewRepository binds a kind to a backend.
func NewRepository[T any](b Backend, kind string) Repository[T] {
	return Repository[T]{backend: b, kind: kind}
}

// Kind returns the document namespace.
func (r Repository[T]) Kind() string {
	return r.kind
}

// Get loads the entity with the given id, or ErrNotFound.
func (r Repository[T]) Get(ctx context.Context, id string) (*T, error) {
	data, err := r.backend.Load(ctx, r.kind, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", r.kind, id, err)
	}
	return &v, nil
}

// Find is Get that reports absence as (nil, nil).
func (r Repository[T]) Find(ctx context.Context, id string) (*T, error) {
	v, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// Put stores v under id, replacing any existing document.
func (r Repository[T]) Put(ctx context.Context, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", r.kind, id, err)
	}
	return r.backend.Save(ctx, r.kind, id, data)
}

// Delete removes the entity with the given id.
func (r Repository[T]) Delete(ctx context.Context, id string) error {
	return r.backend.Delete(ctx, r.kind, id)
}

// List returns every entity whose id starts with prefix.
func (r Repository[T]) List(ctx context.Context, prefix string) ([]T, error) {
	docs, err := r.backend.List(ctx, r.kind, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, data := range docs {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.kind, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Store groups the typed repositories of every entity and snapshot kind.
type Store struct {
	Markets           Repository[model.Market]
	Pools             Repository[model.Pool]
	PoolHedgers       Repository[model.PoolHedger]
	Boards            Repository[model.Board]
	Strikes           Repository[model.Strike]
	Options           Repository[model.Option]
	Positions         Repository[model.Position]
	Trades            Repository[model.Trade]
	Settles           Repository[model.Settle]
	CollateralUpdates Repository[model.CollateralUpdate]
	PendingActions    Repository[model.PendingAction]
	LPUserLiquidity   Repository[model.LPUserLiquidity]
	LPActions         Repository[model.LPAction]
	CircuitBreakers   Repository[model.CircuitBreaker]

	SpotPrices           Repository[model.SpotPriceSnapshot]
	MarketVolumeAndFees  Repository[model.MarketVolumeAndFeesSnapshot]
	MarketGreeks         Repository[model.MarketGreeksSnapshot]
	MarketTotalValue     Repository[model.MarketTotalValueSnapshot]
	BoardBaseIV          Repository[model.BoardBaseIVSnapshot]
	StrikeIVAndGreeks    Repository[model.StrikeIVAndGreeksSnapshot]
	OptionPriceAndGreeks Repository[model.OptionPriceAndGreeksSnapshot]
	OptionVolume         Repository[model.OptionVolumeSnapshot]
	PoolHedgerExposure   Repository[model.PoolHedgerExposureSnapshot]
	PendingLiquidity     Repository[model.PoolPendingLiquiditySnapshot]
}

// New builds a Store whose repositories all share backend b.
func New(b Backend) *Store {
	return &Store{
		Markets:           NewRepository[model.Market](b, KindMarket),
		Pools:             NewRepository[model.Pool](b, KindPool),
		PoolHedgers:       NewRepository[model.PoolHedger](b, KindPoolHedger),
		Boards:            NewRepository[model.Board](b, KindBoard),
		Strikes:           NewRepository[model.Strike](b, KindStrike),
		Options:           NewRepository[model.Option](b, KindOption),
		Positions:         NewRepository[model.Position](b, KindPosition),
		Trades:            NewRepository[model.Trade](b, KindTrade),
		Settles:           NewRepository[model.Settle](b, KindSettle),
		CollateralUpdates: NewRepository[model.CollateralUpdate](b, KindCollateralUpdate),
		PendingActions:    NewRepository[model.PendingAction](b, KindPendingAction),
		LPUserLiquidity:   NewRepository[model.LPUserLiquidity](b, KindLPUserLiquidity),
		LPActions:         NewRepository[model.LPAction](b, KindLPAction),
		CircuitBreakers:   NewRepository[model.CircuitBreaker](b, KindCircuitBreaker),

		SpotPrices:           NewRepository[model.SpotPriceSnapshot](b, KindSpotPrice),
		MarketVolumeAndFees:  NewRepository[model.MarketVolumeAndFeesSnapshot](b, KindMarketVolumeAndFees),
		MarketGreeks:         NewRepository[model.MarketGreeksSnapshot](b, KindMarketGreeks),
		MarketTotalValue:     NewRepository[model.MarketTotalValueSnapshot](b, KindMarketTotalValue),
		BoardBaseIV:          NewRepository[model.BoardBaseIVSnapshot](b, KindBoardBaseIV),
		StrikeIVAndGreeks:    NewRepository[model.StrikeIVAndGreeksSnapshot](b, KindStrikeIVAndGreeks),
		OptionPriceAndGreeks: NewRepository[model.OptionPriceAndGreeksSnapshot](b, KindOptionPriceAndGreeks),
		OptionVolume:         NewRepository[model.OptionVolumeSnapshot](b, KindOptionVolume),
		PoolHedgerExposure:   NewRepository[model.PoolHedgerExposureSnapshot](b, KindPoolHedgerExposure),
		PendingLiquidity:     NewRepository[model.PoolPendingLiquiditySnapshot](b, KindPendingLiquidity),
	}
}
