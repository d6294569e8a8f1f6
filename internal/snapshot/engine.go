// Package snapshot maintains the time-bucketed snapshot series of the
// indexer: spot price candles, market and option volume ledgers, greeks,
// pool valuation and liquidity.
//
// Every family is written through an Engine method, which is also the only
// place that moves the parent entity's "latest snapshot" pointer.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/options-indexer/internal/blackscholes"
	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/metrics"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/period"
	"github.com/atmx/options-indexer/internal/store"
)

// Snapshot families, used as metric labels and in log lines.
const (
	FamilyCandles          = "spot_price"
	FamilyMarketVolume     = "market_volume_and_fees"
	FamilyOptionVolume     = "option_volume"
	FamilyMarketGreeks     = "market_greeks"
	FamilyMarketTotalValue = "market_total_value"
	FamilyBoardBaseIV      = "board_base_iv"
	FamilyStrikeGreeks     = "strike_iv_and_greeks"
	FamilyOptionGreeks     = "option_price_and_greeks"
	FamilyHedgerExposure   = "pool_hedger_exposure"
	FamilyPendingLiquidity = "pending_liquidity"
)

// Engine writes snapshot buckets for the configured period lists.
type Engine struct {
	st      *store.Store
	hourly  []int64
	candles []int64
	log     *slog.Logger
}

// NewEngine validates the period lists and binds them to st. hourly must be
// strictly ascending and nested; candles may be in any order.
func NewEngine(st *store.Store, hourly, candles []int64, logger *slog.Logger) (*Engine, error) {
	if err := period.Validate(hourly); err != nil {
		return nil, fmt.Errorf("hourly periods: %w", err)
	}
	if err := period.ValidateUnordered(candles); err != nil {
		return nil, fmt.Errorf("candle periods: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		st:      st,
		hourly:  append([]int64(nil), hourly...),
		candles: append([]int64(nil), candles...),
		log:     logger,
	}, nil
}

// HourlyPeriods returns a copy of the configured non-candle periods.
func (e *Engine) HourlyPeriods() []int64 {
	return append([]int64(nil), e.hourly...)
}

// LargestApplicable is period.LargestApplicable over the hourly periods.
func (e *Engine) LargestApplicable(ts int64) int64 {
	return period.LargestApplicable(ts, e.hourly)
}

// Reason classifies a domain error for logs and metrics. It returns "" for
// infrastructure errors, which must propagate instead of being skipped.
func Reason(err error) string {
	switch {
	case errors.Is(err, blackscholes.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, fixed.ErrDivisionByZero):
		return "division_by_zero"
	case errors.Is(err, store.ErrNotFound):
		return "missing_reference"
	}
	return ""
}

// Skip records that an aggregation was dropped because of a domain error.
func (e *Engine) Skip(family, subject string, ts, block int64, reason string, err error) {
	metrics.SkippedAggregations.WithLabelValues(family, reason).Inc()
	e.log.Warn("aggregation skipped",
		"family", family,
		"subject", subject,
		"ts", ts,
		"block", block,
		"reason", reason,
		"err", err,
	)
}

// guard logs and swallows domain errors, returning infrastructure errors.
func (e *Engine) guard(family, subject string, ts, block int64, err error) error {
	if err == nil {
		return nil
	}
	reason := Reason(err)
	if reason == "" {
		return err
	}
	e.Skip(family, subject, ts, block, reason, err)
	return nil
}

func written(family string) {
	metrics.SnapshotWrites.WithLabelValues(family).Inc()
}

// newBucket builds the header of a fresh bucket for subject.
func newBucket(subject string, p, ts, block int64) model.Bucket {
	return model.Bucket{
		ID:             period.BucketID(subject, p, ts),
		Period:         p,
		Timestamp:      period.Boundary(ts, p),
		BlockTimestamp: ts,
		BlockNumber:    block,
	}
}

// loadOrCreate returns the bucket stored under id, or the result of create
// when none exists yet. Existing buckets are returned unchanged.
func loadOrCreate[T any](ctx context.Context, repo store.Repository[T], id string, create func() (*T, error)) (*T, error) {
	v, err := repo.Find(ctx, id)
	if err != nil || v != nil {
		return v, err
	}
	return create()
}

// latest loads the snapshot a parent's pointer refers to. An unset pointer
// yields (nil, nil); a dangling one yields store.ErrNotFound.
func latest[T any](ctx context.Context, repo store.Repository[T], id string) (*T, error) {
	if id == "" {
		return nil, nil
	}
	return repo.Get(ctx, id)
}
