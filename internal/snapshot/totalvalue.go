package snapshot

import (
	"context"

	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/period"
)

// Liquidity is the pool valuation read on-chain alongside a greek cache
// refresh.
type Liquidity struct {
	TokenPrice            fixed.Scaled18
	NAV                   fixed.Scaled18
	FreeLiquidity         fixed.Scaled18
	BurnableLiquidity     fixed.Scaled18
	UsedCollatLiquidity   fixed.Scaled18
	PendingDeltaLiquidity fixed.Scaled18
	UsedDeltaLiquidity    fixed.Scaled18
}

// TotalValueRecorded reports whether the market's total value has already
// been captured for the smallest hourly bucket containing ts.
func (e *Engine) TotalValueRecorded(ctx context.Context, marketID string, ts int64) (bool, error) {
	snap, err := e.st.MarketTotalValue.Find(ctx, period.BucketID(marketID, e.hourly[0], ts))
	return snap != nil, err
}

// RecordMarketTotalValue writes the pool valuation into every hourly bucket.
// It runs once per smallest period: if that bucket already exists the call
// is a no-op.
func (e *Engine) RecordMarketTotalValue(ctx context.Context, m *model.Market, ts, block int64, netOptionValue fixed.Scaled18, liq Liquidity) error {
	done, err := e.TotalValueRecorded(ctx, m.ID, ts)
	if err != nil || done {
		return err
	}
	pool, err := e.st.Pools.Get(ctx, m.Pool)
	if err != nil {
		return err
	}

	var last string
	for _, p := range e.hourly {
		snap, err := loadOrCreate(ctx, e.st.MarketTotalValue, period.BucketID(m.ID, p, ts), func() (*model.MarketTotalValueSnapshot, error) {
			return &model.MarketTotalValueSnapshot{Bucket: newBucket(m.ID, p, ts, block), Market: m.ID}, nil
		})
		if err != nil {
			return err
		}

		snap.Touch(ts, block)
		snap.NetOptionValue = netOptionValue
		snap.TokenPrice = liq.TokenPrice
		snap.NAV = liq.NAV
		snap.FreeLiquidity = liq.FreeLiquidity
		snap.BurnableLiquidity = liq.BurnableLiquidity
		snap.UsedCollatLiquidity = liq.UsedCollatLiquidity
		snap.PendingDeltaLiquidity = liq.PendingDeltaLiquidity
		snap.UsedDeltaLiquidity = liq.UsedDeltaLiquidity
		snap.BaseBalance = pool.BaseBalance
		snap.PendingDeposits = pool.PendingDeposits
		// Pending withdrawals are queued in pool tokens.
		snap.PendingWithdrawals = pool.PendingWithdrawals.Mul(liq.TokenPrice)

		if err := e.st.MarketTotalValue.Put(ctx, snap.ID, snap); err != nil {
			return err
		}
		written(FamilyMarketTotalValue)
		last = snap.ID
	}

	m.LatestTotalValue = last
	return e.st.Markets.Put(ctx, m.ID, m)
}
