package snapshot

import (
	"context"

	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/period"
)

// MarketVolumeDelta is the change one trade (or settlement) applies to a
// market's volume, fee and open interest ledgers.
type MarketVolumeDelta struct {
	PremiumVolume     fixed.Scaled18
	NotionalVolume    fixed.Scaled18
	SpotPriceFees     fixed.Scaled18
	OptionPriceFees   fixed.Scaled18
	VegaFees          fixed.Scaled18
	VarianceFees      fixed.Scaled18
	DeltaCutoffFees   fixed.Scaled18
	LiquidatorFees    fixed.Scaled18
	SMLiquidationFees fixed.Scaled18
	LPLiquidationFees fixed.Scaled18

	LongCallOI  fixed.Scaled18
	ShortCallOI fixed.Scaled18
	LongPutOI   fixed.Scaled18
	ShortPutOI  fixed.Scaled18
}

// OptionVolumeDelta is the change one trade applies to an option's ledger.
type OptionVolumeDelta struct {
	PremiumVolume  fixed.Scaled18
	NotionalVolume fixed.Scaled18
	LongOI         fixed.Scaled18
	ShortOI        fixed.Scaled18
}

// RecordMarketVolumeAndFees applies d to the current bucket of every hourly
// period. New buckets start with zero per-period fields and carry the
// cumulative totals of the market's latest bucket.
func (e *Engine) RecordMarketVolumeAndFees(ctx context.Context, m *model.Market, ts, block int64, d MarketVolumeDelta) error {
	var last string
	for _, p := range e.hourly {
		id := period.BucketID(m.ID, p, ts)
		snap, err := loadOrCreate(ctx, e.st.MarketVolumeAndFees, id, func() (*model.MarketVolumeAndFeesSnapshot, error) {
			prior, err := latest(ctx, e.st.MarketVolumeAndFees, m.LatestVolumeAndFees)
			if err != nil {
				return nil, err
			}
			snap := &model.MarketVolumeAndFeesSnapshot{Bucket: newBucket(m.ID, p, ts, block), Market: m.ID}
			if prior != nil {
				snap.TotalPremiumVolume = prior.TotalPremiumVolume
				snap.TotalNotionalVolume = prior.TotalNotionalVolume
				snap.TotalLongCallOpenInterest = prior.TotalLongCallOpenInterest
				snap.TotalShortCallOpenInterest = prior.TotalShortCallOpenInterest
				snap.TotalLongPutOpenInterest = prior.TotalLongPutOpenInterest
				snap.TotalShortPutOpenInterest = prior.TotalShortPutOpenInterest
			}
			return snap, nil
		})
		if err != nil {
			return err
		}

		snap.Touch(ts, block)
		snap.PremiumVolume = snap.PremiumVolume.Add(d.PremiumVolume)
		snap.NotionalVolume = snap.NotionalVolume.Add(d.NotionalVolume)
		snap.SpotPriceFees = snap.SpotPriceFees.Add(d.SpotPriceFees)
		snap.OptionPriceFees = snap.OptionPriceFees.Add(d.OptionPriceFees)
		snap.VegaFees = snap.VegaFees.Add(d.VegaFees)
		snap.VarianceFees = snap.VarianceFees.Add(d.VarianceFees)
		snap.DeltaCutoffFees = snap.DeltaCutoffFees.Add(d.DeltaCutoffFees)
		snap.LiquidatorFees = snap.LiquidatorFees.Add(d.LiquidatorFees)
		snap.SMLiquidationFees = snap.SMLiquidationFees.Add(d.SMLiquidationFees)
		snap.LPLiquidationFees = snap.LPLiquidationFees.Add(d.LPLiquidationFees)

		snap.TotalPremiumVolume = snap.TotalPremiumVolume.Add(d.PremiumVolume)
		snap.TotalNotionalVolume = snap.TotalNotionalVolume.Add(d.NotionalVolume)
		snap.TotalLongCallOpenInterest = snap.TotalLongCallOpenInterest.Add(d.LongCallOI)
		snap.TotalShortCallOpenInterest = snap.TotalShortCallOpenInterest.Add(d.ShortCallOI)
		snap.TotalLongPutOpenInterest = snap.TotalLongPutOpenInterest.Add(d.LongPutOI)
		snap.TotalShortPutOpenInterest = snap.TotalShortPutOpenInterest.Add(d.ShortPutOI)

		// USD open interest is revalued at the market's latest spot.
		spot := m.LatestSpotPrice
		snap.TotalLongCallOpenInterestUSD = snap.TotalLongCallOpenInterest.Mul(spot)
		snap.TotalShortCallOpenInterestUSD = snap.TotalShortCallOpenInterest.Mul(spot)
		snap.TotalLongPutOpenInterestUSD = snap.TotalLongPutOpenInterest.Mul(spot)
		snap.TotalShortPutOpenInterestUSD = snap.TotalShortPutOpenInterest.Mul(spot)

		if err := e.st.MarketVolumeAndFees.Put(ctx, snap.ID, snap); err != nil {
			return err
		}
		written(FamilyMarketVolume)
		last = snap.ID
	}

	m.LatestVolumeAndFees = last
	return e.st.Markets.Put(ctx, m.ID, m)
}

// RecordOptionVolume applies d to the current bucket of every hourly period
// of option o, carrying cumulative totals forward into new buckets.
func (e *Engine) RecordOptionVolume(ctx context.Context, o *model.Option, ts, block int64, d OptionVolumeDelta) error {
	var last string
	for _, p := range e.hourly {
		snap, err := e.optionVolumeBucket(ctx, o, p, ts, block)
		if err != nil {
			return err
		}

		snap.Touch(ts, block)
		snap.PremiumVolume = snap.PremiumVolume.Add(d.PremiumVolume)
		snap.NotionalVolume = snap.NotionalVolume.Add(d.NotionalVolume)
		snap.TotalPremiumVolume = snap.TotalPremiumVolume.Add(d.PremiumVolume)
		snap.TotalNotionalVolume = snap.TotalNotionalVolume.Add(d.NotionalVolume)
		snap.LongOpenInterest = snap.LongOpenInterest.Add(d.LongOI)
		snap.ShortOpenInterest = snap.ShortOpenInterest.Add(d.ShortOI)

		if err := e.st.OptionVolume.Put(ctx, snap.ID, snap); err != nil {
			return err
		}
		written(FamilyOptionVolume)
		last = snap.ID
	}

	o.LatestOptionVolume = last
	return e.st.Options.Put(ctx, o.ID, o)
}

// optionVolumeBucket loads or creates the option's bucket for p. The prior
// bucket is read from the option's pointer, which is only moved after the
// whole fan-out, so every period carries from the same snapshot.
func (e *Engine) optionVolumeBucket(ctx context.Context, o *model.Option, p, ts, block int64) (*model.OptionVolumeSnapshot, error) {
	return loadOrCreate(ctx, e.st.OptionVolume, period.BucketID(o.ID, p, ts), func() (*model.OptionVolumeSnapshot, error) {
		prior, err := latest(ctx, e.st.OptionVolume, o.LatestOptionVolume)
		if err != nil {
			return nil, err
		}
		snap := &model.OptionVolumeSnapshot{Bucket: newBucket(o.ID, p, ts, block), Option: o.ID}
		if prior != nil {
			snap.TotalPremiumVolume = prior.TotalPremiumVolume
			snap.TotalNotionalVolume = prior.TotalNotionalVolume
			snap.LongOpenInterest = prior.LongOpenInterest
			snap.ShortOpenInterest = prior.ShortOpenInterest
		}
		return snap, nil
	})
}

// RecordPendingLiquidity applies queued deposit and withdrawal changes to
// every hourly bucket of the pool.
func (e *Engine) RecordPendingLiquidity(ctx context.Context, pool *model.Pool, ts, block int64, depositDelta, withdrawalDelta fixed.Scaled18) error {
	var last string
	for _, p := range e.hourly {
		snap, err := loadOrCreate(ctx, e.st.PendingLiquidity, period.BucketID(pool.ID, p, ts), func() (*model.PoolPendingLiquiditySnapshot, error) {
			prior, err := latest(ctx, e.st.PendingLiquidity, pool.LatestPendingLiquidity)
			if err != nil {
				return nil, err
			}
			snap := &model.PoolPendingLiquiditySnapshot{
				Bucket: newBucket(pool.ID, p, ts, block),
				Pool:   pool.ID,
				Market: pool.Market,
			}
			if prior != nil {
				snap.PendingDepositAmount = prior.PendingDepositAmount
				snap.PendingWithdrawalAmount = prior.PendingWithdrawalAmount
			}
			return snap, nil
		})
		if err != nil {
			return err
		}

		snap.Touch(ts, block)
		snap.PendingDepositAmount = snap.PendingDepositAmount.Add(depositDelta)
		snap.PendingWithdrawalAmount = snap.PendingWithdrawalAmount.Add(withdrawalDelta)
		if err := e.st.PendingLiquidity.Put(ctx, snap.ID, snap); err != nil {
			return err
		}
		written(FamilyPendingLiquidity)
		last = snap.ID
	}

	pool.LatestPendingLiquidity = last
	return e.st.Pools.Put(ctx, pool.ID, pool)
}

// RecordPoolHedgerExposure stores the hedger's current net delta in every
// hourly bucket.
func (e *Engine) RecordPoolHedgerExposure(ctx context.Context, h *model.PoolHedger, ts, block int64, netDelta fixed.Scaled18) error {
	var last string
	for _, p := range e.hourly {
		snap, err := loadOrCreate(ctx, e.st.PoolHedgerExposure, period.BucketID(h.ID, p, ts), func() (*model.PoolHedgerExposureSnapshot, error) {
			return &model.PoolHedgerExposureSnapshot{Bucket: newBucket(h.ID, p, ts, block), PoolHedger: h.ID}, nil
		})
		if err != nil {
			return err
		}

		snap.Touch(ts, block)
		snap.CurrentNetDelta = netDelta
		if err := e.st.PoolHedgerExposure.Put(ctx, snap.ID, snap); err != nil {
			return err
		}
		written(FamilyHedgerExposure)
		last = snap.ID
	}

	h.LatestPoolHedgerExposure = last
	return e.st.PoolHedgers.Put(ctx, h.ID, h)
}
