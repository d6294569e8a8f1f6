package snapshot

import (
	"context"

	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/period"
)

// UpdateCandles folds a spot rate into every candle period, filling skipped
// periods with flat candles, then records the rate on the market and
// persists it.
func (e *Engine) UpdateCandles(ctx context.Context, m *model.Market, rate fixed.Scaled18, ts, block int64) ([]model.SpotPriceSnapshot, error) {
	out := make([]model.SpotPriceSnapshot, 0, len(e.candles))
	for _, p := range e.candles {
		c, err := e.updateCandle(ctx, m, p, rate, ts, block)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}

	m.LatestSpotPrice = rate
	m.LatestRateUpdateTimestamp = ts
	m.HasRate = true
	if err := e.st.Markets.Put(ctx, m.ID, m); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) updateCandle(ctx context.Context, m *model.Market, p int64, rate fixed.Scaled18, ts, block int64) (*model.SpotPriceSnapshot, error) {
	idx := period.Index(ts, p)
	candle, err := e.st.SpotPrices.Find(ctx, period.BucketIDFromIndex(m.ID, p, idx))
	if err != nil {
		return nil, err
	}

	if candle == nil {
		last, err := e.previousCandle(ctx, m, p, idx, ts, block)
		if err != nil {
			return nil, err
		}
		candle = &model.SpotPriceSnapshot{
			Bucket: newBucket(m.ID, p, ts, block),
			Market: m.ID,
			Open:   rate,
			High:   rate,
			Low:    rate,
			Close:  rate,
		}
		if last != nil {
			candle.Open = last.Close
			candle.Widen(last.Close)
		}
	}

	candle.Widen(rate)
	candle.Close = rate
	candle.SpotPrice = rate
	if err := e.st.SpotPrices.Put(ctx, candle.ID, candle); err != nil {
		return nil, err
	}
	written(FamilyCandles)
	return candle, nil
}

// previousCandle returns the candle of bucket idx-1, synthesizing flat
// candles for every bucket skipped since the market's last rate update.
func (e *Engine) previousCandle(ctx context.Context, m *model.Market, p, idx, ts, block int64) (*model.SpotPriceSnapshot, error) {
	if idx == 0 {
		return nil, nil
	}
	lastID := period.BucketIDFromIndex(m.ID, p, idx-1)
	last, err := e.st.SpotPrices.Find(ctx, lastID)
	if err != nil || last != nil {
		return last, err
	}
	if !m.HasRate || m.LatestRateUpdateTimestamp == ts {
		return nil, nil
	}

	prevIdx := period.Index(m.LatestRateUpdateTimestamp, p)
	if prevIdx >= idx-1 {
		return nil, nil
	}
	prev, err := e.st.SpotPrices.Find(ctx, period.BucketIDFromIndex(m.ID, p, prevIdx))
	if err != nil {
		return nil, err
	}
	if prev == nil {
		e.log.Warn("candle gap without a prior candle",
			"market", m.ID, "period", p, "ts", ts, "block", block)
		return nil, nil
	}

	var blockStep int64
	if gap := (ts - m.LatestRateUpdateTimestamp) / p; gap > 0 {
		blockStep = (block - prev.BlockNumber) / gap
	}
	for i := prevIdx + 1; i < idx; i++ {
		end := (i + 1) * p
		flat := &model.SpotPriceSnapshot{
			Bucket: model.Bucket{
				ID:             period.BucketIDFromIndex(m.ID, p, i),
				Period:         p,
				Timestamp:      end,
				BlockTimestamp: end,
				BlockNumber:    prev.BlockNumber + blockStep,
			},
			Market:    m.ID,
			SpotPrice: prev.Close,
			Open:      prev.Close,
			High:      prev.Close,
			Low:       prev.Close,
			Close:     prev.Close,
		}
		if err := e.st.SpotPrices.Put(ctx, flat.ID, flat); err != nil {
			return nil, err
		}
		written(FamilyCandles)
		prev = flat
	}
	return prev, nil
}
