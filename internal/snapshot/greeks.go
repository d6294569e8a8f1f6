package snapshot

import (
	"context"

	"github.com/atmx/options-indexer/internal/blackscholes"
	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/period"
)

// Exposure is an open-interest weighted gamma and theta contribution.
type Exposure struct {
	Gamma fixed.Scaled18
	Theta fixed.Scaled18
}

// Add returns the sum of two exposures.
func (x Exposure) Add(o Exposure) Exposure {
	return Exposure{Gamma: x.Gamma.Add(o.Gamma), Theta: x.Theta.Add(o.Theta)}
}

// pointInTime returns the period to write an overwrite-style snapshot at,
// and the largest period when its bucket must be forced into existence.
// forced is zero when no extra bucket is needed.
func (e *Engine) pointInTime(subject string, ts int64, exists func(id string) (bool, error)) (p, forced int64, err error) {
	p = e.LargestApplicable(ts)
	largest := e.hourly[len(e.hourly)-1]
	if p != e.hourly[0] || p == largest {
		return p, 0, nil
	}
	ok, err := exists(period.BucketID(subject, largest, ts))
	if err != nil || ok {
		return p, 0, err
	}
	return p, largest, nil
}

// RecordMarketGreeks writes the market's net greeks at the largest
// applicable period. The global net delta combines the pool's base balance,
// the hedger's latest exposure and the options' net delta.
func (e *Engine) RecordMarketGreeks(ctx context.Context, m *model.Market, ts, block int64, netDelta, netStdVega fixed.Scaled18) error {
	pool, err := e.st.Pools.Get(ctx, m.Pool)
	if err != nil {
		return err
	}
	hedgerDelta, err := e.hedgerDelta(ctx, m)
	if err != nil {
		return err
	}

	p, forced, err := e.pointInTime(m.ID, ts, func(id string) (bool, error) {
		s, err := e.st.MarketGreeks.Find(ctx, id)
		return s != nil, err
	})
	if err != nil {
		return err
	}

	snap := model.MarketGreeksSnapshot{
		Market:         m.ID,
		NetDelta:       netDelta,
		NetStdVega:     netStdVega,
		NetGamma:       m.NetGamma,
		NetTheta:       m.NetTheta,
		PoolNetDelta:   pool.BaseBalance,
		HedgerNetDelta: hedgerDelta,
		GlobalNetDelta: pool.BaseBalance.Add(hedgerDelta).Sub(netDelta),
		SpotPrice:      m.LatestSpotPrice,
	}
	if forced != 0 {
		daily := snap
		daily.Bucket = newBucket(m.ID, forced, ts, block)
		if err := e.st.MarketGreeks.Put(ctx, daily.ID, &daily); err != nil {
			return err
		}
		written(FamilyMarketGreeks)
	}
	snap.Bucket = newBucket(m.ID, p, ts, block)
	if err := e.st.MarketGreeks.Put(ctx, snap.ID, &snap); err != nil {
		return err
	}
	written(FamilyMarketGreeks)

	m.NetDelta = netDelta
	m.NetStdVega = netStdVega
	m.LatestGreeks = snap.ID
	return e.st.Markets.Put(ctx, m.ID, m)
}

// hedgerDelta is the current net delta of the market's hedger, or zero when
// the market has no hedger or it has not reported yet.
func (e *Engine) hedgerDelta(ctx context.Context, m *model.Market) (fixed.Scaled18, error) {
	if m.PoolHedger == "" {
		return fixed.Scaled18{}, nil
	}
	h, err := e.st.PoolHedgers.Find(ctx, m.PoolHedger)
	if err != nil || h == nil {
		return fixed.Scaled18{}, err
	}
	exp, err := latest(ctx, e.st.PoolHedgerExposure, h.LatestPoolHedgerExposure)
	if err != nil || exp == nil {
		return fixed.Scaled18{}, err
	}
	return exp.CurrentNetDelta, nil
}

// RecordBoardBaseIV sets the board's base IV and variance and snapshots
// them at the largest applicable period, persisting the board.
func (e *Engine) RecordBoardBaseIV(ctx context.Context, b *model.Board, ts, block int64, baseIV, ivVariance fixed.Scaled18) error {
	b.BaseIV = baseIV
	b.IVVariance = ivVariance

	p, forced, err := e.pointInTime(b.ID, ts, func(id string) (bool, error) {
		s, err := e.st.BoardBaseIV.Find(ctx, id)
		return s != nil, err
	})
	if err != nil {
		return err
	}

	periods := []int64{p}
	if forced != 0 {
		periods = append(periods, forced)
	}
	for _, p := range periods {
		snap := &model.BoardBaseIVSnapshot{
			Bucket:     newBucket(b.ID, p, ts, block),
			Board:      b.ID,
			BaseIV:     baseIV,
			IVVariance: ivVariance,
		}
		if err := e.st.BoardBaseIV.Put(ctx, snap.ID, snap); err != nil {
			return err
		}
		written(FamilyBoardBaseIV)
	}
	return e.st.Boards.Put(ctx, b.ID, b)
}

// RefreshStrikeGreeks reprices strike s from its skew and the board's base
// IV, writes the strike and both option snapshots at period p, and returns
// the strike's exposure weighted by each option's net open interest.
// Strikes at or past expiry are left untouched.
func (e *Engine) RefreshStrikeGreeks(ctx context.Context, m *model.Market, b *model.Board, s *model.Strike, p, ts, block int64) (Exposure, error) {
	if ts >= b.ExpiryTimestamp {
		e.log.Debug("strike past expiry, greeks not refreshed", "strike", s.ID, "ts", ts, "block", block)
		return Exposure{}, nil
	}

	call, err := e.st.Options.Get(ctx, s.CallOption)
	if err != nil {
		return Exposure{}, err
	}
	put, err := e.st.Options.Get(ctx, s.PutOption)
	if err != nil {
		return Exposure{}, err
	}

	iv := s.Skew.Mul(b.BaseIV)
	g, err := blackscholes.CalculateGreeks(b.ExpiryTimestamp-ts, iv, m.LatestSpotPrice, s.StrikePrice, m.RateAndCarry)
	if err != nil {
		return Exposure{}, err
	}
	s.IV = iv

	strikeSnap := &model.StrikeIVAndGreeksSnapshot{
		Bucket:       newBucket(s.ID, p, ts, block),
		Strike:       s.ID,
		Board:        s.Board,
		Skew:         s.Skew,
		SkewVariance: s.SkewVariance,
		IV:           iv,
		Gamma:        g.Gamma,
		Vega:         g.Vega,
	}
	if err := e.st.StrikeIVAndGreeks.Put(ctx, strikeSnap.ID, strikeSnap); err != nil {
		return Exposure{}, err
	}
	written(FamilyStrikeGreeks)

	sides := []struct {
		opt   *model.Option
		price fixed.Scaled18
		delta fixed.Scaled18
		theta fixed.Scaled18
		rho   fixed.Scaled18
	}{
		{call, g.CallPrice, g.CallDelta, g.CallTheta, g.CallRho},
		{put, g.PutPrice, g.PutDelta, g.PutTheta, g.PutRho},
	}

	var x Exposure
	for _, side := range sides {
		snap := &model.OptionPriceAndGreeksSnapshot{
			Bucket:      newBucket(side.opt.ID, p, ts, block),
			Option:      side.opt.ID,
			OptionPrice: side.price,
			Delta:       side.delta,
			Theta:       side.theta,
			Rho:         side.rho,
		}
		if err := e.st.OptionPriceAndGreeks.Put(ctx, snap.ID, snap); err != nil {
			return Exposure{}, err
		}
		written(FamilyOptionGreeks)

		side.opt.LatestOptionPriceAndGreeks = snap.ID
		if err := e.st.Options.Put(ctx, side.opt.ID, side.opt); err != nil {
			return Exposure{}, err
		}

		oi, err := e.netOpenInterest(ctx, side.opt)
		if err != nil {
			return Exposure{}, err
		}
		x.Gamma = x.Gamma.Add(g.Gamma.Mul(oi))
		x.Theta = x.Theta.Add(side.theta.Mul(oi))
	}

	s.LatestStrikeIVAndGreeks = strikeSnap.ID
	if err := e.st.Strikes.Put(ctx, s.ID, s); err != nil {
		return Exposure{}, err
	}
	return x, nil
}

// netOpenInterest is long minus short open interest from the option's
// latest volume bucket.
func (e *Engine) netOpenInterest(ctx context.Context, o *model.Option) (fixed.Scaled18, error) {
	v, err := latest(ctx, e.st.OptionVolume, o.LatestOptionVolume)
	if err != nil || v == nil {
		return fixed.Scaled18{}, err
	}
	return v.LongOpenInterest.Sub(v.ShortOpenInterest), nil
}

// RefreshBoardGreeks refreshes every strike of a live board at period p and
// stores the summed exposure on the board. A strike whose refresh fails on
// a domain error is logged and left out of the sum.
func (e *Engine) RefreshBoardGreeks(ctx context.Context, m *model.Market, b *model.Board, p, ts, block int64) (Exposure, error) {
	if ts >= b.ExpiryTimestamp {
		return Exposure{}, nil
	}

	var total Exposure
	for _, id := range b.StrikeIDs {
		s, err := e.st.Strikes.Get(ctx, id)
		if err == nil {
			var x Exposure
			x, err = e.RefreshStrikeGreeks(ctx, m, b, s, p, ts, block)
			total = total.Add(x)
		}
		if err := e.guard(FamilyStrikeGreeks, id, ts, block, err); err != nil {
			return Exposure{}, err
		}
	}

	b.NetGamma = total.Gamma
	b.NetTheta = total.Theta
	if err := e.st.Boards.Put(ctx, b.ID, b); err != nil {
		return Exposure{}, err
	}
	return total, nil
}

// RecordStrikeCache sets the strike's skew and skew variance and records
// them at the largest applicable period. A new bucket inherits IV, gamma
// and vega from the strike's latest snapshot; an existing one only takes
// the new skew variance.
func (e *Engine) RecordStrikeCache(ctx context.Context, s *model.Strike, ts, block int64, skew, skewVariance fixed.Scaled18) error {
	s.Skew = skew
	s.SkewVariance = skewVariance

	p := e.LargestApplicable(ts)
	snap, err := loadOrCreate(ctx, e.st.StrikeIVAndGreeks, period.BucketID(s.ID, p, ts), func() (*model.StrikeIVAndGreeksSnapshot, error) {
		prior, err := latest(ctx, e.st.StrikeIVAndGreeks, s.LatestStrikeIVAndGreeks)
		if err != nil {
			return nil, err
		}
		snap := &model.StrikeIVAndGreeksSnapshot{
			Bucket: newBucket(s.ID, p, ts, block),
			Strike: s.ID,
			Board:  s.Board,
			Skew:   skew,
			IV:     s.IV,
		}
		if prior != nil {
			snap.IV = prior.IV
			snap.Gamma = prior.Gamma
			snap.Vega = prior.Vega
		}
		return snap, nil
	})
	if err != nil {
		return err
	}

	snap.Touch(ts, block)
	snap.SkewVariance = skewVariance
	if err := e.st.StrikeIVAndGreeks.Put(ctx, snap.ID, snap); err != nil {
		return err
	}
	written(FamilyStrikeGreeks)

	s.LatestStrikeIVAndGreeks = snap.ID
	return e.st.Strikes.Put(ctx, s.ID, s)
}

// InitOption gives a freshly listed option a zero price snapshot and an
// empty volume bucket at the largest applicable period, then persists it.
func (e *Engine) InitOption(ctx context.Context, o *model.Option, ts, block int64) error {
	p := e.LargestApplicable(ts)

	price := &model.OptionPriceAndGreeksSnapshot{Bucket: newBucket(o.ID, p, ts, block), Option: o.ID}
	if err := e.st.OptionPriceAndGreeks.Put(ctx, price.ID, price); err != nil {
		return err
	}
	written(FamilyOptionGreeks)

	vol, err := e.optionVolumeBucket(ctx, o, p, ts, block)
	if err != nil {
		return err
	}
	if err := e.st.OptionVolume.Put(ctx, vol.ID, vol); err != nil {
		return err
	}
	written(FamilyOptionVolume)

	o.LatestOptionPriceAndGreeks = price.ID
	o.LatestOptionVolume = vol.ID
	return e.st.Options.Put(ctx, o.ID, o)
}
