package trade

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/options-indexer/internal/event"
	"github.com/atmx/options-indexer/internal/ident"
	"github.com/atmx/options-indexer/internal/metrics"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/period"
	"github.com/atmx/options-indexer/internal/snapshot"
)

func (s *Service) marketCreated(ctx context.Context, e *event.MarketCreated) error {
	id := ident.FromAddress(e.Market)
	existing, err := s.st.Markets.Find(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		s.log.Debug("market already indexed", "market", id, "block", e.Block)
		return nil
	}

	m := &model.Market{
		ID:             id,
		Name:           e.Name,
		Pool:           ident.FromAddress(e.Pool),
		ActiveBoardIDs: []string{},
	}
	if e.PoolHedger != (common.Address{}) {
		m.PoolHedger = ident.FromAddress(e.PoolHedger)
		if err := s.st.PoolHedgers.Put(ctx, m.PoolHedger, &model.PoolHedger{ID: m.PoolHedger, Market: id}); err != nil {
			return err
		}
	}
	if err := s.st.Pools.Put(ctx, m.Pool, &model.Pool{ID: m.Pool, Market: id}); err != nil {
		return err
	}
	if err := s.st.Markets.Put(ctx, id, m); err != nil {
		return err
	}

	metrics.ActiveMarkets.Inc()
	s.log.Info("market created", "market", id, "name", e.Name, "pool", m.Pool, "block", e.Block)
	return nil
}

func (s *Service) greekCacheParamsSet(ctx context.Context, e *event.GreekCacheParamsSet) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	m.RateAndCarry = e.RateAndCarry
	return s.st.Markets.Put(ctx, m.ID, m)
}

// priceUpdated folds the rate into the candles and, once per smallest hourly
// period, reprices every live strike of the market's active boards.
func (s *Service) priceUpdated(ctx context.Context, e *event.PriceUpdated) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}

	candles, err := s.engine.UpdateCandles(ctx, m, e.Rate, e.Timestamp, e.Block)
	if err != nil {
		return err
	}
	if s.hub != nil {
		for _, c := range candles {
			s.hub.Broadcast(candleMessage(c))
		}
	}

	idx := period.Index(e.Timestamp, s.basePeriod())
	if idx == m.LastGreekSnapshotPeriodID {
		return nil
	}
	m.LastGreekSnapshotPeriodID = idx

	p := s.engine.LargestApplicable(e.Timestamp)
	var net snapshot.Exposure
	for _, id := range m.ActiveBoardIDs {
		b, err := s.board(ctx, id)
		if err == nil {
			var x snapshot.Exposure
			x, err = s.engine.RefreshBoardGreeks(ctx, m, b, p, e.Timestamp, e.Block)
			net = net.Add(x)
		}
		if err := s.tolerate(snapshot.FamilyStrikeGreeks, id, e.Meta, err); err != nil {
			return err
		}
	}

	m.NetGamma = net.Gamma
	m.NetTheta = net.Theta
	return s.st.Markets.Put(ctx, m.ID, m)
}

// greekCacheRefreshed records the market's net greeks and, once per smallest
// hourly period, the pool valuation. The two families fail independently.
func (s *Service) greekCacheRefreshed(ctx context.Context, e *event.GreekCacheRefreshed) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}

	err = s.engine.RecordMarketGreeks(ctx, m, e.Timestamp, e.Block, e.NetDelta, e.NetStdVega)
	if err := s.tolerate(snapshot.FamilyMarketGreeks, m.ID, e.Meta, err); err != nil {
		return err
	}

	done, err := s.engine.TotalValueRecorded(ctx, m.ID, e.Timestamp)
	if err != nil || done {
		return err
	}
	if e.Liquidity == nil {
		return s.tolerate(snapshot.FamilyMarketTotalValue, m.ID, e.Meta, ErrStaleOrReverted)
	}
	err = s.engine.RecordMarketTotalValue(ctx, m, e.Timestamp, e.Block, e.NetOptionValue, snapshot.Liquidity(*e.Liquidity))
	return s.tolerate(snapshot.FamilyMarketTotalValue, m.ID, e.Meta, err)
}

// poolHedgerUpdated points the market at a replacement hedger. Exposure
// history stays with the previous hedger.
func (s *Service) poolHedgerUpdated(ctx context.Context, e *event.PoolHedgerUpdated) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	id := ident.FromAddress(e.PoolHedger)
	h, err := s.st.PoolHedgers.Find(ctx, id)
	if err != nil {
		return err
	}
	if h == nil {
		h = &model.PoolHedger{ID: id}
	}
	h.Market = m.ID
	if err := s.st.PoolHedgers.Put(ctx, id, h); err != nil {
		return err
	}

	previous := m.PoolHedger
	m.PoolHedger = id
	if err := s.st.Markets.Put(ctx, m.ID, m); err != nil {
		return err
	}
	s.log.Info("pool hedger updated", "market", m.ID, "hedger", id, "previous", previous, "block", e.Block)
	return nil
}

func (s *Service) hedgerPositionUpdated(ctx context.Context, e *event.HedgerPositionUpdated) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	h, err := s.st.PoolHedgers.Get(ctx, m.PoolHedger)
	if err != nil {
		return missing("pool hedger", m.PoolHedger, err)
	}
	return s.engine.RecordPoolHedgerExposure(ctx, h, e.Timestamp, e.Block, e.CurrentNetDelta)
}

func (s *Service) baseBalanceChanged(ctx context.Context, e *event.BaseBalanceChanged) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	pool, err := s.pool(ctx, m)
	if err != nil {
		return err
	}
	pool.BaseBalance = pool.BaseBalance.Add(e.Delta)
	return s.st.Pools.Put(ctx, pool.ID, pool)
}
