package trade

import (
	"context"

	"github.com/atmx/options-indexer/internal/event"
	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/ident"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/snapshot"
)

func (s *Service) boardCreated(ctx context.Context, e *event.BoardCreated) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}

	id := ident.Board(m.ID, e.BoardID)
	b, err := s.st.Boards.Find(ctx, id)
	if err != nil {
		return err
	}
	if b == nil {
		b = &model.Board{
			ID:              id,
			Market:          m.ID,
			BoardID:         e.BoardID,
			ExpiryTimestamp: e.Expiry,
			StrikeIDs:       []string{},
		}
	}

	m.AddBoard(id)
	if err := s.st.Markets.Put(ctx, m.ID, m); err != nil {
		return err
	}
	if err := s.engine.RecordBoardBaseIV(ctx, b, e.Timestamp, e.Block, e.BaseIV, fixed.Scaled18{}); err != nil {
		return err
	}

	s.log.Info("board created", "board", id, "expiry", e.Expiry, "block", e.Block)
	return nil
}

// boardBaseIVSet snapshots the new base IV and reprices every strike of the
// board while it is live.
func (s *Service) boardBaseIVSet(ctx context.Context, e *event.BoardBaseIVSet) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	b, err := s.board(ctx, ident.Board(m.ID, e.BoardID))
	if err != nil {
		return err
	}

	if err := s.engine.RecordBoardBaseIV(ctx, b, e.Timestamp, e.Block, e.BaseIV, b.IVVariance); err != nil {
		return err
	}
	return s.refreshBoard(ctx, m, b, e.Meta)
}

// refreshBoard reprices board b and folds its new exposure into the
// market's net gamma and theta. Other active boards contribute the exposure
// of their last refresh.
func (s *Service) refreshBoard(ctx context.Context, m *model.Market, b *model.Board, meta event.Meta) error {
	if _, err := s.engine.RefreshBoardGreeks(ctx, m, b, s.basePeriod(), meta.Timestamp, meta.Block); err != nil {
		return err
	}

	var net snapshot.Exposure
	for _, id := range m.ActiveBoardIDs {
		other := b
		if id != b.ID {
			var err error
			if other, err = s.st.Boards.Find(ctx, id); err != nil {
				return err
			}
			if other == nil {
				continue
			}
		}
		net = net.Add(snapshot.Exposure{Gamma: other.NetGamma, Theta: other.NetTheta})
	}

	m.NetGamma = net.Gamma
	m.NetTheta = net.Theta
	return s.st.Markets.Put(ctx, m.ID, m)
}

func (s *Service) boardFrozen(ctx context.Context, e *event.BoardFrozen) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	b, err := s.board(ctx, ident.Board(m.ID, e.BoardID))
	if err != nil {
		return err
	}
	b.IsPaused = e.Frozen
	return s.st.Boards.Put(ctx, b.ID, b)
}

// boardSettled expires the board with its strikes and options, zeroes every
// option's open interest and removes the expired interest from the market
// totals.
func (s *Service) boardSettled(ctx context.Context, e *event.BoardSettled) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	b, err := s.board(ctx, ident.Board(m.ID, e.BoardID))
	if err != nil {
		return err
	}

	b.IsExpired = true
	b.SpotPriceAtExpiry = e.SpotPriceAtExpiry
	if err := s.st.Boards.Put(ctx, b.ID, b); err != nil {
		return err
	}

	var expired snapshot.MarketVolumeDelta
	for _, id := range b.StrikeIDs {
		err := s.expireStrike(ctx, id, e.Meta, &expired)
		if err := s.tolerate(snapshot.FamilyOptionVolume, id, e.Meta, err); err != nil {
			return err
		}
	}

	m.RemoveBoard(b.ID)
	expired.LongCallOI = expired.LongCallOI.Neg()
	expired.ShortCallOI = expired.ShortCallOI.Neg()
	expired.LongPutOI = expired.LongPutOI.Neg()
	expired.ShortPutOI = expired.ShortPutOI.Neg()
	if err := s.engine.RecordMarketVolumeAndFees(ctx, m, e.Timestamp, e.Block, expired); err != nil {
		return err
	}

	s.log.Info("board settled", "board", b.ID, "spot_at_expiry", e.SpotPriceAtExpiry.Units(), "block", e.Block)
	return nil
}

// expireStrike flags the strike and both options expired and unwinds each
// option's open interest, adding the unwound amounts to acc.
func (s *Service) expireStrike(ctx context.Context, id string, meta event.Meta, acc *snapshot.MarketVolumeDelta) error {
	st, err := s.strike(ctx, id)
	if err != nil {
		return err
	}
	call, err := s.option(ctx, st.CallOption)
	if err != nil {
		return err
	}
	put, err := s.option(ctx, st.PutOption)
	if err != nil {
		return err
	}

	st.IsExpired = true
	if err := s.st.Strikes.Put(ctx, st.ID, st); err != nil {
		return err
	}

	for _, o := range []*model.Option{call, put} {
		o.IsExpired = true

		var long, short fixed.Scaled18
		if o.LatestOptionVolume != "" {
			v, err := s.st.OptionVolume.Get(ctx, o.LatestOptionVolume)
			if err != nil {
				return missing("option volume", o.LatestOptionVolume, err)
			}
			long, short = v.LongOpenInterest, v.ShortOpenInterest
		}
		if o.IsCall {
			acc.LongCallOI = acc.LongCallOI.Add(long)
			acc.ShortCallOI = acc.ShortCallOI.Add(short)
		} else {
			acc.LongPutOI = acc.LongPutOI.Add(long)
			acc.ShortPutOI = acc.ShortPutOI.Add(short)
		}

		d := snapshot.OptionVolumeDelta{LongOI: long.Neg(), ShortOI: short.Neg()}
		if err := s.engine.RecordOptionVolume(ctx, o, meta.Timestamp, meta.Block, d); err != nil {
			return err
		}
	}
	return nil
}

// strikeAdded lists a strike with its call and put options and prices it
// when the board is live and a spot price is known.
func (s *Service) strikeAdded(ctx context.Context, e *event.StrikeAdded) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	b, err := s.board(ctx, ident.Board(m.ID, e.BoardID))
	if err != nil {
		return err
	}

	id := ident.Strike(m.ID, e.StrikeID)
	st := &model.Strike{
		ID:          id,
		Market:      m.ID,
		Board:       b.ID,
		StrikeID:    e.StrikeID,
		StrikePrice: e.StrikePrice,
		Skew:        e.Skew,
		IV:          b.BaseIV.Mul(e.Skew),
		CallOption:  ident.Option(id, true),
		PutOption:   ident.Option(id, false),
	}
	if err := s.st.Strikes.Put(ctx, id, st); err != nil {
		return err
	}

	for _, isCall := range []bool{true, false} {
		o := &model.Option{
			ID:     ident.Option(id, isCall),
			Market: m.ID,
			Board:  b.ID,
			Strike: id,
			IsCall: isCall,
		}
		if err := s.engine.InitOption(ctx, o, e.Timestamp, e.Block); err != nil {
			return err
		}
	}

	b.AddStrike(id)
	if err := s.st.Boards.Put(ctx, b.ID, b); err != nil {
		return err
	}

	_, err = s.engine.RefreshStrikeGreeks(ctx, m, b, st, s.basePeriod(), e.Timestamp, e.Block)
	if err := s.tolerate(snapshot.FamilyStrikeGreeks, id, e.Meta, err); err != nil {
		return err
	}

	s.log.Info("strike added", "strike", id, "strike_price", e.StrikePrice.Units(), "block", e.Block)
	return nil
}

func (s *Service) strikeSkewSet(ctx context.Context, e *event.StrikeSkewSet) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	st, err := s.strike(ctx, ident.Strike(m.ID, e.StrikeID))
	if err != nil {
		return err
	}
	b, err := s.board(ctx, st.Board)
	if err != nil {
		return err
	}

	st.Skew = e.Skew
	st.IV = b.BaseIV.Mul(e.Skew)
	if err := s.st.Strikes.Put(ctx, st.ID, st); err != nil {
		return err
	}
	_, err = s.engine.RefreshStrikeGreeks(ctx, m, b, st, s.basePeriod(), e.Timestamp, e.Block)
	return err
}

func (s *Service) strikeCacheUpdated(ctx context.Context, e *event.StrikeCacheUpdated) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	st, err := s.strike(ctx, ident.Strike(m.ID, e.StrikeID))
	if err != nil {
		return err
	}
	return s.engine.RecordStrikeCache(ctx, st, e.Timestamp, e.Block, e.Skew, e.SkewVariance)
}
