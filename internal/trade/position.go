package trade

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/options-indexer/internal/event"
	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/ident"
	"github.com/atmx/options-indexer/internal/model"
)

// loadOrCreatePosition returns the stored position or a new EMPTY one owned
// by owner.
func (s *Service) loadOrCreatePosition(ctx context.Context, marketID string, positionID int64, owner common.Address, ts int64) (*model.Position, error) {
	id := ident.Position(marketID, positionID)
	pos, err := s.st.Positions.Find(ctx, id)
	if err != nil || pos != nil {
		return pos, err
	}
	return &model.Position{
		ID:            id,
		Market:        marketID,
		PositionID:    positionID,
		Owner:         ident.FromAddress(owner),
		State:         model.StateEmpty,
		OpenTimestamp: ts,
	}, nil
}

// positionUpdated applies the option token's view of a position. State
// transitions come only from this event; a terminal position reported
// active again is logged and still applied.
func (s *Service) positionUpdated(ctx context.Context, e *event.PositionUpdated) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	pos, err := s.loadOrCreatePosition(ctx, m.ID, e.PositionID, e.Owner, e.Timestamp)
	if err != nil {
		return err
	}
	o, err := s.option(ctx, ident.Option(ident.Strike(m.ID, e.StrikeID), e.PositionType.IsCall()))
	if err != nil {
		return err
	}

	if pos.Board == "" {
		pos.Board = o.Board
		pos.Strike = o.Strike
		pos.Option = o.ID
		pos.Type = e.PositionType
		pos.IsLong = e.PositionType.IsLong()
		pos.IsBaseCollateral = e.PositionType.IsBaseCollateral()
	}

	if pos.State.Terminal() && e.State == model.StateActive {
		s.log.Warn("terminal position reported active",
			"position", pos.ID,
			"from", pos.State.String(),
			"block", e.Block,
			"tx", e.TxHash.Hex(),
		)
	}
	pos.State = e.State
	if e.State != model.StateActive {
		pos.CloseTimestamp = e.Timestamp
	}

	if !pos.IsLong {
		if err := s.updateCollateral(ctx, m, pos, e); err != nil {
			return err
		}
	}

	// Settled positions keep their final size.
	if e.State != model.StateSettled {
		pos.Size = e.Amount
	}
	return s.st.Positions.Put(ctx, pos.ID, pos)
}

// updateCollateral tracks a short position's collateral and records the
// change. Settlement releases collateral without a history entry.
func (s *Service) updateCollateral(ctx context.Context, m *model.Market, pos *model.Position, e *event.PositionUpdated) error {
	recorded := e.Collateral
	switch e.State {
	case model.StateSettled:
		pos.Collateral = fixed.Scaled18{}
		return nil
	case model.StateLiquidated:
		recorded = fixed.Scaled18{}
		pos.Collateral = fixed.Scaled18{}
	case model.StateClosed:
		recorded = fixed.Scaled18{}
		pos.Collateral = e.Collateral
	default:
		pos.Collateral = e.Collateral
	}

	id := ident.CollateralUpdate(m.ID, e.PositionID, e.TxHash)
	cu, err := s.st.CollateralUpdates.Find(ctx, id)
	if err != nil {
		return err
	}
	if cu == nil {
		cu = &model.CollateralUpdate{ID: id, Position: pos.ID}
	}
	cu.Timestamp = e.Timestamp
	cu.BlockNumber = e.Block
	cu.TransactionHash = e.TxHash.Hex()
	cu.Amount = recorded
	cu.IsBaseCollateral = pos.IsBaseCollateral
	cu.SpotPrice = m.LatestSpotPrice
	return s.st.CollateralUpdates.Put(ctx, id, cu)
}

// positionTransferred tracks the holder of a position token. A mint creates
// the position; a burn is ignored.
func (s *Service) positionTransferred(ctx context.Context, e *event.PositionTransferred) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}

	var zero common.Address
	switch {
	case e.From == zero:
		pos, err := s.loadOrCreatePosition(ctx, m.ID, e.PositionID, e.To, e.Timestamp)
		if err != nil {
			return err
		}
		pos.Owner = ident.FromAddress(e.To)
		return s.st.Positions.Put(ctx, pos.ID, pos)
	case e.To == zero:
		return nil
	}

	pos, err := s.position(ctx, ident.Position(m.ID, e.PositionID))
	if err != nil {
		return err
	}
	owner := ident.FromAddress(e.To)

	tradeID := ident.Trade(pos.ID, e.TxHash)
	t, err := s.st.Trades.Find(ctx, tradeID)
	if err != nil {
		return err
	}
	if t != nil {
		t.Trader = owner
		if err := s.st.Trades.Put(ctx, tradeID, t); err != nil {
			return err
		}
	}

	pos.Owner = owner
	return s.st.Positions.Put(ctx, pos.ID, pos)
}

// positionSettled records the settlement of an expired position. Profit is
// the intrinsic value at expiry times the settled amount, negated for
// shorts.
func (s *Service) positionSettled(ctx context.Context, e *event.PositionSettled) error {
	m, err := s.market(ctx, e.Meta)
	if err != nil {
		return err
	}
	pos, err := s.position(ctx, ident.Position(m.ID, e.PositionID))
	if err != nil {
		return err
	}
	o, err := s.option(ctx, pos.Option)
	if err != nil {
		return err
	}
	st, err := s.strike(ctx, o.Strike)
	if err != nil {
		return err
	}

	profit := SettlementProfit(o.IsCall, pos.IsLong, st.StrikePrice, e.PriceAtExpiry, e.Amount)
	settle := &model.Settle{
		ID:                ident.Settle(pos.ID, e.TxHash),
		Position:          pos.ID,
		Owner:             pos.Owner,
		Timestamp:         e.Timestamp,
		BlockNumber:       e.Block,
		TransactionHash:   e.TxHash.Hex(),
		Size:              e.Amount,
		SpotPriceAtExpiry: e.PriceAtExpiry,
		Profit:            profit,
		SettleAmount:      e.SettlementAmount,
	}
	if err := s.st.Settles.Put(ctx, settle.ID, settle); err != nil {
		return err
	}

	pos.SettlementPNL = profit
	return s.st.Positions.Put(ctx, pos.ID, pos)
}

// SettlementProfit is max(0, spot-strike) for calls or max(0, strike-spot)
// for puts, times amount, negated for short positions.
func SettlementProfit(isCall, isLong bool, strike, spotAtExpiry, amount fixed.Scaled18) fixed.Scaled18 {
	var diff fixed.Scaled18
	switch {
	case isCall && spotAtExpiry.GreaterThan(strike):
		diff = spotAtExpiry.Sub(strike).Mul(amount)
	case !isCall && spotAtExpiry.LessThan(strike):
		diff = strike.Sub(spotAtExpiry).Mul(amount)
	default:
		return fixed.Scaled18{}
	}
	if !isLong {
		return diff.Neg()
	}
	return diff
}
