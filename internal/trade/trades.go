package trade

import (
	"context"

	"github.com/atmx/options-indexer/internal/blackscholes"
	"github.com/atmx/options-indexer/internal/event"
	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/ident"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/snapshot"
)

// Family labels for trade-level skips.
const (
	familyTrade       = "trade"
	familyDeltaCutoff = "delta_cutoff_fee"
)

// trade applies an open, close or liquidation. The position has already
// been updated by the option token's PositionUpdated event in the same
// transaction, so its size is the post-trade size and every trade,
// liquidations included, is sized by the event's amount.
func (s *Service) trade(ctx context.Context, e *event.Trade) error {
	// Collateral-only adjustments carry no amount.
	if e.Amount.IsZero() {
		return nil
	}

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
	posID := ident.Position(m.ID, e.PositionID)
	pos, err := s.position(ctx, posID)
	if err != nil {
		return err
	}

	isOpen := e.Direction == event.DirectionOpen
	isLiquidation := e.Direction == event.DirectionLiquidate
	isLong := e.PositionType.IsLong()
	isCall := e.PositionType.IsCall()

	amount := e.Amount

	var deltaCutoffFee fixed.Scaled18
	if e.IsForceClose && !isOpen {
		fee, err := deltaCutoff(m, b, st, isCall, isLong, amount, e.Premium, e.Timestamp)
		if err := s.tolerate(familyDeltaCutoff, posID, e.Meta, err); err != nil {
			return err
		}
		deltaCutoffFee = fee
	}

	newSkew, newIV, newBaseIV := e.NewSkew, e.NewIV, e.NewBaseIV
	reprice := !e.NewSkew.IsZero()
	if reprice {
		st.Skew = e.NewSkew
		st.IV = e.NewIV
		if err := s.st.Strikes.Put(ctx, st.ID, st); err != nil {
			return err
		}
		if err := s.engine.RecordBoardBaseIV(ctx, b, e.Timestamp, e.Block, e.NewBaseIV, e.IVVariance); err != nil {
			return err
		}
	} else {
		newSkew, newIV = st.Skew, st.IV
		newBaseIV, err = st.IV.Div(st.Skew)
		if err := s.tolerate(familyTrade, st.ID, e.Meta, err); err != nil {
			return err
		}
	}

	tradeID := ident.Trade(posID, e.TxHash)
	pricePerOption, err := e.TotalCost.Div(amount)
	if err != nil {
		return err
	}

	if isOpen {
		averageCost(pos, amount, e.TotalCost)
	} else {
		pos.ClosePNL = pos.ClosePNL.Add(closePNL(pos, amount, pricePerOption))
	}

	t := &model.Trade{
		ID:              tradeID,
		Market:          m.ID,
		Board:           pos.Board,
		Position:        posID,
		Strike:          pos.Strike,
		Option:          pos.Option,
		Trader:          pos.Owner,
		Timestamp:       e.Timestamp,
		BlockNumber:     e.Block,
		TransactionHash: e.TxHash.Hex(),
		IsBuy:           isOpen == isLong,
		IsOpen:          isOpen,
		IsLiquidation:   isLiquidation,
		IsForceClose:    e.IsForceClose,
		Size:            amount,
		Premium:         e.TotalCost,
		PremiumLessFees: e.Premium,
		PricePerOption:  pricePerOption,
		SpotPrice:       m.LatestSpotPrice,
		SpotPriceFee:    e.SpotFee,
		OptionPriceFee:  e.OptionFee,
		VegaUtilFee:     e.VegaFee,
		VarianceFee:     e.VarianceFee,
		DeltaCutoffFee:  deltaCutoffFee,
		NewIV:           newIV,
		NewSkew:         newSkew,
		NewBaseIV:       newBaseIV,
		VolTraded:       e.VolTraded,
	}
	if e.Liquidation != nil {
		t.LiquidatorFee = e.Liquidation.LiquidatorFee
		t.LPLiquidationFee = e.Liquidation.LPFee
		t.SMLiquidationFee = e.Liquidation.SMFee
	}

	if !pos.IsLong {
		if err := s.linkCollateral(ctx, m.ID, e, t); err != nil {
			return err
		}
	}
	if err := s.st.Positions.Put(ctx, posID, pos); err != nil {
		return err
	}
	if err := s.st.Trades.Put(ctx, tradeID, t); err != nil {
		return err
	}

	signed := amount
	if !isOpen {
		signed = amount.Neg()
	}
	if err := s.recordVolume(ctx, m, st, e, signed, t); err != nil {
		return err
	}
	// Repriced after the volume write so the exposure includes this trade's
	// open interest. The refresh reloads the strike and its options.
	if reprice {
		if err := s.refreshBoard(ctx, m, b, e.Meta); err != nil {
			return err
		}
	}

	if s.hub != nil {
		s.hub.Broadcast(tradeMessage(t))
	}
	s.log.Debug("trade indexed",
		"trade", tradeID,
		"open", isOpen,
		"size", amount.Units(),
		"premium", e.TotalCost.Units(),
		"block", e.Block,
	)
	return nil
}

// averageCost folds an opening trade into the size-weighted average cost.
// pos.Size already includes amount.
func averageCost(pos *model.Position, amount, totalCost fixed.Scaled18) {
	if pos.Size.IsZero() {
		return
	}
	prior := pos.Size.Sub(amount).Mul(pos.AverageCostPerOption)
	avg, err := prior.Add(totalCost).Div(pos.Size)
	if err != nil {
		return
	}
	pos.AverageCostPerOption = avg
}

// closePNL is the realized profit of closing amount at pricePerOption
// against the position's average cost, from the holder's side.
func closePNL(pos *model.Position, amount, pricePerOption fixed.Scaled18) fixed.Scaled18 {
	diff := pricePerOption.Sub(pos.AverageCostPerOption)
	if !pos.IsLong {
		diff = diff.Neg()
	}
	return diff.Mul(amount)
}

// deltaCutoff measures the slippage of a forced close: the gap between the
// Black-Scholes value of the closed amount and the premium realized.
func deltaCutoff(m *model.Market, b *model.Board, st *model.Strike, isCall, isLong bool, amount, premium fixed.Scaled18, ts int64) (fixed.Scaled18, error) {
	price, err := blackscholes.Price(b.ExpiryTimestamp-ts, st.IV, m.LatestSpotPrice, st.StrikePrice, m.RateAndCarry, isCall)
	if err != nil {
		return fixed.Scaled18{}, err
	}
	theoretical := price.Mul(amount)
	if isLong {
		return theoretical.Sub(premium), nil
	}
	return premium.Sub(theoretical), nil
}

// linkCollateral attaches the collateral update written by PositionUpdated
// in the same transaction to the trade.
func (s *Service) linkCollateral(ctx context.Context, marketID string, e *event.Trade, t *model.Trade) error {
	id := ident.CollateralUpdate(marketID, e.PositionID, e.TxHash)
	cu, err := s.st.CollateralUpdates.Find(ctx, id)
	if err != nil || cu == nil {
		return err
	}
	cu.Trade = t.ID
	t.CollateralUpdate = cu.ID
	t.SetCollateralTo = cu.Amount
	return s.st.CollateralUpdates.Put(ctx, id, cu)
}

// recordVolume applies the trade's open interest change, volume and fees to
// the option and market ledgers. signed is negative for closes.
func (s *Service) recordVolume(ctx context.Context, m *model.Market, st *model.Strike, e *event.Trade, signed fixed.Scaled18, t *model.Trade) error {
	isCall := e.PositionType.IsCall()
	isLong := e.PositionType.IsLong()
	notional := signed.Mul(st.StrikePrice).Abs()

	var md snapshot.MarketVolumeDelta
	var od snapshot.OptionVolumeDelta
	switch {
	case isCall && isLong:
		md.LongCallOI, od.LongOI = signed, signed
	case isCall:
		md.ShortCallOI, od.ShortOI = signed, signed
	case isLong:
		md.LongPutOI, od.LongOI = signed, signed
	default:
		md.ShortPutOI, od.ShortOI = signed, signed
	}
	od.PremiumVolume, od.NotionalVolume = e.TotalCost, notional

	o, err := s.option(ctx, ident.Option(st.ID, isCall))
	if err != nil {
		return err
	}
	if err := s.engine.RecordOptionVolume(ctx, o, e.Timestamp, e.Block, od); err != nil {
		return err
	}

	md.PremiumVolume = e.TotalCost
	md.NotionalVolume = notional
	md.SpotPriceFees = e.SpotFee
	md.OptionPriceFees = e.OptionFee
	md.VegaFees = e.VegaFee
	md.VarianceFees = e.VarianceFee
	md.DeltaCutoffFees = t.DeltaCutoffFee
	md.LiquidatorFees = t.LiquidatorFee
	md.LPLiquidationFees = t.LPLiquidationFee
	md.SMLiquidationFees = t.SMLiquidationFee
	return s.engine.RecordMarketVolumeAndFees(ctx, m, e.Timestamp, e.Block, md)
}
