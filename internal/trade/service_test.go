package trade_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/options-indexer/internal/blackscholes"
	"github.com/atmx/options-indexer/internal/event"
	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/ident"
	"github.com/atmx/options-indexer/internal/model"
	"github.com/atmx/options-indexer/internal/period"
	"github.com/atmx/options-indexer/internal/snapshot"
	"github.com/atmx/options-indexer/internal/store"
	"github.com/atmx/options-indexer/internal/trade"
)

var (
	marketAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	poolAddr   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	hedgerAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")

	marketID = ident.FromAddress(marketAddr)
	strikeID = ident.Strike(marketID, 7)
	callID   = ident.Option(strikeID, true)
	putID    = ident.Option(strikeID, false)
)

const (
	t0     = 10*period.Day + 600
	expiry = t0 + 30*period.Day
)

func u(s string) fixed.Scaled18 {
	return fixed.MustParseUnits(s)
}

func meta(kind event.Kind, ts int64) event.Meta {
	return event.Meta{
		Kind:      kind,
		Market:    marketAddr,
		Block:     ts / 2,
		Timestamp: ts,
		TxHash:    common.BigToHash(big.NewInt(ts)),
	}
}

func newTestService(t *testing.T) (*trade.Service, *store.Store) {
	t.Helper()
	st, _ := store.NewMemoryStore()
	eng, err := snapshot.NewEngine(st, period.HourlyPeriods, []int64{period.Hour}, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return trade.NewService(st, eng, nil, nil), st
}

func apply(t *testing.T, svc *trade.Service, evs ...event.Event) {
	t.Helper()
	for _, ev := range evs {
		if err := svc.Apply(context.Background(), ev); err != nil {
			t.Fatalf("apply %s: %v", ev.Header().Kind, err)
		}
	}
}

func marketCreated() *event.MarketCreated {
	return &event.MarketCreated{
		Meta:       meta(event.KindMarketCreated, t0-100),
		Name:       "sETH",
		Pool:       poolAddr,
		PoolHedger: hedgerAddr,
	}
}

// newListedStrike indexes a market with spot 2500, a 30 day board at base
// IV 0.8 and one at-the-money strike with skew 1.
func newListedStrike(t *testing.T) (*trade.Service, *store.Store) {
	t.Helper()
	svc, st := newTestService(t)
	apply(t, svc,
		marketCreated(),
		&event.PriceUpdated{Meta: meta(event.KindPriceUpdated, t0), Rate: u("2500")},
		&event.BoardCreated{Meta: meta(event.KindBoardCreated, t0), BoardID: 1, Expiry: expiry, BaseIV: u("0.8")},
		&event.StrikeAdded{Meta: meta(event.KindStrikeAdded, t0), BoardID: 1, StrikeID: 7, StrikePrice: u("2500"), Skew: u("1")},
	)
	return svc, st
}

func positionUpdated(ts int64, typ model.PositionType, state model.PositionState, amount, collateral string) *event.PositionUpdated {
	return &event.PositionUpdated{
		Meta:         meta(event.KindPositionUpdated, ts),
		PositionID:   1,
		StrikeID:     7,
		Owner:        common.HexToAddress("0x0000000000000000000000000000000000000001"),
		PositionType: typ,
		State:        state,
		Amount:       u(amount),
		Collateral:   u(collateral),
	}
}

func tradeEvent(ts int64, typ model.PositionType, dir event.TradeDirection, amount, cost string) *event.Trade {
	return &event.Trade{
		Meta:         meta(event.KindTrade, ts),
		StrikeID:     7,
		PositionID:   1,
		PositionType: typ,
		Direction:    dir,
		Amount:       u(amount),
		TotalCost:    u(cost),
		Premium:      u(cost),
	}
}

func mustGet[T any](t *testing.T, repo store.Repository[T], id string) *T {
	t.Helper()
	v, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s %s: %v", repo.Kind(), id, err)
	}
	return v
}

func TestApply_MarketCreated(t *testing.T) {
	svc, st := newTestService(t)
	apply(t, svc, marketCreated(), marketCreated())

	m := mustGet(t, st.Markets, marketID)
	if m.Name != "sETH" || m.Pool != ident.FromAddress(poolAddr) || m.PoolHedger != ident.FromAddress(hedgerAddr) {
		t.Fatalf("market = %+v", m)
	}
	mustGet(t, st.Pools, m.Pool)
	mustGet(t, st.PoolHedgers, m.PoolHedger)
}

func TestApply_MissingMarketIsSkipped(t *testing.T) {
	svc, st := newTestService(t)
	err := svc.Apply(context.Background(), &event.PriceUpdated{Meta: meta(event.KindPriceUpdated, t0), Rate: u("1")})
	if err != nil {
		t.Fatalf("expected skip, got %v", err)
	}
	if v, _ := st.Markets.Find(context.Background(), marketID); v != nil {
		t.Fatal("market should not be created by a price update")
	}
}

type failingBackend struct{}

func (failingBackend) Load(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (failingBackend) Save(context.Context, string, string, []byte) error {
	return errors.New("connection refused")
}
func (failingBackend) List(context.Context, string, string) ([][]byte, error) {
	return nil, errors.New("connection refused")
}
func (failingBackend) Delete(context.Context, string, string) error {
	return errors.New("connection refused")
}

func TestApply_StoreErrorPropagates(t *testing.T) {
	st := store.New(failingBackend{})
	eng, err := snapshot.NewEngine(st, period.HourlyPeriods, period.CandlePeriods, nil)
	if err != nil {
		t.Fatal(err)
	}
	svc := trade.NewService(st, eng, nil, nil)
	if err := svc.Apply(context.Background(), marketCreated()); err == nil {
		t.Fatal("expected store error")
	}
}

func TestApply_StrikeAddedBeforeSpotSkipsGreeks(t *testing.T) {
	svc, st := newTestService(t)
	apply(t, svc,
		marketCreated(),
		&event.BoardCreated{Meta: meta(event.KindBoardCreated, t0), BoardID: 1, Expiry: expiry, BaseIV: u("0.8")},
		&event.StrikeAdded{Meta: meta(event.KindStrikeAdded, t0), BoardID: 1, StrikeID: 7, StrikePrice: u("2500"), Skew: u("1.2")},
	)

	s := mustGet(t, st.Strikes, strikeID)
	if !s.IV.Equal(u("0.96")) {
		t.Errorf("iv = %s, want 0.96", s.IV.Units())
	}
	if s.LatestStrikeIVAndGreeks != "" {
		t.Errorf("greeks written without a spot price: %s", s.LatestStrikeIVAndGreeks)
	}
	for _, id := range []string{callID, putID} {
		o := mustGet(t, st.Options, id)
		price := mustGet(t, st.OptionPriceAndGreeks, o.LatestOptionPriceAndGreeks)
		if !price.OptionPrice.IsZero() {
			t.Errorf("%s: initial price = %s", id, price.OptionPrice.Units())
		}
	}

	b := mustGet(t, st.Boards, ident.Board(marketID, 1))
	if len(b.StrikeIDs) != 1 || b.StrikeIDs[0] != strikeID {
		t.Errorf("strike ids = %v", b.StrikeIDs)
	}
}

func TestApply_PriceUpdateRefreshesHourly(t *testing.T) {
	svc, st := newListedStrike(t)

	s := mustGet(t, st.Strikes, strikeID)
	if want := period.BucketID(strikeID, period.Hour, t0); s.LatestStrikeIVAndGreeks != want {
		t.Fatalf("strike pointer = %s, want %s", s.LatestStrikeIVAndGreeks, want)
	}

	// Same hour: candles only.
	apply(t, svc, &event.PriceUpdated{Meta: meta(event.KindPriceUpdated, t0+60), Rate: u("2600")})
	call := mustGet(t, st.Options, callID)
	before := mustGet(t, st.OptionPriceAndGreeks, call.LatestOptionPriceAndGreeks)

	next := t0 + period.Hour
	apply(t, svc, &event.PriceUpdated{Meta: meta(event.KindPriceUpdated, next), Rate: u("2600")})

	call = mustGet(t, st.Options, callID)
	if want := period.BucketID(callID, period.Hour, next); call.LatestOptionPriceAndGreeks != want {
		t.Fatalf("call pointer = %s, want %s", call.LatestOptionPriceAndGreeks, want)
	}
	after := mustGet(t, st.OptionPriceAndGreeks, call.LatestOptionPriceAndGreeks)
	if !after.OptionPrice.GreaterThan(before.OptionPrice) {
		t.Errorf("call price %s should rise above %s after spot moved up", after.OptionPrice.Units(), before.OptionPrice.Units())
	}

	m := mustGet(t, st.Markets, marketID)
	if m.LastGreekSnapshotPeriodID != period.Index(next, period.Hour) {
		t.Errorf("last greek period = %d", m.LastGreekSnapshotPeriodID)
	}
	candle := mustGet(t, st.SpotPrices, period.BucketID(marketID, period.Hour, t0))
	if !candle.High.Equal(u("2600")) || !candle.Open.Equal(u("2500")) {
		t.Errorf("candle = %+v", candle)
	}
}

func TestApply_TradeOpenThenClose(t *testing.T) {
	svc, st := newListedStrike(t)
	ts := t0 + 120

	apply(t, svc,
		positionUpdated(ts, model.LongCall, model.StateActive, "2", "0"),
		tradeEvent(ts, model.LongCall, event.DirectionOpen, "2", "200"),
	)

	posID := ident.Position(marketID, 1)
	pos := mustGet(t, st.Positions, posID)
	if !pos.AverageCostPerOption.Equal(u("100")) {
		t.Errorf("average cost = %s, want 100", pos.AverageCostPerOption.Units())
	}
	open := mustGet(t, st.Trades, ident.Trade(posID, common.BigToHash(big.NewInt(ts))))
	if !open.IsBuy || !open.IsOpen || !open.PricePerOption.Equal(u("100")) {
		t.Errorf("open trade = %+v", open)
	}
	if !open.NewBaseIV.Equal(u("0.8")) || !open.NewIV.Equal(u("0.8")) {
		t.Errorf("iv fields = %s / %s", open.NewBaseIV.Units(), open.NewIV.Units())
	}
	if !open.SpotPrice.Equal(u("2500")) {
		t.Errorf("spot = %s", open.SpotPrice.Units())
	}

	m := mustGet(t, st.Markets, marketID)
	vol := mustGet(t, st.MarketVolumeAndFees, m.LatestVolumeAndFees)
	if !vol.TotalLongCallOpenInterest.Equal(u("2")) || !vol.TotalLongCallOpenInterestUSD.Equal(u("5000")) {
		t.Errorf("market OI = %s (%s USD)", vol.TotalLongCallOpenInterest.Units(), vol.TotalLongCallOpenInterestUSD.Units())
	}
	if !vol.NotionalVolume.Equal(u("5000")) || !vol.PremiumVolume.Equal(u("200")) {
		t.Errorf("volume = %s notional, %s premium", vol.NotionalVolume.Units(), vol.PremiumVolume.Units())
	}

	closeTS := ts + 60
	apply(t, svc,
		positionUpdated(closeTS, model.LongCall, model.StateClosed, "0", "0"),
		tradeEvent(closeTS, model.LongCall, event.DirectionClose, "2", "300"),
	)

	pos = mustGet(t, st.Positions, posID)
	if !pos.ClosePNL.Equal(u("100")) {
		t.Errorf("close pnl = %s, want 100", pos.ClosePNL.Units())
	}
	if pos.State != model.StateClosed || pos.CloseTimestamp != closeTS || !pos.Size.IsZero() {
		t.Errorf("position = %+v", pos)
	}

	call := mustGet(t, st.Options, callID)
	ov := mustGet(t, st.OptionVolume, call.LatestOptionVolume)
	if !ov.LongOpenInterest.IsZero() || !ov.TotalPremiumVolume.Equal(u("500")) {
		t.Errorf("option volume = %+v", ov)
	}
	m = mustGet(t, st.Markets, marketID)
	vol = mustGet(t, st.MarketVolumeAndFees, m.LatestVolumeAndFees)
	if !vol.TotalLongCallOpenInterest.IsZero() || !vol.TotalPremiumVolume.Equal(u("500")) {
		t.Errorf("market volume = %+v", vol)
	}
}

func TestApply_ForceCloseDeltaCutoffFee(t *testing.T) {
	svc, st := newListedStrike(t)
	ts := t0 + 300

	closing := tradeEvent(ts, model.LongCall, event.DirectionClose, "1", "80")
	closing.IsForceClose = true
	apply(t, svc,
		positionUpdated(ts, model.LongCall, model.StateClosed, "0", "0"),
		closing,
	)

	price, err := blackscholes.Price(expiry-ts, u("0.8"), u("2500"), u("2500"), fixed.Scaled18{}, true)
	if err != nil {
		t.Fatal(err)
	}
	want := price.Sub(u("80"))

	tr := mustGet(t, st.Trades, ident.Trade(ident.Position(marketID, 1), common.BigToHash(big.NewInt(ts))))
	if !tr.DeltaCutoffFee.Equal(want) || !tr.IsForceClose {
		t.Errorf("delta cutoff fee = %s, want %s", tr.DeltaCutoffFee, want)
	}
	m := mustGet(t, st.Markets, marketID)
	vol := mustGet(t, st.MarketVolumeAndFees, m.LatestVolumeAndFees)
	if !vol.DeltaCutoffFees.Equal(want) {
		t.Errorf("market delta cutoff fees = %s", vol.DeltaCutoffFees)
	}
}

func TestApply_SkewChangeCascadesToBoard(t *testing.T) {
	svc, st := newListedStrike(t)
	ts := t0 + 400

	open := tradeEvent(ts, model.LongPut, event.DirectionOpen, "1", "90")
	open.NewSkew = u("1.1")
	open.NewBaseIV = u("0.9")
	open.NewIV = u("0.99")
	open.IVVariance = u("0.01")
	apply(t, svc,
		positionUpdated(ts, model.LongPut, model.StateActive, "1", "0"),
		open,
	)

	b := mustGet(t, st.Boards, ident.Board(marketID, 1))
	if !b.BaseIV.Equal(u("0.9")) || !b.IVVariance.Equal(u("0.01")) {
		t.Errorf("board iv = %s var %s", b.BaseIV.Units(), b.IVVariance.Units())
	}
	s := mustGet(t, st.Strikes, strikeID)
	if !s.Skew.Equal(u("1.1")) || !s.IV.Equal(u("0.99")) {
		t.Errorf("strike skew %s iv %s", s.Skew.Units(), s.IV.Units())
	}
	snap := mustGet(t, st.StrikeIVAndGreeks, s.LatestStrikeIVAndGreeks)
	if !snap.IV.Equal(u("0.99")) {
		t.Errorf("repriced iv = %s", snap.IV.Units())
	}
	put := mustGet(t, st.Options, putID)
	ov := mustGet(t, st.OptionVolume, put.LatestOptionVolume)
	if !ov.LongOpenInterest.Equal(u("1")) {
		t.Errorf("put long OI = %s", ov.LongOpenInterest.Units())
	}
}

func TestApply_SkewChangeUpdatesMarketGreeks(t *testing.T) {
	svc, st := newListedStrike(t)
	ts := t0 + 450

	open := tradeEvent(ts, model.LongCall, event.DirectionOpen, "2", "200")
	open.NewSkew = u("1.05")
	open.NewBaseIV = u("0.8")
	open.NewIV = u("0.84")
	apply(t, svc,
		positionUpdated(ts, model.LongCall, model.StateActive, "2", "0"),
		open,
	)

	b := mustGet(t, st.Boards, ident.Board(marketID, 1))
	m := mustGet(t, st.Markets, marketID)
	if !m.NetGamma.IsPositive() {
		t.Fatalf("market net gamma = %s, want positive for a long call", m.NetGamma.Units())
	}
	if !m.NetGamma.Equal(b.NetGamma) || !m.NetTheta.Equal(b.NetTheta) {
		t.Errorf("market greeks %s/%s, board %s/%s", m.NetGamma.Units(), m.NetTheta.Units(), b.NetGamma.Units(), b.NetTheta.Units())
	}
	if !m.NetTheta.IsNegative() {
		t.Errorf("market net theta = %s, want negative", m.NetTheta.Units())
	}

	before := m.NetGamma
	apply(t, svc, &event.BoardBaseIVSet{Meta: meta(event.KindBoardBaseIVSet, ts+60), BoardID: 1, BaseIV: u("1.2")})

	b = mustGet(t, st.Boards, ident.Board(marketID, 1))
	m = mustGet(t, st.Markets, marketID)
	if m.NetGamma.Equal(before) {
		t.Errorf("market net gamma unchanged after base iv set: %s", m.NetGamma.Units())
	}
	if !m.NetGamma.Equal(b.NetGamma) {
		t.Errorf("market net gamma = %s, board = %s", m.NetGamma.Units(), b.NetGamma.Units())
	}
}

func TestApply_LiquidationSizedByEventAmount(t *testing.T) {
	svc, st := newListedStrike(t)
	ts := t0 + 500

	apply(t, svc,
		positionUpdated(ts, model.LongCall, model.StateActive, "2", "0"),
		tradeEvent(ts, model.LongCall, event.DirectionOpen, "2", "200"),
	)

	liqTS := ts + 60
	liq := tradeEvent(liqTS, model.LongCall, event.DirectionLiquidate, "2", "150")
	liq.Liquidation = &event.LiquidationFees{
		LiquidatorFee: u("3"),
		LPFee:         u("2"),
		SMFee:         u("1"),
	}
	apply(t, svc,
		positionUpdated(liqTS, model.LongCall, model.StateLiquidated, "0", "0"),
		liq,
	)

	posID := ident.Position(marketID, 1)
	tr := mustGet(t, st.Trades, ident.Trade(posID, common.BigToHash(big.NewInt(liqTS))))
	if !tr.IsLiquidation || tr.IsOpen || tr.IsBuy {
		t.Errorf("liquidation trade flags = %+v", tr)
	}
	if !tr.Size.Equal(u("2")) || !tr.PricePerOption.Equal(u("75")) {
		t.Errorf("liquidation size = %s price = %s, want 2 at 75", tr.Size.Units(), tr.PricePerOption.Units())
	}

	pos := mustGet(t, st.Positions, posID)
	if pos.State != model.StateLiquidated || !pos.Size.IsZero() {
		t.Errorf("position = %+v", pos)
	}
	if !pos.ClosePNL.Equal(u("-50")) {
		t.Errorf("close pnl = %s, want -50", pos.ClosePNL.Units())
	}

	call := mustGet(t, st.Options, callID)
	ov := mustGet(t, st.OptionVolume, call.LatestOptionVolume)
	if !ov.LongOpenInterest.IsZero() {
		t.Errorf("call long OI = %s, want 0", ov.LongOpenInterest.Units())
	}
	m := mustGet(t, st.Markets, marketID)
	vol := mustGet(t, st.MarketVolumeAndFees, m.LatestVolumeAndFees)
	if !vol.TotalLongCallOpenInterest.IsZero() || !vol.LiquidatorFees.Equal(u("3")) {
		t.Errorf("market volume = %+v", vol)
	}
}

func TestApply_ShortCollateralLinkedToTrade(t *testing.T) {
	svc, st := newListedStrike(t)
	ts := t0 + 500

	apply(t, svc,
		positionUpdated(ts, model.ShortPutQuote, model.StateActive, "1", "1000"),
		tradeEvent(ts, model.ShortPutQuote, event.DirectionOpen, "1", "90"),
	)

	posID := ident.Position(marketID, 1)
	tx := common.BigToHash(big.NewInt(ts))
	tr := mustGet(t, st.Trades, ident.Trade(posID, tx))
	cuID := ident.CollateralUpdate(marketID, 1, tx)
	if tr.CollateralUpdate != cuID || !tr.SetCollateralTo.Equal(u("1000")) {
		t.Errorf("trade collateral = %q %s", tr.CollateralUpdate, tr.SetCollateralTo.Units())
	}
	if tr.IsBuy {
		t.Error("opening a short is a sell")
	}
	cu := mustGet(t, st.CollateralUpdates, cuID)
	if cu.Trade != tr.ID || cu.IsBaseCollateral {
		t.Errorf("collateral update = %+v", cu)
	}

	m := mustGet(t, st.Markets, marketID)
	vol := mustGet(t, st.MarketVolumeAndFees, m.LatestVolumeAndFees)
	if !vol.TotalShortPutOpenInterest.Equal(u("1")) {
		t.Errorf("short put OI = %s", vol.TotalShortPutOpenInterest.Units())
	}
}

func TestApply_PositionStates(t *testing.T) {
	svc, st := newListedStrike(t)
	posID := ident.Position(marketID, 1)

	tests := []struct {
		name       string
		state      model.PositionState
		amount     string
		collateral string
		wantSize   fixed.Scaled18
		wantCollat fixed.Scaled18
	}{
		{"active", model.StateActive, "3", "500", u("3"), u("500")},
		{"liquidated releases collateral", model.StateLiquidated, "0", "500", u("0"), u("0")},
		{"reactivated after terminal state", model.StateActive, "2", "400", u("2"), u("400")},
		{"settled keeps size", model.StateSettled, "0", "400", u("2"), u("0")},
	}
	for i, tt := range tests {
		ts := t0 + 1000 + int64(i)
		apply(t, svc, positionUpdated(ts, model.ShortCallQuote, tt.state, tt.amount, tt.collateral))

		pos := mustGet(t, st.Positions, posID)
		if pos.State != tt.state {
			t.Errorf("%s: state = %s", tt.name, pos.State)
		}
		if !pos.Size.Equal(tt.wantSize) {
			t.Errorf("%s: size = %s, want %s", tt.name, pos.Size.Units(), tt.wantSize.Units())
		}
		if !pos.Collateral.Equal(tt.wantCollat) {
			t.Errorf("%s: collateral = %s, want %s", tt.name, pos.Collateral.Units(), tt.wantCollat.Units())
		}
	}
}

func TestApply_PositionTransferred(t *testing.T) {
	svc, st := newListedStrike(t)
	holder := common.HexToAddress("0x0000000000000000000000000000000000000002")
	buyer := common.HexToAddress("0x0000000000000000000000000000000000000003")
	ts := t0 + 700

	apply(t, svc,
		&event.PositionTransferred{Meta: meta(event.KindPositionTransferred, ts), PositionID: 1, To: holder},
		positionUpdated(ts, model.LongCall, model.StateActive, "1", "0"),
		tradeEvent(ts, model.LongCall, event.DirectionOpen, "1", "100"),
		&event.PositionTransferred{Meta: meta(event.KindPositionTransferred, ts), PositionID: 1, From: holder, To: buyer},
	)

	posID := ident.Position(marketID, 1)
	pos := mustGet(t, st.Positions, posID)
	if pos.Owner != ident.FromAddress(buyer) {
		t.Errorf("owner = %s", pos.Owner)
	}
	tr := mustGet(t, st.Trades, ident.Trade(posID, common.BigToHash(big.NewInt(ts))))
	if tr.Trader != ident.FromAddress(buyer) {
		t.Errorf("trader = %s", tr.Trader)
	}
}

func TestSettlementProfit(t *testing.T) {
	tests := []struct {
		name   string
		isCall bool
		isLong bool
		strike string
		spot   string
		amount string
		want   string
	}{
		{"long call ITM", true, true, "2500", "3000", "2", "1000"},
		{"short call ITM", true, false, "2500", "3000", "2", "-1000"},
		{"long call OTM", true, true, "2500", "2000", "2", "0"},
		{"long put ITM", false, true, "2500", "2000", "1", "500"},
		{"short put ITM", false, false, "2500", "2400", "3", "-300"},
		{"put at the money", false, true, "2500", "2500", "1", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trade.SettlementProfit(tt.isCall, tt.isLong, u(tt.strike), u(tt.spot), u(tt.amount))
			if !got.Equal(u(tt.want)) {
				t.Errorf("profit = %s, want %s", got.Units(), tt.want)
			}
		})
	}
}

func TestApply_SettleAfterBoardSettled(t *testing.T) {
	svc, st := newListedStrike(t)
	ts := t0 + 200

	apply(t, svc,
		positionUpdated(ts, model.LongCall, model.StateActive, "2", "0"),
		tradeEvent(ts, model.LongCall, event.DirectionOpen, "2", "200"),
	)

	settleTS := expiry + 10
	apply(t, svc,
		&event.BoardSettled{Meta: meta(event.KindBoardSettled, settleTS), BoardID: 1, SpotPriceAtExpiry: u("2800")},
		positionUpdated(settleTS, model.LongCall, model.StateSettled, "0", "0"),
		&event.PositionSettled{
			Meta:             meta(event.KindPositionSettled, settleTS),
			PositionID:       1,
			Amount:           u("2"),
			PriceAtExpiry:    u("2800"),
			SettlementAmount: u("600"),
		},
	)

	b := mustGet(t, st.Boards, ident.Board(marketID, 1))
	if !b.IsExpired || !b.SpotPriceAtExpiry.Equal(u("2800")) {
		t.Errorf("board = %+v", b)
	}
	if s := mustGet(t, st.Strikes, strikeID); !s.IsExpired {
		t.Error("strike not expired")
	}
	call := mustGet(t, st.Options, callID)
	if !call.IsExpired {
		t.Error("call not expired")
	}
	ov := mustGet(t, st.OptionVolume, call.LatestOptionVolume)
	if !ov.LongOpenInterest.IsZero() {
		t.Errorf("call OI after settlement = %s", ov.LongOpenInterest.Units())
	}

	m := mustGet(t, st.Markets, marketID)
	if len(m.ActiveBoardIDs) != 0 {
		t.Errorf("active boards = %v", m.ActiveBoardIDs)
	}
	vol := mustGet(t, st.MarketVolumeAndFees, m.LatestVolumeAndFees)
	if !vol.TotalLongCallOpenInterest.IsZero() {
		t.Errorf("market long call OI = %s", vol.TotalLongCallOpenInterest.Units())
	}
	if !vol.TotalPremiumVolume.Equal(u("200")) {
		t.Errorf("total premium volume = %s, want carried 200", vol.TotalPremiumVolume.Units())
	}

	posID := ident.Position(marketID, 1)
	settle := mustGet(t, st.Settles, ident.Settle(posID, common.BigToHash(big.NewInt(settleTS))))
	if !settle.Profit.Equal(u("600")) || !settle.SettleAmount.Equal(u("600")) {
		t.Errorf("settle = %+v", settle)
	}
	pos := mustGet(t, st.Positions, posID)
	if !pos.SettlementPNL.Equal(u("600")) || !pos.Size.Equal(u("2")) {
		t.Errorf("position = %+v", pos)
	}
}

func TestApply_BoardSettledMissingOptionLeavesStrike(t *testing.T) {
	svc, st := newListedStrike(t)
	ctx := context.Background()

	call := mustGet(t, st.Options, callID)
	if err := st.Options.Delete(ctx, putID); err != nil {
		t.Fatal(err)
	}

	apply(t, svc, &event.BoardSettled{Meta: meta(event.KindBoardSettled, expiry+10), BoardID: 1, SpotPriceAtExpiry: u("2600")})

	if b := mustGet(t, st.Boards, ident.Board(marketID, 1)); !b.IsExpired {
		t.Error("board not expired")
	}
	if s := mustGet(t, st.Strikes, strikeID); s.IsExpired {
		t.Error("strike expired although its put is missing")
	}
	after := mustGet(t, st.Options, callID)
	if after.IsExpired || after.LatestOptionVolume != call.LatestOptionVolume {
		t.Errorf("call written although its strike was skipped: %+v", after)
	}
}

var (
	lpA    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	lpB    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	keeper = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func txAt(ts int64) common.Hash {
	return common.BigToHash(big.NewInt(ts))
}

func TestApply_PendingLiquidity(t *testing.T) {
	svc, st := newTestService(t)
	ts := t0
	apply(t, svc,
		marketCreated(),
		&event.LiquidityQueued{Meta: meta(event.KindDepositQueued, ts), QueueID: 0, User: lpA, Amount: u("999")},
		&event.LiquidityQueued{Meta: meta(event.KindDepositQueued, ts), QueueID: 1, User: lpA, Amount: u("100")},
		&event.LiquidityQueued{Meta: meta(event.KindWithdrawQueued, ts+1), QueueID: 1, User: lpB, Amount: u("40")},
		&event.LiquidityProcessed{
			Meta:        meta(event.KindWithdrawPartial, ts+2),
			QueueID:     1,
			User:        keeper,
			Amount:      u("10"),
			QuoteAmount: u("15"),
			TokenPrice:  u("1.5"),
			TokenAmount: u("10"),
		},
	)

	pool := mustGet(t, st.Pools, ident.FromAddress(poolAddr))
	if !pool.PendingDeposits.Equal(u("100")) || !pool.PendingWithdrawals.Equal(u("30")) {
		t.Fatalf("pool pending = %s / %s", pool.PendingDeposits.Units(), pool.PendingWithdrawals.Units())
	}
	snap := mustGet(t, st.PendingLiquidity, pool.LatestPendingLiquidity)
	if !snap.PendingDepositAmount.Equal(u("100")) || !snap.PendingWithdrawalAmount.Equal(u("30")) {
		t.Errorf("snapshot pending = %s / %s", snap.PendingDepositAmount.Units(), snap.PendingWithdrawalAmount.Units())
	}
	action := mustGet(t, st.PendingActions, ident.PendingAction(pool.ID, 1, false))
	if !action.PendingAmount.Equal(u("30")) || !action.ProcessedAmount.Equal(u("10")) {
		t.Errorf("withdrawal action = %+v", action)
	}
	if v, _ := st.PendingActions.Find(context.Background(), ident.PendingAction(pool.ID, 0, true)); v != nil {
		t.Error("queue id 0 should not be stored")
	}

	// The first deposit registers its provider even though it never pends.
	first := mustGet(t, st.LPUserLiquidity, ident.LPUserLiquidity(pool.ID, lpA))
	if !first.TotalAmountDeposited.IsZero() || first.User != ident.FromAddress(lpA) {
		t.Errorf("provider a = %+v", first)
	}

	// A partial withdrawal is credited to the provider who queued it.
	lpBID := ident.LPUserLiquidity(pool.ID, lpB)
	if action.LPUserLiquidity != lpBID {
		t.Errorf("action provider = %s, want %s", action.LPUserLiquidity, lpBID)
	}
	withdrawer := mustGet(t, st.LPUserLiquidity, lpBID)
	if !withdrawer.TotalAmountWithdrawn.Equal(u("10")) {
		t.Errorf("withdrawn = %s, want 10", withdrawer.TotalAmountWithdrawn.Units())
	}
	if v, _ := st.LPUserLiquidity.Find(context.Background(), ident.LPUserLiquidity(pool.ID, keeper)); v != nil {
		t.Error("keeper should not be recorded as a provider")
	}
	la := mustGet(t, st.LPActions, ident.LPAction(lpBID, txAt(ts+2)))
	if la.IsDeposit || la.QueueID != 1 || !la.QuoteAmount.Equal(u("15")) || !la.TokenPrice.Equal(u("1.5")) {
		t.Errorf("lp action = %+v", la)
	}
}

func TestApply_ProcessedLiquidityLeavesQueue(t *testing.T) {
	svc, st := newTestService(t)
	ts := t0
	apply(t, svc,
		marketCreated(),
		&event.LiquidityQueued{Meta: meta(event.KindDepositQueued, ts), QueueID: 2, User: lpA, Amount: u("100")},
		&event.LiquidityProcessed{
			Meta:        meta(event.KindDepositProcessed, ts+1),
			QueueID:     2,
			User:        lpA,
			Amount:      u("100"),
			QuoteAmount: u("100"),
			TokenPrice:  u("1.25"),
			TokenAmount: u("80"),
		},
		&event.LiquidityQueued{Meta: meta(event.KindWithdrawQueued, ts+2), QueueID: 3, User: lpA, Amount: u("50")},
		&event.LiquidityProcessed{Meta: meta(event.KindWithdrawPartial, ts+3), QueueID: 3, User: keeper, Amount: u("20")},
		&event.LiquidityProcessed{Meta: meta(event.KindWithdrawProcessed, ts+4), QueueID: 3, User: keeper, Amount: u("30")},
		// Processed in the same transaction it was submitted.
		&event.LiquidityProcessed{Meta: meta(event.KindDepositProcessed, ts+5), QueueID: 0, User: lpB, Amount: u("5")},
	)

	ctx := context.Background()
	pool := mustGet(t, st.Pools, ident.FromAddress(poolAddr))
	for _, id := range []string{ident.PendingAction(pool.ID, 2, true), ident.PendingAction(pool.ID, 3, false)} {
		if v, err := st.PendingActions.Find(ctx, id); err != nil || v != nil {
			t.Errorf("pending action %s still stored: %+v, %v", id, v, err)
		}
	}
	if !pool.PendingDeposits.IsZero() || !pool.PendingWithdrawals.IsZero() {
		t.Errorf("pool pending = %s / %s", pool.PendingDeposits.Units(), pool.PendingWithdrawals.Units())
	}

	a := mustGet(t, st.LPUserLiquidity, ident.LPUserLiquidity(pool.ID, lpA))
	if !a.TotalAmountDeposited.Equal(u("100")) || !a.TotalAmountWithdrawn.Equal(u("50")) {
		t.Errorf("provider a = %+v", a)
	}
	deposit := mustGet(t, st.LPActions, ident.LPAction(a.ID, txAt(ts+1)))
	if !deposit.IsDeposit || !deposit.TokenAmount.Equal(u("80")) {
		t.Errorf("deposit action = %+v", deposit)
	}
	actions, err := st.LPActions.List(ctx, a.ID+"-")
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 3 {
		t.Errorf("actions for provider a = %d, want 3", len(actions))
	}

	b := mustGet(t, st.LPUserLiquidity, ident.LPUserLiquidity(pool.ID, lpB))
	if !b.TotalAmountDeposited.Equal(u("5")) {
		t.Errorf("immediate deposit = %s, want 5", b.TotalAmountDeposited.Units())
	}
}

func TestApply_CircuitBreakerUpdated(t *testing.T) {
	svc, st := newTestService(t)
	ts := t0
	apply(t, svc,
		marketCreated(),
		&event.CircuitBreakerUpdated{Meta: meta(event.KindCircuitBreakerUpdated, ts), Until: ts + 3600, LiquidityVarianceCrossed: true},
	)

	pool := mustGet(t, st.Pools, ident.FromAddress(poolAddr))
	if pool.CircuitBreakerUntil != ts+3600 {
		t.Errorf("circuit breaker until = %d", pool.CircuitBreakerUntil)
	}
	cb := mustGet(t, st.CircuitBreakers, ident.CircuitBreaker(pool.ID, txAt(ts)))
	if !cb.LiquidityVarianceCrossed || cb.IVVarianceCrossed || cb.Until != ts+3600 || cb.BlockNumber != ts/2 {
		t.Errorf("circuit breaker = %+v", cb)
	}
}

func TestApply_PoolHedgerUpdated(t *testing.T) {
	svc, st := newTestService(t)
	replacement := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	ts := t0
	apply(t, svc,
		marketCreated(),
		&event.PoolHedgerUpdated{Meta: meta(event.KindPoolHedgerUpdated, ts), PoolHedger: replacement},
		&event.HedgerPositionUpdated{Meta: meta(event.KindHedgerPositionUpdated, ts+1), CurrentNetDelta: u("-2")},
	)

	m := mustGet(t, st.Markets, marketID)
	if m.PoolHedger != ident.FromAddress(replacement) {
		t.Fatalf("market hedger = %s", m.PoolHedger)
	}
	h := mustGet(t, st.PoolHedgers, m.PoolHedger)
	if h.Market != marketID || h.LatestPoolHedgerExposure == "" {
		t.Fatalf("hedger = %+v", h)
	}
	exp := mustGet(t, st.PoolHedgerExposure, h.LatestPoolHedgerExposure)
	if !exp.CurrentNetDelta.Equal(u("-2")) {
		t.Errorf("exposure = %s", exp.CurrentNetDelta.Units())
	}
	old := mustGet(t, st.PoolHedgers, ident.FromAddress(hedgerAddr))
	if old.LatestPoolHedgerExposure != "" {
		t.Errorf("previous hedger received exposure %s", old.LatestPoolHedgerExposure)
	}
}

func TestApply_GreekCacheRefreshed(t *testing.T) {
	svc, st := newListedStrike(t)
	ts := t0 + 900
	liq := &event.Liquidity{TokenPrice: u("1.5"), NAV: u("1000")}

	apply(t, svc,
		&event.BaseBalanceChanged{Meta: meta(event.KindBaseBalanceChanged, ts), Delta: u("4")},
		&event.LiquidityQueued{Meta: meta(event.KindWithdrawQueued, ts), QueueID: 3, Amount: u("10")},
		&event.GreekCacheRefreshed{Meta: meta(event.KindGreekCacheRefreshed, ts), NetDelta: u("1")},
	)
	m := mustGet(t, st.Markets, marketID)
	if m.LatestTotalValue != "" {
		t.Fatalf("total value written from a reverted read: %s", m.LatestTotalValue)
	}
	greeks := mustGet(t, st.MarketGreeks, m.LatestGreeks)
	if !greeks.GlobalNetDelta.Equal(u("3")) {
		t.Errorf("global net delta = %s, want 3", greeks.GlobalNetDelta.Units())
	}

	apply(t, svc,
		&event.GreekCacheRefreshed{Meta: meta(event.KindGreekCacheRefreshed, ts+1), Liquidity: liq},
		&event.GreekCacheRefreshed{Meta: meta(event.KindGreekCacheRefreshed, ts+2), Liquidity: &event.Liquidity{NAV: u("2000")}},
	)
	m = mustGet(t, st.Markets, marketID)
	tv := mustGet(t, st.MarketTotalValue, m.LatestTotalValue)
	if !tv.NAV.Equal(u("1000")) {
		t.Errorf("nav = %s, want first value of the hour", tv.NAV.Units())
	}
	if !tv.PendingWithdrawals.Equal(u("15")) || !tv.BaseBalance.Equal(u("4")) {
		t.Errorf("pending withdrawals %s, base balance %s", tv.PendingWithdrawals.Units(), tv.BaseBalance.Units())
	}
}

func TestApply_HedgerExposure(t *testing.T) {
	svc, st := newTestService(t)
	apply(t, svc,
		marketCreated(),
		&event.HedgerPositionUpdated{Meta: meta(event.KindHedgerPositionUpdated, t0), CurrentNetDelta: u("-2")},
	)
	h := mustGet(t, st.PoolHedgers, ident.FromAddress(hedgerAddr))
	exp := mustGet(t, st.PoolHedgerExposure, h.LatestPoolHedgerExposure)
	if !exp.CurrentNetDelta.Equal(u("-2")) {
		t.Errorf("net delta = %s", exp.CurrentNetDelta.Units())
	}
}
