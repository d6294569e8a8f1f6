// Package event defines the decoded chain events the indexer consumes.
//
// Events arrive as JSON envelopes: a header locating the log in chain time
// plus a kind-specific payload. Fixed-point values are raw 18-decimal
// integers, quoted or bare.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/options-indexer/internal/fixed"
	"github.com/atmx/options-indexer/internal/model"
)

var (
	ErrUnknownKind = errors.New("event: unknown kind")
	ErrMalformed   = errors.New("event: malformed envelope")
)

// Kind names an event family.
type Kind string

const (
	KindMarketCreated         Kind = "market_created"
	KindGreekCacheParamsSet   Kind = "greek_cache_params_set"
	KindPriceUpdated          Kind = "price_updated"
	KindBoardCreated          Kind = "board_created"
	KindBoardBaseIVSet        Kind = "board_base_iv_set"
	KindBoardFrozen           Kind = "board_frozen"
	KindBoardSettled          Kind = "board_settled"
	KindStrikeAdded           Kind = "strike_added"
	KindStrikeSkewSet         Kind = "strike_skew_set"
	KindStrikeCacheUpdated    Kind = "strike_cache_updated"
	KindGreekCacheRefreshed   Kind = "greek_cache_refreshed"
	KindTrade                 Kind = "trade"
	KindPositionUpdated       Kind = "position_updated"
	KindPositionTransferred   Kind = "position_transferred"
	KindPositionSettled       Kind = "position_settled"
	KindHedgerPositionUpdated Kind = "hedger_position_updated"
	KindPoolHedgerUpdated     Kind = "pool_hedger_updated"
	KindDepositQueued         Kind = "deposit_queued"
	KindDepositProcessed      Kind = "deposit_processed"
	KindWithdrawQueued        Kind = "withdraw_queued"
	KindWithdrawProcessed     Kind = "withdraw_processed"
	KindWithdrawPartial       Kind = "withdraw_partially_processed"
	KindCircuitBreakerUpdated Kind = "circuit_breaker_updated"
	KindBaseBalanceChanged    Kind = "base_balance_changed"
)

// Meta locates an event in chain time. Market is the option market the
// emitting contract belongs to.
type Meta struct {
	Kind      Kind           `json:"kind"`
	Market    common.Address `json:"market"`
	Block     int64          `json:"block"`
	Timestamp int64          `json:"timestamp"`
	TxHash    common.Hash    `json:"tx_hash"`
	LogIndex  int64          `json:"log_index"`
}

// Header returns the event's metadata.
func (m Meta) Header() Meta { return m }

// Event is implemented by every decoded payload.
type Event interface {
	Header() Meta
}

// Envelope is the wire form of an event.
type Envelope struct {
	Meta
	Payload json.RawMessage `json:"payload"`
}

// MarketCreated registers an option market and its pool contracts.
type MarketCreated struct {
	Meta
	Name       string         `json:"name"`
	Pool       common.Address `json:"pool"`
	PoolHedger common.Address `json:"pool_hedger"`
}

// GreekCacheParamsSet updates the market's rate and carry.
type GreekCacheParamsSet struct {
	Meta
	RateAndCarry fixed.Scaled18 `json:"rate_and_carry"`
}

// PriceUpdated is a new spot rate from the market's price feed.
type PriceUpdated struct {
	Meta
	Rate fixed.Scaled18 `json:"rate"`
}

// BoardCreated lists a new expiry.
type BoardCreated struct {
	Meta
	BoardID int64          `json:"board_id"`
	Expiry  int64          `json:"expiry"`
	BaseIV  fixed.Scaled18 `json:"base_iv"`
}

// BoardBaseIVSet overrides a board's base IV.
type BoardBaseIVSet struct {
	Meta
	BoardID int64          `json:"board_id"`
	BaseIV  fixed.Scaled18 `json:"base_iv"`
}

// BoardFrozen pauses or resumes trading on a board.
type BoardFrozen struct {
	Meta
	BoardID int64 `json:"board_id"`
	Frozen  bool  `json:"frozen"`
}

// BoardSettled marks a board expired at the given spot.
type BoardSettled struct {
	Meta
	BoardID           int64          `json:"board_id"`
	SpotPriceAtExpiry fixed.Scaled18 `json:"spot_price_at_expiry"`
}

// StrikeAdded lists a strike on a board.
type StrikeAdded struct {
	Meta
	BoardID     int64          `json:"board_id"`
	StrikeID    int64          `json:"strike_id"`
	StrikePrice fixed.Scaled18 `json:"strike_price"`
	Skew        fixed.Scaled18 `json:"skew"`
}

// StrikeSkewSet overrides a strike's skew.
type StrikeSkewSet struct {
	Meta
	StrikeID int64          `json:"strike_id"`
	Skew     fixed.Scaled18 `json:"skew"`
}

// StrikeCacheUpdated carries the greek cache's view of a strike.
type StrikeCacheUpdated struct {
	Meta
	StrikeID     int64          `json:"strike_id"`
	Skew         fixed.Scaled18 `json:"skew"`
	SkewVariance fixed.Scaled18 `json:"skew_variance"`
}

// Liquidity is the pool state read at the refresh block.
type Liquidity struct {
	TokenPrice            fixed.Scaled18 `json:"token_price"`
	NAV                   fixed.Scaled18 `json:"nav"`
	FreeLiquidity         fixed.Scaled18 `json:"free_liquidity"`
	BurnableLiquidity     fixed.Scaled18 `json:"burnable_liquidity"`
	UsedCollatLiquidity   fixed.Scaled18 `json:"used_collat_liquidity"`
	PendingDeltaLiquidity fixed.Scaled18 `json:"pending_delta_liquidity"`
	UsedDeltaLiquidity    fixed.Scaled18 `json:"used_delta_liquidity"`
}

// GreekCacheRefreshed carries the market's net greeks. Liquidity is nil when
// the on-chain read reverted at that block.
type GreekCacheRefreshed struct {
	Meta
	NetDelta       fixed.Scaled18 `json:"net_delta"`
	NetStdVega     fixed.Scaled18 `json:"net_std_vega"`
	NetOptionValue fixed.Scaled18 `json:"net_option_value"`
	Liquidity      *Liquidity     `json:"liquidity,omitempty"`
}

// TradeDirection is the on-chain trade direction.
type TradeDirection int

const (
	DirectionOpen TradeDirection = iota
	DirectionClose
	DirectionLiquidate
)

// LiquidationFees are present on liquidations only.
type LiquidationFees struct {
	LiquidatorFee fixed.Scaled18 `json:"liquidator_fee"`
	LPFee         fixed.Scaled18 `json:"lp_fee"`
	SMFee         fixed.Scaled18 `json:"sm_fee"`
}

// Trade is an open, close or liquidation with its pricing results summed
// across iterations.
type Trade struct {
	Meta
	StrikeID     int64              `json:"strike_id"`
	PositionID   int64              `json:"position_id"`
	Trader       common.Address     `json:"trader"`
	PositionType model.PositionType `json:"position_type"`
	Direction    TradeDirection     `json:"direction"`
	IsForceClose bool               `json:"is_force_close"`
	Amount       fixed.Scaled18     `json:"amount"`
	TotalCost    fixed.Scaled18     `json:"total_cost"`
	Premium      fixed.Scaled18     `json:"premium"`
	VolTraded    fixed.Scaled18     `json:"vol_traded"`
	NewBaseIV    fixed.Scaled18     `json:"new_base_iv"`
	IVVariance   fixed.Scaled18     `json:"iv_variance"`
	NewSkew      fixed.Scaled18     `json:"new_skew"`
	NewIV        fixed.Scaled18     `json:"new_iv"`
	OptionFee    fixed.Scaled18     `json:"option_fee"`
	SpotFee      fixed.Scaled18     `json:"spot_fee"`
	VegaFee      fixed.Scaled18     `json:"vega_fee"`
	VarianceFee  fixed.Scaled18     `json:"variance_fee"`
	Liquidation  *LiquidationFees   `json:"liquidation,omitempty"`
}

// PositionUpdated is the option token's view of a position after a change.
type PositionUpdated struct {
	Meta
	PositionID   int64               `json:"position_id"`
	StrikeID     int64               `json:"strike_id"`
	Owner        common.Address      `json:"owner"`
	PositionType model.PositionType  `json:"position_type"`
	State        model.PositionState `json:"state"`
	Amount       fixed.Scaled18      `json:"amount"`
	Collateral   fixed.Scaled18      `json:"collateral"`
}

// PositionTransferred moves a position token. A zero From is a mint.
type PositionTransferred struct {
	Meta
	PositionID int64          `json:"position_id"`
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
}

// PositionSettled settles an expired position.
type PositionSettled struct {
	Meta
	PositionID       int64          `json:"position_id"`
	Amount           fixed.Scaled18 `json:"amount"`
	PriceAtExpiry    fixed.Scaled18 `json:"price_at_expiry"`
	SettlementAmount fixed.Scaled18 `json:"settlement_amount"`
}

// HedgerPositionUpdated reports the hedger's net delta.
type HedgerPositionUpdated struct {
	Meta
	CurrentNetDelta fixed.Scaled18 `json:"current_net_delta"`
}

// PoolHedgerUpdated replaces the market's pool hedger.
type PoolHedgerUpdated struct {
	Meta
	PoolHedger common.Address `json:"pool_hedger"`
}

// LiquidityQueued is a deposit or withdrawal entering the pool's queue.
// User is the deposit beneficiary or the withdrawer. Amount is quote for
// deposits and pool tokens for withdrawals.
type LiquidityQueued struct {
	Meta
	QueueID int64          `json:"queue_id"`
	User    common.Address `json:"user"`
	Amount  fixed.Scaled18 `json:"amount"`
}

// LiquidityProcessed is a queued (or immediate, QueueID 0) deposit or
// withdrawal being processed. Amount is the queue amount consumed, in the
// queue's unit; QuoteAmount and TokenAmount are what changed hands at
// TokenPrice. User is the beneficiary of a deposit or the caller of a
// withdrawal.
type LiquidityProcessed struct {
	Meta
	QueueID     int64          `json:"queue_id"`
	User        common.Address `json:"user"`
	Amount      fixed.Scaled18 `json:"amount"`
	QuoteAmount fixed.Scaled18 `json:"quote_amount"`
	TokenPrice  fixed.Scaled18 `json:"token_price"`
	TokenAmount fixed.Scaled18 `json:"token_amount"`
}

// CircuitBreakerUpdated pauses liquidity processing until Until.
type CircuitBreakerUpdated struct {
	Meta
	Until                    int64 `json:"until"`
	IVVarianceCrossed        bool  `json:"iv_variance_crossed"`
	SkewVarianceCrossed      bool  `json:"skew_variance_crossed"`
	LiquidityVarianceCrossed bool  `json:"liquidity_variance_crossed"`
}

// BaseBalanceChanged adjusts the pool's base asset balance by Delta
// (base purchased, sold or returned from short collateral).
type BaseBalanceChanged struct {
	Meta
	Delta fixed.Scaled18 `json:"delta"`
}

var registry = map[Kind]func() Event{
	KindMarketCreated:         func() Event { return &MarketCreated{} },
	KindGreekCacheParamsSet:   func() Event { return &GreekCacheParamsSet{} },
	KindPriceUpdated:          func() Event { return &PriceUpdated{} },
	KindBoardCreated:          func() Event { return &BoardCreated{} },
	KindBoardBaseIVSet:        func() Event { return &BoardBaseIVSet{} },
	KindBoardFrozen:           func() Event { return &BoardFrozen{} },
	KindBoardSettled:          func() Event { return &BoardSettled{} },
	KindStrikeAdded:           func() Event { return &StrikeAdded{} },
	KindStrikeSkewSet:         func() Event { return &StrikeSkewSet{} },
	KindStrikeCacheUpdated:    func() Event { return &StrikeCacheUpdated{} },
	KindGreekCacheRefreshed:   func() Event { return &GreekCacheRefreshed{} },
	KindTrade:                 func() Event { return &Trade{} },
	KindPositionUpdated:       func() Event { return &PositionUpdated{} },
	KindPositionTransferred:   func() Event { return &PositionTransferred{} },
	KindPositionSettled:       func() Event { return &PositionSettled{} },
	KindHedgerPositionUpdated: func() Event { return &HedgerPositionUpdated{} },
	KindPoolHedgerUpdated:     func() Event { return &PoolHedgerUpdated{} },
	KindDepositQueued:         func() Event { return &LiquidityQueued{} },
	KindDepositProcessed:      func() Event { return &LiquidityProcessed{} },
	KindWithdrawQueued:        func() Event { return &LiquidityQueued{} },
	KindWithdrawProcessed:     func() Event { return &LiquidityProcessed{} },
	KindWithdrawPartial:       func() Event { return &LiquidityProcessed{} },
	KindCircuitBreakerUpdated: func() Event { return &CircuitBreakerUpdated{} },
	KindBaseBalanceChanged:    func() Event { return &BaseBalanceChanged{} },
}

// Decode parses one JSON envelope into its typed event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	newEvent, ok := registry[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	ev := newEvent()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Kind, err)
		}
	}
	setMeta(ev, env.Meta)
	return ev, nil
}

// Encode builds the wire form of ev.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Meta: ev.Header(), Payload: payload})
}

// setMeta copies the envelope header into the decoded payload.
func setMeta(ev Event, m Meta) {
	type metaSetter interface{ setMeta(Meta) }
	if s, ok := ev.(metaSetter); ok {
		s.setMeta(m)
	}
}

func (m *Meta) setMeta(v Meta) { *m = v }
