// Package model defines the entities maintained by the options indexer.
// All on-chain quantities use fixed.Scaled18 (18-decimal integers); floats
// never reach a stored field.
package model

import (
	"github.com/atmx/options-indexer/internal/fixed"
)

// Market is one option market: an underlying asset with its liquidity pool,
// hedger and listed boards.
type Market struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Pool       string `json:"pool"`
	PoolHedger string `json:"pool_hedger,omitempty"`
	IsRemoved  bool   `json:"is_removed"`

	LatestSpotPrice           fixed.Scaled18 `json:"latest_spot_price"`
	LatestRateUpdateTimestamp int64          `json:"latest_rate_update_timestamp"`
	HasRate                   bool           `json:"has_rate"`
	LastGreekSnapshotPeriodID int64          `json:"last_greek_snapshot_period_id"`
	RateAndCarry              fixed.Scaled18 `json:"rate_and_carry"`

	NetDelta   fixed.Scaled18 `json:"net_delta"`
	NetStdVega fixed.Scaled18 `json:"net_std_vega"`
	NetGamma   fixed.Scaled18 `json:"net_gamma"`
	NetTheta   fixed.Scaled18 `json:"net_theta"`

	ActiveBoardIDs []string `json:"active_board_ids"`

	LatestVolumeAndFees string `json:"latest_volume_and_fees,omitempty"`
	LatestGreeks        string `json:"latest_greeks,omitempty"`
	LatestTotalValue    string `json:"latest_total_value,omitempty"`
}

// RemoveBoard drops boardID from the active set without mutating the old slice.
func (m *Market) RemoveBoard(boardID string) {
	kept := make([]string, 0, len(m.ActiveBoardIDs))
	for _, id := range m.ActiveBoardIDs {
		if id != boardID {
			kept = append(kept, id)
		}
	}
	m.ActiveBoardIDs = kept
}

// AddBoard appends boardID to the active set unless already present.
func (m *Market) AddBoard(boardID string) {
	for _, id := range m.ActiveBoardIDs {
		if id == boardID {
			return
		}
	}
	m.ActiveBoardIDs = append(m.ActiveBoardIDs, boardID)
}

// Pool is a market's liquidity pool.
type Pool struct {
	ID                  string         `json:"id"`
	Market              string         `json:"market"`
	BaseBalance         fixed.Scaled18 `json:"base_balance"`
	PendingDeposits     fixed.Scaled18 `json:"pending_deposits"`
	PendingWithdrawals  fixed.Scaled18 `json:"pending_withdrawals"`
	CircuitBreakerUntil int64          `json:"circuit_breaker_until,omitempty"`

	LatestPendingLiquidity string `json:"latest_pending_liquidity,omitempty"`
}

// PoolHedger hedges a pool's net delta on a spot or perp venue.
type PoolHedger struct {
	ID     string `json:"id"`
	Market string `json:"market"`

	LatestPoolHedgerExposure string `json:"latest_pool_hedger_exposure,omitempty"`
}

// Board groups the strikes sharing one expiry.
type Board struct {
	ID                string         `json:"id"`
	Market            string         `json:"market"`
	BoardID           int64          `json:"board_id"`
	ExpiryTimestamp   int64          `json:"expiry_timestamp"`
	BaseIV            fixed.Scaled18 `json:"base_iv"`
	IVVariance        fixed.Scaled18 `json:"iv_variance"`
	IsExpired         bool           `json:"is_expired"`
	IsPaused          bool           `json:"is_paused"`
	SpotPriceAtExpiry fixed.Scaled18 `json:"spot_price_at_expiry"`
	NetGamma          fixed.Scaled18 `json:"net_gamma"`
	NetTheta          fixed.Scaled18 `json:"net_theta"`
	StrikeIDs         []string       `json:"strike_ids"`
}

// AddStrike appends strikeID to the board unless already listed.
func (b *Board) AddStrike(strikeID string) {
	for _, id := range b.StrikeIDs {
		if id == strikeID {
			return
		}
	}
	b.StrikeIDs = append(b.StrikeIDs, strikeID)
}

// Strike is one strike price on a board with its skew and implied vol.
type Strike struct {
	ID           string         `json:"id"`
	Market       string         `json:"market"`
	Board        string         `json:"board"`
	StrikeID     int64          `json:"strike_id"`
	StrikePrice  fixed.Scaled18 `json:"strike_price"`
	Skew         fixed.Scaled18 `json:"skew"`
	SkewVariance fixed.Scaled18 `json:"skew_variance"`
	IV           fixed.Scaled18 `json:"iv"`
	CallOption   string         `json:"call_option"`
	PutOption    string         `json:"put_option"`
	IsExpired    bool           `json:"is_expired"`

	LatestStrikeIVAndGreeks string `json:"latest_strike_iv_and_greeks,omitempty"`
}

// Option is the call or put side of a strike.
type Option struct {
	ID        string `json:"id"`
	Market    string `json:"market"`
	Board     string `json:"board"`
	Strike    string `json:"strike"`
	IsCall    bool   `json:"is_call"`
	IsExpired bool   `json:"is_expired"`

	LatestOptionPriceAndGreeks string `json:"latest_option_price_and_greeks,omitempty"`
	LatestOptionVolume         string `json:"latest_option_volume,omitempty"`
}

// PositionState mirrors the option token's position lifecycle.
type PositionState int

const (
	StateEmpty PositionState = iota
	StateActive
	StateClosed
	StateLiquidated
	StateSettled
	StateMerged
)

var stateNames = [...]string{"EMPTY", "ACTIVE", "CLOSED", "LIQUIDATED", "SETTLED", "MERGED"}

func (s PositionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Valid reports whether s is a known state.
func (s PositionState) Valid() bool {
	return s >= StateEmpty && s <= StateMerged
}

// Terminal reports whether no later event may reactivate the position.
func (s PositionState) Terminal() bool {
	switch s {
	case StateClosed, StateLiquidated, StateSettled, StateMerged:
		return true
	}
	return false
}

// PositionType is the on-chain option type of a position.
type PositionType int

const (
	LongCall PositionType = iota
	LongPut
	ShortCallBase
	ShortCallQuote
	ShortPutQuote
)

// IsCall reports whether the position is on the call side.
func (t PositionType) IsCall() bool {
	return t == LongCall || t == ShortCallBase || t == ShortCallQuote
}

// IsLong reports whether the position holder is long.
func (t PositionType) IsLong() bool {
	return t == LongCall || t == LongPut
}

// IsBaseCollateral reports whether a short is collateralised in base asset.
func (t PositionType) IsBaseCollateral() bool {
	return t == ShortCallBase
}

// Valid reports whether t is a known type.
func (t PositionType) Valid() bool {
	return t >= LongCall && t <= ShortPutQuote
}

// Position is a trader's holding in one option.
type Position struct {
	ID                   string         `json:"id"`
	Market               string         `json:"market"`
	PositionID           int64          `json:"position_id"`
	Owner                string         `json:"owner"`
	Board                string         `json:"board"`
	Strike               string         `json:"strike"`
	Option               string         `json:"option"`
	Type                 PositionType   `json:"type"`
	IsLong               bool           `json:"is_long"`
	IsBaseCollateral     bool           `json:"is_base_collateral"`
	State                PositionState  `json:"state"`
	OpenTimestamp        int64          `json:"open_timestamp"`
	CloseTimestamp       int64          `json:"close_timestamp,omitempty"`
	Size                 fixed.Scaled18 `json:"size"`
	Collateral           fixed.Scaled18 `json:"collateral"`
	AverageCostPerOption fixed.Scaled18 `json:"average_cost_per_option"`
	ClosePNL             fixed.Scaled18 `json:"close_pnl"`
	SettlementPNL        fixed.Scaled18 `json:"settlement_pnl"`
}

// Trade is an immutable record of one open, close or liquidation.
type Trade struct {
	ID               string         `json:"id"`
	Market           string         `json:"market"`
	Board            string         `json:"board"`
	Position         string         `json:"position"`
	Strike           string         `json:"strike"`
	Option           string         `json:"option"`
	Trader           string         `json:"trader"`
	Timestamp        int64          `json:"timestamp"`
	BlockNumber      int64          `json:"block_number"`
	TransactionHash  string         `json:"transaction_hash"`
	IsBuy            bool           `json:"is_buy"`
	IsOpen           bool           `json:"is_open"`
	IsLiquidation    bool           `json:"is_liquidation"`
	IsForceClose     bool           `json:"is_force_close"`
	Size             fixed.Scaled18 `json:"size"`
	Premium          fixed.Scaled18 `json:"premium"`
	PremiumLessFees  fixed.Scaled18 `json:"premium_less_fees"`
	PricePerOption   fixed.Scaled18 `json:"price_per_option"`
	SpotPrice        fixed.Scaled18 `json:"spot_price"`
	SpotPriceFee     fixed.Scaled18 `json:"spot_price_fee"`
	OptionPriceFee   fixed.Scaled18 `json:"option_price_fee"`
	VegaUtilFee      fixed.Scaled18 `json:"vega_util_fee"`
	VarianceFee      fixed.Scaled18 `json:"variance_fee"`
	DeltaCutoffFee   fixed.Scaled18 `json:"delta_cutoff_fee"`
	NewIV            fixed.Scaled18 `json:"new_iv"`
	NewSkew          fixed.Scaled18 `json:"new_skew"`
	NewBaseIV        fixed.Scaled18 `json:"new_base_iv"`
	VolTraded        fixed.Scaled18 `json:"vol_traded"`
	CollateralUpdate string         `json:"collateral_update,omitempty"`
	SetCollateralTo  fixed.Scaled18 `json:"set_collateral_to"`
	LiquidatorFee    fixed.Scaled18 `json:"liquidator_fee"`
	LPLiquidationFee fixed.Scaled18 `json:"lp_liquidation_fee"`
	SMLiquidationFee fixed.Scaled18 `json:"sm_liquidation_fee"`
}

// Settle records the settlement of a position at board expiry.
type Settle struct {
	ID                string         `json:"id"`
	Position          string         `json:"position"`
	Owner             string         `json:"owner"`
	Timestamp         int64          `json:"timestamp"`
	BlockNumber       int64          `json:"block_number"`
	TransactionHash   string         `json:"transaction_hash"`
	Size              fixed.Scaled18 `json:"size"`
	SpotPriceAtExpiry fixed.Scaled18 `json:"spot_price_at_expiry"`
	Profit            fixed.Scaled18 `json:"profit"`
	SettleAmount      fixed.Scaled18 `json:"settle_amount"`
}

// CollateralUpdate records a change to a short position's collateral.
type CollateralUpdate struct {
	ID               string         `json:"id"`
	Position         string         `json:"position"`
	Trade            string         `json:"trade,omitempty"`
	Timestamp        int64          `json:"timestamp"`
	BlockNumber      int64          `json:"block_number"`
	TransactionHash  string         `json:"transaction_hash"`
	Amount           fixed.Scaled18 `json:"amount"`
	IsBaseCollateral bool           `json:"is_base_collateral"`
	SpotPrice        fixed.Scaled18 `json:"spot_price"`
}

// PendingAction is a queued LP deposit or withdrawal. It is removed once
// fully processed.
type PendingAction struct {
	ID              string         `json:"id"`
	Pool            string         `json:"pool"`
	LPUserLiquidity string         `json:"lp_user_liquidity,omitempty"`
	IsDeposit       bool           `json:"is_deposit"`
	QueueID         int64          `json:"queue_id"`
	Timestamp       int64          `json:"timestamp"`
	TransactionHash string         `json:"transaction_hash"`
	PendingAmount   fixed.Scaled18 `json:"pending_amount"`
	ProcessedAmount fixed.Scaled18 `json:"processed_amount"`
}

// LPUserLiquidity totals one provider's deposits and withdrawals in a pool.
type LPUserLiquidity struct {
	ID                   string         `json:"id"`
	Pool                 string         `json:"pool"`
	User                 string         `json:"user"`
	TotalAmountDeposited fixed.Scaled18 `json:"total_amount_deposited"`
	TotalAmountWithdrawn fixed.Scaled18 `json:"total_amount_withdrawn"`
}

// LPAction records one processed deposit or withdrawal.
type LPAction struct {
	ID              string         `json:"id"`
	Pool            string         `json:"pool"`
	LPUserLiquidity string         `json:"lp_user_liquidity"`
	IsDeposit       bool           `json:"is_deposit"`
	QueueID         int64          `json:"queue_id"`
	Timestamp       int64          `json:"timestamp"`
	BlockNumber     int64          `json:"block_number"`
	TransactionHash string         `json:"transaction_hash"`
	QuoteAmount     fixed.Scaled18 `json:"quote_amount"`
	TokenPrice      fixed.Scaled18 `json:"token_price"`
	TokenAmount     fixed.Scaled18 `json:"token_amount"`
}

// CircuitBreaker records the pool pausing liquidity processing until
// Until after a variance or liquidity threshold was crossed.
type CircuitBreaker struct {
	ID                       string `json:"id"`
	Pool                     string `json:"pool"`
	Timestamp                int64  `json:"timestamp"`
	BlockNumber              int64  `json:"block_number"`
	TransactionHash          string `json:"transaction_hash"`
	Until                    int64  `json:"until"`
	IVVarianceCrossed        bool   `json:"iv_variance_crossed"`
	SkewVarianceCrossed      bool   `json:"skew_variance_crossed"`
	LiquidityVarianceCrossed bool   `json:"liquidity_variance_crossed"`
}
