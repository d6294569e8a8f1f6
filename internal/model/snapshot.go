package model

import (
	"github.com/atmx/options-indexer/internal/fixed"
)

// Bucket is the header shared by every snapshot: which series it belongs to
// and which time bucket it covers.
type Bucket struct {
	ID             string `json:"id"`
	Period         int64  `json:"period"`
	Timestamp      int64  `json:"timestamp"` // bucket boundary
	BlockTimestamp int64  `json:"block_timestamp"`
	BlockNumber    int64  `json:"block_number"`
}

// Touch records the block of the latest write to the bucket.
func (b *Bucket) Touch(ts, block int64) {
	b.BlockTimestamp = ts
	b.BlockNumber = block
}

// SpotPriceSnapshot is one OHLC candle of a market's spot price.
type SpotPriceSnapshot struct {
	Bucket
	Market    string         `json:"market"`
	SpotPrice fixed.Scaled18 `json:"spot_price"`
	Open      fixed.Scaled18 `json:"open"`
	High      fixed.Scaled18 `json:"high"`
	Low       fixed.Scaled18 `json:"low"`
	Close     fixed.Scaled18 `json:"close"`
}

// Widen extends high/low to include rate.
func (c *SpotPriceSnapshot) Widen(rate fixed.Scaled18) {
	if rate.GreaterThan(c.High) {
		c.High = rate
	}
	if rate.LessThan(c.Low) {
		c.Low = rate
	}
}

// MarketVolumeAndFeesSnapshot carries per-period volume and fees plus
// cumulative open interest and volume totals.
type MarketVolumeAndFeesSnapshot struct {
	Bucket
	Market string `json:"market"`

	PremiumVolume     fixed.Scaled18 `json:"premium_volume"`
	NotionalVolume    fixed.Scaled18 `json:"notional_volume"`
	SpotPriceFees     fixed.Scaled18 `json:"spot_price_fees"`
	OptionPriceFees   fixed.Scaled18 `json:"option_price_fees"`
	VegaFees          fixed.Scaled18 `json:"vega_fees"`
	VarianceFees      fixed.Scaled18 `json:"variance_fees"`
	DeltaCutoffFees   fixed.Scaled18 `json:"delta_cutoff_fees"`
	LiquidatorFees    fixed.Scaled18 `json:"liquidator_fees"`
	SMLiquidationFees fixed.Scaled18 `json:"sm_liquidation_fees"`
	LPLiquidationFees fixed.Scaled18 `json:"lp_liquidation_fees"`

	TotalPremiumVolume            fixed.Scaled18 `json:"total_premium_volume"`
	TotalNotionalVolume           fixed.Scaled18 `json:"total_notional_volume"`
	TotalLongCallOpenInterest     fixed.Scaled18 `json:"total_long_call_open_interest"`
	TotalShortCallOpenInterest    fixed.Scaled18 `json:"total_short_call_open_interest"`
	TotalLongPutOpenInterest      fixed.Scaled18 `json:"total_long_put_open_interest"`
	TotalShortPutOpenInterest     fixed.Scaled18 `json:"total_short_put_open_interest"`
	TotalLongCallOpenInterestUSD  fixed.Scaled18 `json:"total_long_call_open_interest_usd"`
	TotalShortCallOpenInterestUSD fixed.Scaled18 `json:"total_short_call_open_interest_usd"`
	TotalLongPutOpenInterestUSD   fixed.Scaled18 `json:"total_long_put_open_interest_usd"`
	TotalShortPutOpenInterestUSD  fixed.Scaled18 `json:"total_short_put_open_interest_usd"`
}

// MarketGreeksSnapshot is a point-in-time view of a market's net greeks,
// split into pool, hedger and option components.
type MarketGreeksSnapshot struct {
	Bucket
	Market string `json:"market"`

	NetDelta       fixed.Scaled18 `json:"net_delta"`
	NetStdVega     fixed.Scaled18 `json:"net_std_vega"`
	NetGamma       fixed.Scaled18 `json:"net_gamma"`
	NetTheta       fixed.Scaled18 `json:"net_theta"`
	PoolNetDelta   fixed.Scaled18 `json:"pool_net_delta"`
	HedgerNetDelta fixed.Scaled18 `json:"hedger_net_delta"`
	GlobalNetDelta fixed.Scaled18 `json:"global_net_delta"`
	SpotPrice      fixed.Scaled18 `json:"spot_price"`
}

// MarketTotalValueSnapshot captures the pool's valuation and liquidity.
type MarketTotalValueSnapshot struct {
	Bucket
	Market string `json:"market"`

	NetOptionValue        fixed.Scaled18 `json:"net_option_value"`
	TokenPrice            fixed.Scaled18 `json:"token_price"`
	NAV                   fixed.Scaled18 `json:"nav"`
	FreeLiquidity         fixed.Scaled18 `json:"free_liquidity"`
	BurnableLiquidity     fixed.Scaled18 `json:"burnable_liquidity"`
	UsedCollatLiquidity   fixed.Scaled18 `json:"used_collat_liquidity"`
	PendingDeltaLiquidity fixed.Scaled18 `json:"pending_delta_liquidity"`
	UsedDeltaLiquidity    fixed.Scaled18 `json:"used_delta_liquidity"`
	BaseBalance           fixed.Scaled18 `json:"base_balance"`
	PendingDeposits       fixed.Scaled18 `json:"pending_deposits"`
	PendingWithdrawals    fixed.Scaled18 `json:"pending_withdrawals"`
}

// BoardBaseIVSnapshot records a board's base implied volatility.
type BoardBaseIVSnapshot struct {
	Bucket
	Board      string         `json:"board"`
	BaseIV     fixed.Scaled18 `json:"base_iv"`
	IVVariance fixed.Scaled18 `json:"iv_variance"`
}

// StrikeIVAndGreeksSnapshot records a strike's skew, IV and shared greeks.
type StrikeIVAndGreeksSnapshot struct {
	Bucket
	Strike       string         `json:"strike"`
	Board        string         `json:"board"`
	Skew         fixed.Scaled18 `json:"skew"`
	SkewVariance fixed.Scaled18 `json:"skew_variance"`
	IV           fixed.Scaled18 `json:"iv"`
	Gamma        fixed.Scaled18 `json:"gamma"`
	Vega         fixed.Scaled18 `json:"vega"`
}

// OptionPriceAndGreeksSnapshot records one side's price and greeks.
type OptionPriceAndGreeksSnapshot struct {
	Bucket
	Option      string         `json:"option"`
	OptionPrice fixed.Scaled18 `json:"option_price"`
	Delta       fixed.Scaled18 `json:"delta"`
	Theta       fixed.Scaled18 `json:"theta"`
	Rho         fixed.Scaled18 `json:"rho"`
}

// OptionVolumeSnapshot carries per-period option volume plus cumulative open
// interest and volume totals.
type OptionVolumeSnapshot struct {
	Bucket
	Option string `json:"option"`

	PremiumVolume       fixed.Scaled18 `json:"premium_volume"`
	NotionalVolume      fixed.Scaled18 `json:"notional_volume"`
	TotalPremiumVolume  fixed.Scaled18 `json:"total_premium_volume"`
	TotalNotionalVolume fixed.Scaled18 `json:"total_notional_volume"`
	LongOpenInterest    fixed.Scaled18 `json:"long_open_interest"`
	ShortOpenInterest   fixed.Scaled18 `json:"short_open_interest"`
}

// PoolHedgerExposureSnapshot records the hedger's net delta.
type PoolHedgerExposureSnapshot struct {
	Bucket
	PoolHedger      string         `json:"pool_hedger"`
	CurrentNetDelta fixed.Scaled18 `json:"current_net_delta"`
}

// PoolPendingLiquiditySnapshot records queued LP deposits and withdrawals.
type PoolPendingLiquiditySnapshot struct {
	Bucket
	Pool                    string         `json:"pool"`
	Market                  string         `json:"market"`
	PendingDepositAmount    fixed.Scaled18 `json:"pending_deposit_amount"`
	PendingWithdrawalAmount fixed.Scaled18 `json:"pending_withdrawal_amount"`
}
