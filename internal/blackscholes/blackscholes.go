// Package blackscholes prices European options and computes their greeks
// under the Black-Scholes model for the option markets being indexed.
//
// Inputs and outputs at the package boundary are fixed.Scaled18 values; the
// transcendental math runs in float64 and is converted back with
// fixed.FromFloat, so every replay of the same inputs yields identical
// integers.
//
// Reference: Black, F. & Scholes, M. (1973) "The Pricing of Options and
// Corporate Liabilities"
package blackscholes

import (
	"errors"
	"fmt"
	"math"

	"github.com/atmx/options-indexer/internal/erf"
	"github.com/atmx/options-indexer/internal/fixed"
)

// SecondsPerYear annualises time to expiry (365 days).
const SecondsPerYear = 31536000

// ErrInvalidInput is returned for non-positive time, volatility, spot or
// strike, or non-finite inputs. The pricer never emits NaN.
var ErrInvalidInput = errors.New("blackscholes: invalid input")

// Inputs are annualised float parameters of one pricing call.
type Inputs struct {
	T      float64 // years to expiry
	Vol    float64
	Spot   float64
	Strike float64
	Rate   float64
}

// Validate rejects inputs the model is undefined for.
func (in Inputs) Validate() error {
	for _, v := range []float64{in.T, in.Vol, in.Spot, in.Strike, in.Rate} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite parameter", ErrInvalidInput)
		}
	}
	switch {
	case in.T <= 0:
		return fmt.Errorf("%w: time to expiry %v", ErrInvalidInput, in.T)
	case in.Vol <= 0:
		return fmt.Errorf("%w: volatility %v", ErrInvalidInput, in.Vol)
	case in.Spot <= 0:
		return fmt.Errorf("%w: spot %v", ErrInvalidInput, in.Spot)
	case in.Strike <= 0:
		return fmt.Errorf("%w: strike %v", ErrInvalidInput, in.Strike)
	}
	return nil
}

// Annualise converts seconds to expiry into years.
func Annualise(seconds int64) float64 {
	return float64(seconds) / SecondsPerYear
}

func d1(in Inputs) float64 {
	return (math.Log(in.Spot/in.Strike) + (in.Rate+in.Vol*in.Vol/2)*in.T) / (in.Vol * math.Sqrt(in.T))
}

func d2(in Inputs) float64 {
	return d1(in) - in.Vol*math.Sqrt(in.T)
}

// PV discounts value at the continuous rate over t years.
func PV(value, rate, t float64) float64 {
	return value * math.Exp(-rate*t)
}

// D1 returns the d1 term.
func D1(in Inputs) (float64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	return d1(in), nil
}

// D2 returns the d2 term.
func D2(in Inputs) (float64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	return d2(in), nil
}

// CallPrice is N(d1)·S − N(d2)·PV(K).
func CallPrice(in Inputs) (float64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	return erf.StdNormalCDF(d1(in))*in.Spot - erf.StdNormalCDF(d2(in))*PV(in.Strike, in.Rate, in.T), nil
}

// PutPrice is N(−d2)·PV(K) − N(−d1)·S.
func PutPrice(in Inputs) (float64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	return erf.StdNormalCDF(-d2(in))*PV(in.Strike, in.Rate, in.T) - erf.StdNormalCDF(-d1(in))*in.Spot, nil
}

// CallDelta is N(d1).
func CallDelta(in Inputs) (float64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	return erf.StdNormalCDF(d1(in)), nil
}

// PutDelta is CallDelta − 1.
func PutDelta(in Inputs) (float64, error) {
	c, err := CallDelta(in)
	if err != nil {
		return 0, err
	}
	return c - 1, nil
}

// Vega is S·φ(d1)·√t.
func Vega(in Inputs) (float64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	return in.Spot * erf.StdNormalPDF(d1(in)) * math.Sqrt(in.T), nil
}

// Gamma is φ(d1) / (S·σ·√t).
func Gamma(in Inputs) (float64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	return erf.StdNormalPDF(d1(in)) / (in.Spot * in.Vol * math.Sqrt(in.T)), nil
}

// Theta returns the call or put theta per year.
func Theta(in Inputs, isCall bool) (float64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	p1 := -in.Spot * erf.StdNormalPDF(d1(in)) * in.Vol / (2 * math.Sqrt(in.T))
	p2 := in.Rate * in.Strike * math.Exp(-in.Rate*in.T)
	if isCall {
		return p1 - p2*erf.StdNormalCDF(d2(in)), nil
	}
	return p1 + p2*erf.StdNormalCDF(-d2(in)), nil
}

// Rho returns the call or put rho.
func Rho(in Inputs, isCall bool) (float64, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}
	p1 := in.Strike * in.T * math.Exp(-in.Rate*in.T)
	if isCall {
		return p1 * erf.StdNormalCDF(d2(in)), nil
	}
	return -p1 * erf.StdNormalCDF(-d2(in)), nil
}

// Greeks is the full scaled result of one pricing call.
type Greeks struct {
	CallPrice fixed.Scaled18 `json:"call_price"`
	PutPrice  fixed.Scaled18 `json:"put_price"`
	CallDelta fixed.Scaled18 `json:"call_delta"`
	PutDelta  fixed.Scaled18 `json:"put_delta"`
	CallTheta fixed.Scaled18 `json:"call_theta"`
	PutTheta  fixed.Scaled18 `json:"put_theta"`
	CallRho   fixed.Scaled18 `json:"call_rho"`
	PutRho    fixed.Scaled18 `json:"put_rho"`
	Vega      fixed.Scaled18 `json:"vega"`
	Gamma     fixed.Scaled18 `json:"gamma"`
}

// scaledInputs converts the scaled on-chain parameters to float inputs.
func scaledInputs(secondsToExpiry int64, vol, spot, strike, rate fixed.Scaled18) (Inputs, error) {
	in := Inputs{
		T:      Annualise(secondsToExpiry),
		Vol:    vol.Float(),
		Spot:   spot.Float(),
		Strike: strike.Float(),
		Rate:   rate.Float(),
	}
	return in, in.Validate()
}

// CalculateGreeks computes prices and all greeks for a strike in one pass.
// The put delta is derived in scaled space as callDelta − 1e18 so the two
// always differ by exactly one unit.
func CalculateGreeks(secondsToExpiry int64, vol, spot, strike, rate fixed.Scaled18) (Greeks, error) {
	in, err := scaledInputs(secondsToExpiry, vol, spot, strike, rate)
	if err != nil {
		return Greeks{}, err
	}

	d1v := d1(in)
	d2v := d2(in)
	cdfD1 := erf.StdNormalCDF(d1v)
	cdfD2 := erf.StdNormalCDF(d2v)
	cdfNegD2 := erf.StdNormalCDF(-d2v)
	pdfD1 := erf.StdNormalPDF(d1v)
	sqrtT := math.Sqrt(in.T)
	pv := PV(in.Strike, in.Rate, in.T)

	thetaP1 := (-in.Spot * pdfD1 * in.Vol) / (2 * sqrtT)
	thetaP2 := in.Rate * in.Strike * math.Exp(-in.Rate*in.T)
	rhoP1 := in.Strike * in.T * math.Exp(-in.Rate*in.T)

	raw := []float64{
		cdfD1*in.Spot - cdfD2*pv,
		cdfNegD2*pv - erf.StdNormalCDF(-d1v)*in.Spot,
		cdfD1,
		thetaP1 - thetaP2*cdfD2,
		thetaP1 + thetaP2*cdfNegD2,
		rhoP1 * cdfD2,
		-rhoP1 * cdfNegD2,
		in.Spot * pdfD1 * sqrtT,
		pdfD1 / (in.Spot * in.Vol * sqrtT),
	}
	out := make([]fixed.Scaled18, len(raw))
	for i, f := range raw {
		v, err := fixed.FromFloat(f)
		if err != nil {
			return Greeks{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		out[i] = v
	}

	return Greeks{
		CallPrice: out[0],
		PutPrice:  out[1],
		CallDelta: out[2],
		PutDelta:  out[2].Sub(fixed.Unit),
		CallTheta: out[3],
		PutTheta:  out[4],
		CallRho:   out[5],
		PutRho:    out[6],
		Vega:      out[7],
		Gamma:     out[8],
	}, nil
}

// Price returns the scaled call or put price.
func Price(secondsToExpiry int64, vol, spot, strike, rate fixed.Scaled18, isCall bool) (fixed.Scaled18, error) {
	in, err := scaledInputs(secondsToExpiry, vol, spot, strike, rate)
	if err != nil {
		return fixed.Scaled18{}, err
	}
	var p float64
	if isCall {
		p, _ = CallPrice(in)
	} else {
		p, _ = PutPrice(in)
	}
	v, err := fixed.FromFloat(p)
	if err != nil {
		return fixed.Scaled18{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v, nil
}
