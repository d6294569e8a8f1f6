// Package erf implements the error function with W. J. Cody's rational
// Chebyshev approximations, plus the standard normal density and CDF built on
// top of it.
//
// The three regimes split at |x| = 0.46875 and |x| = 4. Results agree with
// math.Erf to well under 1e-12 and are reproducible bit for bit, which the
// option pricer relies on when replaying history.
package erf

import "math"

const (
	// thresh separates the small-argument regime.
	thresh = 0.46875

	// maxNum is 2^53; beyond it erf is ±1 to float64 precision.
	maxNum = 9007199254740992.0

	sqrPI = 5.6418958354775628695e-1 // 1/sqrt(pi)
)

var (
	p0 = [5]float64{
		3.16112374387056560e00, 1.13864154151050156e02, 3.77485237685302021e02,
		3.20937758913846947e03, 1.85777706184603153e-1,
	}
	q0 = [4]float64{
		2.36012909523441209e01, 2.44024637934444173e02, 1.28261652607737228e03,
		2.84423683343917062e03,
	}
	p1 = [9]float64{
		5.64188496988670089e-1, 8.88314979438837594e00, 6.61191906371416295e01,
		2.98635138197400131e02, 8.81952221241769090e02, 1.71204761263407058e03,
		2.05107837782607147e03, 1.23033935479799725e03, 2.15311535474403846e-8,
	}
	q1 = [8]float64{
		1.57449261107098347e01, 1.17693950891312499e02, 5.37181101862009858e02,
		1.62138957456669019e03, 3.29079923573345963e03, 4.36261909014324716e03,
		3.43936767414372164e03, 1.23033935480374942e03,
	}
	p2 = [6]float64{
		3.05326634961232344e-1, 3.60344899949804439e-1, 1.25781726111229246e-1,
		1.60837851487422766e-2, 6.58749161529837803e-4, 1.63153871373020978e-2,
	}
	q2 = [5]float64{
		2.56852019228982242e00, 1.87295284992346047e00, 5.27905102951428412e-1,
		6.05183413124413191e-2, 2.33520497626869185e-3,
	}
)

// Erf returns the error function of x.
func Erf(x float64) float64 {
	if math.IsNaN(x) {
		return x
	}
	y := math.Abs(x)
	if y >= maxNum {
		return sign(x)
	}
	if y <= thresh {
		return sign(x) * erf1(y)
	}
	if y <= 4.0 {
		return sign(x) * (1 - erfc2(y))
	}
	return sign(x) * (1 - erfc3(y))
}

// Erfc returns 1 - Erf(x).
func Erfc(x float64) float64 {
	return 1 - Erf(x)
}

// StdNormalPDF is the standard normal density.
func StdNormalPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// StdNormalCDF is the standard normal cumulative distribution.
func StdNormalCDF(x float64) float64 {
	return (1 - Erf(-x/math.Sqrt2)) / 2
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func erf1(y float64) float64 {
	ysq := y * y
	xnum := p0[4] * ysq
	xden := ysq
	for i := 0; i < 3; i++ {
		xnum = (xnum + p0[i]) * ysq
		xden = (xden + q0[i]) * ysq
	}
	return y * (xnum + p0[3]) / (xden + q0[3])
}

func erfc2(y float64) float64 {
	xnum := p1[8] * y
	xden := y
	for i := 0; i < 7; i++ {
		xnum = (xnum + p1[i]) * y
		xden = (xden + q1[i]) * y
	}
	result := (xnum + p1[7]) / (xden + q1[7])
	return expTail(y) * result
}

func erfc3(y float64) float64 {
	ysq := 1 / (y * y)
	xnum := p2[5] * ysq
	xden := ysq
	for i := 0; i < 4; i++ {
		xnum = (xnum + p2[i]) * ysq
		xden = (xden + q2[i]) * ysq
	}
	result := ysq * (xnum + p2[4]) / (xden + q2[4])
	result = (sqrPI - result) / y
	return expTail(y) * result
}

// expTail computes exp(-y²) split at y rounded down to 1/16 to limit the
// cancellation error of the large exponent.
func expTail(y float64) float64 {
	ysq := math.Floor(y*16) / 16
	del := (y - ysq) * (y + ysq)
	return math.Exp(-ysq*ysq) * math.Exp(-del)
}
