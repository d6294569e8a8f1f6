package blackscholes

import (
	"errors"
	"math"
	"testing"

	"github.com/atmx/options-indexer/internal/fixed"
)

// u is a test helper for human-readable scaled values.
func u(s string) fixed.Scaled18 {
	return fixed.MustParseUnits(s)
}

const oneYear = SecondsPerYear

func TestCallPutPrice_KnownValues(t *testing.T) {
	in := Inputs{T: 1, Vol: 0.2, Spot: 100, Strike: 100, Rate: 0.05}

	call, err := CallPrice(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(call-10.450583572185565) > 1e-9 {
		t.Errorf("call = %v, want 10.4505835722", call)
	}

	put, err := PutPrice(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(put-5.573526022256971) > 1e-9 {
		t.Errorf("put = %v, want 5.5735260223", put)
	}
}

func TestPutCallParity(t *testing.T) {
	tests := []Inputs{
		{T: 1, Vol: 0.2, Spot: 100, Strike: 100, Rate: 0.05},
		{T: 30.0 / 365, Vol: 0.8, Spot: 1500, Strike: 1600, Rate: 0.06},
		{T: 0.001, Vol: 1.5, Spot: 20000, Strike: 18000, Rate: 0},
		{T: 2, Vol: 0.05, Spot: 3, Strike: 5, Rate: -0.01},
	}
	for _, in := range tests {
		c, _ := CallPrice(in)
		p, _ := PutPrice(in)
		want := in.Spot - PV(in.Strike, in.Rate, in.T)
		if math.Abs((c-p)-want) > 1e-9*math.Max(1, in.Spot) {
			t.Errorf("parity broken for %+v: C-P=%v, S-PV(K)=%v", in, c-p, want)
		}
	}
}

func TestATMApproximation(t *testing.T) {
	in := Inputs{T: 1, Vol: 0.2, Spot: 100, Strike: 100, Rate: 0}
	c, _ := CallPrice(in)
	approx := 0.4 * in.Spot * in.Vol * math.Sqrt(in.T)
	if math.Abs(c-approx)/approx > 0.01 {
		t.Errorf("ATM call %v should be within 1%% of %v", c, approx)
	}
}

func TestCalculateGreeks_DeltaDifferenceIsExactlyOne(t *testing.T) {
	tests := []struct {
		seconds                 int64
		vol, spot, strike, rate string
	}{
		{oneYear, "0.2", "100", "100", "0.05"},
		{2592000, "0.8", "1500", "1600", "0.06"},
		{3600, "1.2", "1500", "900", "0"},
		{86400 * 90, "0.65", "30000", "45000", "0.03"},
	}
	for _, tt := range tests {
		g, err := CalculateGreeks(tt.seconds, u(tt.vol), u(tt.spot), u(tt.strike), u(tt.rate))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := g.CallDelta.Sub(g.PutDelta); !diff.Equal(fixed.Unit) {
			t.Errorf("callDelta - putDelta = %s, want exactly 1e18", diff)
		}
	}
}

func TestCalculateGreeks_MatchesFloatAPI(t *testing.T) {
	g, err := CalculateGreeks(oneYear, u("0.2"), u("100"), u("100"), u("0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tests := []struct {
		name string
		got  fixed.Scaled18
		want float64
	}{
		{"callPrice", g.CallPrice, 10.450583572185565},
		{"putPrice", g.PutPrice, 5.573526022256971},
		{"callDelta", g.CallDelta, 0.6368306511756191},
		{"gamma", g.Gamma, 0.018762017345846895},
		{"vega", g.Vega, 37.52403469169379},
	}
	for _, tt := range tests {
		if math.Abs(tt.got.Float()-tt.want) > 1e-9 {
			t.Errorf("%s = %s, want %v", tt.name, tt.got.Units(), tt.want)
		}
	}
	if !g.PutRho.IsNegative() || !g.CallRho.IsPositive() {
		t.Errorf("expected callRho > 0 > putRho, got %s / %s", g.CallRho, g.PutRho)
	}
	if !g.CallTheta.IsNegative() {
		t.Errorf("expected negative call theta, got %s", g.CallTheta)
	}
}

func TestCalculateGreeks_ParityInScaledSpace(t *testing.T) {
	spot, strike, rate := u("1500"), u("1600"), u("0.06")
	g, err := CalculateGreeks(2592000, u("0.8"), spot, strike, rate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pv := PV(strike.Float(), rate.Float(), Annualise(2592000))
	want := spot.Float() - pv
	got := g.CallPrice.Sub(g.PutPrice).Float()
	if math.Abs(got-want) > 1e-8 {
		t.Errorf("scaled C-P = %v, want %v", got, want)
	}
}

func TestInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		seconds int64
		vol     string
		spot    string
		strike  string
	}{
		{"zero time", 0, "0.8", "1500", "1500"},
		{"expired", -60, "0.8", "1500", "1500"},
		{"zero vol", 3600, "0", "1500", "1500"},
		{"negative vol", 3600, "-0.1", "1500", "1500"},
		{"zero spot", 3600, "0.8", "0", "1500"},
		{"zero strike", 3600, "0.8", "1500", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CalculateGreeks(tt.seconds, u(tt.vol), u(tt.spot), u(tt.strike), u("0.05"))
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			_, err = Price(tt.seconds, u(tt.vol), u(tt.spot), u(tt.strike), u("0.05"), true)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("Price: expected ErrInvalidInput, got %v", err)
			}
		})
	}

	if _, err := CallPrice(Inputs{T: math.NaN(), Vol: 1, Spot: 1, Strike: 1}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for NaN time, got %v", err)
	}
}

func TestPrice_MatchesGreeks(t *testing.T) {
	vol, spot, strike, rate := u("0.8"), u("1500"), u("1600"), u("0.06")
	g, _ := CalculateGreeks(2592000, vol, spot, strike, rate)

	call, err := Price(2592000, vol, spot, strike, rate, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	put, _ := Price(2592000, vol, spot, strike, rate, false)

	if math.Abs(call.Sub(g.CallPrice).Float()) > 1e-9 {
		t.Errorf("call price %s differs from greeks %s", call.Units(), g.CallPrice.Units())
	}
	if math.Abs(put.Sub(g.PutPrice).Float()) > 1e-9 {
		t.Errorf("put price %s differs from greeks %s", put.Units(), g.PutPrice.Units())
	}
}
