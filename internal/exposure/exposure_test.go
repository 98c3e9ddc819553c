package exposure

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/gamma-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const testExpiry = "2025-06-20"

// asOfDaysBefore returns the instant n days before testExpiry's midnight.
func asOfDaysBefore(n int) time.Time {
	exp, _ := time.Parse(model.ExpirationLayout, testExpiry)
	return exp.AddDate(0, 0, -n)
}

func contract(typ model.ContractType, strike, iv float64, oi int64) model.Contract {
	return model.Contract{
		Underlying:        "SPY",
		Strike:            strike,
		ExpirationDate:    testExpiry,
		Type:              typ,
		OpenInterest:      oi,
		ImpliedVolatility: iv,
	}
}

// symmetricChain has call and put at every strike with equal IV and OI.
func symmetricChain(strikes []float64, iv float64, oi int64) model.Chain {
	c := model.Chain{}
	for _, k := range strikes {
		c.Put(contract(model.Call, k, iv, oi))
		c.Put(contract(model.Put, k, iv, oi))
	}
	return c
}

// --- ComputeExposure ---

func TestComputeExposure_EndToEnd(t *testing.T) {
	strikes := []float64{440, 450, 460}
	chain := symmetricChain(strikes, 0.2, 1000)

	rows := ComputeExposure(chain, testExpiry, strikes, 450, asOfDaysBefore(7))
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}

	atm := rows[1]
	if atm.Strike != 450 {
		t.Fatalf("expected middle row at 450, got %v", atm.Strike)
	}
	for _, r := range []model.ExposureRow{rows[0], rows[2]} {
		if math.Abs(atm.NetGamma) < math.Abs(r.NetGamma) {
			t.Errorf("ATM net gamma |%v| smaller than strike %v |%v|", atm.NetGamma, r.Strike, r.NetGamma)
		}
		if atm.TotalGamma <= r.TotalGamma {
			t.Errorf("gamma should peak at the money: atm=%v strike %v=%v", atm.TotalGamma, r.Strike, r.TotalGamma)
		}
	}

	zero := FindZeroGammaCrossing(rows, 450)
	if zero < 440 || zero > 460 {
		t.Errorf("zero gamma %v outside [440,460]", zero)
	}
}

func TestComputeExposure_Scaling(t *testing.T) {
	chain := model.Chain{}
	chain.Put(contract(model.Call, 100, 0.25, 500))
	chain.Put(contract(model.Put, 100, 0.35, 200))

	asOf := asOfDaysBefore(30)
	rows := ComputeExposure(chain, testExpiry, nil, 102, asOf)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]

	years, _ := TimeToExpiry(testExpiry, asOf)
	if math.Abs(years-30.0/365) > 1e-9 {
		t.Fatalf("time to expiry = %v, want %v", years, 30.0/365)
	}

	if r.CallOI != 500 || r.PutOI != 200 || r.OpenInterest != 700 {
		t.Errorf("unexpected open interest: call=%d put=%d total=%d", r.CallOI, r.PutOI, r.OpenInterest)
	}
	if math.Abs(r.NetGamma-(r.CallGamma-r.PutGamma)) > 1e-9 {
		t.Errorf("net gamma %v != call %v - put %v", r.NetGamma, r.CallGamma, r.PutGamma)
	}
	if math.Abs(r.TotalGamma-(r.CallGamma+r.PutGamma)) > 1e-9 {
		t.Errorf("total gamma %v != call %v + put %v", r.TotalGamma, r.CallGamma, r.PutGamma)
	}
	if r.PutDelta >= 0 {
		t.Errorf("put delta exposure should be negative, got %v", r.PutDelta)
	}
	if math.Abs(r.NetDelta-(r.CallDelta+r.PutDelta)) > 1e-9 {
		t.Errorf("net delta %v != call %v + put %v", r.NetDelta, r.CallDelta, r.PutDelta)
	}
	if r.Partial {
		t.Error("row with both sides present should not be partial")
	}
}

func TestComputeExposure_AscendingStrikes(t *testing.T) {
	strikes := []float64{470, 430, 450, 440, 460, 450}
	chain := symmetricChain(strikes, 0.2, 100)

	rows := ComputeExposure(chain, testExpiry, strikes, 450, asOfDaysBefore(10))
	if len(rows) != 5 {
		t.Fatalf("expected 5 unique strikes, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Strike <= rows[i-1].Strike {
			t.Fatalf("strikes not strictly ascending at %d: %v then %v", i, rows[i-1].Strike, rows[i].Strike)
		}
	}
}

func TestComputeExposure_MissingSideUsesDefault(t *testing.T) {
	chain := model.Chain{}
	chain.Put(contract(model.Call, 100, 0.3, 1000))

	rows := ComputeExposure(chain, testExpiry, nil, 100, asOfDaysBefore(14))
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]
	if !r.Partial {
		t.Error("row with a missing put should be flagged partial")
	}
	if r.PutOI != 0 || r.PutGamma != 0 || r.PutDelta != 0 {
		t.Errorf("missing put should contribute nothing: %+v", r)
	}
	if r.CallGamma <= 0 {
		t.Errorf("call gamma should be positive, got %v", r.CallGamma)
	}
}

func TestComputeExposure_ZeroIVFallsBackToDefault(t *testing.T) {
	withZero := model.Chain{}
	withZero.Put(contract(model.Call, 100, 0, 1000))
	withDefault := model.Chain{}
	withDefault.Put(contract(model.Call, 100, model.DefaultImpliedVolatility, 1000))

	asOf := asOfDaysBefore(14)
	a := ComputeExposure(withZero, testExpiry, nil, 100, asOf)
	b := ComputeExposure(withDefault, testExpiry, nil, 100, asOf)
	if a[0].CallGamma != b[0].CallGamma {
		t.Errorf("zero IV should price like the default: %v vs %v", a[0].CallGamma, b[0].CallGamma)
	}
	if math.IsNaN(a[0].CallGamma) {
		t.Error("gamma must be finite")
	}
}

func TestComputeExposure_ExpiredFloorsAtOneDay(t *testing.T) {
	chain := symmetricChain([]float64{100}, 0.2, 10)

	past := ComputeExposure(chain, testExpiry, nil, 100, asOfDaysBefore(-3))
	oneDay := ComputeExposure(chain, testExpiry, nil, 100, asOfDaysBefore(1))
	if past[0].CallGamma != oneDay[0].CallGamma {
		t.Errorf("expired chain should floor at one day: %v vs %v", past[0].CallGamma, oneDay[0].CallGamma)
	}
}

func TestComputeExposure_UnknownExpiration(t *testing.T) {
	chain := symmetricChain([]float64{100}, 0.2, 10)

	rows := ComputeExposure(chain, "2031-01-01", nil, 100, time.Now())
	if rows == nil || len(rows) != 0 {
		t.Errorf("expected empty non-nil rows, got %v", rows)
	}
}

func TestComputeExposure_DegenerateUnderlying(t *testing.T) {
	chain := symmetricChain([]float64{100}, 0.2, 10)

	rows := ComputeExposure(chain, testExpiry, nil, 0, asOfDaysBefore(5))
	for _, r := range rows {
		for _, v := range []float64{r.CallGamma, r.PutGamma, r.CallDelta, r.PutDelta, r.NetGamma, r.NetDelta} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("non-finite value leaked into row: %+v", r)
			}
		}
	}
}

// --- FindZeroGammaCrossing ---

func TestFindZeroGammaCrossing_Interpolates(t *testing.T) {
	rows := []model.ExposureRow{
		{Strike: 95, NetGamma: 120},
		{Strike: 100, NetGamma: -40},
	}
	got := FindZeroGammaCrossing(rows, 97)
	if math.Abs(got-98.75) > 1e-9 {
		t.Errorf("expected 98.75, got %v", got)
	}
}

func TestFindZeroGammaCrossing_NoSignChange(t *testing.T) {
	positive := []model.ExposureRow{
		{Strike: 90, NetGamma: 10},
		{Strike: 95, NetGamma: 50},
		{Strike: 100, NetGamma: 5},
	}
	if got := FindZeroGammaCrossing(positive, 93.5); got != 93.5 {
		t.Errorf("expected underlying fallback 93.5, got %v", got)
	}

	negative := []model.ExposureRow{
		{Strike: 90, NetGamma: -10},
		{Strike: 95, NetGamma: -50},
	}
	if got := FindZeroGammaCrossing(negative, 91); got != 91 {
		t.Errorf("expected underlying fallback 91, got %v", got)
	}

	if got := FindZeroGammaCrossing(nil, 42); got != 42 {
		t.Errorf("expected underlying fallback for empty rows, got %v", got)
	}
}

func TestFindZeroGammaCrossing_FirstCrossingWins(t *testing.T) {
	rows := []model.ExposureRow{
		{Strike: 90, NetGamma: 10},
		{Strike: 95, NetGamma: -10}, // first crossing at 92.5
		{Strike: 100, NetGamma: -10},
		{Strike: 105, NetGamma: 30}, // second crossing, nearer the underlying
	}
	got := FindZeroGammaCrossing(rows, 104)
	if math.Abs(got-92.5) > 1e-9 {
		t.Errorf("expected first crossing 92.5, got %v", got)
	}
}

func TestFindZeroGammaCrossing_ZeroRowIsNotACrossing(t *testing.T) {
	rows := []model.ExposureRow{
		{Strike: 90, NetGamma: 10},
		{Strike: 95, NetGamma: 0},
		{Strike: 100, NetGamma: 5},
	}
	if got := FindZeroGammaCrossing(rows, 97); got != 97 {
		t.Errorf("a zero row between same-sign rows is not a crossing, got %v", got)
	}
}

// --- Summarize ---

func TestSummarize(t *testing.T) {
	rows := []model.ExposureRow{
		{Strike: 95, CallGamma: 200, PutGamma: 80, NetGamma: 120, CallOI: 300, PutOI: 100, NetDelta: 1000},
		{Strike: 100, CallGamma: 10, PutGamma: 50, NetGamma: -40, CallOI: 100, PutOI: 100, NetDelta: -400, Partial: true},
	}
	s := Summarize(rows, 97, testExpiry, asOfDaysBefore(7))

	if s.TotalOI != 600 || s.CallOI != 400 || s.PutOI != 200 {
		t.Errorf("unexpected OI totals: %+v", s)
	}
	if !s.TotalCallGamma.Equal(d(210)) || !s.TotalPutGamma.Equal(d(130)) {
		t.Errorf("unexpected gamma totals: call=%s put=%s", s.TotalCallGamma, s.TotalPutGamma)
	}
	if !s.NetGamma.Equal(d(80)) {
		t.Errorf("expected net gamma 80, got %s", s.NetGamma)
	}
	if !s.GEXSupply.Equal(d(120)) || !s.GEXDemand.Equal(d(40)) {
		t.Errorf("unexpected supply/demand: %s/%s", s.GEXSupply, s.GEXDemand)
	}
	if !s.CallPutRatio.Equal(d(2)) || !s.PutCallRatio.Equal(d(0.5)) {
		t.Errorf("unexpected ratios: c/p=%s p/c=%s", s.CallPutRatio, s.PutCallRatio)
	}
	if s.GammaCondition != model.CallDominated {
		t.Errorf("expected call dominated, got %s", s.GammaCondition)
	}
	if math.Abs(s.ZeroGammaLevel-98.75) > 1e-9 {
		t.Errorf("expected zero gamma 98.75, got %v", s.ZeroGammaLevel)
	}
	if s.PartialStrikes != 1 {
		t.Errorf("expected 1 partial strike, got %d", s.PartialStrikes)
	}
	if s.DaysToExpiry != 7 {
		t.Errorf("expected 7 days to expiry, got %v", s.DaysToExpiry)
	}
}

func TestAnalyze_DefaultsToNearestExpiration(t *testing.T) {
	chain := symmetricChain([]float64{440, 450, 460}, 0.2, 1000)
	chain.Put(model.Contract{Underlying: "SPY", Strike: 450, ExpirationDate: "2025-12-19", Type: model.Call, ImpliedVolatility: 0.2, OpenInterest: 5})

	snap := &model.ChainSnapshot{Symbol: "SPY", UnderlyingPrice: 450, Chain: chain}
	rep := Analyze(snap, "", asOfDaysBefore(7))

	if rep.Expiration != testExpiry {
		t.Errorf("expected nearest expiration %s, got %s", testExpiry, rep.Expiration)
	}
	if len(rep.Rows) != 3 {
		t.Errorf("expected 3 rows, got %d", len(rep.Rows))
	}
	if rep.Summary.TotalOI != 6000 {
		t.Errorf("expected total OI 6000, got %d", rep.Summary.TotalOI)
	}
}
