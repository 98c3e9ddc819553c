// Package exposure turns an option chain and an underlying price into
// per-strike gamma/delta exposure, in notional dollar terms, and derives
// the zero-gamma level and summary metrics.
package exposure

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/gamma-engine/internal/model"
	"github.com/atmx/gamma-engine/internal/pricing"
)

const (
	// RiskFreeRate is a fixed assumption; no rate curve is sourced.
	RiskFreeRate = 0.05

	// ContractMultiplier is shares per contract for US equity options.
	ContractMultiplier = 100

	// MinTimeToExpiry floors T at one day so greeks stay finite on
	// expiration day.
	MinTimeToExpiry = 1.0 / 365

	daysPerYear = 365.0

	// SummaryScale is the number of decimal places kept in summary totals.
	SummaryScale int32 = 2
)

// contractInputs is what pricing needs from one side of a strike.
type contractInputs struct {
	iv      float64
	oi      int64
	partial bool
}

func inputsFor(exp *model.Expiration, typ model.ContractType, strike float64) contractInputs {
	c, ok := exp.Lookup(typ, strike)
	if !ok {
		return contractInputs{iv: model.DefaultImpliedVolatility, partial: true}
	}
	in := contractInputs{iv: c.ImpliedVolatility, oi: c.OpenInterest, partial: c.Synthesized}
	if in.iv <= 0 || math.IsNaN(in.iv) {
		in.iv = model.DefaultImpliedVolatility
	}
	if in.oi < 0 {
		in.oi = 0
	}
	return in
}

// TimeToExpiry returns years from asOf to the expiration date, floored at
// one day. Expirations are taken at UTC midnight.
func TimeToExpiry(expiration string, asOf time.Time) (float64, error) {
	exp, err := time.Parse(model.ExpirationLayout, expiration)
	if err != nil {
		return 0, err
	}
	years := exp.Sub(asOf).Hours() / 24 / daysPerYear
	return math.Max(MinTimeToExpiry, years), nil
}

// ComputeExposure builds one row per strike of the given expiration.
//
// Rows are returned in strictly ascending strike order with duplicate and
// non-positive strikes removed; FindZeroGammaCrossing relies on that. A nil
// strikes slice means every strike listed for the expiration. An expiration absent
// from the chain (or an unparseable one) yields no rows.
//
// A strike missing on one side is priced with model.DefaultImpliedVolatility
// and zero open interest, and the row is flagged Partial.
func ComputeExposure(chain model.Chain, expiration string, strikes []float64, underlying float64, asOf time.Time) []model.ExposureRow {
	exp, ok := chain[expiration]
	if !ok || exp == nil {
		return []model.ExposureRow{}
	}
	t, err := TimeToExpiry(expiration, asOf)
	if err != nil {
		return []model.ExposureRow{}
	}

	if strikes == nil {
		strikes = exp.Strikes()
	}
	strikes = sortedUnique(strikes)

	rows := make([]model.ExposureRow, 0, len(strikes))
	for _, k := range strikes {
		call := inputsFor(exp, model.Call, k)
		put := inputsFor(exp, model.Put, k)

		cg := pricing.PriceGreeks(underlying, k, t, RiskFreeRate, call.iv, model.Call)
		pg := pricing.PriceGreeks(underlying, k, t, RiskFreeRate, put.iv, model.Put)

		callGamma := finite(cg.Gamma) * float64(call.oi) * ContractMultiplier * underlying
		putGamma := finite(pg.Gamma) * float64(put.oi) * ContractMultiplier * underlying
		callDelta := finite(cg.Delta) * float64(call.oi) * ContractMultiplier
		putDelta := finite(pg.Delta) * float64(put.oi) * ContractMultiplier

		row := model.ExposureRow{
			Strike:       k,
			CallGamma:    callGamma,
			PutGamma:     putGamma,
			TotalGamma:   callGamma + putGamma,
			NetGamma:     callGamma - putGamma,
			OpenInterest: call.oi + put.oi,
			CallOI:       call.oi,
			PutOI:        put.oi,
			CallDelta:    callDelta,
			PutDelta:     putDelta,
			NetDelta:     callDelta + putDelta,
			Partial:      call.partial || put.partial,
		}
		if underlying > 0 {
			row.PercentDiff = (k - underlying) / underlying * 100
		}
		rows = append(rows, row)
	}
	return rows
}

// FindZeroGammaCrossing returns the price where net gamma changes sign.
//
// Rows are scanned from the lowest strike upward and the first sign change
// wins, interpolated linearly between the two strikes. That is the first
// crossing, not necessarily the one nearest the underlying. With no sign
// change the underlying price is returned.
func FindZeroGammaCrossing(rows []model.ExposureRow, underlying float64) float64 {
	for i := 1; i < len(rows); i++ {
		prev, curr := rows[i-1], rows[i]
		if (prev.NetGamma > 0 && curr.NetGamma < 0) || (prev.NetGamma < 0 && curr.NetGamma > 0) {
			a, b := math.Abs(prev.NetGamma), math.Abs(curr.NetGamma)
			return prev.Strike + a/(a+b)*(curr.Strike-prev.Strike)
		}
	}
	return underlying
}

// Summarize aggregates rows into totals, ratios and the zero-gamma level.
func Summarize(rows []model.ExposureRow, underlying float64, expiration string, asOf time.Time) model.ExposureSummary {
	s := model.ExposureSummary{
		Expiration:      expiration,
		UnderlyingPrice: underlying,
		ZeroGammaLevel:  FindZeroGammaCrossing(rows, underlying),
	}
	if t, err := TimeToExpiry(expiration, asOf); err == nil {
		s.DaysToExpiry = math.Round(t*daysPerYear*100) / 100
	}

	var callGamma, putGamma, netDelta, supply, demand float64
	for _, r := range rows {
		callGamma += r.CallGamma
		putGamma += r.PutGamma
		netDelta += r.NetDelta
		s.CallOI += r.CallOI
		s.PutOI += r.PutOI
		if r.NetGamma > 0 {
			supply += r.NetGamma
		} else {
			demand += -r.NetGamma
		}
		if r.Partial {
			s.PartialStrikes++
		}
	}
	s.TotalOI = s.CallOI + s.PutOI

	s.TotalCallGamma = money(callGamma)
	s.TotalPutGamma = money(putGamma)
	s.NetGamma = money(callGamma - putGamma)
	s.NetDelta = money(netDelta)
	s.GEXSupply = money(supply)
	s.GEXDemand = money(demand)

	if s.PutOI > 0 {
		s.CallPutRatio = decimal.NewFromInt(s.CallOI).Div(decimal.NewFromInt(s.PutOI)).Round(4)
	}
	if s.CallOI > 0 {
		s.PutCallRatio = decimal.NewFromInt(s.PutOI).Div(decimal.NewFromInt(s.CallOI)).Round(4)
	}

	s.GammaCondition = model.PutDominated
	if callGamma > putGamma {
		s.GammaCondition = model.CallDominated
	}
	return s
}

// Report is the exposure view of one expiration.
type Report struct {
	Symbol     string                `json:"symbol"`
	Expiration string                `json:"expiration"`
	Rows       []model.ExposureRow   `json:"rows"`
	Summary    model.ExposureSummary `json:"summary"`
}

// Analyze computes rows and summary for one expiration of a snapshot.
// An empty expiration selects the nearest one.
func Analyze(snap *model.ChainSnapshot, expiration string, asOf time.Time) Report {
	if expiration == "" {
		if exps := snap.Chain.Expirations(); len(exps) > 0 {
			expiration = exps[0]
		}
	}
	rows := ComputeExposure(snap.Chain, expiration, nil, snap.UnderlyingPrice, asOf)
	return Report{
		Symbol:     snap.Symbol,
		Expiration: expiration,
		Rows:       rows,
		Summary:    Summarize(rows, snap.UnderlyingPrice, expiration, asOf),
	}
}

func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

func money(x float64) decimal.Decimal {
	return decimal.NewFromFloat(finite(x)).Round(SummaryScale)
}

func sortedUnique(strikes []float64) []float64 {
	out := make([]float64, 0, len(strikes))
	seen := make(map[int64]struct{}, len(strikes))
	for _, k := range strikes {
		key := model.StrikeKey(k)
		if _, dup := seen[key]; dup || k <= 0 {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	sort.Float64s(out)
	return out
}
