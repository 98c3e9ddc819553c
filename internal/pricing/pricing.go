// Package pricing implements Black-Scholes greeks for European options.
//
// The standard normal CDF uses the Zelen & Severo polynomial approximation
// (Abramowitz & Stegun 26.2.17) instead of math.Erf. Its absolute error is
// below 1e-7 over the real line, and exposure figures produced by the rest
// of the engine are pinned to it.
//
// Degenerate input (zero or negative volatility or time, non-positive spot
// or strike) is not an error here: the result is NaN or ±Inf and callers
// clamp their inputs first.
package pricing

import (
	"math"

	"github.com/atmx/gamma-engine/internal/model"
)

// Zelen & Severo coefficients.
const (
	zsP  = 0.2316419
	zsB1 = 0.3193815
	zsB2 = -0.3565638
	zsB3 = 1.781478
	zsB4 = -1.821256
	zsB5 = 1.330274

	// invSqrt2Pi rounded the way the approximation tables print it.
	invSqrt2Pi = 0.3989423
)

// Greeks is the per-contract Black-Scholes output.
type Greeks struct {
	Price float64 `json:"price"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`  // per 1 vol point
	Theta float64 `json:"theta"` // per calendar day
}

// NormCDF approximates the standard normal cumulative distribution.
func NormCDF(x float64) float64 {
	t := 1 / (1 + zsP*math.Abs(x))
	d := invSqrt2Pi * math.Exp(-x*x/2)
	p := d * t * (zsB1 + t*(zsB2+t*(zsB3+t*(zsB4+t*zsB5))))
	if x > 0 {
		return 1 - p
	}
	return p
}

// NormPDF is the standard normal density.
func NormPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// D1D2 returns the Black-Scholes d1 and d2 terms.
func D1D2(spot, strike, t, r, sigma float64) (float64, float64) {
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(spot/strike) + (r+sigma*sigma/2)*t) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}

// PriceGreeks computes price, delta, gamma, vega and theta.
//
//	gamma = φ(d1) / (S·σ·√T)           identical for calls and puts
//	delta = Φ(d1)      (call)
//	delta = Φ(d1) − 1  (put)
func PriceGreeks(spot, strike, t, r, sigma float64, typ model.ContractType) Greeks {
	d1, d2 := D1D2(spot, strike, t, r, sigma)
	sqrtT := math.Sqrt(t)
	pdf := NormPDF(d1)
	cdf1 := NormCDF(d1)
	disc := strike * math.Exp(-r*t)

	g := Greeks{
		Gamma: pdf / (spot * sigma * sqrtT),
		Vega:  spot * sqrtT * pdf / 100,
	}

	decay := -(spot * sigma * pdf) / (2 * sqrtT)
	if typ == model.Put {
		g.Delta = cdf1 - 1
		g.Price = disc*NormCDF(-d2) - spot*NormCDF(-d1)
		g.Theta = (decay + r*disc*NormCDF(-d2)) / 365
	} else {
		g.Delta = cdf1
		g.Price = spot*cdf1 - disc*NormCDF(d2)
		g.Theta = (decay - r*disc*NormCDF(d2)) / 365
	}
	return g
}
