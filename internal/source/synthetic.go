package source

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/gamma-engine/internal/model"
	"github.com/atmx/gamma-engine/internal/symbol"
)

const (
	weeklyExpirations  = 6
	monthlyExpirations = 6

	strikeLow  = 0.85
	strikeHigh = 1.15
)

// reference is a typical price and jitter range for well-known tickers.
type reference struct {
	price  float64
	jitter float64
}

var referencePrices = map[string]reference{
	"SPY":   {400, 20},
	"QQQ":   {350, 15},
	"AAPL":  {175, 10},
	"MSFT":  {350, 10},
	"GOOGL": {150, 5},
	"AMZN":  {180, 8},
	"TSLA":  {200, 15},
	"META":  {450, 10},
	"NVDA":  {850, 30},
}

var defaultReference = reference{100, 10}

// Synthetic generates plausible option chains. Used for development and
// testing, and to pad sparse vendor responses. Not a market model.
type Synthetic struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// SyntheticOption configures a Synthetic source.
type SyntheticOption func(*Synthetic)

// WithSeed makes generation deterministic.
func WithSeed(seed int64) SyntheticOption {
	return func(s *Synthetic) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithSyntheticClock overrides time.Now for expiration scheduling.
func WithSyntheticClock(now func() time.Time) SyntheticOption {
	return func(s *Synthetic) { s.now = now }
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchChain implements Fetcher.
func (s *Synthetic) FetchChain(ctx context.Context, sym string) (*model.ChainSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sym = strings.ToUpper(sym)
	return s.Augment(sym, s.UnderlyingPrice(sym), nil), nil
}

// UnderlyingPrice returns a jittered reference price, rounded to cents.
func (s *Synthetic) UnderlyingPrice(sym string) float64 {
	ref, ok := referencePrices[strings.ToUpper(sym)]
	if !ok {
		ref = defaultReference
	}
	s.mu.Lock()
	p := ref.price + s.uniform(-ref.jitter, ref.jitter)
	s.mu.Unlock()
	return math.Round(p*100) / 100
}

// Augment returns a snapshot holding base's contracts plus generated
// expirations. Expirations already in base are left as they are. base
// may be nil.
func (s *Synthetic) Augment(sym string, underlyingPrice float64, base *model.ChainSnapshot) *model.ChainSnapshot {
	now := s.now()

	var contracts []model.Contract
	have := make(map[string]bool)
	strikeSet := make(map[int64]float64)
	if base != nil {
		for date, exp := range base.Chain {
			have[date] = true
			for k, c := range exp.Calls {
				contracts = append(contracts, c)
				strikeSet[k] = c.Strike
			}
			for k, c := range exp.Puts {
				contracts = append(contracts, c)
				strikeSet[k] = c.Strike
			}
		}
	}
	for _, k := range StrikeGrid(underlyingPrice) {
		strikeSet[model.StrikeKey(k)] = k
	}
	strikes := make([]float64, 0, len(strikeSet))
	for _, k := range strikeSet {
		strikes = append(strikes, k)
	}
	sort.Float64s(strikes)

	s.mu.Lock()
	for _, exp := range ExpirationSchedule(now) {
		date := exp.Format(model.ExpirationLayout)
		if have[date] {
			continue
		}
		for _, k := range strikes {
			contracts = append(contracts,
				s.contract(sym, date, model.Call, k, underlyingPrice),
				s.contract(sym, date, model.Put, k, underlyingPrice))
		}
	}
	s.mu.Unlock()

	return Build(sym, underlyingPrice, contracts, now)
}

// contract must be called with s.mu held.
func (s *Synthetic) contract(sym, date string, typ model.ContractType, strike, underlyingPrice float64) model.Contract {
	intrinsic := underlyingPrice - strike
	if typ == model.Put {
		intrinsic = strike - underlyingPrice
	}
	price := math.Max(0.01, intrinsic+s.uniform(0.1, 2.0))
	bid := math.Max(0, price-s.uniform(0.05, 0.2))
	ask := price + s.uniform(0.05, 0.2)

	osym, _ := symbol.ForContract(sym, date, typ, strike)
	return model.Contract{
		Symbol:            osym,
		Underlying:        sym,
		Strike:            strike,
		ExpirationDate:    date,
		Type:              typ,
		LastPrice:         decimal.NewFromFloat(price).Round(2),
		Change:            decimal.NewFromFloat(s.uniform(-0.5, 0.5)).Round(2),
		Bid:               decimal.NewFromFloat(bid).Round(2),
		Ask:               decimal.NewFromFloat(ask).Round(2),
		Volume:            int64(s.uniform(10, 1000)),
		OpenInterest:      int64(s.uniform(100, 5000)),
		ImpliedVolatility: math.Round(s.uniform(0.20, 0.40)*1000) / 1000,
	}
}

func (s *Synthetic) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// StrikeGrid returns strikes from 85% to 115% of price. The step is 1
// below $50, 2.5 below $100 and 5 above.
func StrikeGrid(price float64) []float64 {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return nil
	}
	step := 5.0
	switch {
	case price < 50:
		step = 1
	case price < 100:
		step = 2.5
	}
	lo := math.Floor(price * strikeLow)
	hi := math.Floor(price * strikeHigh)
	if lo < step {
		lo = step
	}
	var out []float64
	for k := lo; k <= hi; k += step {
		out = append(out, k)
	}
	return out
}

// ExpirationSchedule returns the next six weekly Fridays and the third
// Friday of each of the next six months, deduplicated and ascending.
// Dates before now's calendar day are skipped. All dates are UTC midnight.
func ExpirationSchedule(now time.Time) []time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	seen := make(map[time.Time]bool)
	var out []time.Time
	add := func(t time.Time) {
		if t.Before(today) || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, t)
	}

	cur := today
	for i := 0; i < weeklyExpirations; i++ {
		days := (int(time.Friday) - int(cur.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		cur = cur.AddDate(0, 0, days)
		add(cur)
	}

	for i := 0; i < monthlyExpirations; i++ {
		add(ThirdFriday(today.Year(), today.Month()+time.Month(i)))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// ThirdFriday returns the monthly expiration of the given month. Months
// past December roll into the following year.
func ThirdFriday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	days := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, days+14)
}
