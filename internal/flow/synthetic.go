package flow

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/gamma-engine/internal/model"
	"github.com/atmx/gamma-engine/internal/source"
	"github.com/atmx/gamma-engine/internal/symbol"
)

const (
	minSyntheticPrints = 120
	maxSyntheticPrints = 250
	syntheticWindow    = 2 * time.Hour
	syntheticExpiries  = 7
)

// Synthetic generates a plausible flow tape. Used when no vendor key is
// configured and as the fallback for tickers the vendor has no prints for.
type Synthetic struct {
	mu   sync.Mutex
	rng  *rand.Rand
	now  func() time.Time
	spot func(ticker string) float64
}

// SyntheticOption configures a Synthetic flow source.
type SyntheticOption func(*Synthetic)

// WithSeed makes generation deterministic.
func WithSeed(seed int64) SyntheticOption {
	return func(s *Synthetic) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SyntheticOption {
	return func(s *Synthetic) { s.now = now }
}

// WithSpot sets the underlying price lookup.
func WithSpot(spot func(ticker string) float64) SyntheticOption {
	return func(s *Synthetic) { s.spot = spot }
}

// NewSynthetic creates a synthetic flow source. Spot prices default to
// the synthetic chain source's reference prices.
func NewSynthetic(opts ...SyntheticOption) *Synthetic {
	s := &Synthetic{
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		now:  time.Now,
		spot: source.NewSynthetic().UnderlyingPrice,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Flow implements Source. Items come back newest first.
func (s *Synthetic) Flow(ctx context.Context, ticker string) ([]model.FlowItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ticker = strings.ToUpper(ticker)
	spotF := s.spot(ticker)
	if spotF <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSpot, ticker)
	}
	spot := decimal.NewFromFloat(spotF).Round(2)
	now := s.now()

	expiries := source.ExpirationSchedule(now)
	if len(expiries) > syntheticExpiries {
		expiries = expiries[:syntheticExpiries]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := minSyntheticPrints + s.rng.Intn(maxSyntheticPrints-minSyntheticPrints+1)
	items := make([]model.FlowItem, 0, n)
	for i := 0; i < n; i++ {
		typ := model.Put
		if s.rng.Float64() < 0.6 {
			typ = model.Call
		}

		pct := s.uniform(0.85, 1.15)
		if s.rng.Float64() < 0.6 {
			pct = s.uniform(0.95, 1.05)
		}
		strike := math.Round(spotF*pct*10) / 10
		otm := OTMPercent(typ, strike, spotF)

		ratio := spotF / strike
		if typ == model.Put {
			ratio = strike / spotF
		}
		price := math.Max(0.05, math.Round(ratio*0.1*(1+otm*0.01)*100)/100)
		if s.rng.Float64() < 0.4 {
			price *= []float64{10, 100}[s.rng.Intn(2)]
		}

		// Mostly sweeps, with a tail of large blocks.
		size := int64(MinTradeSize + s.rng.Intn(BlockSize-MinTradeSize))
		if s.rng.Float64() < 0.3 {
			size = int64(BlockSize + s.rng.Intn(500))
		}

		exp := expiries[s.rng.Intn(len(expiries))].Format(model.ExpirationLayout)
		osym, _ := symbol.ForContract(ticker, exp, typ, strike)
		ago := time.Duration(s.rng.Int63n(int64(syntheticWindow)))

		item, ok := NewItem(spot, ContractInfo{
			Symbol:       osym,
			Underlying:   ticker,
			Expiry:       exp,
			Type:         typ,
			Strike:       strike,
			OpenInterest: int64(100 + s.rng.Intn(9901)),
			ImpliedVol:   math.Round(s.uniform(0.20, 0.60)*100) / 100,
		}, Print{
			Price: decimal.NewFromFloat(price).Round(2),
			Size:  size,
			Time:  now.Add(-ago).Truncate(time.Second).UnixNano(),
		})
		if ok {
			items = append(items, item)
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Time.After(items[j].Time) })
	return items, nil
}

func (s *Synthetic) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}
