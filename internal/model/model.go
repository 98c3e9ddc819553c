// Package model defines the core domain types shared across the gamma engine.
// Money values (prices, premiums) use shopspring/decimal; greeks and
// exposure math stay in float64.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ContractType is the option right.
type ContractType string

const (
	Call ContractType = "call"
	Put  ContractType = "put"
)

// DefaultImpliedVolatility fills a missing side of a strike. It materially
// changes aggregate exposure when chain data is sparse, so rows built from
// it are flagged as synthesized.
const DefaultImpliedVolatility = 0.30

// ExpirationLayout is the chain key format for expirations.
const ExpirationLayout = "2006-01-02"

// Contract is a single option instrument.
type Contract struct {
	Symbol            string          `json:"symbol"` // vendor option symbol, O:SPY230616C00410000
	Underlying        string          `json:"underlying"`
	Strike            float64         `json:"strike"`
	ExpirationDate    string          `json:"expiration_date"` // YYYY-MM-DD
	Type              ContractType    `json:"contract_type"`
	LastPrice         decimal.Decimal `json:"last_price"`
	Change            decimal.Decimal `json:"change"`
	Bid               decimal.Decimal `json:"bid"`
	Ask               decimal.Decimal `json:"ask"`
	Volume            int64           `json:"volume"`
	OpenInterest      int64           `json:"open_interest"`
	ImpliedVolatility float64         `json:"implied_volatility"` // fraction: 0.30 = 30%
	InTheMoney        bool            `json:"in_the_money"`       // derived, may be stale
	Updated           *time.Time      `json:"updated,omitempty"`
	Synthesized       bool            `json:"synthesized,omitempty"`
}

// IsInTheMoney reports moneyness against the given underlying price.
func IsInTheMoney(t ContractType, strike, underlying float64) bool {
	switch t {
	case Call:
		return strike < underlying
	case Put:
		return strike > underlying
	}
	return false
}

// StrikeKey quantises a strike to integer thousandths, the same precision
// the vendor option symbol carries.
func StrikeKey(strike float64) int64 {
	return int64(math.Round(strike * 1000))
}

// StrikeFromKey is the inverse of StrikeKey.
func StrikeFromKey(key int64) float64 {
	return float64(key) / 1000
}

// Expiration holds both sides of one expiration, keyed by StrikeKey.
// In JSON the maps are keyed by the decimal strike, {"calls": {"410.5": ...}}.
type Expiration struct {
	Calls map[int64]Contract `json:"calls"`
	Puts  map[int64]Contract `json:"puts"`
}

type expirationJSON struct {
	Calls map[string]Contract `json:"calls"`
	Puts  map[string]Contract `json:"puts"`
}

func (e Expiration) MarshalJSON() ([]byte, error) {
	return json.Marshal(expirationJSON{
		Calls: strikeStrings(e.Calls),
		Puts:  strikeStrings(e.Puts),
	})
}

func (e *Expiration) UnmarshalJSON(b []byte) error {
	var raw expirationJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	calls, err := strikeKeys(raw.Calls)
	if err != nil {
		return err
	}
	puts, err := strikeKeys(raw.Puts)
	if err != nil {
		return err
	}
	e.Calls, e.Puts = calls, puts
	return nil
}

func strikeStrings(side map[int64]Contract) map[string]Contract {
	out := make(map[string]Contract, len(side))
	for k, c := range side {
		out[strconv.FormatFloat(StrikeFromKey(k), 'f', -1, 64)] = c
	}
	return out
}

func strikeKeys(side map[string]Contract) (map[int64]Contract, error) {
	out := make(map[int64]Contract, len(side))
	for s, c := range side {
		strike, err := strconv.ParseFloat(s, 64)
		if err != nil || !(strike > 0) || math.IsInf(strike, 0) {
			return nil, fmt.Errorf("model: invalid strike key %q", s)
		}
		out[StrikeKey(strike)] = c
	}
	return out, nil
}

// NewExpiration returns an empty expiration with both maps allocated.
func NewExpiration() *Expiration {
	return &Expiration{
		Calls: make(map[int64]Contract),
		Puts:  make(map[int64]Contract),
	}
}

// Side returns the map holding contracts of the given type.
func (e *Expiration) Side(t ContractType) map[int64]Contract {
	if t == Put {
		return e.Puts
	}
	return e.Calls
}

// Lookup returns the contract for a strike on one side.
func (e *Expiration) Lookup(t ContractType, strike float64) (Contract, bool) {
	c, ok := e.Side(t)[StrikeKey(strike)]
	return c, ok
}

// Strikes returns every strike of the expiration in ascending order.
func (e *Expiration) Strikes() []float64 {
	keys := make(map[int64]struct{}, len(e.Calls)+len(e.Puts))
	for k := range e.Calls {
		keys[k] = struct{}{}
	}
	for k := range e.Puts {
		keys[k] = struct{}{}
	}
	strikes := make([]float64, 0, len(keys))
	for k := range keys {
		strikes = append(strikes, StrikeFromKey(k))
	}
	sort.Float64s(strikes)
	return strikes
}

// Chain maps an expiration (YYYY-MM-DD) to its calls and puts.
type Chain map[string]*Expiration

// Put adds or replaces a contract, creating the expiration on first use.
func (c Chain) Put(ct Contract) {
	exp, ok := c[ct.ExpirationDate]
	if !ok {
		exp = NewExpiration()
		c[ct.ExpirationDate] = exp
	}
	exp.Side(ct.Type)[StrikeKey(ct.Strike)] = ct
}

// Clone deep-copies the chain. Contract values are copied; Updated
// pointers are re-allocated so the copy shares nothing with the source.
func (c Chain) Clone() Chain {
	out := make(Chain, len(c))
	for date, exp := range c {
		cp := &Expiration{
			Calls: make(map[int64]Contract, len(exp.Calls)),
			Puts:  make(map[int64]Contract, len(exp.Puts)),
		}
		for k, v := range exp.Calls {
			cp.Calls[k] = cloneContract(v)
		}
		for k, v := range exp.Puts {
			cp.Puts[k] = cloneContract(v)
		}
		out[date] = cp
	}
	return out
}

func cloneContract(c Contract) Contract {
	if c.Updated != nil {
		ts := *c.Updated
		c.Updated = &ts
	}
	return c
}

// Normalize enforces the both-sides invariant: any strike present on one
// side of an expiration gets a synthesized counterpart on the other side.
// It returns the number of contracts it synthesized.
func (c Chain) Normalize(underlying string, underlyingPrice float64) int {
	added := 0
	for date, exp := range c {
		for k, call := range exp.Calls {
			if _, ok := exp.Puts[k]; !ok {
				exp.Puts[k] = placeholder(underlying, date, Put, call.Strike, underlyingPrice)
				added++
			}
		}
		for k, put := range exp.Puts {
			if _, ok := exp.Calls[k]; !ok {
				exp.Calls[k] = placeholder(underlying, date, Call, put.Strike, underlyingPrice)
				added++
			}
		}
	}
	return added
}

func placeholder(underlying, date string, t ContractType, strike, underlyingPrice float64) Contract {
	return Contract{
		Underlying:        underlying,
		Strike:            strike,
		ExpirationDate:    date,
		Type:              t,
		ImpliedVolatility: DefaultImpliedVolatility,
		InTheMoney:        IsInTheMoney(t, strike, underlyingPrice),
		Synthesized:       true,
	}
}

// Expirations returns the chain's expiration keys in ascending order.
func (c Chain) Expirations() []string {
	out := make([]string, 0, len(c))
	for date := range c {
		out = append(out, date)
	}
	sort.Strings(out)
	return out
}

// ChainSnapshot is the result of one full chain fetch.
type ChainSnapshot struct {
	Symbol          string    `json:"symbol"`
	Expirations     []string  `json:"expirations"`
	Strikes         []float64 `json:"strikes"`
	UnderlyingPrice float64   `json:"underlying_price"`
	Chain           Chain     `json:"chain"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Clone deep-copies the snapshot.
func (s *ChainSnapshot) Clone() *ChainSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Expirations = append([]string(nil), s.Expirations...)
	cp.Strikes = append([]float64(nil), s.Strikes...)
	cp.Chain = s.Chain.Clone()
	return &cp
}

// ExposureRow is the per-strike exposure aggregate, in notional terms.
type ExposureRow struct {
	Strike       float64 `json:"strike"`
	CallGamma    float64 `json:"call_gamma"`
	PutGamma     float64 `json:"put_gamma"`
	TotalGamma   float64 `json:"total_gamma"`
	NetGamma     float64 `json:"net_gamma"` // call - put
	OpenInterest int64   `json:"open_interest"`
	CallOI       int64   `json:"call_oi"`
	PutOI        int64   `json:"put_oi"`
	CallDelta    float64 `json:"call_delta"`
	PutDelta     float64 `json:"put_delta"`
	NetDelta     float64 `json:"net_delta"`
	PercentDiff  float64 `json:"percent_diff"` // strike distance from underlying, %
	Partial      bool    `json:"partial,omitempty"`
}

// GammaCondition labels which side dominates aggregate gamma.
type GammaCondition string

const (
	CallDominated GammaCondition = "Call Dominated"
	PutDominated  GammaCondition = "Put Dominated"
)

// ExposureSummary aggregates a set of exposure rows.
type ExposureSummary struct {
	Expiration      string          `json:"expiration"`
	UnderlyingPrice float64         `json:"underlying_price"`
	DaysToExpiry    float64         `json:"days_to_expiry"`
	TotalCallGamma  decimal.Decimal `json:"total_call_gamma"`
	TotalPutGamma   decimal.Decimal `json:"total_put_gamma"`
	NetGamma        decimal.Decimal `json:"net_gamma"`
	NetDelta        decimal.Decimal `json:"net_delta"`
	TotalOI         int64           `json:"total_oi"`
	CallOI          int64           `json:"call_oi"`
	PutOI           int64           `json:"put_oi"`
	CallPutRatio    decimal.Decimal `json:"call_put_ratio"`
	PutCallRatio    decimal.Decimal `json:"put_call_ratio"`
	GammaCondition  GammaCondition  `json:"gamma_condition"`
	GEXSupply       decimal.Decimal `json:"gex_supply"`
	GEXDemand       decimal.Decimal `json:"gex_demand"`
	ZeroGammaLevel  float64         `json:"zero_gamma_level"`
	PartialStrikes  int             `json:"partial_strikes"`
}

// Status is the chain connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ConnectionStatus pairs a Status with a human-readable message.
type ConnectionStatus struct {
	Symbol  string    `json:"symbol"`
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	Since   time.Time `json:"since"`
}

// TradeType classifies a flow print.
type TradeType string

const (
	Sweep TradeType = "Sweep"
	Block TradeType = "Block"
)

// FlowItem is one options-flow print.
type FlowItem struct {
	Time         time.Time       `json:"time"`
	Ticker       string          `json:"ticker"`
	Contract     string          `json:"contract"`
	Expiry       string          `json:"expiry"`
	Type         ContractType    `json:"call_put"`
	Spot         decimal.Decimal `json:"spot"`
	Strike       float64         `json:"strike"`
	OTMPercent   float64         `json:"otm"`
	Price        decimal.Decimal `json:"price"`
	Size         int64           `json:"size"`
	OpenInterest int64           `json:"open_interest"`
	ImpliedVol   float64         `json:"implied_vol"`
	TradeType    TradeType       `json:"type"`
	Premium      decimal.Decimal `json:"premium"`
	Sector       string          `json:"sector"`
	HeatScore    int             `json:"heat_score"`
}
