// Package flow builds the options flow tape: large option prints per
// ticker, classified as sweeps or blocks, scored, filtered and merged
// across tickers for paginated display.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/gamma-engine/internal/metrics"
	"github.com/atmx/gamma-engine/internal/model"
)

const (
	// DefaultPerPage is the page size of the flow table.
	DefaultPerPage = 100

	// MinTradeSize drops odd-lot noise.
	MinTradeSize = 3

	// BlockSize is the smallest print classified as a block.
	BlockSize = 20

	// DefaultFanOut bounds concurrent per-ticker fetches.
	DefaultFanOut = 8

	contractMultiplier = 100
)

var (
	// ErrAllFailed is returned when no ticker could be fetched.
	ErrAllFailed = errors.New("flow: every ticker failed")

	// ErrNoSpot is returned when the underlying price is unavailable.
	ErrNoSpot = errors.New("flow: no underlying price")

	hundred = decimal.NewFromInt(contractMultiplier)
)

// DefaultTickers is the universe sampled by the all-tickers view.
var DefaultTickers = []string{
	"SPY", "QQQ", "AAPL", "MSFT", "GOOGL", "AMZN", "TSLA", "META", "NVDA", "AMD",
	"JPM", "BAC", "WFC", "GS", "MS", "INTC", "NFLX", "DIS", "WMT", "XOM",
	"CVX", "JNJ", "PFE", "MRK", "UNH", "HD", "COST", "KO", "PEP", "V",
	"MA", "PYPL", "SQ", "UBER", "LYFT", "BABA", "JD", "PDD", "NIO", "SHOP",
}

// knownTickers indexes DefaultTickers for metric labels.
var knownTickers = func() map[string]bool {
	m := make(map[string]bool, len(DefaultTickers))
	for _, t := range DefaultTickers {
		m[t] = true
	}
	return m
}()

// failureLabel maps a requested ticker to a bounded metric label.
func failureLabel(ticker string) string {
	if t := strings.ToUpper(ticker); knownTickers[t] {
		return t
	}
	return "other"
}

var sectors = map[string]string{
	"SPY":   "Index",
	"QQQ":   "Index",
	"DIA":   "Index",
	"IWM":   "Index",
	"AAPL":  "Technology",
	"MSFT":  "Technology",
	"GOOGL": "Technology",
	"AMZN":  "Consumer Cyclical",
	"META":  "Technology",
	"TSLA":  "Automotive",
	"NVDA":  "Technology",
	"AMD":   "Technology",
	"JPM":   "Financial",
	"BAC":   "Financial",
	"WFC":   "Financial",
	"XLF":   "Financial",
	"XLE":   "Energy",
	"XLK":   "Technology",
	"XLV":   "Healthcare",
}

// SectorOf returns the display sector of a ticker, or "Unknown".
func SectorOf(ticker string) string {
	if s, ok := sectors[strings.ToUpper(ticker)]; ok {
		return s
	}
	return "Unknown"
}

// --- Classification ---

// Classify returns the trade type of a print. ok is false for prints
// below MinTradeSize.
func Classify(size int64) (t model.TradeType, ok bool) {
	if size < MinTradeSize {
		return "", false
	}
	if size >= BlockSize {
		return model.Block, true
	}
	return model.Sweep, true
}

// Premium is price × size × 100.
func Premium(price decimal.Decimal, size int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(size)).Mul(hundred)
}

// HeatScore rates a print from 1 to 10 by averaging a size score and a
// premium score, each clamped to [1, 10].
func HeatScore(size int64, premium decimal.Decimal) int {
	sizeHeat := clamp(int(size/10), 1, 10)
	premiumHeat := clamp(int(premium.Div(decimal.NewFromInt(10000)).IntPart()), 1, 10)
	return clamp((sizeHeat+premiumHeat)/2, 1, 10)
}

// OTMPercent is how far out of the money a strike is, in percent of spot,
// rounded to one decimal. In-the-money strikes report 0.
func OTMPercent(t model.ContractType, strike, spot float64) float64 {
	if spot <= 0 {
		return 0
	}
	diff := strike - spot
	if t == model.Put {
		diff = spot - strike
	}
	pct := math.Round(diff/spot*1000) / 10
	return math.Max(0, pct)
}

// FormatPremium renders a premium as 1.2M, 500K or 750, dropping a
// trailing .0.
func FormatPremium(p decimal.Decimal) string {
	v := p.InexactFloat64()
	switch {
	case v >= 1e6:
		return compact(v/1e6) + "M"
	case v >= 1e3:
		return compact(v/1e3) + "K"
	}
	return compact(v)
}

func compact(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

// unixNano converts a print timestamp. Prints without one are stamped now.
func unixNano(ns int64) time.Time {
	if ns <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(0, ns).UTC()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// --- Items ---

// Print is one option trade.
type Print struct {
	Price decimal.Decimal
	Size  int64
	Time  int64 // unix nanoseconds
}

// ContractInfo describes the contract a print traded.
type ContractInfo struct {
	Symbol       string
	Underlying   string
	Expiry       string // YYYY-MM-DD
	Type         model.ContractType
	Strike       float64
	OpenInterest int64
	ImpliedVol   float64
}

// NewItem scores a print. ok is false when the print is too small to
// show.
func NewItem(spot decimal.Decimal, c ContractInfo, p Print) (model.FlowItem, bool) {
	tt, ok := Classify(p.Size)
	if !ok {
		return model.FlowItem{}, false
	}
	premium := Premium(p.Price, p.Size)
	return model.FlowItem{
		Time:         unixNano(p.Time),
		Ticker:       c.Underlying,
		Contract:     c.Symbol,
		Expiry:       c.Expiry,
		Type:         c.Type,
		Spot:         spot,
		Strike:       c.Strike,
		OTMPercent:   OTMPercent(c.Type, c.Strike, spot.InexactFloat64()),
		Price:        p.Price,
		Size:         p.Size,
		OpenInterest: c.OpenInterest,
		ImpliedVol:   c.ImpliedVol,
		TradeType:    tt,
		Premium:      premium,
		Sector:       SectorOf(c.Underlying),
		HeatScore:    HeatScore(p.Size, premium),
	}, true
}

// --- Filtering ---

// Filter selects which prints are shown.
type Filter struct {
	MinPremium decimal.Decimal
	Calls      bool
	Puts       bool
	Sweeps     bool
	Blocks     bool
}

// DefaultFilter shows everything.
func DefaultFilter() Filter {
	return Filter{Calls: true, Puts: true, Sweeps: true, Blocks: true}
}

// Allows reports whether item passes the filter.
func (f Filter) Allows(item model.FlowItem) bool {
	if item.Premium.LessThan(f.MinPremium) {
		return false
	}
	switch {
	case item.Type == model.Call && !f.Calls,
		item.Type == model.Put && !f.Puts,
		item.TradeType == model.Sweep && !f.Sweeps,
		item.TradeType == model.Block && !f.Blocks:
		return false
	}
	return true
}

// Apply returns the items that pass the filter.
func (f Filter) Apply(items []model.FlowItem) []model.FlowItem {
	out := items[:0:0]
	for _, it := range items {
		if f.Allows(it) {
			out = append(out, it)
		}
	}
	return out
}

// --- Merge, sort, paginate ---

// Merge concatenates per-ticker result sets.
func Merge(sets ...[]model.FlowItem) []model.FlowItem {
	n := 0
	for _, s := range sets {
		n += len(s)
	}
	out := make([]model.FlowItem, 0, n)
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

// SortKey selects the sort column.
type SortKey string

const (
	SortByTime    SortKey = "time"
	SortByPremium SortKey = "premium"
)

// ParseSortKey maps a query value to a SortKey, defaulting to time.
func ParseSortKey(s string) SortKey {
	if SortKey(strings.ToLower(s)) == SortByPremium {
		return SortByPremium
	}
	return SortByTime
}

// Sort orders items in place. Ties keep their merge order.
func Sort(items []model.FlowItem, key SortKey, desc bool) {
	less := func(i, j int) bool {
		if key == SortByPremium {
			return items[i].Premium.LessThan(items[j].Premium)
		}
		return items[i].Time.Before(items[j].Time)
	}
	if desc {
		sort.SliceStable(items, func(i, j int) bool { return less(j, i) })
		return
	}
	sort.SliceStable(items, less)
}

// Page is one page of the flow table.
type Page struct {
	Items      []model.FlowItem `json:"data"`
	Page       int              `json:"page"`
	PerPage    int              `json:"per_page"`
	Total      int              `json:"total"`
	TotalPages int              `json:"total_pages"`
}

// Paginate returns page (1-based) of items. Pages past the end are empty.
func Paginate(items []model.FlowItem, page, perPage int) Page {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if page < 1 {
		page = 1
	}
	p := Page{
		Items:      []model.FlowItem{},
		Page:       page,
		PerPage:    perPage,
		Total:      len(items),
		TotalPages: (len(items) + perPage - 1) / perPage,
	}
	start := (page - 1) * perPage
	if start >= len(items) {
		return p
	}
	end := min(start+perPage, len(items))
	p.Items = items[start:end]
	return p
}

// PickTickers samples n tickers from universe. include, when set, is
// always part of the result.
func PickTickers(universe []string, n int, include string, rng *rand.Rand) []string {
	pool := append([]string(nil), universe...)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > len(pool) {
		n = len(pool)
	}
	out := pool[:n]
	include = strings.ToUpper(include)
	if include == "" {
		return out
	}
	for _, t := range out {
		if t == include {
			return out
		}
	}
	if len(out) == 0 {
		return []string{include}
	}
	out[0] = include
	return out
}

// --- Aggregation ---

// Source returns the flow prints of one ticker.
type Source interface {
	Flow(ctx context.Context, ticker string) ([]model.FlowItem, error)
}

// Aggregator fans a flow request out over tickers.
type Aggregator struct {
	source Source
	fanOut int
}

// NewAggregator creates an aggregator over source.
func NewAggregator(source Source) *Aggregator {
	return &Aggregator{source: source, fanOut: DefaultFanOut}
}

// Fetch queries every ticker concurrently and merges the filtered
// results. Failing tickers are logged and skipped; only when every ticker
// fails is an error returned.
func (a *Aggregator) Fetch(ctx context.Context, tickers []string, f Filter) ([]model.FlowItem, error) {
	if len(tickers) == 0 {
		return []model.FlowItem{}, nil
	}

	sets := make([][]model.FlowItem, len(tickers))
	var (
		mu       sync.Mutex
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fanOut)
	for i, ticker := range tickers {
		i, ticker := i, ticker
		g.Go(func() error {
			items, err := a.source.Flow(gctx, ticker)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				metrics.FlowTickerFailures.WithLabelValues(failureLabel(ticker)).Inc()
				slog.Warn("flow fetch failed", "ticker", ticker, "err", err)
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", ticker, err))
				mu.Unlock()
				return nil
			}
			sets[i] = f.Apply(items)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(failures) == len(tickers) {
		return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(failures...))
	}
	return Merge(sets...), nil
}
