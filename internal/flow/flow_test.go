package flow

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/atmx/gamma-engine/internal/metrics"
	"github.com/atmx/gamma-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Classification ---

func TestClassify(t *testing.T) {
	tests := []struct {
		size int64
		want model.TradeType
		ok   bool
	}{
		{1, "", false},
		{2, "", false},
		{3, model.Sweep, true},
		{19, model.Sweep, true},
		{20, model.Block, true},
		{5000, model.Block, true},
	}
	for _, tt := range tests {
		got, ok := Classify(tt.size)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Classify(%d) = %q %v, want %q %v", tt.size, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPremium(t *testing.T) {
	if got := Premium(d(2.35), 40); !got.Equal(d(9400)) {
		t.Errorf("expected 9400, got %s", got)
	}
}

func TestHeatScore(t *testing.T) {
	tests := []struct {
		size    int64
		premium float64
		want    int
	}{
		{25, 5000, 1},
		{50, 25000, 3},
		{200, 200000, 10},
		{3, 0, 1},
		{100, 100000, 10},
	}
	for _, tt := range tests {
		if got := HeatScore(tt.size, d(tt.premium)); got != tt.want {
			t.Errorf("HeatScore(%d, %v) = %d, want %d", tt.size, tt.premium, got, tt.want)
		}
	}
}

func TestOTMPercent(t *testing.T) {
	tests := []struct {
		typ    model.ContractType
		strike float64
		want   float64
	}{
		{model.Call, 105, 5},
		{model.Call, 95, 0},
		{model.Put, 95, 5},
		{model.Put, 105, 0},
		{model.Call, 101.26, 1.3},
	}
	for _, tt := range tests {
		if got := OTMPercent(tt.typ, tt.strike, 100); got != tt.want {
			t.Errorf("OTMPercent(%s, %v) = %v, want %v", tt.typ, tt.strike, got, tt.want)
		}
	}
	if OTMPercent(model.Call, 100, 0) != 0 {
		t.Error("expected 0 for a zero spot")
	}
}

func TestFormatPremium(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{1200000, "1.2M"},
		{1000000, "1M"},
		{500000, "500K"},
		{12345, "12.3K"},
		{750, "750"},
		{12.5, "12.5"},
	}
	for _, tt := range tests {
		if got := FormatPremium(d(tt.in)); got != tt.want {
			t.Errorf("FormatPremium(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewItem(t *testing.T) {
	info := ContractInfo{
		Symbol:       "O:AAPL250620C00180000",
		Underlying:   "AAPL",
		Expiry:       "2025-06-20",
		Type:         model.Call,
		Strike:       180,
		OpenInterest: 1500,
	}
	ts := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

	item, ok := NewItem(d(175), info, Print{Price: d(1.5), Size: 40, Time: ts.UnixNano()})
	if !ok {
		t.Fatal("expected item")
	}
	if item.TradeType != model.Block || !item.Premium.Equal(d(6000)) || item.Sector != "Technology" {
		t.Errorf("unexpected item %+v", item)
	}
	if item.OTMPercent != 2.9 || !item.Time.Equal(ts) {
		t.Errorf("unexpected OTM %v or time %v", item.OTMPercent, item.Time)
	}

	if _, ok := NewItem(d(175), info, Print{Price: d(1.5), Size: 2}); ok {
		t.Error("expected tiny print to be dropped")
	}
}

// --- Filtering ---

func TestFilter(t *testing.T) {
	call := model.FlowItem{Type: model.Call, TradeType: model.Sweep, Premium: d(5000)}
	put := model.FlowItem{Type: model.Put, TradeType: model.Block, Premium: d(50000)}

	f := DefaultFilter()
	if !f.Allows(call) || !f.Allows(put) {
		t.Error("default filter should allow everything")
	}

	f.MinPremium = d(10000)
	if f.Allows(call) || !f.Allows(put) {
		t.Error("min premium not applied")
	}

	f = DefaultFilter()
	f.Puts = false
	f.Sweeps = false
	if got := f.Apply([]model.FlowItem{call, put}); len(got) != 0 {
		t.Errorf("expected both filtered, got %d", len(got))
	}

	f = DefaultFilter()
	f.Blocks = false
	if got := f.Apply([]model.FlowItem{call, put}); len(got) != 1 || got[0].Type != model.Call {
		t.Errorf("expected only the sweep, got %+v", got)
	}
}

// --- Merge, sort, paginate ---

func items(n int) []model.FlowItem {
	base := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	out := make([]model.FlowItem, n)
	for i := range out {
		out[i] = model.FlowItem{
			Time:    base.Add(time.Duration(i) * time.Second),
			Premium: d(float64((i * 7919) % 1000)),
			Size:    int64(i),
		}
	}
	return out
}

func TestSort(t *testing.T) {
	its := items(50)
	Sort(its, SortByTime, true)
	for i := 1; i < len(its); i++ {
		if its[i].Time.After(its[i-1].Time) {
			t.Fatalf("not sorted by time desc at %d", i)
		}
	}

	Sort(its, SortByPremium, false)
	for i := 1; i < len(its); i++ {
		if its[i].Premium.LessThan(its[i-1].Premium) {
			t.Fatalf("not sorted by premium asc at %d", i)
		}
	}
}

func TestSort_StableOnTies(t *testing.T) {
	its := []model.FlowItem{
		{Premium: d(10), Size: 1},
		{Premium: d(20), Size: 2},
		{Premium: d(10), Size: 3},
	}
	Sort(its, SortByPremium, true)
	if its[0].Size != 2 || its[1].Size != 1 || its[2].Size != 3 {
		t.Errorf("ties reordered: %v %v %v", its[0].Size, its[1].Size, its[2].Size)
	}
}

func TestParseSortKey(t *testing.T) {
	if ParseSortKey("PREMIUM") != SortByPremium || ParseSortKey("") != SortByTime || ParseSortKey("bogus") != SortByTime {
		t.Error("unexpected sort key parsing")
	}
}

func TestPaginate(t *testing.T) {
	its := items(250)

	p := Paginate(its, 1, 0)
	if p.PerPage != DefaultPerPage || len(p.Items) != 100 || p.Total != 250 || p.TotalPages != 3 {
		t.Errorf("unexpected first page %+v", p)
	}

	p = Paginate(its, 3, 100)
	if len(p.Items) != 50 || p.Items[0].Size != 200 {
		t.Errorf("unexpected last page: %d items", len(p.Items))
	}

	p = Paginate(its, 4, 100)
	if len(p.Items) != 0 || p.Items == nil {
		t.Errorf("expected an empty non-nil page, got %+v", p.Items)
	}

	if p := Paginate(its, -1, 100); p.Page != 1 {
		t.Errorf("expected page clamp to 1, got %d", p.Page)
	}
	if p := Paginate(nil, 1, 100); p.TotalPages != 0 || len(p.Items) != 0 {
		t.Errorf("unexpected empty pagination %+v", p)
	}
}

func TestMerge(t *testing.T) {
	got := Merge(items(3), nil, items(2))
	if len(got) != 5 {
		t.Errorf("expected 5 items, got %d", len(got))
	}
}

func TestPickTickers(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	got := PickTickers(DefaultTickers, 10, "zzzz", rng)
	if len(got) != 10 {
		t.Fatalf("expected 10 tickers, got %d", len(got))
	}
	if got[0] != "ZZZZ" {
		t.Errorf("expected included ticker first, got %v", got)
	}
	seen := map[string]bool{}
	for _, s := range got {
		if seen[s] {
			t.Errorf("duplicate ticker %s", s)
		}
		seen[s] = true
	}

	if got := PickTickers([]string{"SPY"}, 5, "", rng); len(got) != 1 {
		t.Errorf("expected sample capped at universe size, got %v", got)
	}
	if got := PickTickers(nil, 5, "qqq", rng); len(got) != 1 || got[0] != "QQQ" {
		t.Errorf("expected include with empty universe, got %v", got)
	}
}

// --- Aggregator ---

type fakeSource struct {
	items map[string][]model.FlowItem
	fail  map[string]bool
	calls atomic.Int32
}

func (f *fakeSource) Flow(_ context.Context, ticker string) ([]model.FlowItem, error) {
	f.calls.Add(1)
	if f.fail[ticker] {
		return nil, errors.New("upstream down")
	}
	return f.items[ticker], nil
}

func TestAggregator_SkipsFailingTickers(t *testing.T) {
	src := &fakeSource{
		items: map[string][]model.FlowItem{
			"SPY": {{Ticker: "SPY", Type: model.Call, TradeType: model.Sweep, Premium: d(100)}},
			"QQQ": {
				{Ticker: "QQQ", Type: model.Put, TradeType: model.Block, Premium: d(50000)},
				{Ticker: "QQQ", Type: model.Call, TradeType: model.Block, Premium: d(500)},
			},
		},
		fail: map[string]bool{"TSLA": true},
	}
	agg := NewAggregator(src)

	f := DefaultFilter()
	f.MinPremium = d(200)
	got, err := agg.Fetch(context.Background(), []string{"SPY", "QQQ", "TSLA"}, f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 items after filter, got %d", len(got))
	}
	// Merge keeps ticker order.
	if got[0].Premium.Cmp(d(50000)) != 0 {
		t.Errorf("unexpected merge order %+v", got)
	}
	if src.calls.Load() != 3 {
		t.Errorf("expected 3 source calls, got %d", src.calls.Load())
	}
}

func TestAggregator_AllFail(t *testing.T) {
	src := &fakeSource{fail: map[string]bool{"SPY": true, "QQQ": true}}
	_, err := NewAggregator(src).Fetch(context.Background(), []string{"SPY", "QQQ"}, DefaultFilter())
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("expected ErrAllFailed, got %v", err)
	}
}

func TestAggregator_FailureLabelsBounded(t *testing.T) {
	tsla := metrics.FlowTickerFailures.WithLabelValues("TSLA")
	other := metrics.FlowTickerFailures.WithLabelValues("other")
	beforeTSLA, beforeOther := testutil.ToFloat64(tsla), testutil.ToFloat64(other)

	src := &fakeSource{fail: map[string]bool{"TSLA": true, "ZZZQ": true, "XYZW": true}}
	_, err := NewAggregator(src).Fetch(context.Background(), []string{"TSLA", "ZZZQ", "XYZW", "SPY"}, DefaultFilter())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := testutil.ToFloat64(tsla) - beforeTSLA; got != 1 {
		t.Errorf("expected 1 TSLA failure, got %v", got)
	}
	if got := testutil.ToFloat64(other) - beforeOther; got != 2 {
		t.Errorf("expected 2 failures under other, got %v", got)
	}
	if failureLabel("spy") != "SPY" || failureLabel("ZZZQ") != "other" {
		t.Errorf("unexpected labels %q %q", failureLabel("spy"), failureLabel("ZZZQ"))
	}
}

func TestAggregator_NoTickers(t *testing.T) {
	got, err := NewAggregator(&fakeSource{}).Fetch(context.Background(), nil, DefaultFilter())
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("expected empty result, got %v %v", got, err)
	}
}

// --- Synthetic ---

func TestSynthetic_Flow(t *testing.T) {
	now := time.Date(2025, 6, 4, 15, 0, 0, 0, time.UTC)
	s := NewSynthetic(
		WithSeed(1),
		WithClock(func() time.Time { return now }),
		WithSpot(func(string) float64 { return 200 }),
	)

	got, err := s.Flow(context.Background(), "tsla")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) < minSyntheticPrints || len(got) > maxSyntheticPrints {
		t.Fatalf("unexpected print count %d", len(got))
	}
	for i, it := range got {
		if i > 0 && it.Time.After(got[i-1].Time) {
			t.Fatalf("prints not newest first at %d", i)
		}
		if it.Ticker != "TSLA" || it.Sector != "Automotive" {
			t.Errorf("unexpected ticker fields %+v", it)
		}
		if it.Size < MinTradeSize {
			t.Errorf("print below minimum size: %d", it.Size)
		}
		if want, _ := Classify(it.Size); it.TradeType != want {
			t.Errorf("size %d classified as %s", it.Size, it.TradeType)
		}
		if !it.Premium.Equal(Premium(it.Price, it.Size)) {
			t.Errorf("premium %s inconsistent with price %s size %d", it.Premium, it.Price, it.Size)
		}
		if it.HeatScore < 1 || it.HeatScore > 10 {
			t.Errorf("heat score %d out of range", it.HeatScore)
		}
		if it.Time.After(now) || now.Sub(it.Time) > syntheticWindow+time.Second {
			t.Errorf("print time %v outside window", it.Time)
		}
		if !strings.HasPrefix(it.Contract, "O:TSLA") {
			t.Errorf("unexpected contract %s", it.Contract)
		}
	}
}

func TestSynthetic_NoSpot(t *testing.T) {
	s := NewSynthetic(WithSpot(func(string) float64 { return 0 }))
	if _, err := s.Flow(context.Background(), "SPY"); !errors.Is(err, ErrNoSpot) {
		t.Errorf("expected ErrNoSpot, got %v", err)
	}
}

// --- Polygon ---

func polygonFlowServer(t *testing.T, tradesStatus int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v2/snapshot/locale/us/markets/stocks/tickers/AAPL":
			w.Write([]byte(`{"ticker":{"day":{"c":0,"o":175},"prevDay":{"c":174}}}`))
		case r.URL.Path == "/v3/reference/options/contracts":
			if r.URL.Query().Get("underlying_ticker") != "AAPL" {
				t.Errorf("unexpected contracts query %s", r.URL.RawQuery)
			}
			w.Write([]byte(`{"results":[
				{"ticker":"O:AAPL250620C00180000","expiration_date":"2025-06-20","strike_price":180,"contract_type":"call"},
				{"ticker":"O:AAPL250620P00170000","expiration_date":"2025-06-20","strike_price":170,"contract_type":"put"}
			]}`))
		case strings.HasPrefix(r.URL.Path, "/v3/trades/"):
			if tradesStatus != http.StatusOK {
				w.WriteHeader(tradesStatus)
				return
			}
			if r.URL.Path == "/v3/trades/O:AAPL250620C00180000" {
				w.Write([]byte(`{"results":[
					{"price":1.5,"size":40,"sip_timestamp":1748872800000000000},
					{"price":1.4,"size":1,"sip_timestamp":1748872700000000000}
				]}`))
				return
			}
			w.Write([]byte(`{"results":[{"p":0.8,"s":5,"t":1748872900000000000}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPolygon_Flow(t *testing.T) {
	srv := polygonFlowServer(t, http.StatusOK)
	got, err := NewPolygon(srv.URL, "k").Flow(context.Background(), "aapl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 prints (tiny one dropped), got %d", len(got))
	}
	// Newest first: the put print carries the later timestamp.
	if got[0].Type != model.Put || got[0].TradeType != model.Sweep || !got[0].Price.Equal(d(0.8)) {
		t.Errorf("unexpected first print %+v", got[0])
	}
	if got[1].TradeType != model.Block || !got[1].Premium.Equal(d(6000)) || !got[1].Spot.Equal(d(175)) {
		t.Errorf("unexpected second print %+v", got[1])
	}
}

func TestPolygon_FallsBackWhenNoPrints(t *testing.T) {
	srv := polygonFlowServer(t, http.StatusInternalServerError)
	fallback := &fakeSource{items: map[string][]model.FlowItem{"AAPL": {{Ticker: "AAPL"}}}}

	got, err := NewPolygon(srv.URL, "k", WithFallback(fallback)).Flow(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || fallback.calls.Load() != 1 {
		t.Errorf("expected fallback result, got %d items", len(got))
	}
}

func TestPolygon_UnknownTickerWithoutFallback(t *testing.T) {
	srv := polygonFlowServer(t, http.StatusOK)
	_, err := NewPolygon(srv.URL, "k").Flow(context.Background(), "ZZZZ")
	if err == nil {
		t.Fatal("expected error for unknown ticker")
	}
}
