package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/gamma-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Build ---

func TestBuild(t *testing.T) {
	snap := Build("SPY", 450, []model.Contract{
		{Strike: 455, ExpirationDate: "2025-06-27", Type: model.Call},
		{Strike: 445, ExpirationDate: "2025-06-20", Type: model.Put},
		{Strike: 455, ExpirationDate: "2025-06-20", Type: model.Put},
		{Strike: 0, ExpirationDate: "2025-06-20", Type: model.Call},
		{Strike: 460, ExpirationDate: "", Type: model.Call},
	}, time.Unix(0, 0))

	if len(snap.Expirations) != 2 || snap.Expirations[0] != "2025-06-20" {
		t.Errorf("unexpected expirations %v", snap.Expirations)
	}
	if len(snap.Strikes) != 2 || snap.Strikes[0] != 445 || snap.Strikes[1] != 455 {
		t.Errorf("unexpected strikes %v", snap.Strikes)
	}
	put, _ := snap.Chain["2025-06-20"].Lookup(model.Put, 455)
	if !put.InTheMoney || put.Underlying != "SPY" {
		t.Errorf("expected ITM SPY put, got %+v", put)
	}
	call, _ := snap.Chain["2025-06-27"].Lookup(model.Call, 455)
	if call.InTheMoney {
		t.Error("expected OTM call")
	}
}

// --- Polygon ---

const polygonPage = `{
  "status": "OK",
  "results": [
    {
      "details": {"contract_type": "call", "expiration_date": "2025-06-20", "strike_price": 450, "ticker": "O:SPY250620C00450000"},
      "day": {"close": 5.1, "change": -0.25, "volume": 1200},
      "last_quote": {"bid": 5.0, "ask": 5.2},
      "last_trade": {"price": 5.15},
      "open_interest": 3400,
      "implied_volatility": 0.182,
      "underlying_asset": {"price": 452.5}
    },
    {
      "details": {"contract_type": "put", "expiration_date": "2025-06-20", "strike_price": 450, "ticker": "O:SPY250620P00450000"},
      "day": {"close": 2.4, "volume": 800},
      "last_quote": {"bid": 2.35, "ask": 2.45},
      "open_interest": 2900,
      "implied_volatility": 0.19
    },
    {
      "details": {"contract_type": "warrant", "expiration_date": "2025-06-20", "strike_price": 450}
    }
  ]
}`

const polygonNextPage = `{
  "status": "OK",
  "results": [
    {
      "details": {"contract_type": "call", "expiration_date": "2025-06-27", "strike_price": 455, "ticker": "O:SPY250627C00455000"},
      "open_interest": 100
    }
  ]
}`

func TestPolygon_FetchChain(t *testing.T) {
	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("apiKey") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "p2" {
			w.Write([]byte(polygonNextPage))
			return
		}
		if r.URL.Path != "/v3/snapshot/options/SPY" || r.URL.Query().Get("limit") != "250" {
			t.Errorf("unexpected request %s", r.URL)
		}
		page := polygonPage[:len(polygonPage)-2] + `,"next_url":"` + srv.URL + `/v3/snapshot/options/SPY?cursor=p2"}`
		w.Write([]byte(page))
	}))
	defer srv.Close()

	p := NewPolygon(srv.URL, "secret")
	snap, err := p.FetchChain(context.Background(), "spy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", calls.Load())
	}
	if snap.UnderlyingPrice != 452.5 {
		t.Errorf("expected underlying 452.5, got %v", snap.UnderlyingPrice)
	}
	if len(snap.Expirations) != 2 {
		t.Fatalf("expected 2 expirations, got %v", snap.Expirations)
	}

	call, ok := snap.Chain["2025-06-20"].Lookup(model.Call, 450)
	if !ok {
		t.Fatal("missing 450 call")
	}
	if !call.LastPrice.Equal(d(5.15)) || !call.Bid.Equal(d(5.0)) || !call.Ask.Equal(d(5.2)) {
		t.Errorf("unexpected call prices %+v", call)
	}
	if call.Volume != 1200 || call.OpenInterest != 3400 || call.ImpliedVolatility != 0.182 {
		t.Errorf("unexpected call stats %+v", call)
	}
	if !call.InTheMoney {
		t.Error("expected 450 call ITM at 452.5")
	}

	// No last trade: fall back to the day close.
	put, _ := snap.Chain["2025-06-20"].Lookup(model.Put, 450)
	if !put.LastPrice.Equal(d(2.4)) {
		t.Errorf("expected put last price 2.4 from day close, got %s", put.LastPrice)
	}
	if len(snap.Chain["2025-06-20"].Calls) != 1 {
		t.Error("expected unknown contract type to be skipped")
	}
}

func TestPolygon_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"ERROR","error":"not entitled"}`))
	}))
	defer srv.Close()

	_, err := NewPolygon(srv.URL, "k").FetchChain(context.Background(), "SPY")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("expected StatusError 403, got %v", err)
	}
	if !errors.Is(err, ErrFetch) {
		t.Errorf("expected StatusError to match ErrFetch")
	}
}

func TestPolygon_EmptyWithoutAugment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"OK","results":[]}`))
	}))
	defer srv.Close()

	_, err := NewPolygon(srv.URL, "k").FetchChain(context.Background(), "ZZZ")
	if !errors.Is(err, ErrNoContracts) {
		t.Errorf("expected ErrNoContracts, got %v", err)
	}
}

func TestPolygon_SparseChainIsPadded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(polygonPage))
	}))
	defer srv.Close()

	p := NewPolygon(srv.URL, "k", WithAugment(newTestSynthetic()), WithMaxPages(1))
	snap, err := p.FetchChain(context.Background(), "SPY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Expirations) < 2 {
		t.Fatalf("expected padded expirations, got %v", snap.Expirations)
	}
	// The vendor expiration survives untouched.
	call, _ := snap.Chain["2025-06-20"].Lookup(model.Call, 450)
	if call.OpenInterest != 3400 {
		t.Errorf("vendor contract replaced by synthetic one: %+v", call)
	}
}

func TestPolygon_ContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewPolygon(srv.URL, "k").FetchChain(ctx, "SPY")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

// --- Postgres ---

type fakeRows struct {
	rows [][]any
	i    int
	err  error
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i <= len(r.rows)
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.rows[r.i-1]
	for i, dst := range dest {
		switch p := dst.(type) {
		case *string:
			*p = row[i].(string)
		case *int64:
			*p = row[i].(int64)
		case *float64:
			*p = row[i].(float64)
		case **time.Time:
			if row[i] != nil {
				ts := row[i].(time.Time)
				*p = &ts
			}
		}
	}
	return nil
}

func (r *fakeRows) Err() error { return r.err }

func TestScanContracts(t *testing.T) {
	ts := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	rows := &fakeRows{rows: [][]any{
		{"O:SPY250620C00450000", "SPY", "2025-06-20", "call", "450.000", "5.15", "-0.25", "5.00", "5.20", int64(1200), int64(3400), 0.18, ts},
		{"O:SPY250620P00450000", "SPY", "2025-06-20", "PUT", "450", "2.4", "0", "2.35", "2.45", int64(800), int64(2900), 0.19, nil},
		{"O:SPY250620X00450000", "SPY", "2025-06-20", "warrant", "450", "1", "0", "1", "1", int64(0), int64(0), 0.0, nil},
		{"O:SPY250620C00BAD", "SPY", "2025-06-20", "call", "abc", "1", "0", "1", "1", int64(0), int64(0), 0.0, nil},
	}}

	contracts, err := scanContracts(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contracts) != 2 {
		t.Fatalf("expected 2 contracts, got %d", len(contracts))
	}
	c := contracts[0]
	if c.Type != model.Call || c.Strike != 450 || !c.LastPrice.Equal(d(5.15)) || !c.Change.Equal(d(-0.25)) {
		t.Errorf("unexpected call %+v", c)
	}
	if c.Updated == nil || !c.Updated.Equal(ts) {
		t.Errorf("expected updated %v, got %v", ts, c.Updated)
	}
	if contracts[1].Type != model.Put || contracts[1].Updated != nil {
		t.Errorf("unexpected put %+v", contracts[1])
	}
}

func TestScanContracts_RowsError(t *testing.T) {
	want := errors.New("conn reset")
	if _, err := scanContracts(&fakeRows{err: want}); !errors.Is(err, want) {
		t.Errorf("expected rows error, got %v", err)
	}
}

// --- Cache ---

type countingFetcher struct {
	calls atomic.Int32
	snap  *model.ChainSnapshot
	err   error
}

func (f *countingFetcher) FetchChain(_ context.Context, _ string) (*model.ChainSnapshot, error) {
	f.calls.Add(1)
	return f.snap, f.err
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCachedSource_RedisDownFallsThrough(t *testing.T) {
	primary := &countingFetcher{snap: Build("SPY", 450, []model.Contract{
		{Strike: 450, ExpirationDate: "2025-06-20", Type: model.Call},
	}, time.Now())}
	cs := NewCachedSource(primary, unreachableRedis(t), 0)

	for i := 0; i < 2; i++ {
		snap, err := cs.FetchChain(context.Background(), "spy")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.Symbol != "SPY" {
			t.Errorf("unexpected snapshot %+v", snap)
		}
	}
	if n := primary.calls.Load(); n != 2 {
		t.Errorf("expected every read to reach the primary, got %d", n)
	}
	if err := cs.Invalidate(context.Background(), "SPY"); err == nil {
		t.Error("expected invalidate to report the redis failure")
	}
}

func TestCachedSource_PrimaryError(t *testing.T) {
	primary := &countingFetcher{err: ErrNoContracts}
	cs := NewCachedSource(primary, unreachableRedis(t), time.Second)
	if _, err := cs.FetchChain(context.Background(), "SPY"); !errors.Is(err, ErrNoContracts) {
		t.Errorf("expected primary error, got %v", err)
	}
}

func TestChainKey(t *testing.T) {
	if got := chainKey("SPY"); got != "chain:v2:SPY" {
		t.Errorf("unexpected key %s", got)
	}
}
