// Package api provides the HTTP handlers for the options chain, its
// exposure view, option symbol decoding and the flow table.
//
// Money in responses uses shopspring/decimal; greeks stay float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/gamma-engine/internal/chain"
	"github.com/atmx/gamma-engine/internal/exposure"
	"github.com/atmx/gamma-engine/internal/flow"
	"github.com/atmx/gamma-engine/internal/metrics"
	"github.com/atmx/gamma-engine/internal/model"
	"github.com/atmx/gamma-engine/internal/symbol"
)

// ChainStore is the part of chain.Store the handlers use.
type ChainStore interface {
	Snapshot() *model.ChainSnapshot
	Status() model.ConnectionStatus
	Symbol() string
	SelectSymbol(ctx context.Context, symbol string) error
	Refresh(ctx context.Context) error
}

// Invalidator drops a cached chain so a refresh reaches the vendor.
type Invalidator interface {
	Invalidate(ctx context.Context, symbol string) error
}

// Service serves the options API.
type Service struct {
	store       ChainStore
	flow        *flow.Aggregator
	invalidator Invalidator
	wsHub       *WSHub // optional; only used for client counts

	flowTickers []string
	flowSample  int
	pageSize    int
	now         func() time.Time

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// Option configures a Service.
type Option func(*Service)

// WithInvalidator invalidates the chain cache before manual refreshes.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) { s.invalidator = inv }
}

// WithFlowTickers sets the universe sampled by the all-tickers flow view.
func WithFlowTickers(tickers []string, sample int) Option {
	return func(s *Service) {
		if len(tickers) > 0 {
			s.flowTickers = tickers
		}
		if sample > 0 {
			s.flowSample = sample
		}
	}
}

// WithPageSize sets the flow table page size.
func WithPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithClock overrides time.Now for exposure calculations.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSeed makes ticker sampling deterministic.
func WithSeed(seed int64) Option {
	return func(s *Service) { s.rng = rand.New(rand.NewSource(seed)) }
}

// NewService creates the API service. agg may be nil, which disables the
// flow endpoint; hub may be nil if WebSocket broadcasting is not needed.
func NewService(st ChainStore, agg *flow.Aggregator, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		store:       st,
		flow:        agg,
		wsHub:       hub,
		flowTickers: flow.DefaultTickers,
		flowSample:  10,
		pageSize:    flow.DefaultPerPage,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes mounts the options handlers under r. The WebSocket route is
// mounted separately so it can stay outside request timeouts.
func (s *Service) Routes(r chi.Router) {
	r.Route("/options", func(r chi.Router) {
		r.Get("/chain", s.GetChain)
		r.Post("/symbol", s.SelectSymbol)
		r.Post("/refresh", s.Refresh)
		r.Get("/status", s.GetStatus)
		r.Get("/exposure", s.GetExposure)
		r.Get("/symbols/{symbol}", s.DecodeSymbol)
		r.Get("/flow", s.GetFlow)
	})
}

// Greeting is the first WebSocket message: the current status.
func (s *Service) Greeting() WSMessage {
	st := s.store.Status()
	return WSMessage{Type: string(chain.UpdateStatus), Symbol: st.Symbol, Status: &st}
}

// --- Request/Response types ---

// SelectSymbolRequest is the JSON body for POST /options/symbol.
type SelectSymbolRequest struct {
	Symbol string `json:"symbol"`
}

// StatusResponse is returned by the status, symbol and refresh endpoints.
type StatusResponse struct {
	model.ConnectionStatus
	Expirations []string `json:"expirations"`
	Clients     int      `json:"ws_clients"`
}

// FlowRow is a flow print with its display premium.
type FlowRow struct {
	model.FlowItem
	PremiumDisplay string `json:"premium_display"`
}

// FlowResponse is one page of the flow table.
type FlowResponse struct {
	Data       []FlowRow `json:"data"`
	Tickers    []string  `json:"tickers"`
	Page       int       `json:"page"`
	PerPage    int       `json:"per_page"`
	Total      int       `json:"total"`
	TotalPages int       `json:"total_pages"`
}

// --- Chain ---

// GetChain handles GET /api/v1/options/chain.
func (s *Service) GetChain(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	if snap == nil {
		writeError(w, "no chain loaded", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// SelectSymbol handles POST /api/v1/options/symbol. It blocks until the
// initial chain fetch completes.
func (s *Service) SelectSymbol(w http.ResponseWriter, r *http.Request) {
	var req SelectSymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sym := strings.ToUpper(strings.TrimSpace(req.Symbol))

	if err := s.store.SelectSymbol(r.Context(), sym); err != nil {
		slog.Warn("select symbol failed", "symbol", sym, "err", err)
		writeError(w, err.Error(), storeErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse())
}

// Refresh handles POST /api/v1/options/refresh.
func (s *Service) Refresh(w http.ResponseWriter, r *http.Request) {
	if sym := s.store.Symbol(); sym != "" && s.invalidator != nil {
		if err := s.invalidator.Invalidate(r.Context(), sym); err != nil {
			slog.Warn("cache invalidate failed", "symbol", sym, "err", err)
		}
	}
	if err := s.store.Refresh(r.Context()); err != nil {
		slog.Warn("refresh failed", "symbol", s.store.Symbol(), "err", err)
		writeError(w, err.Error(), storeErrorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, s.statusResponse())
}

// GetStatus handles GET /api/v1/options/status.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Service) statusResponse() StatusResponse {
	resp := StatusResponse{ConnectionStatus: s.store.Status(), Expirations: []string{}}
	if snap := s.store.Snapshot(); snap != nil {
		resp.Expirations = snap.Expirations
	}
	if s.wsHub != nil {
		resp.Clients = s.wsHub.ClientCount()
	}
	return resp
}

func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, chain.ErrInvalidSymbol):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrNoSymbol), errors.Is(err, chain.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, chain.ErrDisposed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// --- Exposure ---

// GetExposure handles GET /api/v1/options/exposure.
//
// Query: expiration (default nearest), strikes (comma separated subset),
// price (underlying override for what-if views). An expiration the chain
// does not carry yields empty rows, not an error.
func (s *Service) GetExposure(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	if snap == nil {
		writeError(w, "no chain loaded", http.StatusNotFound)
		return
	}
	q := r.URL.Query()

	view := snap
	if p := q.Get("price"); p != "" {
		price, err := strconv.ParseFloat(p, 64)
		if err != nil || price <= 0 {
			writeError(w, "price must be a positive number", http.StatusBadRequest)
			return
		}
		view = snap.Clone()
		view.UnderlyingPrice = price
	}

	var strikes []float64
	if raw := q.Get("strikes"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			k, err := strconv.ParseFloat(part, 64)
			if err != nil || k <= 0 {
				writeError(w, "invalid strike: "+part, http.StatusBadRequest)
				return
			}
			strikes = append(strikes, k)
		}
	}

	asOf := s.now()
	report := exposure.Analyze(view, q.Get("expiration"), asOf)
	if strikes != nil {
		report.Rows = exposure.ComputeExposure(view.Chain, report.Expiration, strikes, view.UnderlyingPrice, asOf)
		report.Summary = exposure.Summarize(report.Rows, view.UnderlyingPrice, report.Expiration, asOf)
	}
	if report.Rows == nil {
		report.Rows = []model.ExposureRow{}
	}
	metrics.ExposureComputations.Inc()

	writeJSON(w, http.StatusOK, report)
}

// --- Symbols ---

// DecodeSymbol handles GET /api/v1/options/symbols/{symbol}.
func (s *Service) DecodeSymbol(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "symbol")
	sym, err := symbol.Decode(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":        symbol.Encode(sym),
		"ticker":        sym.Ticker,
		"expiration":    sym.ExpirationKey(),
		"contract_type": sym.Type,
		"strike":        sym.Strike,
	})
}

// --- Flow ---

// GetFlow handles GET /api/v1/options/flow.
//
// Query: tickers (comma separated) or all=true for a sample of the
// universe; min_premium; calls, puts, sweeps, blocks (false hides);
// sort (time|premium); dir (asc|desc, default desc); page.
func (s *Service) GetFlow(w http.ResponseWriter, r *http.Request) {
	if s.flow == nil {
		writeError(w, "flow is not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()

	f := flow.DefaultFilter()
	if raw := q.Get("min_premium"); raw != "" {
		mp, err := decimal.NewFromString(raw)
		if err != nil || mp.IsNegative() {
			writeError(w, "min_premium must be a non-negative number", http.StatusBadRequest)
			return
		}
		f.MinPremium = mp
	}
	for name, dst := range map[string]*bool{
		"calls": &f.Calls, "puts": &f.Puts, "sweeps": &f.Sweeps, "blocks": &f.Blocks,
	} {
		if raw := q.Get(name); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, "invalid "+name+" flag", http.StatusBadRequest)
				return
			}
			*dst = v
		}
	}

	page := 1
	if raw := q.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, "page must be a positive integer", http.StatusBadRequest)
			return
		}
		page = n
	}

	tickers := s.flowTickersFor(q.Get("tickers"), q.Get("all") == "true")
	if len(tickers) == 0 {
		writeError(w, "no tickers: pass tickers or select a symbol", http.StatusBadRequest)
		return
	}

	items, err := s.flow.Fetch(r.Context(), tickers, f)
	if err != nil {
		slog.Error("flow fetch failed", "tickers", tickers, "err", err)
		writeError(w, "flow unavailable", http.StatusBadGateway)
		return
	}
	flow.Sort(items, flow.ParseSortKey(q.Get("sort")), !strings.EqualFold(q.Get("dir"), "asc"))
	p := flow.Paginate(items, page, s.pageSize)

	resp := FlowResponse{
		Data:       make([]FlowRow, len(p.Items)),
		Tickers:    tickers,
		Page:       p.Page,
		PerPage:    p.PerPage,
		Total:      p.Total,
		TotalPages: p.TotalPages,
	}
	for i, it := range p.Items {
		resp.Data[i] = FlowRow{FlowItem: it, PremiumDisplay: flow.FormatPremium(it.Premium)}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) flowTickersFor(raw string, all bool) []string {
	var tickers []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			tickers = append(tickers, t)
		}
	}
	if len(tickers) > 0 {
		return tickers
	}
	current := s.store.Symbol()
	if !all {
		if current == "" {
			return nil
		}
		return []string{current}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return flow.PickTickers(s.flowTickers, s.flowSample, current, s.rng)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
