package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/atmx/gamma-engine/internal/model"
)

const (
	DefaultPolygonURL = "https://api.polygon.io"

	snapshotPath     = "/v3/snapshot/options/{symbol}"
	snapshotPageSize = "250"
	defaultMaxPages  = 4
	defaultTimeout   = 5 * time.Second
)

// Polygon fetches chains from the Polygon.io option chain snapshot API.
type Polygon struct {
	client   *resty.Client
	apiKey   string
	maxPages int
	augment  *Synthetic
	now      func() time.Time
}

// PolygonOption configures a Polygon source.
type PolygonOption func(*Polygon)

// WithMaxPages bounds how many next_url pages are followed.
func WithMaxPages(n int) PolygonOption {
	return func(p *Polygon) { p.maxPages = n }
}

// WithAugment pads responses that carry at most one expiration with
// synthetic expirations.
func WithAugment(s *Synthetic) PolygonOption {
	return func(p *Polygon) { p.augment = s }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) PolygonOption {
	return func(p *Polygon) { p.client.SetTimeout(d) }
}

// NewPolygon creates a Polygon source. An empty baseURL selects
// DefaultPolygonURL.
func NewPolygon(baseURL, apiKey string, opts ...PolygonOption) *Polygon {
	if baseURL == "" {
		baseURL = DefaultPolygonURL
	}
	p := &Polygon{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(defaultTimeout).
			SetHeader("Accept", "application/json"),
		apiKey:   apiKey,
		maxPages: defaultMaxPages,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// --- Wire types ---

type snapshotResponse struct {
	Status  string           `json:"status"`
	Error   string           `json:"error"`
	NextURL string           `json:"next_url"`
	Results []snapshotResult `json:"results"`
}

type snapshotResult struct {
	Details struct {
		ContractType   string  `json:"contract_type"`
		ExpirationDate string  `json:"expiration_date"`
		StrikePrice    float64 `json:"strike_price"`
		Ticker         string  `json:"ticker"`
	} `json:"details"`
	Day struct {
		Close  decimal.Decimal `json:"close"`
		Change decimal.Decimal `json:"change"`
		Volume float64         `json:"volume"`
	} `json:"day"`
	LastQuote struct {
		Bid decimal.Decimal `json:"bid"`
		Ask decimal.Decimal `json:"ask"`
	} `json:"last_quote"`
	LastTrade struct {
		Price decimal.Decimal `json:"price"`
	} `json:"last_trade"`
	OpenInterest      float64 `json:"open_interest"`
	ImpliedVolatility float64 `json:"implied_volatility"`
	UnderlyingAsset   struct {
		Price float64 `json:"price"`
	} `json:"underlying_asset"`
}

// FetchChain implements Fetcher.
func (p *Polygon) FetchChain(ctx context.Context, sym string) (*model.ChainSnapshot, error) {
	sym = strings.ToUpper(sym)

	var (
		contracts  []model.Contract
		underlying float64
		next       string
	)
	for page := 0; page < p.maxPages; page++ {
		body, err := p.page(ctx, sym, next)
		if err != nil {
			return nil, err
		}
		for _, r := range body.Results {
			if underlying == 0 && r.UnderlyingAsset.Price > 0 {
				underlying = r.UnderlyingAsset.Price
			}
			if c, ok := toContract(sym, r); ok {
				contracts = append(contracts, c)
			}
		}
		if body.NextURL == "" {
			break
		}
		next = body.NextURL
	}

	if underlying == 0 {
		ref, ok := referencePrices[sym]
		if !ok {
			ref = defaultReference
		}
		underlying = ref.price
		slog.Warn("polygon snapshot carried no underlying price, using reference",
			"symbol", sym, "price", underlying)
	}

	snap := Build(sym, underlying, contracts, p.now())
	if len(snap.Expirations) <= 1 && p.augment != nil {
		slog.Info("padding sparse polygon chain with synthetic expirations",
			"symbol", sym, "expirations", len(snap.Expirations))
		snap = p.augment.Augment(sym, underlying, snap)
		snap.FetchedAt = p.now()
	}
	if len(snap.Expirations) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoContracts, sym)
	}
	return snap, nil
}

// page fetches the first snapshot page, or next when it is set.
func (p *Polygon) page(ctx context.Context, sym, next string) (*snapshotResponse, error) {
	var body snapshotResponse
	req := p.client.R().
		SetContext(ctx).
		SetQueryParam("apiKey", p.apiKey).
		SetResult(&body).
		ForceContentType("application/json")

	var (
		resp *resty.Response
		err  error
	)
	if next == "" {
		resp, err = req.
			SetPathParam("symbol", sym).
			SetQueryParam("limit", snapshotPageSize).
			Get(snapshotPath)
	} else {
		resp, err = req.Get(next)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: polygon snapshot %s: %v", ErrFetch, sym, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("polygon snapshot %s: %w", sym,
			&StatusError{Code: resp.StatusCode(), Body: resp.String()})
	}
	if body.Status == "ERROR" || body.Error != "" {
		return nil, fmt.Errorf("%w: polygon snapshot %s: %s", ErrFetch, sym, body.Error)
	}
	return &body, nil
}

func toContract(sym string, r snapshotResult) (model.Contract, bool) {
	d := r.Details
	if d.ExpirationDate == "" || d.StrikePrice <= 0 {
		return model.Contract{}, false
	}
	var typ model.ContractType
	switch strings.ToLower(d.ContractType) {
	case "call":
		typ = model.Call
	case "put":
		typ = model.Put
	default:
		return model.Contract{}, false
	}

	last := r.LastTrade.Price
	if !last.IsPositive() {
		last = r.Day.Close
	}
	return model.Contract{
		Symbol:            d.Ticker,
		Underlying:        sym,
		Strike:            d.StrikePrice,
		ExpirationDate:    d.ExpirationDate,
		Type:              typ,
		LastPrice:         last,
		Change:            r.Day.Change,
		Bid:               r.LastQuote.Bid,
		Ask:               r.LastQuote.Ask,
		Volume:            int64(r.Day.Volume),
		OpenInterest:      int64(r.OpenInterest),
		ImpliedVolatility: r.ImpliedVolatility,
	}, true
}
