package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/gamma-engine/internal/model"
	"github.com/atmx/gamma-engine/internal/source"
)

const (
	stockSnapshotPath = "/v2/snapshot/locale/us/markets/stocks/tickers/{ticker}"
	contractsPath     = "/v3/reference/options/contracts"
	tradesPath        = "/v3/trades/{contract}"

	defaultContractLimit = 50
	defaultTradedLimit   = 10
	defaultTradesLimit   = 5
	tradeFanOut          = 4
)

// Polygon builds flow from Polygon.io reference contracts and their
// latest trades.
type Polygon struct {
	client   *resty.Client
	apiKey   string
	traded   int
	fallback Source
}

// PolygonOption configures a Polygon flow source.
type PolygonOption func(*Polygon)

// WithFallback serves tickers the vendor has no usable prints for.
func WithFallback(s Source) PolygonOption {
	return func(p *Polygon) { p.fallback = s }
}

// WithTradedContracts sets how many contracts per ticker are queried for
// trades.
func WithTradedContracts(n int) PolygonOption {
	return func(p *Polygon) { p.traded = n }
}

// NewPolygon creates a Polygon flow source. An empty baseURL selects
// source.DefaultPolygonURL.
func NewPolygon(baseURL, apiKey string, opts ...PolygonOption) *Polygon {
	if baseURL == "" {
		baseURL = source.DefaultPolygonURL
	}
	p := &Polygon{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(8*time.Second).
			SetHeader("Accept", "application/json"),
		apiKey: apiKey,
		traded: defaultTradedLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// --- Wire types ---

type stockSnapshot struct {
	Ticker struct {
		Day struct {
			Close float64 `json:"c"`
			Open  float64 `json:"o"`
		} `json:"day"`
		PrevDay struct {
			Close float64 `json:"c"`
		} `json:"prevDay"`
	} `json:"ticker"`
}

type contractsResponse struct {
	Results []struct {
		Ticker         string  `json:"ticker"`
		ExpirationDate string  `json:"expiration_date"`
		StrikePrice    float64 `json:"strike_price"`
		ContractType   string  `json:"contract_type"`
		OpenInterest   int64   `json:"open_interest"`
	} `json:"results"`
}

// tradeResult accepts both the v3 field names and the short v2 ones.
type tradeResult struct {
	Price        float64 `json:"price"`
	Size         int64   `json:"size"`
	SIPTimestamp int64   `json:"sip_timestamp"`
	P            float64 `json:"p"`
	S            int64   `json:"s"`
	T            int64   `json:"t"`
}

func (t tradeResult) print() Print {
	p := Print{Price: decimal.NewFromFloat(t.Price), Size: t.Size, Time: t.SIPTimestamp}
	if t.Price == 0 {
		p.Price = decimal.NewFromFloat(t.P)
	}
	if t.Size == 0 {
		p.Size = t.S
	}
	if t.SIPTimestamp == 0 {
		p.Time = t.T
	}
	return p
}

type tradesResponse struct {
	Results []tradeResult `json:"results"`
}

// Flow implements Source.
func (p *Polygon) Flow(ctx context.Context, ticker string) ([]model.FlowItem, error) {
	ticker = strings.ToUpper(ticker)

	items, err := p.vendorFlow(ctx, ticker)
	if err == nil && len(items) > 0 {
		return items, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if p.fallback == nil {
		if err == nil {
			return []model.FlowItem{}, nil
		}
		return nil, err
	}
	slog.Debug("no vendor flow, using fallback", "ticker", ticker, "err", err)
	return p.fallback.Flow(ctx, ticker)
}

func (p *Polygon) vendorFlow(ctx context.Context, ticker string) ([]model.FlowItem, error) {
	var snap stockSnapshot
	if err := p.get(ctx, stockSnapshotPath, map[string]string{"ticker": ticker}, nil, &snap); err != nil {
		return nil, err
	}
	spotF := snap.Ticker.Day.Close
	if spotF <= 0 {
		spotF = snap.Ticker.Day.Open
	}
	if spotF <= 0 {
		spotF = snap.Ticker.PrevDay.Close
	}
	if spotF <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSpot, ticker)
	}
	spot := decimal.NewFromFloat(spotF)

	var refs contractsResponse
	if err := p.get(ctx, contractsPath, nil, map[string]string{
		"underlying_ticker": ticker,
		"limit":             strconv.Itoa(defaultContractLimit),
	}, &refs); err != nil {
		return nil, err
	}

	var infos []ContractInfo
	for _, r := range refs.Results {
		typ := model.ContractType(strings.ToLower(r.ContractType))
		if r.Ticker == "" || r.StrikePrice <= 0 || (typ != model.Call && typ != model.Put) {
			continue
		}
		infos = append(infos, ContractInfo{
			Symbol:       r.Ticker,
			Underlying:   ticker,
			Expiry:       r.ExpirationDate,
			Type:         typ,
			Strike:       r.StrikePrice,
			OpenInterest: r.OpenInterest,
		})
		if len(infos) == p.traded {
			break
		}
	}

	sets := make([][]model.FlowItem, len(infos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tradeFanOut)
	for i, info := range infos {
		i, info := i, info
		g.Go(func() error {
			var trades tradesResponse
			err := p.get(gctx, tradesPath, map[string]string{"contract": info.Symbol},
				map[string]string{"limit": strconv.Itoa(defaultTradesLimit)}, &trades)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Debug("contract trades failed", "contract", info.Symbol, "err", err)
				return nil
			}
			for _, t := range trades.Results {
				if item, ok := NewItem(spot, info, t.print()); ok {
					sets[i] = append(sets[i], item)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := Merge(sets...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Time.After(items[j].Time) })
	return items, nil
}

func (p *Polygon) get(ctx context.Context, path string, pathParams, query map[string]string, out any) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParams(pathParams).
		SetQueryParams(query).
		SetQueryParam("apiKey", p.apiKey).
		SetResult(out).
		ForceContentType("application/json").
		Get(path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: polygon %s: %v", source.ErrFetch, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("polygon %s: %w", path, &source.StatusError{Code: resp.StatusCode(), Body: resp.String()})
	}
	return nil
}
