// Package source provides the chain fetchers the chain store loads from.
// The Polygon snapshot API and a PostgreSQL table are the real sources;
// Redis provides a read-through cache layer and the synthetic generator
// stands in for development and tests.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/atmx/gamma-engine/internal/model"
)

var (
	// ErrFetch wraps every transport or decode failure of a source.
	ErrFetch = errors.New("source: fetch failed")

	// ErrNoContracts is returned when a source has nothing for the symbol.
	ErrNoContracts = errors.New("source: no contracts")
)

// Fetcher loads a full chain snapshot for an underlying.
type Fetcher interface {
	FetchChain(ctx context.Context, symbol string) (*model.ChainSnapshot, error)
}

// StatusError is a non-2xx response from an upstream API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Code, strings.TrimSpace(body))
}

// Unwrap lets callers match StatusError against ErrFetch.
func (e *StatusError) Unwrap() error { return ErrFetch }

// Build assembles a snapshot from a flat contract list. Moneyness is
// derived from underlyingPrice; strikes and expirations come back sorted.
func Build(symbol string, underlyingPrice float64, contracts []model.Contract, fetchedAt time.Time) *model.ChainSnapshot {
	chain := make(model.Chain)
	strikes := make(map[int64]struct{})
	for _, c := range contracts {
		if c.Strike <= 0 || c.ExpirationDate == "" {
			continue
		}
		if c.Underlying == "" {
			c.Underlying = symbol
		}
		c.InTheMoney = model.IsInTheMoney(c.Type, c.Strike, underlyingPrice)
		chain.Put(c)
		strikes[model.StrikeKey(c.Strike)] = struct{}{}
	}

	snap := &model.ChainSnapshot{
		Symbol:          symbol,
		Expirations:     chain.Expirations(),
		Strikes:         make([]float64, 0, len(strikes)),
		UnderlyingPrice: underlyingPrice,
		Chain:           chain,
		FetchedAt:       fetchedAt,
	}
	for k := range strikes {
		snap.Strikes = append(snap.Strikes, model.StrikeFromKey(k))
	}
	sort.Float64s(snap.Strikes)
	return snap
}
