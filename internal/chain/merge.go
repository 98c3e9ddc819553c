package chain

import (
	"log/slog"

	"github.com/atmx/gamma-engine/internal/feed"
	"github.com/atmx/gamma-engine/internal/metrics"
	"github.com/atmx/gamma-engine/internal/model"
	"github.com/atmx/gamma-engine/internal/symbol"
)

// Event outcomes, used as the metrics label.
const (
	outcomeApplied           = "applied"
	outcomeUnrecognized      = "unrecognized"
	outcomeInvalidSymbol     = "invalid_symbol"
	outcomeOtherUnderlying   = "other_underlying"
	outcomeUnknownExpiration = "unknown_expiration"
	outcomeUnknownStrike     = "unknown_strike"
	outcomeNoChain           = "no_chain"
)

// ApplyEvents merges live trades into the chain and returns how many were
// applied. A trade updates only last price (when positive), volume and the
// updated timestamp of its contract. Events that are not trades, carry a
// malformed symbol, or point at another underlying, an unknown expiration
// or an unknown strike are dropped.
func (s *Store) ApplyEvents(events []feed.Event) int {
	if len(events) == 0 {
		return 0
	}

	s.mu.Lock()
	if s.disposed || s.snapshot == nil {
		s.mu.Unlock()
		metrics.LiveEvents.WithLabelValues(outcomeNoChain).Add(float64(len(events)))
		return 0
	}
	applied := 0
	for _, ev := range events {
		outcome := s.applyLocked(ev)
		metrics.LiveEvents.WithLabelValues(outcome).Inc()
		if outcome == outcomeApplied {
			applied++
		}
	}
	sym, status := s.symbol, s.status
	s.mu.Unlock()

	if applied > 0 {
		s.notify([]Update{{Kind: UpdateTrades, Symbol: sym, Status: status, Applied: applied}})
	}
	return applied
}

func (s *Store) applyLocked(ev feed.Event) string {
	tr, ok := ev.(feed.Trade)
	if !ok {
		return outcomeUnrecognized
	}

	o, err := symbol.Decode(tr.Symbol)
	if err != nil {
		slog.Debug("live event dropped", "symbol", tr.Symbol, "err", err)
		return outcomeInvalidSymbol
	}
	if o.Ticker != s.symbol {
		return outcomeOtherUnderlying
	}
	exp, ok := s.snapshot.Chain[o.ExpirationKey()]
	if !ok {
		return outcomeUnknownExpiration
	}
	side := exp.Side(o.Type)
	key := model.StrikeKey(o.Strike)
	c, ok := side[key]
	if !ok {
		return outcomeUnknownStrike
	}

	if tr.Price.IsPositive() {
		c.LastPrice = tr.Price
	}
	if tr.Size > 0 {
		c.Volume += tr.Size
	}
	ts := tr.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	c.Updated = &ts
	side[key] = c
	return outcomeApplied
}

// FeedHandler adapts the store to live feed callbacks.
func (s *Store) FeedHandler() feed.Handler {
	return feed.Handler{
		OnConnect:    s.FeedConnected,
		OnDisconnect: s.FeedDisconnected,
		OnError:      s.FeedError,
		OnMessage:    func(events []feed.Event) { s.ApplyEvents(events) },
	}
}
