package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/gamma-engine/internal/model"
)

// Schema is the DDL the Postgres source reads from. Money columns are
// NUMERIC for exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS option_contracts (
	symbol             TEXT PRIMARY KEY,
	underlying         TEXT NOT NULL,
	expiration_date    DATE NOT NULL,
	contract_type      TEXT NOT NULL CHECK (contract_type IN ('call', 'put')),
	strike             NUMERIC NOT NULL CHECK (strike > 0),
	last_price         NUMERIC NOT NULL DEFAULT 0,
	change             NUMERIC NOT NULL DEFAULT 0,
	bid                NUMERIC NOT NULL DEFAULT 0,
	ask                NUMERIC NOT NULL DEFAULT 0,
	volume             BIGINT NOT NULL DEFAULT 0,
	open_interest      BIGINT NOT NULL DEFAULT 0,
	implied_volatility DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS option_contracts_underlying_idx
	ON option_contracts (underlying, expiration_date);

CREATE TABLE IF NOT EXISTS underlying_quotes (
	symbol    TEXT NOT NULL,
	price     NUMERIC NOT NULL,
	quoted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS underlying_quotes_symbol_idx
	ON underlying_quotes (symbol, quoted_at DESC);
`

// Postgres loads chains from the option_contracts table. Expired
// contracts are filtered out at query time.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres creates a PostgreSQL-backed source.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, now: time.Now}
}

// Migrate applies Schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate option_contracts: %w", err)
	}
	return nil
}

// FetchChain implements Fetcher.
func (s *Postgres) FetchChain(ctx context.Context, sym string) (*model.ChainSnapshot, error) {
	sym = strings.ToUpper(sym)

	price, err := s.underlyingPrice(ctx, sym)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, underlying, expiration_date::TEXT, contract_type,
		        strike::TEXT, last_price::TEXT, change::TEXT,
		        bid::TEXT, ask::TEXT, volume, open_interest,
		        implied_volatility, updated_at
		 FROM option_contracts
		 WHERE underlying = $1 AND expiration_date >= CURRENT_DATE
		 ORDER BY expiration_date, strike`, sym)
	if err != nil {
		return nil, fmt.Errorf("%w: query contracts %s: %v", ErrFetch, sym, err)
	}
	defer rows.Close()

	contracts, err := scanContracts(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: scan contracts %s: %v", ErrFetch, sym, err)
	}
	if len(contracts) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoContracts, sym)
	}
	return Build(sym, price, contracts, s.now()), nil
}

func (s *Postgres) underlyingPrice(ctx context.Context, sym string) (float64, error) {
	var priceS string
	err := s.pool.QueryRow(ctx,
		`SELECT price::TEXT FROM underlying_quotes
		 WHERE symbol = $1 ORDER BY quoted_at DESC LIMIT 1`, sym).
		Scan(&priceS)
	if errors.Is(err, pgx.ErrNoRows) {
		ref, ok := referencePrices[sym]
		if !ok {
			ref = defaultReference
		}
		slog.Warn("no underlying quote stored, using reference price", "symbol", sym, "price", ref.price)
		return ref.price, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: underlying quote %s: %v", ErrFetch, sym, err)
	}
	price, err := decimal.NewFromString(priceS)
	if err != nil {
		return 0, fmt.Errorf("%w: underlying quote %s: %v", ErrFetch, sym, err)
	}
	return price.InexactFloat64(), nil
}

// pgxRows is the subset of pgx.Rows the scanner needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanContracts reads option_contracts rows. Rows with an unknown
// contract type or an unparsable strike are skipped.
func scanContracts(rows pgxRows) ([]model.Contract, error) {
	var contracts []model.Contract
	for rows.Next() {
		var c model.Contract
		var typ, strikeS, lastS, changeS, bidS, askS string
		var updated *time.Time

		if err := rows.Scan(&c.Symbol, &c.Underlying, &c.ExpirationDate, &typ,
			&strikeS, &lastS, &changeS, &bidS, &askS,
			&c.Volume, &c.OpenInterest, &c.ImpliedVolatility, &updated); err != nil {
			return nil, err
		}

		switch model.ContractType(strings.ToLower(typ)) {
		case model.Call:
			c.Type = model.Call
		case model.Put:
			c.Type = model.Put
		default:
			slog.Debug("skipping contract with unknown type", "symbol", c.Symbol, "type", typ)
			continue
		}
		strike, err := decimal.NewFromString(strikeS)
		if err != nil {
			slog.Debug("skipping contract with bad strike", "symbol", c.Symbol, "strike", strikeS)
			continue
		}
		c.Strike = strike.InexactFloat64()
		c.LastPrice, _ = decimal.NewFromString(lastS)
		c.Change, _ = decimal.NewFromString(changeS)
		c.Bid, _ = decimal.NewFromString(bidS)
		c.Ask, _ = decimal.NewFromString(askS)
		c.Updated = updated

		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}
