// Package symbol encodes and decodes vendor option symbols.
//
// Format: O:{TICKER}{YYMMDD}{C|P}{STRIKE×1000, zero-padded to 8 digits}
// Example: O:SPY230616C00410000 → SPY, 2023-06-16, call, 410.
package symbol

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/atmx/gamma-engine/internal/model"
)

const (
	prefix     = "O:"
	dateLayout = "060102"
	strikePad  = 8
)

var symbolRegex = regexp.MustCompile(`^O:([A-Z]+)(\d{6})([CP])(\d+)$`)

var (
	// ErrInvalidSymbol is the parse error for a malformed option symbol.
	ErrInvalidSymbol = errors.New("symbol: invalid option symbol")
)

// OptionSymbol is the structured form of a vendor option symbol.
type OptionSymbol struct {
	Ticker     string             `json:"ticker"`
	Expiration time.Time          `json:"expiration"` // UTC midnight
	Type       model.ContractType `json:"contract_type"`
	Strike     float64            `json:"strike"`
}

// ExpirationKey returns the expiration in chain key form (YYYY-MM-DD).
func (o OptionSymbol) ExpirationKey() string {
	return o.Expiration.Format(model.ExpirationLayout)
}

// String encodes the symbol.
func (o OptionSymbol) String() string {
	return Encode(o)
}

// Decode parses a vendor option symbol.
func Decode(s string) (OptionSymbol, error) {
	m := symbolRegex.FindStringSubmatch(s)
	if m == nil {
		return OptionSymbol{}, fmt.Errorf("%w: %q (expected O:{ticker}{YYMMDD}{C|P}{strike})",
			ErrInvalidSymbol, s)
	}

	exp, err := time.Parse(dateLayout, m[2])
	if err != nil {
		return OptionSymbol{}, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, m[2])
	}

	thousandths, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil || thousandths <= 0 {
		return OptionSymbol{}, fmt.Errorf("%w: invalid strike %s", ErrInvalidSymbol, m[4])
	}

	typ := model.Call
	if m[3] == "P" {
		typ = model.Put
	}

	return OptionSymbol{
		Ticker:     m[1],
		Expiration: exp,
		Type:       typ,
		Strike:     float64(thousandths) / 1000,
	}, nil
}

// Encode renders a vendor option symbol. The strike is serialized as
// round(strike×1000).
func Encode(o OptionSymbol) string {
	letter := "C"
	if o.Type == model.Put {
		letter = "P"
	}
	thousandths := int64(math.Round(o.Strike * 1000))
	return fmt.Sprintf("%s%s%s%s%0*d",
		prefix, o.Ticker, o.Expiration.Format(dateLayout), letter, strikePad, thousandths)
}

// ForContract builds the symbol of a chain contract.
func ForContract(underlying, expiration string, typ model.ContractType, strike float64) (string, error) {
	exp, err := time.Parse(model.ExpirationLayout, expiration)
	if err != nil {
		return "", fmt.Errorf("symbol: invalid expiration %q: %w", expiration, err)
	}
	return Encode(OptionSymbol{Ticker: underlying, Expiration: exp, Type: typ, Strike: strike}), nil
}
