package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"github.com/atmx/gamma-engine/internal/exposure"
	"github.com/atmx/gamma-engine/internal/flow"
	"github.com/atmx/gamma-engine/internal/model"
	"github.com/atmx/gamma-engine/internal/source"
	"github.com/atmx/gamma-engine/internal/symbol"
)

func setupLogging(ctx *cli.Context) {
	slog.SetDefault(getDefaultLogger(ctx.Int("log-level")))
}

func chainSource(ctx *cli.Context) source.Fetcher {
	synthetic := source.NewSynthetic()
	if key := ctx.String("polygon-api-key"); key != "" {
		return source.NewPolygon(ctx.String("polygon-base-url"), key, source.WithAugment(synthetic))
	}
	return synthetic
}

func fetchChain(ctx *cli.Context) (*model.ChainSnapshot, error) {
	setupLogging(ctx)
	sym := strings.ToUpper(ctx.String("symbol"))
	snap, err := chainSource(ctx).FetchChain(ctx.Context, sym)
	if err != nil {
		return nil, fmt.Errorf("could not fetch %s chain: %w", sym, err)
	}
	snap.Chain.Normalize(sym, snap.UnderlyingPrice)
	return snap, nil
}

func printExposure(ctx *cli.Context) error {
	snap, err := fetchChain(ctx)
	if err != nil {
		return err
	}
	if p := ctx.Float64("price"); p > 0 {
		snap.UnderlyingPrice = p
	}
	report := exposure.Analyze(snap, ctx.String("expiration"), time.Now())

	if ctx.Bool("json") {
		b, err := json.Marshal(report)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", b)
		return nil
	}

	sum := report.Summary
	color.Cyan("%s %s  spot %.2f  %.1f days", report.Symbol, report.Expiration, sum.UnderlyingPrice, sum.DaysToExpiry)
	if sum.GammaCondition == model.CallDominated {
		color.Green("%s  net gamma %s", sum.GammaCondition, sum.NetGamma.StringFixed(0))
	} else {
		color.Red("%s  net gamma %s", sum.GammaCondition, sum.NetGamma.StringFixed(0))
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "STRIKE\tCALL GEX\tPUT GEX\tNET GEX\tCALL OI\tPUT OI\tNET DELTA\tDIST %\t")
	for _, row := range report.Rows {
		mark := ""
		if row.Partial {
			mark = "*"
		}
		fmt.Fprintf(tw, "%.2f%s\t%s\t%s\t%s\t%d\t%d\t%s\t%.2f\t\n",
			row.Strike, mark,
			compact(row.CallGamma), compact(row.PutGamma), compact(row.NetGamma),
			row.CallOI, row.PutOI, compact(row.NetDelta), row.PercentDiff)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Printf("zero gamma %.2f  call/put OI %s  supply %s  demand %s\n",
		sum.ZeroGammaLevel, sum.CallPutRatio.StringFixed(2),
		flow.FormatPremium(sum.GEXSupply), flow.FormatPremium(sum.GEXDemand))
	if sum.PartialStrikes > 0 {
		color.Yellow("* %d strikes priced with a default volatility on one side", sum.PartialStrikes)
	}
	return nil
}

func printExpirations(ctx *cli.Context) error {
	snap, err := fetchChain(ctx)
	if err != nil {
		return err
	}
	color.Cyan("%s  spot %.2f", snap.Symbol, snap.UnderlyingPrice)
	for _, exp := range snap.Expirations {
		fmt.Printf("%s  %d strikes\n", exp, len(snap.Chain[exp].Strikes()))
	}
	return nil
}

func decodeSymbols(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("decode needs at least one symbol")
	}
	for _, raw := range ctx.Args().Slice() {
		sym, err := symbol.Decode(raw)
		if err != nil {
			return err
		}
		b, err := json.Marshal(map[string]any{
			"symbol":        raw,
			"ticker":        sym.Ticker,
			"expiration":    sym.ExpirationKey(),
			"contract_type": sym.Type,
			"strike":        sym.Strike,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", b)
	}
	return nil
}

func encodeSymbol(ctx *cli.Context) error {
	typ := model.ContractType(strings.ToLower(ctx.String("type")))
	if typ != model.Call && typ != model.Put {
		return fmt.Errorf("type must be call or put, got %q", ctx.String("type"))
	}
	if ctx.Float64("strike") <= 0 {
		return fmt.Errorf("strike must be positive")
	}
	s, err := symbol.ForContract(strings.ToUpper(ctx.String("ticker")), ctx.String("expiration"), typ, ctx.Float64("strike"))
	if err != nil {
		return err
	}
	fmt.Println(s)
	return nil
}

func printFlow(ctx *cli.Context) error {
	setupLogging(ctx)
	minPremium, err := decimal.NewFromString(ctx.String("min-premium"))
	if err != nil {
		return fmt.Errorf("invalid min-premium: %w", err)
	}

	var src flow.Source = flow.NewSynthetic()
	if key := ctx.String("polygon-api-key"); key != "" {
		src = flow.NewPolygon(ctx.String("polygon-base-url"), key, flow.WithFallback(src))
	}

	var tickers []string
	for _, t := range ctx.StringSlice("tickers") {
		for _, part := range strings.Split(t, ",") {
			if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
				tickers = append(tickers, part)
			}
		}
	}

	f := flow.DefaultFilter()
	f.MinPremium = minPremium
	items, err := flow.NewAggregator(src).Fetch(ctx.Context, tickers, f)
	if err != nil {
		return err
	}
	flow.Sort(items, flow.ParseSortKey(ctx.String("sort")), true)
	page := flow.Paginate(items, 1, ctx.Int("limit"))

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTICKER\tEXPIRY\tC/P\tSTRIKE\tOTM%\tPRICE\tSIZE\tTYPE\tPREMIUM\tHEAT\tSECTOR")
	for _, it := range page.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%.1f\t%s\t%d\t%s\t%s\t%d\t%s\n",
			it.Time.Local().Format("15:04:05"), it.Ticker, it.Expiry, strings.ToUpper(string(it.Type)),
			it.Strike, it.OTMPercent, it.Price.StringFixed(2), it.Size, it.TradeType,
			flow.FormatPremium(it.Premium), it.HeatScore, it.Sector)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d of %d prints\n", len(page.Items), page.Total)
	return nil
}

// compact renders a notional value with a K/M/B suffix.
func compact(v float64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	switch {
	case v >= 1e9:
		return fmt.Sprintf("%s%.2fB", sign, v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("%s%.2fM", sign, v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("%s%.1fK", sign, v/1e3)
	}
	return fmt.Sprintf("%s%.0f", sign, v)
}
