// Command gexctl computes gamma exposure and options flow from the
// terminal, without running the server.
package main

import (
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
)

func getDefaultLogger(lvl int) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(lvl),
	}))
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "polygon-api-key",
			Aliases: []string{"k"},
			Value:   os.Getenv("POLYGON_API_KEY"),
			Usage:   "Polygon.io API key. Synthetic data is used when empty.",
		},
		&cli.StringFlag{
			Name:  "polygon-base-url",
			Value: os.Getenv("POLYGON_BASE_URL"),
			Usage: "Polygon.io base url.",
		},
		&cli.IntFlag{
			Name:    "log-level",
			Aliases: []string{"ll"},
			Value:   int(slog.LevelWarn),
			Usage:   "Logging level for the slog.Logger, -4 for DEBUG.",
		},
	}
}

func main() {
	app := &cli.App{
		Name:  "gexctl",
		Usage: "Options gamma exposure and flow tools",
		Commands: []*cli.Command{
			{
				Name:  "exposure",
				Usage: "Print per-strike gamma exposure for one expiration",
				Flags: append(sourceFlags(),
					&cli.StringFlag{
						Name:    "symbol",
						Aliases: []string{"s"},
						Value:   "SPY",
						Usage:   "Underlying symbol.",
					},
					&cli.StringFlag{
						Name:    "expiration",
						Aliases: []string{"e"},
						Usage:   "Expiration (YYYY-MM-DD). Defaults to the nearest.",
					},
					&cli.Float64Flag{
						Name:  "price",
						Usage: "Override the underlying price.",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Write the report as JSON.",
					},
				),
				Action: func(ctx *cli.Context) error {
					return printExposure(ctx)
				},
			},
			{
				Name:  "expirations",
				Usage: "List the expirations of a chain",
				Flags: append(sourceFlags(),
					&cli.StringFlag{
						Name:    "symbol",
						Aliases: []string{"s"},
						Value:   "SPY",
						Usage:   "Underlying symbol.",
					},
				),
				Action: func(ctx *cli.Context) error {
					return printExpirations(ctx)
				},
			},
			{
				Name:      "decode",
				Usage:     "Decode option symbols such as O:SPY250620C00400000",
				ArgsUsage: "SYMBOL...",
				Action: func(ctx *cli.Context) error {
					return decodeSymbols(ctx)
				},
			},
			{
				Name:  "encode",
				Usage: "Encode an option symbol",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ticker", Aliases: []string{"t"}, Required: true, Usage: "Underlying ticker."},
					&cli.StringFlag{Name: "expiration", Aliases: []string{"e"}, Required: true, Usage: "Expiration (YYYY-MM-DD)."},
					&cli.StringFlag{Name: "type", Value: "call", Usage: "call or put."},
					&cli.Float64Flag{Name: "strike", Required: true, Usage: "Strike price."},
				},
				Action: func(ctx *cli.Context) error {
					return encodeSymbol(ctx)
				},
			},
			{
				Name:  "flow",
				Usage: "Print recent options flow",
				Flags: append(sourceFlags(),
					&cli.StringSliceFlag{
						Name:    "tickers",
						Aliases: []string{"t"},
						Value:   cli.NewStringSlice("SPY"),
						Usage:   "Tickers to fetch.",
					},
					&cli.StringFlag{
						Name:  "min-premium",
						Value: "0",
						Usage: "Hide prints below this premium.",
					},
					&cli.StringFlag{
						Name:  "sort",
						Value: "time",
						Usage: "Sort column: time or premium.",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Value:   25,
						Usage:   "Rows to print.",
					},
				),
				Action: func(ctx *cli.Context) error {
					return printFlow(ctx)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
