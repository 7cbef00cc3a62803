package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/mintscope/client"
	"github.com/brojonat/mintscope/service/activity"
	"github.com/brojonat/mintscope/service/app"
	"github.com/brojonat/mintscope/service/config"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func activityCommand() *cli.Command {
	return &cli.Command{
		Name:      "activity",
		Aliases:   []string{"act"},
		Usage:     "Show the activity history of an NFT",
		ArgsUsage: "MINT_ADDRESS",
		Description: `Fetch the full activity history of a mint, newest first.

By default the query goes through the mintscope server. With --direct the
pipeline runs in-process against SOLANA_RPC_URL; no database is used.

Events can be filtered with one or more jq expressions; an event is shown
only when every filter yields a truthy value.

Examples:
  mintscope activity 7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU
  mintscope activity MINT --jq '.type == "sale"'
  mintscope activity MINT --direct --rpc-url https://api.mainnet-beta.solana.com`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "direct",
				Usage: "Query the chain in-process instead of through the server",
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC URL (used with --direct)",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter applied to each event (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall query timeout",
				Value: 2 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("mint address is required")
			}
			mint := c.Args().Get(0)

			filters, err := compileJQFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			var result *activity.Result
			if c.Bool("direct") {
				result, err = queryDirect(ctx, c, mint)
			} else {
				result, err = newAPIClient(c).GetActivity(ctx, mint)
			}
			if err != nil {
				return fmt.Errorf("failed to get activity: %w", err)
			}

			events, err := filterEvents(result.Events, filters)
			if err != nil {
				return err
			}
			result.Events = events

			if c.Bool("json") {
				return outputJSON(result)
			}

			if result.Failed {
				fmt.Fprintf(os.Stderr, "⚠️  Query failed; no history available for %s\n", mint)
				return nil
			}

			printEvents(events)
			fmt.Fprintf(os.Stderr, "\nTotal: %d events (reference price: %s USD)\n",
				len(events), result.ReferencePrice.StringFixed(2))
			if result.Incomplete {
				fmt.Fprintf(os.Stderr, "⚠️  History incomplete, skipped token accounts: %v, skipped transactions: %v\n", result.SkippedAccounts, result.SkippedSignatures)
			}
			return nil
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:      "events",
		Usage:     "List stored events for a watched NFT",
		ArgsUsage: "MINT_ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   100,
				Usage:   "Maximum number of events to retrieve (1-1000)",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter applied to each event (repeatable)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("mint address is required")
			}
			limit := c.Int("limit")
			if limit < 1 || limit > 1000 {
				return fmt.Errorf("limit must be between 1 and 1000")
			}

			filters, err := compileJQFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			events, err := newAPIClient(c).GetStoredEvents(context.Background(), c.Args().Get(0), limit)
			if err != nil {
				return fmt.Errorf("failed to list events: %w", err)
			}
			events, err = filterEvents(events, filters)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(events)
			}
			printEvents(events)
			fmt.Fprintf(os.Stderr, "\nTotal: %d events\n", len(events))
			return nil
		},
	}
}

func metadataCommand() *cli.Command {
	return &cli.Command{
		Name:      "metadata",
		Aliases:   []string{"md"},
		Usage:     "Show the Metaplex metadata of an NFT",
		ArgsUsage: "MINT_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("mint address is required")
			}

			md, err := newAPIClient(c).GetMetadata(context.Background(), c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("failed to get metadata: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(md)
			}

			fmt.Printf("Mint:         %s\n", md.Mint)
			fmt.Printf("Name:         %s\n", md.Name)
			fmt.Printf("Symbol:       %s\n", md.Symbol)
			fmt.Printf("URI:          %s\n", md.URI)
			if md.Image != "" {
				fmt.Printf("Image:        %s\n", md.Image)
			}
			if md.Description != "" {
				fmt.Printf("Description:  %s\n", md.Description)
			}
			for _, attr := range md.Attributes {
				fmt.Printf("  %s: %v\n", attr.TraitType, attr.Value)
			}
			return nil
		},
	}
}

// queryDirect runs the activity pipeline in-process. Persistence is
// disabled so a one-off query never touches a database.
func queryDirect(ctx context.Context, c *cli.Context, mint string) (*activity.Result, error) {
	if rpcURL := c.String("rpc-url"); rpcURL != "" {
		os.Setenv("SOLANA_RPC_URL", rpcURL)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.DatabaseURL = ""

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	components, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		return nil, err
	}
	defer components.Close()

	result := components.Query.QueryToken(ctx, mint)
	return &result, nil
}

func newAPIClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: 2 * time.Minute}, nil)
}

// compileJQFilters parses and compiles each filter expression.
func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("invalid jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// filterEvents keeps the events for which every filter is truthy. Events
// are matched against their JSON form so filters see the API field names.
func filterEvents(events []activity.Event, filters []*gojq.Code) ([]activity.Event, error) {
	if len(filters) == 0 {
		return events, nil
	}

	out := make([]activity.Event, 0, len(events))
	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", ev.Signature, err)
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", ev.Signature, err)
		}

		matched := true
		for _, code := range filters {
			iter := code.Run(doc)
			v, ok := iter.Next()
			if !ok {
				matched = false
				break
			}
			if err, isErr := v.(error); isErr {
				return nil, fmt.Errorf("jq filter error on event %s: %w", ev.Signature, err)
			}
			if !isTruthy(v) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, ev)
		}
	}
	return out, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func printEvents(events []activity.Event) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tFROM\tTO\tAMOUNT (SOL)\tSIGNATURE")
	for _, ev := range events {
		amount := "-"
		if ev.PurchaseAmount != nil {
			amount = ev.PurchaseAmount.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.BlockTime.Format(time.RFC3339),
			ev.Type,
			formatOptionalAddress(ev.PreviousOwner),
			formatOptionalAddress(ev.Owner),
			amount,
			ev.Signature,
		)
	}
	w.Flush()
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Helper function to format optional address
func formatOptionalAddress(addr *string) string {
	if addr != nil && *addr != "" {
		return *addr
	}
	return "-"
}
