package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/mintscope/client"
	"github.com/urfave/cli/v2"
)

func watchCommands() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Manage watched NFTs refreshed on a schedule",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Watch an NFT and refresh its history periodically",
				ArgsUsage: "MINT_ADDRESS",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "interval",
						Aliases: []string{"i"},
						Usage:   "Refresh interval (server default when omitted)",
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("mint address is required")
					}

					watch, err := newAPIClient(c).Watch(context.Background(), c.Args().Get(0), c.Duration("interval"))
					if err != nil {
						return fmt.Errorf("failed to add watch: %w", err)
					}

					if c.Bool("json") {
						return outputJSON(watch)
					}
					fmt.Printf("✓ Watching %s (refresh every %v)\n", watch.Mint, watch.RefreshInterval)
					return nil
				},
			},
			{
				Name:      "rm",
				Aliases:   []string{"remove"},
				Usage:     "Stop watching an NFT",
				ArgsUsage: "MINT_ADDRESS",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("mint address is required")
					}
					mint := c.Args().Get(0)

					if err := newAPIClient(c).Unwatch(context.Background(), mint); err != nil {
						return fmt.Errorf("failed to remove watch: %w", err)
					}
					fmt.Printf("✓ Stopped watching %s\n", mint)
					return nil
				},
			},
			{
				Name:      "get",
				Usage:     "Show a single watch",
				ArgsUsage: "MINT_ADDRESS",
				Action: func(c *cli.Context) error {
					if c.NArg() < 1 {
						return fmt.Errorf("mint address is required")
					}

					watch, err := newAPIClient(c).GetWatch(context.Background(), c.Args().Get(0))
					if err != nil {
						return fmt.Errorf("failed to get watch: %w", err)
					}

					if c.Bool("json") {
						return outputJSON(watch)
					}
					fmt.Printf("Mint:            %s\n", watch.Mint)
					fmt.Printf("Refresh:         %v\n", watch.RefreshInterval)
					fmt.Printf("Created:         %s\n", watch.CreatedAt.Format(time.RFC3339))
					fmt.Printf("Last Refreshed:  %s\n", formatOptionalTime(watch.LastRefreshedAt))
					fmt.Printf("Event Count:     %d\n", watch.LastEventCount)
					return nil
				},
			},
			{
				Name:    "ls",
				Aliases: []string{"list"},
				Usage:   "List all watches",
				Action: func(c *cli.Context) error {
					watches, err := newAPIClient(c).ListWatches(context.Background())
					if err != nil {
						return fmt.Errorf("failed to list watches: %w", err)
					}

					if c.Bool("json") {
						return outputJSON(watches)
					}
					printWatches(watches)
					fmt.Fprintf(os.Stderr, "\nTotal: %d watches\n", len(watches))
					return nil
				},
			},
		},
	}
}

func failuresCommands() *cli.Command {
	return &cli.Command{
		Name:  "failures",
		Usage: "Inspect transactions that could not be classified",
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List recorded classification failures",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "mint",
						Usage: "Filter by mint address",
					},
					&cli.StringFlag{
						Name:  "reason",
						Usage: "Filter by failure reason",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   100,
						Usage:   "Maximum number of failures to retrieve (1-1000)",
					},
				},
				Action: func(c *cli.Context) error {
					limit := c.Int("limit")
					if limit < 1 || limit > 1000 {
						return fmt.Errorf("limit must be between 1 and 1000")
					}

					failures, err := newAPIClient(c).ListFailures(context.Background(), client.FailureFilter{
						Mint:   c.String("mint"),
						Reason: c.String("reason"),
						Limit:  limit,
					})
					if err != nil {
						return fmt.Errorf("failed to list failures: %w", err)
					}

					if c.Bool("json") {
						return outputJSON(failures)
					}

					w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "MINT\tSIGNATURE\tREASON\tDETAIL\tRECORDED")
					for _, f := range failures {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
							f.Mint,
							f.Signature,
							f.Reason,
							f.Detail,
							f.CreatedAt.Format(time.RFC3339),
						)
					}
					w.Flush()
					fmt.Fprintf(os.Stderr, "\nTotal: %d failures\n", len(failures))
					return nil
				},
			},
		},
	}
}

func printWatches(watches []*client.Watch) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MINT\tREFRESH\tLAST REFRESH\tEVENTS\tCREATED")
	for _, watch := range watches {
		fmt.Fprintf(w, "%s\t%v\t%s\t%d\t%s\n",
			watch.Mint,
			watch.RefreshInterval,
			formatOptionalTime(watch.LastRefreshedAt),
			watch.LastEventCount,
			watch.CreatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
