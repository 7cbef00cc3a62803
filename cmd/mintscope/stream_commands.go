package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/mintscope/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream newly discovered activity from NATS",
		ArgsUsage: "[MINT_ADDRESS]",
		Description: `Subscribe to the NFT_ACTIVITY JetStream stream and print events as the
refresh worker publishes them. Without a mint, events for every watched
token are shown.

Examples:
  mintscope stream MINT
  mintscope stream --durable --consumer my-consumer`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "durable",
				Usage: "Use a durable consumer that survives restarts",
			},
			&cli.StringFlag{
				Name:  "consumer",
				Usage: "Durable consumer name",
				Value: "mintscope-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if c.NArg() > 0 {
				subject = natspkg.Subject(c.Args().Get(0))
			}
			return streamActivity(subject, c.String("nats-url"), c.Bool("durable"), c.String("consumer"), c.Bool("json"))
		},
	}
}

// streamActivity consumes activity events on subject until interrupted.
func streamActivity(subject, natsURL string, durable bool, consumerName string, jsonOutput bool) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", subject)
		fmt.Printf("   NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("   Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for activity... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.ActivityEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				msg.Ack()
				continue
			}
			count++

			if jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
			} else {
				printActivityEvent(count, &event)
			}
			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\n\n✅ Received %d events\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

func printActivityEvent(n int, event *natspkg.ActivityEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Event #%d: %s\n", n, event.EventType)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Mint:         %s\n", event.Mint)
	fmt.Printf("Signature:    %s\n", event.Signature)
	fmt.Printf("From:         %s\n", formatOptionalAddress(event.PreviousOwner))
	fmt.Printf("To:           %s\n", formatOptionalAddress(event.Owner))
	if event.PurchaseAmount != nil {
		fmt.Printf("Amount:       %s SOL (SOL/USD %s)\n", *event.PurchaseAmount, event.ReferencePrice)
	}
	fmt.Printf("Block Time:   %s\n", event.BlockTime.Format(time.RFC3339))
	fmt.Printf("Published:    %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}
