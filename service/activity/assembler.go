package activity

import (
	"context"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// PriceQuoter supplies the SOL reference price.
type PriceQuoter interface {
	CurrentPrice(ctx context.Context) (decimal.Decimal, error)
}

// Assembler packages classified events into a Result.
type Assembler struct {
	quoter PriceQuoter
}

func NewAssembler(quoter PriceQuoter) *Assembler {
	return &Assembler{quoter: quoter}
}

// Assemble drops nil outcomes, orders events newest first and attaches the
// reference price. A price error is returned as-is; the caller turns it into a
// failed Result.
func (a *Assembler) Assemble(ctx context.Context, mint string, outcomes []*Event) (Result, error) {
	price, err := a.quoter.CurrentPrice(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("get reference price: %w", err)
	}
	return Result{
		Mint:           mint,
		Events:         sortEvents(outcomes),
		ReferencePrice: price,
	}, nil
}

func sortEvents(outcomes []*Event) []Event {
	events := make([]Event, 0, len(outcomes))
	for _, ev := range outcomes {
		if ev != nil {
			events = append(events, *ev)
		}
	}
	slices.SortStableFunc(events, func(a, b Event) int {
		return b.BlockTime.Compare(a.BlockTime)
	})
	return events
}
