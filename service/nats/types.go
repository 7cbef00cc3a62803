package nats

import (
	"time"

	"github.com/brojonat/mintscope/service/activity"
)

// ActivityEvent is a classified token event published to NATS.
// It is published to the subject "activity.{mint}" in JetStream.
type ActivityEvent struct {
	Mint      string `json:"mint"`
	Signature string `json:"signature"`

	EventType     string  `json:"event_type"`
	Owner         *string `json:"owner,omitempty"`
	PreviousOwner *string `json:"previous_owner,omitempty"`

	// PurchaseAmount is the sale price in SOL as a decimal string.
	PurchaseAmount *string `json:"purchase_amount,omitempty"`
	// ReferencePrice is the SOL price used for the query that found the event.
	ReferencePrice string `json:"reference_price"`

	BlockTime   time.Time `json:"block_time"`
	PublishedAt time.Time `json:"published_at"`
}

// FromEvent converts a classified event to an ActivityEvent for publishing.
func FromEvent(mint string, ev activity.Event, referencePrice string) *ActivityEvent {
	out := &ActivityEvent{
		Mint:           mint,
		Signature:      ev.Signature,
		EventType:      string(ev.Type),
		Owner:          ev.Owner,
		PreviousOwner:  ev.PreviousOwner,
		ReferencePrice: referencePrice,
		BlockTime:      ev.BlockTime,
		PublishedAt:    time.Now().UTC(),
	}
	if ev.PurchaseAmount != nil {
		amount := ev.PurchaseAmount.String()
		out.PurchaseAmount = &amount
	}
	return out
}

// Subject returns the subject an event for mint is published on.
func Subject(mint string) string {
	return SubjectPrefix + mint
}
