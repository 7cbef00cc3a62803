package activity

import (
	"time"

	"github.com/shopspring/decimal"
)

// solDecimals is the number of decimal places between lamports and SOL.
const solDecimals = 9

// EventType is the semantic kind of a classified transaction.
type EventType string

const (
	EventMint          EventType = "mint"
	EventTransfer      EventType = "transfer"
	EventSale          EventType = "sale"
	EventListing       EventType = "listing"
	EventCancelListing EventType = "cancel_listing"
	// EventOther is reserved for explicit fallbacks and is never produced by
	// the default rule cascade.
	EventOther EventType = "other"
)

// Event is one entry of a token's activity timeline.
type Event struct {
	Type           EventType        `json:"type"`
	Owner          *string          `json:"owner"`
	PreviousOwner  *string          `json:"previous_owner"`
	PurchaseAmount *decimal.Decimal `json:"purchase_amount,omitempty"` // SOL, sales only
	Signature      string           `json:"signature"`
	BlockTime      time.Time        `json:"block_time"`
}

// OwnershipDiff is the holder change of one token within a transaction,
// read from its pre and post token balances.
type OwnershipDiff struct {
	PreviousOwner *string
	NewOwner      *string
}

// Result is the outcome of a token query. A failed result always carries an
// empty event list and a reference price of -1.
type Result struct {
	Mint           string          `json:"mint"`
	Events         []Event         `json:"events"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Failed         bool            `json:"failed"`

	// Incomplete is set when some token account histories or transactions
	// could not be fetched, so Events may be missing entries.
	Incomplete        bool     `json:"incomplete,omitempty"`
	SkippedAccounts   []string `json:"skipped_accounts,omitempty"`
	SkippedSignatures []string `json:"skipped_signatures,omitempty"`
}

func failedResult(mint string) Result {
	return Result{
		Mint:           mint,
		Events:         []Event{},
		ReferencePrice: decimal.NewFromInt(-1),
		Failed:         true,
	}
}

func strPtr(s string) *string {
	return &s
}
