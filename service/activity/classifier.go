package activity

import (
	"fmt"
	"math"

	"github.com/brojonat/mintscope/service/solana"
	"github.com/shopspring/decimal"
)

// FailureReason identifies why a transaction produced no event.
type FailureReason string

const (
	ReasonMissingBlockTime        FailureReason = "missing_block_time"
	ReasonNoInnerInstructions     FailureReason = "no_inner_instructions"
	ReasonMissingOwner            FailureReason = "missing_owner"
	ReasonMissingLister           FailureReason = "missing_lister"
	ReasonMissingSaleParties      FailureReason = "missing_sale_parties"
	ReasonInvalidPurchaseAmount   FailureReason = "invalid_purchase_amount"
	ReasonUnrecognizedMarketShape FailureReason = "unrecognized_marketplace_shape"
	ReasonNoOwnershipChange       FailureReason = "no_ownership_change"
)

// ClassificationFailure reports a transaction that could not be turned into an
// event. It is a per-transaction outcome, not a query error.
type ClassificationFailure struct {
	Signature string
	Reason    FailureReason
	Detail    string
}

func (f *ClassificationFailure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("classify %s: %s: %s", f.Signature, f.Reason, f.Detail)
	}
	return fmt.Sprintf("classify %s: %s", f.Signature, f.Reason)
}

// Marketplace inner-instruction counts of the first inner group.
const (
	marketplaceCancelInstructions  = 1
	marketplaceListingInstructions = 2
	marketplaceSaleInstructions    = 6

	// saleSellerKeyIndex is where the seller sits in a marketplace sale's
	// account keys. Only trusted when there are more than three keys.
	saleSellerKeyIndex = 2
)

// Classifier turns fetched transactions into activity events.
type Classifier struct {
	marketplaceProgram string
}

// NewClassifier creates a Classifier that attributes instructions addressed
// to marketplaceProgram to the marketplace. Empty selects Magic Eden v1.
func NewClassifier(marketplaceProgram string) *Classifier {
	if marketplaceProgram == "" {
		marketplaceProgram = solana.MagicEdenV1ProgramID.String()
	}
	return &Classifier{marketplaceProgram: marketplaceProgram}
}

// Classify runs the rule cascade (mint, marketplace, transfer) against tx for
// the given mint. It returns exactly one of an event or a
// *ClassificationFailure.
func (c *Classifier) Classify(tx *solana.Transaction, mint string) (*Event, error) {
	if tx.BlockTime == nil {
		return nil, c.fail(tx, ReasonMissingBlockTime, "")
	}

	decoded := make([]DecodedInstruction, 0, len(tx.Instructions))
	for _, ix := range tx.Instructions {
		decoded = append(decoded, decodeInstruction(ix, c.marketplaceProgram))
	}

	if ev := c.classifyMint(tx, decoded, mint); ev != nil {
		return ev, nil
	}
	if hasMarketplaceAction(decoded) {
		return c.classifyMarketplace(tx, mint)
	}
	return c.classifyTransfer(tx, mint)
}

func (c *Classifier) classifyMint(tx *solana.Transaction, decoded []DecodedInstruction, mint string) *Event {
	for _, d := range decoded {
		m, ok := d.(TokenMintTo)
		if !ok || m.Mint != mint {
			continue
		}
		return &Event{
			Type:      EventMint,
			Owner:     strPtr(m.Authority),
			Signature: tx.Signature,
			BlockTime: *tx.BlockTime,
		}
	}
	return nil
}

func hasMarketplaceAction(decoded []DecodedInstruction) bool {
	for _, d := range decoded {
		if _, ok := d.(MarketplaceAction); ok {
			return true
		}
	}
	return false
}

func (c *Classifier) classifyMarketplace(tx *solana.Transaction, mint string) (*Event, error) {
	if len(tx.InnerInstructions) == 0 {
		return nil, c.fail(tx, ReasonNoInnerInstructions, "")
	}

	diff := ownershipDiff(tx, mint)
	ev := &Event{Signature: tx.Signature, BlockTime: *tx.BlockTime}

	switch n := len(tx.InnerInstructions[0].Instructions); n {
	case marketplaceCancelInstructions:
		if diff.NewOwner == nil {
			return nil, c.fail(tx, ReasonMissingOwner, "")
		}
		ev.Type = EventCancelListing
		ev.Owner = diff.NewOwner
		return ev, nil

	case marketplaceListingInstructions:
		// The lister still holds the token before it moves into escrow.
		if diff.PreviousOwner == nil {
			return nil, c.fail(tx, ReasonMissingLister, "")
		}
		ev.Type = EventListing
		ev.Owner = diff.PreviousOwner
		return ev, nil

	case marketplaceSaleInstructions:
		var seller *string
		if len(tx.AccountKeys) > saleSellerKeyIndex+1 {
			seller = strPtr(tx.AccountKeys[saleSellerKeyIndex])
		}
		if diff.NewOwner == nil || seller == nil {
			return nil, c.fail(tx, ReasonMissingSaleParties, "")
		}
		amount, err := purchaseAmount(tx)
		if err != nil {
			return nil, c.fail(tx, ReasonInvalidPurchaseAmount, err.Error())
		}
		ev.Type = EventSale
		ev.Owner = diff.NewOwner
		ev.PreviousOwner = seller
		ev.PurchaseAmount = &amount
		return ev, nil

	default:
		return nil, c.fail(tx, ReasonUnrecognizedMarketShape, fmt.Sprintf("%d inner instructions", n))
	}
}

func (c *Classifier) classifyTransfer(tx *solana.Transaction, mint string) (*Event, error) {
	diff := ownershipDiff(tx, mint)
	if diff.NewOwner == nil || diff.PreviousOwner == nil {
		return nil, c.fail(tx, ReasonNoOwnershipChange, "")
	}
	return &Event{
		Type:          EventTransfer,
		Owner:         diff.NewOwner,
		PreviousOwner: diff.PreviousOwner,
		Signature:     tx.Signature,
		BlockTime:     *tx.BlockTime,
	}, nil
}

func (c *Classifier) fail(tx *solana.Transaction, reason FailureReason, detail string) *ClassificationFailure {
	return &ClassificationFailure{Signature: tx.Signature, Reason: reason, Detail: detail}
}

// ownershipDiff finds the holder of one unit of mint after (NewOwner) and
// before (PreviousOwner) the transaction. When several balances hold a unit
// the last one wins. Balances without an owner are ignored.
func ownershipDiff(tx *solana.Transaction, mint string) OwnershipDiff {
	return OwnershipDiff{
		PreviousOwner: holderOf(tx.PreTokenBalances, mint),
		NewOwner:      holderOf(tx.PostTokenBalances, mint),
	}
}

func holderOf(balances []solana.TokenBalance, mint string) *string {
	for i := len(balances) - 1; i >= 0; i-- {
		b := balances[i]
		if b.Mint == mint && b.Amount == "1" && b.Owner != nil {
			return strPtr(*b.Owner)
		}
	}
	return nil
}

// purchaseAmount is the buyer's lamport outflow net of the fee, in SOL:
// (pre[0] - post[0] - fee) / 1e9. It must be strictly positive.
func purchaseAmount(tx *solana.Transaction) (decimal.Decimal, error) {
	if len(tx.PreBalances) == 0 || len(tx.PostBalances) == 0 {
		return decimal.Decimal{}, fmt.Errorf("missing lamport balances")
	}
	pre, post, fee := tx.PreBalances[0], tx.PostBalances[0], tx.Fee
	if pre > math.MaxInt64 || post > math.MaxInt64 || fee > math.MaxInt64 {
		return decimal.Decimal{}, fmt.Errorf("lamport balance out of range")
	}
	lamports := int64(pre) - int64(post) - int64(fee)
	if lamports <= 0 {
		return decimal.Decimal{}, fmt.Errorf("non-positive purchase amount %d lamports", lamports)
	}
	return decimal.NewFromInt(lamports).Shift(-solDecimals), nil
}
