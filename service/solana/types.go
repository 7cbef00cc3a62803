package solana

import (
	"time"
)

// SignatureInfo is one entry of an address's signature history.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	BlockTime *time.Time
	Err       *string // nil if the transaction succeeded
}

// Transaction is a fully fetched transaction record, independent of the RPC
// wire format. Account keys are base58 strings and include addresses loaded
// from lookup tables (writable first, then read-only) after the static keys,
// so every index in the record resolves against AccountKeys.
type Transaction struct {
	Signature string
	Slot      uint64
	BlockTime *time.Time // nil when the node did not report one

	AccountKeys       []string
	Instructions      []Instruction
	InnerInstructions []InnerInstructionGroup

	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	PreBalances       []uint64 // lamports, aligned with AccountKeys
	PostBalances      []uint64
	Fee               uint64

	Err *string
}

// Instruction is a compiled instruction with its program and accounts
// resolved to addresses.
type Instruction struct {
	ProgramID string
	Accounts  []string
	Data      []byte
}

// InnerInstructionGroup holds the instructions invoked by the top-level
// instruction at Index.
type InnerInstructionGroup struct {
	Index        uint16
	Instructions []Instruction
}

// TokenBalance is a token account balance snapshot taken before or after a
// transaction.
type TokenBalance struct {
	AccountIndex uint16
	Owner        *string
	Mint         string
	Amount       string // raw base-unit amount, e.g. "1"
}

// AccountKey returns the key at index i, or "" when i is out of range.
func (t *Transaction) AccountKey(i int) string {
	if i < 0 || i >= len(t.AccountKeys) {
		return ""
	}
	return t.AccountKeys[i]
}
