package activity

import (
	"encoding/binary"

	"github.com/brojonat/mintscope/service/solana"
)

// SPL Token instruction discriminators.
const (
	tokenInstructionMintTo        = uint8(7)
	tokenInstructionMintToChecked = uint8(14)
)

// DecodedInstruction is the closed set of instruction shapes the classifier
// understands. Exactly one of the concrete types below implements it.
type DecodedInstruction interface {
	isDecoded()
}

// TokenMintTo is an SPL Token MintTo or MintToChecked instruction.
type TokenMintTo struct {
	Mint        string
	Destination string
	Authority   string
	Amount      uint64
}

// MarketplaceAction is any instruction addressed to the marketplace program.
type MarketplaceAction struct {
	ProgramID string
}

// Unknown is any other instruction.
type Unknown struct {
	ProgramID string
}

func (TokenMintTo) isDecoded()       {}
func (MarketplaceAction) isDecoded() {}
func (Unknown) isDecoded()           {}

var tokenPrograms = map[string]bool{
	solana.TokenProgramID.String():     true,
	solana.Token2022ProgramID.String(): true,
}

// decodeInstruction maps a top-level instruction onto its decoded shape.
func decodeInstruction(ix solana.Instruction, marketplaceProgram string) DecodedInstruction {
	switch {
	case ix.ProgramID == marketplaceProgram:
		return MarketplaceAction{ProgramID: ix.ProgramID}
	case tokenPrograms[ix.ProgramID]:
		if m, ok := decodeMintTo(ix); ok {
			return m
		}
	}
	return Unknown{ProgramID: ix.ProgramID}
}

// decodeMintTo decodes MintTo / MintToChecked.
// Data layout: [0] discriminator, [1..9] amount (u64 LE), [9] decimals (checked only).
// Accounts: [mint, destination, authority, ...signers].
func decodeMintTo(ix solana.Instruction) (TokenMintTo, bool) {
	if len(ix.Data) < 9 || len(ix.Accounts) < 3 {
		return TokenMintTo{}, false
	}
	if ix.Data[0] != tokenInstructionMintTo && ix.Data[0] != tokenInstructionMintToChecked {
		return TokenMintTo{}, false
	}
	return TokenMintTo{
		Mint:        ix.Accounts[0],
		Destination: ix.Accounts[1],
		Authority:   ix.Accounts[2],
		Amount:      binary.LittleEndian.Uint64(ix.Data[1:9]),
	}, true
}
