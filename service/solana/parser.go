package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Well-known Solana program IDs
var (
	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	// MagicEdenV1ProgramID is the Magic Eden v1 marketplace program
	MagicEdenV1ProgramID = solana.MustPublicKeyFromBase58("MEisE1HzehtrDpAAT8PnLHjpSSkRYakotTuJRPjTpo8")
)

// signatureToDomain converts an RPC TransactionSignature to a SignatureInfo.
func signatureToDomain(sig *rpc.TransactionSignature) SignatureInfo {
	info := SignatureInfo{
		Signature: sig.Signature.String(),
		Slot:      sig.Slot,
	}
	if sig.BlockTime != nil {
		t := sig.BlockTime.Time()
		info.BlockTime = &t
	}
	if sig.Err != nil {
		errMsg := fmt.Sprintf("transaction failed: %v", sig.Err)
		info.Err = &errMsg
	}
	return info
}

// transactionFromResult converts a GetTransactionResult into a Transaction.
// Indexes that point outside the account key list resolve to "".
func transactionFromResult(sig solana.Signature, result *rpc.GetTransactionResult) (*Transaction, error) {
	if result == nil || result.Transaction == nil {
		return nil, fmt.Errorf("empty transaction result for %s", sig)
	}

	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}

	txn := &Transaction{
		Signature: sig.String(),
		Slot:      result.Slot,
	}
	if result.BlockTime != nil {
		t := result.BlockTime.Time()
		txn.BlockTime = &t
	}

	keys := make([]string, 0, len(tx.Message.AccountKeys))
	for _, k := range tx.Message.AccountKeys {
		keys = append(keys, k.String())
	}

	meta := result.Meta
	if meta != nil {
		for _, k := range meta.LoadedAddresses.Writable {
			keys = append(keys, k.String())
		}
		for _, k := range meta.LoadedAddresses.ReadOnly {
			keys = append(keys, k.String())
		}
	}
	txn.AccountKeys = keys

	for _, ix := range tx.Message.Instructions {
		accounts := make([]string, 0, len(ix.Accounts))
		for _, a := range ix.Accounts {
			accounts = append(accounts, txn.AccountKey(int(a)))
		}
		txn.Instructions = append(txn.Instructions, Instruction{
			ProgramID: txn.AccountKey(int(ix.ProgramIDIndex)),
			Accounts:  accounts,
			Data:      []byte(ix.Data),
		})
	}

	if meta == nil {
		return txn, nil
	}

	txn.Fee = meta.Fee
	txn.PreBalances = meta.PreBalances
	txn.PostBalances = meta.PostBalances
	if meta.Err != nil {
		errMsg := fmt.Sprintf("transaction failed: %v", meta.Err)
		txn.Err = &errMsg
	}

	for _, group := range meta.InnerInstructions {
		g := InnerInstructionGroup{Index: group.Index}
		for _, ix := range group.Instructions {
			accounts := make([]string, 0, len(ix.Accounts))
			for _, a := range ix.Accounts {
				accounts = append(accounts, txn.AccountKey(int(a)))
			}
			g.Instructions = append(g.Instructions, Instruction{
				ProgramID: txn.AccountKey(int(ix.ProgramIDIndex)),
				Accounts:  accounts,
				Data:      []byte(ix.Data),
			})
		}
		txn.InnerInstructions = append(txn.InnerInstructions, g)
	}

	txn.PreTokenBalances = tokenBalancesToDomain(meta.PreTokenBalances)
	txn.PostTokenBalances = tokenBalancesToDomain(meta.PostTokenBalances)

	return txn, nil
}

func tokenBalancesToDomain(in []rpc.TokenBalance) []TokenBalance {
	if len(in) == 0 {
		return nil
	}
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		tb := TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint.String(),
		}
		if b.Owner != nil {
			owner := b.Owner.String()
			tb.Owner = &owner
		}
		if b.UiTokenAmount != nil {
			tb.Amount = b.UiTokenAmount.Amount
		}
		out = append(out, tb)
	}
	return out
}
