package activity

import (
	"testing"
	"time"

	"github.com/brojonat/mintscope/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMint        = "MINT"
	testMarketplace = "MARKET"
)

func at(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func holding(owner string, amount string) solana.TokenBalance {
	return solana.TokenBalance{AccountIndex: 1, Owner: strPtr(owner), Mint: testMint, Amount: amount}
}

func mintToData(kind byte) []byte {
	return []byte{kind, 1, 0, 0, 0, 0, 0, 0, 0}
}

func marketplaceTx(sig string, innerCount int) *solana.Transaction {
	inner := make([]solana.Instruction, innerCount)
	for i := range inner {
		inner[i] = solana.Instruction{ProgramID: "SYSTEM"}
	}
	return &solana.Transaction{
		Signature:         sig,
		BlockTime:         at(200),
		AccountKeys:       []string{"B", "ESCROW", "A", testMarketplace, "SYSTEM"},
		Instructions:      []solana.Instruction{{ProgramID: testMarketplace}},
		InnerInstructions: []solana.InnerInstructionGroup{{Index: 0, Instructions: inner}},
	}
}

func requireFailure(t *testing.T, err error, reason FailureReason) {
	t.Helper()
	var failure *ClassificationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, reason, failure.Reason)
}

func TestClassify_Mint(t *testing.T) {
	for _, kind := range []byte{tokenInstructionMintTo, tokenInstructionMintToChecked} {
		tx := &solana.Transaction{
			Signature: "sig-mint",
			BlockTime: at(100),
			Instructions: []solana.Instruction{
				{ProgramID: "COMPUTE"},
				{
					ProgramID: solana.TokenProgramID.String(),
					Accounts:  []string{testMint, "TOKEN_ACCOUNT", "A"},
					Data:      mintToData(kind),
				},
			},
		}

		// Act
		ev, err := NewClassifier(testMarketplace).Classify(tx, testMint)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, EventMint, ev.Type)
		require.NotNil(t, ev.Owner)
		assert.Equal(t, "A", *ev.Owner)
		assert.Nil(t, ev.PreviousOwner)
		assert.Nil(t, ev.PurchaseAmount)
		assert.Equal(t, "sig-mint", ev.Signature)
		assert.Equal(t, *at(100), ev.BlockTime)
	}
}

func TestClassify_MintOfOtherTokenIsNotMint(t *testing.T) {
	tx := &solana.Transaction{
		Signature: "sig",
		BlockTime: at(100),
		Instructions: []solana.Instruction{{
			ProgramID: solana.Token2022ProgramID.String(),
			Accounts:  []string{"OTHER_MINT", "TOKEN_ACCOUNT", "A"},
			Data:      mintToData(tokenInstructionMintTo),
		}},
	}

	_, err := NewClassifier(testMarketplace).Classify(tx, testMint)

	requireFailure(t, err, ReasonNoOwnershipChange)
}

func TestClassify_MissingBlockTime(t *testing.T) {
	tx := &solana.Transaction{
		Signature:         "sig",
		PreTokenBalances:  []solana.TokenBalance{holding("A", "1")},
		PostTokenBalances: []solana.TokenBalance{holding("B", "1")},
	}

	_, err := NewClassifier(testMarketplace).Classify(tx, testMint)

	requireFailure(t, err, ReasonMissingBlockTime)
}

func TestClassify_MarketplaceByInnerInstructionCount(t *testing.T) {
	tests := []struct {
		name          string
		innerCount    int
		pre, post     []solana.TokenBalance
		wantType      EventType
		wantOwner     string
		wantPrevOwner string
		wantReason    FailureReason
	}{
		{
			name:       "cancel listing",
			innerCount: 1,
			pre:        []solana.TokenBalance{holding("ESCROW_AUTH", "1")},
			post:       []solana.TokenBalance{holding("A", "1")},
			wantType:   EventCancelListing,
			wantOwner:  "A",
		},
		{
			name:       "cancel listing without owner",
			innerCount: 1,
			pre:        []solana.TokenBalance{holding("ESCROW_AUTH", "1")},
			wantReason: ReasonMissingOwner,
		},
		{
			name:       "listing",
			innerCount: 2,
			pre:        []solana.TokenBalance{holding("A", "1")},
			post:       []solana.TokenBalance{holding("ESCROW_AUTH", "1")},
			wantType:   EventListing,
			wantOwner:  "A",
		},
		{
			name:       "listing without lister",
			innerCount: 2,
			post:       []solana.TokenBalance{holding("ESCROW_AUTH", "1")},
			wantReason: ReasonMissingLister,
		},
		{
			// The token sits in escrow before the sale; the seller is the
			// third account key, not the pre-sale holder.
			name:          "sale",
			innerCount:    6,
			pre:           []solana.TokenBalance{holding("ESCROW_AUTH", "1")},
			post:          []solana.TokenBalance{holding("B", "1")},
			wantType:      EventSale,
			wantOwner:     "B",
			wantPrevOwner: "A",
		},
		{
			name:       "sale without buyer",
			innerCount: 6,
			pre:        []solana.TokenBalance{holding("A", "1")},
			wantReason: ReasonMissingSaleParties,
		},
		{
			name:       "unrecognized shape",
			innerCount: 3,
			pre:        []solana.TokenBalance{holding("A", "1")},
			post:       []solana.TokenBalance{holding("B", "1")},
			wantReason: ReasonUnrecognizedMarketShape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := marketplaceTx("sig-"+tt.name, tt.innerCount)
			tx.PreTokenBalances = tt.pre
			tx.PostTokenBalances = tt.post
			tx.PreBalances = []uint64{10_000}
			tx.PostBalances = []uint64{4_905}
			tx.Fee = 5_000

			// Act
			ev, err := NewClassifier(testMarketplace).Classify(tx, testMint)

			// Assert
			if tt.wantReason != "" {
				assert.Nil(t, ev)
				requireFailure(t, err, tt.wantReason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.Type)
			require.NotNil(t, ev.Owner)
			assert.Equal(t, tt.wantOwner, *ev.Owner)
			if tt.wantPrevOwner == "" {
				assert.Nil(t, ev.PreviousOwner)
			} else {
				require.NotNil(t, ev.PreviousOwner)
				assert.Equal(t, tt.wantPrevOwner, *ev.PreviousOwner)
			}
		})
	}
}

func TestClassify_MarketplaceWithoutInnerInstructions(t *testing.T) {
	tx := marketplaceTx("sig", 0)
	tx.InnerInstructions = nil
	tx.PreTokenBalances = []solana.TokenBalance{holding("A", "1")}
	tx.PostTokenBalances = []solana.TokenBalance{holding("B", "1")}

	_, err := NewClassifier(testMarketplace).Classify(tx, testMint)

	// Marketplace failures never fall through to the transfer rule.
	requireFailure(t, err, ReasonNoInnerInstructions)
}

func TestClassify_SalePurchaseAmount(t *testing.T) {
	tests := []struct {
		name       string
		pre, post  uint64
		fee        uint64
		want       string
		wantReason FailureReason
	}{
		{name: "net of fee", pre: 2_000_005_000, post: 500_000_000, fee: 5_000, want: "1.5"},
		{name: "tiny", pre: 10_000, post: 4_905, fee: 5_000, want: "0.000000095"},
		{name: "zero", pre: 10_000, post: 5_000, fee: 5_000, wantReason: ReasonInvalidPurchaseAmount},
		{name: "negative", pre: 10_000, post: 9_000, fee: 5_000, wantReason: ReasonInvalidPurchaseAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := marketplaceTx("sig", 6)
			tx.PreTokenBalances = []solana.TokenBalance{holding("A", "1")}
			tx.PostTokenBalances = []solana.TokenBalance{holding("B", "1")}
			tx.PreBalances = []uint64{tt.pre}
			tx.PostBalances = []uint64{tt.post}
			tx.Fee = tt.fee

			ev, err := NewClassifier(testMarketplace).Classify(tx, testMint)

			if tt.wantReason != "" {
				requireFailure(t, err, tt.wantReason)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, ev.PurchaseAmount)
			assert.True(t, ev.PurchaseAmount.IsPositive())
			assert.Equal(t, tt.want, ev.PurchaseAmount.String())
		})
	}
}

func TestClassify_SaleNeedsMoreThanThreeAccountKeys(t *testing.T) {
	tx := marketplaceTx("sig", 6)
	tx.AccountKeys = []string{"B", "ESCROW", "A"}
	tx.PreTokenBalances = []solana.TokenBalance{holding("A", "1")}
	tx.PostTokenBalances = []solana.TokenBalance{holding("B", "1")}
	tx.PreBalances = []uint64{10_000}
	tx.PostBalances = []uint64{0}

	_, err := NewClassifier(testMarketplace).Classify(tx, testMint)

	requireFailure(t, err, ReasonMissingSaleParties)
}

func TestClassify_Transfer(t *testing.T) {
	tx := &solana.Transaction{
		Signature:         "sig-transfer",
		BlockTime:         at(300),
		Instructions:      []solana.Instruction{{ProgramID: solana.TokenProgramID.String(), Data: []byte{12}}},
		PreTokenBalances:  []solana.TokenBalance{holding("A", "0"), holding("B", "1")},
		PostTokenBalances: []solana.TokenBalance{holding("B", "0"), holding("C", "1")},
	}

	// Act
	ev, err := NewClassifier("").Classify(tx, testMint)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, EventTransfer, ev.Type)
	assert.Equal(t, "C", *ev.Owner)
	assert.Equal(t, "B", *ev.PreviousOwner)
	assert.Nil(t, ev.PurchaseAmount)
}

func TestClassify_NoOwnershipChange(t *testing.T) {
	tests := map[string]*solana.Transaction{
		"no balances": {Signature: "sig", BlockTime: at(1)},
		"only new owner": {
			Signature:         "sig",
			BlockTime:         at(1),
			PostTokenBalances: []solana.TokenBalance{holding("B", "1")},
		},
		"other mint": {
			Signature:         "sig",
			BlockTime:         at(1),
			PreTokenBalances:  []solana.TokenBalance{{Owner: strPtr("A"), Mint: "OTHER", Amount: "1"}},
			PostTokenBalances: []solana.TokenBalance{{Owner: strPtr("B"), Mint: "OTHER", Amount: "1"}},
		},
	}

	for name, tx := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewClassifier(testMarketplace).Classify(tx, testMint)
			requireFailure(t, err, ReasonNoOwnershipChange)
		})
	}
}

func TestDecodeInstruction(t *testing.T) {
	token := solana.TokenProgramID.String()

	assert.Equal(t, MarketplaceAction{ProgramID: testMarketplace},
		decodeInstruction(solana.Instruction{ProgramID: testMarketplace}, testMarketplace))

	assert.Equal(t, TokenMintTo{Mint: "M", Destination: "D", Authority: "A", Amount: 1},
		decodeInstruction(solana.Instruction{ProgramID: token, Accounts: []string{"M", "D", "A"}, Data: mintToData(7)}, testMarketplace))

	// Transfer (3) on the token program is not a mint.
	assert.Equal(t, Unknown{ProgramID: token},
		decodeInstruction(solana.Instruction{ProgramID: token, Accounts: []string{"M", "D", "A"}, Data: mintToData(3)}, testMarketplace))

	// Truncated data never decodes.
	assert.Equal(t, Unknown{ProgramID: token},
		decodeInstruction(solana.Instruction{ProgramID: token, Accounts: []string{"M", "D", "A"}, Data: []byte{7}}, testMarketplace))
}

func TestClassify_SaleSellerIsThirdAccountKey(t *testing.T) {
	tx := marketplaceTx("sig", 6)
	tx.AccountKeys = []string{"B", "ESCROW", "SELLER", testMarketplace, "SYSTEM"}
	tx.PreTokenBalances = []solana.TokenBalance{holding("ESCROW_AUTH", "1")}
	tx.PostTokenBalances = []solana.TokenBalance{holding("B", "1")}
	tx.PreBalances = []uint64{10_000}
	tx.PostBalances = []uint64{4_905}
	tx.Fee = 5_000

	// Act
	ev, err := NewClassifier(testMarketplace).Classify(tx, testMint)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, EventSale, ev.Type)
	require.NotNil(t, ev.PreviousOwner)
	assert.Equal(t, "SELLER", *ev.PreviousOwner)
	require.NotNil(t, ev.Owner)
	assert.Equal(t, "B", *ev.Owner)
}

func TestClassify_MintWinsOverMarketplaceShape(t *testing.T) {
	tx := marketplaceTx("sig-mint", 6)
	tx.Instructions = append(tx.Instructions, solana.Instruction{
		ProgramID: solana.TokenProgramID.String(),
		Accounts:  []string{testMint, "TOKEN_ACCOUNT", "A"},
		Data:      mintToData(tokenInstructionMintTo),
	})
	tx.PreTokenBalances = []solana.TokenBalance{holding("ESCROW_AUTH", "1")}
	tx.PostTokenBalances = []solana.TokenBalance{holding("B", "1")}
	tx.PreBalances = []uint64{10_000}
	tx.PostBalances = []uint64{4_905}
	tx.Fee = 5_000

	ev, err := NewClassifier(testMarketplace).Classify(tx, testMint)

	require.NoError(t, err)
	assert.Equal(t, EventMint, ev.Type)
	require.NotNil(t, ev.Owner)
	assert.Equal(t, "A", *ev.Owner)
	assert.Nil(t, ev.PreviousOwner)
	assert.Nil(t, ev.PurchaseAmount)
}

func TestClassify_TransferUsesLastMatchingBalance(t *testing.T) {
	tx := &solana.Transaction{
		Signature: "sig",
		BlockTime: at(300),
		PreTokenBalances: []solana.TokenBalance{
			holding("A1", "1"),
			{AccountIndex: 2, Owner: strPtr("A2"), Mint: testMint, Amount: "1"},
		},
		PostTokenBalances: []solana.TokenBalance{
			holding("B1", "1"),
			{AccountIndex: 2, Owner: strPtr("B2"), Mint: testMint, Amount: "1"},
			{AccountIndex: 3, Mint: testMint, Amount: "1"},
			{AccountIndex: 4, Owner: strPtr("OTHER"), Mint: "OTHER_MINT", Amount: "1"},
		},
	}

	ev, err := NewClassifier(testMarketplace).Classify(tx, testMint)

	require.NoError(t, err)
	assert.Equal(t, EventTransfer, ev.Type)
	assert.Equal(t, "B2", *ev.Owner)
	assert.Equal(t, "A2", *ev.PreviousOwner)
}
