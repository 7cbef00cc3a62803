package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	bin "github.com/gagliardetto/binary"
	tokenmetadata "github.com/gagliardetto/metaplex-go/clients/token-metadata"
	"github.com/gagliardetto/solana-go"

	ledger "github.com/brojonat/mintscope/service/solana"
)

// ProgramID is the Metaplex Token Metadata program.
var ProgramID = solana.MustPublicKeyFromBase58("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")

// ErrNoMetadata is returned when a mint has no Metaplex metadata account.
var ErrNoMetadata = errors.New("no metadata account for mint")

// AccountReader reads raw account data. A missing account is reported with
// an error matching ledger.ErrNotFound.
type AccountReader interface {
	GetAccountData(ctx context.Context, address solana.PublicKey) ([]byte, solana.PublicKey, error)
}

// Metadata is the display information of an NFT.
type Metadata struct {
	Mint        string      `json:"mint"`
	Name        string      `json:"name"`
	Symbol      string      `json:"symbol"`
	URI         string      `json:"uri"`
	Image       string      `json:"image,omitempty"`
	Description string      `json:"description,omitempty"`
	Attributes  []Attribute `json:"attributes,omitempty"`
}

type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

type offChainJSON struct {
	Name        string      `json:"name"`
	Symbol      string      `json:"symbol"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	Attributes  []Attribute `json:"attributes"`
}

// Resolver loads on-chain Metaplex metadata and its off-chain JSON document.
type Resolver struct {
	accounts   AccountReader
	httpClient *http.Client
	logger     *slog.Logger
}

func NewResolver(accounts AccountReader, logger *slog.Logger) *Resolver {
	return &Resolver{
		accounts:   accounts,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// MetadataAddress derives the metadata PDA of mint.
func MetadataAddress(mint solana.PublicKey) (solana.PublicKey, error) {
	pda, _, err := solana.FindProgramAddress(
		[][]byte{
			[]byte("metadata"),
			ProgramID.Bytes(),
			mint.Bytes(),
		},
		ProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to find metadata PDA: %w", err)
	}
	return pda, nil
}

// Resolve returns the metadata of mint. On-chain fields are always filled
// when the account decodes; off-chain fields are best effort and left empty
// when the URI cannot be fetched.
func (r *Resolver) Resolve(ctx context.Context, mint string) (*Metadata, error) {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid mint address %q: %w", mint, err)
	}
	pda, err := MetadataAddress(mintKey)
	if err != nil {
		return nil, err
	}

	data, owner, err := r.accounts.GetAccountData(ctx, pda)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoMetadata, mint)
		}
		return nil, fmt.Errorf("failed to read metadata account %s: %w", pda, err)
	}
	if !owner.Equals(ProgramID) {
		return nil, fmt.Errorf("%w: %s is owned by %s", ErrNoMetadata, pda, owner)
	}

	var onChain tokenmetadata.Metadata
	if err := bin.NewBorshDecoder(data).Decode(&onChain); err != nil {
		return nil, fmt.Errorf("failed to decode metadata account: %w", err)
	}

	md := &Metadata{
		Mint:   mint,
		Name:   strings.TrimRight(onChain.Data.Name, "\x00"),
		Symbol: strings.TrimRight(onChain.Data.Symbol, "\x00"),
		URI:    strings.TrimSpace(strings.TrimRight(onChain.Data.Uri, "\x00")),
	}
	if md.URI == "" {
		return md, nil
	}

	off, err := r.fetchOffChain(ctx, md.URI)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to fetch off-chain metadata",
			"mint", mint,
			"uri", md.URI,
			"error", err,
		)
		return md, nil
	}
	if off.Name != "" {
		md.Name = off.Name
	}
	md.Image = off.Image
	md.Description = off.Description
	md.Attributes = off.Attributes
	return md, nil
}

func (r *Resolver) fetchOffChain(ctx context.Context, uri string) (*offChainJSON, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	var out offChainJSON
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("malformed metadata json: %w", err)
	}
	return &out, nil
}
