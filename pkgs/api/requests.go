package api

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/7maylord/whisper/pkgs/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Token amounts and prices travel as base-10 strings in 18-decimal units.

type submitIntentionRequest struct {
	Venue     string `json:"venue" binding:"required"`
	Submitter string `json:"submitter" binding:"required"`
	Side      string `json:"side" binding:"required"`
	Origin    uint64 `json:"origin"`
	// Plaintext figures, sealed by the coordinator on receipt
	Amount string `json:"amount"`
	Price  string `json:"price"`
	// Figures sealed earlier; the engine principal must already hold access
	AmountHandle string `json:"amount_handle"`
	PriceHandle  string `json:"price_handle"`
}

type submitIntentionResponse struct {
	IntentionID  string `json:"intention_id"`
	AmountHandle string `json:"amount_handle"`
	PriceHandle  string `json:"price_handle"`
}

// Signed requests name their signer; Deadline is a unix time, 0 for none.

type registerVerifierRequest struct {
	Address   string `json:"address" binding:"required"`
	Deadline  uint64 `json:"deadline"`
	Signature string `json:"signature"`
}

type attestRequest struct {
	Verifier       string `json:"verifier"`
	IntentionID    string `json:"intention_id" binding:"required"`
	OppositeID     string `json:"opposite_id" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	Price          string `json:"price" binding:"required"`
	OppositeOrigin uint64 `json:"opposite_origin"`
	Counterparty   string `json:"counterparty"`
	Deadline       uint64 `json:"deadline"`
	Signature      string `json:"signature"`
}

type attestResponse struct {
	Verifier   string     `json:"verifier"`
	GroupCount int        `json:"group_count"`
	TotalCount int        `json:"total_count"`
	RosterSize int        `json:"roster_size"`
	Required   int        `json:"required"`
	Finalized  bool       `json:"finalized"`
	Match      *matchView `json:"match,omitempty"`
}

type delegatedMatchRequest struct {
	attestRequest
	Caller         string `json:"caller"`
	ConsensusCount uint64 `json:"consensus_count" binding:"required"`
}

type commitRequest struct {
	Submitter string `json:"submitter"`
	Hash      string `json:"hash" binding:"required"`
	Deadline  uint64 `json:"deadline"`
	Signature string `json:"signature"`
}

// Reveal figures are the exact integers hashed into the commitment
type revealRequest struct {
	IntentionID string `json:"intention_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Price       string `json:"price" binding:"required"`
	Nonce       string `json:"nonce" binding:"required"`
	Deadline    uint64 `json:"deadline"`
	Signature   string `json:"signature"`
}

type executeRequest struct {
	Caller    string `json:"caller"`
	Deadline  uint64 `json:"deadline"`
	Signature string `json:"signature"`
}

// matchView presents a FinalizedMatch with 18-decimal amounts
type matchView struct {
	ID             string    `json:"id"`
	IntentionID    string    `json:"intention_id"`
	OppositeID     string    `json:"opposite_id"`
	Venue          string    `json:"venue"`
	Side           string    `json:"side"`
	Submitter      string    `json:"submitter"`
	Counterparty   string    `json:"counterparty"`
	OppositeOrigin uint64    `json:"opposite_origin"`
	Amount         string    `json:"amount"`
	Price          string    `json:"price"`
	ReferencePrice string    `json:"reference_price"`
	Savings        string    `json:"savings"`
	MatchedAmount  string    `json:"matched_amount_handle"`
	ConsensusCount int       `json:"consensus_count"`
	RosterSize     int       `json:"roster_size"`
	Delegated      bool      `json:"delegated"`
	FinalizedAt    time.Time `json:"finalized_at"`
	Executed       bool      `json:"executed"`
	ExecutedAt     time.Time `json:"executed_at,omitempty"`
}

func newMatchView(m *ledger.FinalizedMatch) *matchView {
	if m == nil {
		return nil
	}
	v := &matchView{
		ID:             m.ID.Hex(),
		IntentionID:    m.IntentionID.Hex(),
		OppositeID:     m.OppositeID.Hex(),
		Venue:          m.Venue.Hex(),
		Side:           string(m.Side),
		Submitter:      m.Submitter.Hex(),
		Counterparty:   m.Counterparty.Hex(),
		OppositeOrigin: m.OppositeOrigin,
		Amount:         scaledString(m.Amount),
		Price:          scaledString(m.Price),
		ReferencePrice: scaledString(m.ReferencePrice),
		Savings:        m.Savings.String(),
		MatchedAmount:  m.MatchedAmount.Hex(),
		ConsensusCount: m.ConsensusCount,
		RosterSize:     m.RosterSize,
		Delegated:      m.Delegated,
		FinalizedAt:    m.FinalizedAt,
		Executed:       m.Executed,
		ExecutedAt:     m.ExecutedAt,
	}
	return v
}

func scaledString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return confidential.ScaleUp(v).String()
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%s: expected 0x-prefixed 32-byte hex", field)
	}
	return common.BytesToHash(b), nil
}

func parseHandle(field, s string) (confidential.Handle, error) {
	var h confidential.Handle
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return h, fmt.Errorf("%s: %w", field, err)
	}
	return h, nil
}

// parseScaled converts an 18-decimal amount to encrypted precision
func parseScaled(field, s string) (*big.Int, error) {
	raw, err := confidential.ParseTokenAmount(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	scaled, err := confidential.ScaleDown(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return scaled, nil
}

func parseInt(field, s string) (*big.Int, error) {
	v, err := confidential.ParseTokenAmount(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}
