package intents

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Side is the direction of a trade intention
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts "buy" or "sell" in any case
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidIntention, s)
}

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the counter side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// State is an intention's lifecycle position
type State string

const (
	StatePending  State = "pending"
	StateMatched  State = "matched"
	StateExecuted State = "executed"
	StateExpired  State = "expired"
)

// TradeIntention is one party's encrypted desire to trade on a venue.
// Price is the maximum acceptable price for buys and the minimum for sells.
type TradeIntention struct {
	ID         common.Hash         `json:"id"`
	Venue      common.Address      `json:"venue"`
	Submitter  common.Address      `json:"submitter"`
	Side       Side                `json:"side"`
	Amount     confidential.Handle `json:"amount_handle"`
	Price      confidential.Handle `json:"price_handle"`
	Origin     uint64              `json:"origin"`
	CreatedAt  time.Time           `json:"created_at"`
	Active     bool                `json:"active"`
	Revealed   bool                `json:"revealed"`
	RevealedAt time.Time           `json:"revealed_at"`
	State      State               `json:"state"`
	ClosedAt   time.Time           `json:"closed_at"`
}

// SubmitRequest carries already-encrypted figures for a new intention
type SubmitRequest struct {
	Venue     common.Address
	Submitter common.Address
	Side      Side
	Amount    confidential.Handle
	Price     confidential.Handle
	Origin    uint64
}

// NewIntentionID derives an identifier from the submission context. The
// counter separates submissions that share a venue, submitter and timestamp.
func NewIntentionID(venue, submitter common.Address, createdAt time.Time, counter uint64) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(createdAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], counter)
	return crypto.Keccak256Hash(venue.Bytes(), submitter.Bytes(), buf[:])
}

func (t *TradeIntention) clone() *TradeIntention {
	c := *t
	return &c
}
