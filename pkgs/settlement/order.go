// Package settlement executes finalized matches against a settlement venue.
package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/7maylord/whisper/pkgs/intents"
	"github.com/7maylord/whisper/pkgs/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// TokenPair names the tokens traded on a venue. Amounts are in Base and
// prices are Quote per Base.
type TokenPair struct {
	Base  common.Address `json:"base"`
	Quote common.Address `json:"quote"`
}

// Order is the settlement instruction for one match. Amounts are in
// 18-decimal token units; the buyer pays AmountIn of TokenIn and receives
// AmountOut of TokenOut.
type Order struct {
	MatchID   common.Hash    `json:"match_id"`
	BuyParty  common.Address `json:"buy_party"`
	SellParty common.Address `json:"sell_party"`
	TokenIn   common.Address `json:"token_in"`
	TokenOut  common.Address `json:"token_out"`
	AmountIn  *big.Int       `json:"amount_in"`
	AmountOut *big.Int       `json:"amount_out"`
}

// Receipt is the venue's acknowledgement of a settlement
type Receipt struct {
	Reference string    `json:"reference"`
	SettledAt time.Time `json:"settled_at"`
}

// Venue settles orders
type Venue interface {
	Settle(ctx context.Context, order Order) (*Receipt, error)
}

var quoteScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(confidential.TokenDecimals-2*confidential.EncryptedDecimals), nil)

// BuildOrder derives the settlement order for a match
func BuildOrder(m *ledger.FinalizedMatch, pair TokenPair) Order {
	buyer, seller := m.Submitter, m.Counterparty
	if m.Side == intents.SideSell {
		buyer, seller = m.Counterparty, m.Submitter
	}

	// amount*price carries 12 decimals; lift it to 18 without rounding
	quoteAmount := new(big.Int).Mul(m.Amount, m.Price)
	quoteAmount.Mul(quoteAmount, quoteScale)

	return Order{
		MatchID:   m.ID,
		BuyParty:  buyer,
		SellParty: seller,
		TokenIn:   pair.Quote,
		TokenOut:  pair.Base,
		AmountIn:  quoteAmount,
		AmountOut: confidential.ScaleUp(m.Amount),
	}
}
