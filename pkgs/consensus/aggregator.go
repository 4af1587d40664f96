package consensus

import (
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Attestation is one verifier's claim that an intention matches an
// opposite one on the given terms. Attestations are never mutated.
type Attestation struct {
	Verifier       common.Address      `json:"verifier"`
	IntentionID    common.Hash         `json:"intention_id"`
	OppositeID     common.Hash         `json:"opposite_id"`
	Amount         *big.Int            `json:"amount"`
	Price          *big.Int            `json:"price"`
	OppositeOrigin uint64              `json:"opposite_origin"`
	Counterparty   common.Address      `json:"counterparty"`
	Matched        confidential.Handle `json:"matched"`
	Timestamp      time.Time           `json:"timestamp"`
}

// TermsHash identifies the terms an attestation agrees to, so that
// identical claims from different verifiers group together.
func (a *Attestation) TermsHash() common.Hash {
	var origin [8]byte
	binary.BigEndian.PutUint64(origin[:], a.OppositeOrigin)
	return crypto.Keccak256Hash(
		a.OppositeID.Bytes(),
		common.LeftPadBytes(a.Amount.Bytes(), 32),
		common.LeftPadBytes(a.Price.Bytes(), 32),
		origin[:],
		a.Counterparty.Bytes(),
	)
}

func (a *Attestation) clone() *Attestation {
	c := *a
	c.Amount = new(big.Int).Set(a.Amount)
	c.Price = new(big.Int).Set(a.Price)
	return &c
}

// round collects the attestations for one intention. Callers hold mu for
// the whole check-append-finalize sequence.
type round struct {
	mu           sync.Mutex
	attestations []*Attestation
	verifiers    map[common.Address]struct{}
	groups       map[common.Hash][]*Attestation
	closed       bool
	// keep is the matched-amount handle owned by the finalized match
	keep confidential.Handle
}

func newRound() *round {
	return &round{
		verifiers: make(map[common.Address]struct{}),
		groups:    make(map[common.Hash][]*Attestation),
	}
}

func (r *round) has(verifier common.Address) bool {
	_, ok := r.verifiers[verifier]
	return ok
}

// add appends an attestation and returns the size of its agreement group
func (r *round) add(a *Attestation) (common.Hash, int) {
	key := a.TermsHash()
	r.attestations = append(r.attestations, a)
	r.verifiers[a.Verifier] = struct{}{}
	r.groups[key] = append(r.groups[key], a)
	return key, len(r.groups[key])
}

// leading returns the largest agreement group, earliest first on ties
func (r *round) leading() []*Attestation {
	var best []*Attestation
	for _, a := range r.attestations {
		group := r.groups[a.TermsHash()]
		if len(group) > len(best) {
			best = group
		}
	}
	return best
}

func (r *round) reset() {
	r.attestations = nil
	r.verifiers = make(map[common.Address]struct{})
	r.groups = make(map[common.Hash][]*Attestation)
}
