package consensus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Verifier is a registered operator allowed to attest matches
type Verifier struct {
	Address      common.Address `json:"address"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// Roster is the append-only verifier set
type Roster struct {
	mu        sync.RWMutex
	verifiers map[common.Address]*Verifier
}

// NewRoster creates an empty roster
func NewRoster() *Roster {
	return &Roster{verifiers: make(map[common.Address]*Verifier)}
}

// Add registers an identity once
func (r *Roster) Add(identity common.Address, at time.Time) (*Verifier, error) {
	if identity == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", ErrInvalidVerifier)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.verifiers[identity]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, identity.Hex())
	}
	v := &Verifier{Address: identity, RegisteredAt: at}
	r.verifiers[identity] = v

	copied := *v
	return &copied, nil
}

// Contains reports whether identity is registered
func (r *Roster) Contains(identity common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.verifiers[identity]
	return ok
}

// Size is the quorum denominator
func (r *Roster) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.verifiers)
}

// List returns verifiers ordered by registration time
func (r *Roster) List() []Verifier {
	r.mu.RLock()
	out := make([]Verifier, 0, len(r.verifiers))
	for _, v := range r.verifiers {
		out = append(out, *v)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].Address.Cmp(out[j].Address) < 0
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}
