// Package commitreveal lets submitters lock intention parameters behind a
// hash before disclosing them.
package commitreveal

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/events"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// DefaultRevealWindow is the time a submitter has to reveal after committing
const DefaultRevealWindow = 30 * time.Second

var (
	ErrAlreadyCommitted    = apperr.New(apperr.KindState, "AlreadyCommitted", "submitter already has a live commitment")
	ErrNoCommitment        = apperr.New(apperr.KindNotFound, "CommitmentNotFound", "no commitment for submitter")
	ErrAlreadyRevealed     = apperr.New(apperr.KindState, "AlreadyRevealed", "commitment already revealed")
	ErrRevealWindowExpired = apperr.New(apperr.KindState, "ReviewWindowExpired", "reveal deadline passed")
	ErrInvalidReveal       = apperr.New(apperr.KindValidation, "InvalidReveal", "revealed values do not match commitment")
	ErrInvalidCommitment   = apperr.New(apperr.KindValidation, "InvalidCommitment", "invalid commitment")
)

// Commitment is a submitter's locked-in intention hash
type Commitment struct {
	Submitter   common.Address `json:"submitter"`
	Hash        common.Hash    `json:"hash"`
	CommittedAt time.Time      `json:"committed_at"`
	Deadline    time.Time      `json:"deadline"`
	Revealed    bool           `json:"revealed"`
	RevealedAt  time.Time      `json:"revealed_at"`
	IntentionID common.Hash    `json:"intention_id"`
}

// RevealRequest carries the preimage of a commitment
type RevealRequest struct {
	IntentionID common.Hash
	Amount      *big.Int
	Price       *big.Int
	Nonce       common.Hash
}

// IntentionMarker timestamps revealed intentions
type IntentionMarker interface {
	MarkRevealed(id common.Hash, submitter common.Address, at time.Time) error
}

// Gate holds at most one commitment per submitter
type Gate struct {
	mu          sync.Mutex
	window      time.Duration
	commitments map[common.Address]*Commitment
	intentions  IntentionMarker
	sink        events.Sink
	now         func() time.Time
}

// NewGate creates a gate. intentions may be nil when reveals are not tied
// to registry records.
func NewGate(window time.Duration, intentions IntentionMarker, sink events.Sink) *Gate {
	if window <= 0 {
		window = DefaultRevealWindow
	}
	return &Gate{
		window:      window,
		commitments: make(map[common.Address]*Commitment),
		intentions:  intentions,
		sink:        sink,
		now:         time.Now,
	}
}

// SetClock overrides the time source
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Commit records hash for submitter. A commitment that was revealed or
// whose deadline passed may be replaced.
func (g *Gate) Commit(submitter common.Address, hash common.Hash) (*Commitment, error) {
	if submitter == (common.Address{}) || hash == (common.Hash{}) {
		return nil, fmt.Errorf("%w: submitter and hash required", ErrInvalidCommitment)
	}

	g.mu.Lock()
	now := g.now()
	if existing, ok := g.commitments[submitter]; ok && !existing.Revealed && !now.After(existing.Deadline) {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: deadline %s", ErrAlreadyCommitted, existing.Deadline.Format(time.RFC3339))
	}

	c := &Commitment{
		Submitter:   submitter,
		Hash:        hash,
		CommittedAt: now,
		Deadline:    now.Add(g.window),
	}
	g.commitments[submitter] = c
	snapshot := *c
	g.mu.Unlock()

	log.WithFields(log.Fields{
		"submitter": submitter.Hex(),
		"hash":      hash.Hex(),
		"deadline":  snapshot.Deadline.Unix(),
	}).Debug("Commitment recorded")

	if g.sink != nil {
		evt, err := events.NewEvent(events.EventCommitmentRecorded, events.SeverityInfo, "commit-reveal", &events.CommitmentEventPayload{
			Submitter: submitter.Hex(),
			Hash:      hash.Hex(),
			Deadline:  snapshot.Deadline.Unix(),
		})
		if err == nil {
			events.Dispatch(g.sink, evt)
		}
	}

	return &snapshot, nil
}

// Reveal checks the preimage against the submitter's commitment and, on a
// match, marks it revealed and timestamps the intention.
func (g *Gate) Reveal(submitter common.Address, req RevealRequest) (*Commitment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.commitments[submitter]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCommitment, submitter.Hex())
	}
	if c.Revealed {
		return nil, ErrAlreadyRevealed
	}

	now := g.now()
	if now.After(c.Deadline) {
		return nil, fmt.Errorf("%w: deadline was %s", ErrRevealWindowExpired, c.Deadline.Format(time.RFC3339))
	}

	hash, err := ComputeCommitment(submitter, req.IntentionID, req.Amount, req.Price, req.Nonce)
	if err != nil {
		return nil, ErrInvalidReveal.WithCause(err)
	}
	if hash != c.Hash {
		return nil, ErrInvalidReveal
	}

	if g.intentions != nil {
		if err := g.intentions.MarkRevealed(req.IntentionID, submitter, now); err != nil {
			return nil, fmt.Errorf("failed to mark intention revealed: %w", err)
		}
	}

	c.Revealed = true
	c.RevealedAt = now
	c.IntentionID = req.IntentionID

	log.WithFields(log.Fields{
		"submitter":    submitter.Hex(),
		"intention_id": req.IntentionID.Hex(),
	}).Info("Commitment revealed")

	snapshot := *c
	return &snapshot, nil
}

// Get returns the submitter's current commitment
func (g *Gate) Get(submitter common.Address) (*Commitment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.commitments[submitter]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCommitment, submitter.Hex())
	}
	snapshot := *c
	return &snapshot, nil
}
