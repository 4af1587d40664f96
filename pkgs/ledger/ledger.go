// Package ledger records finalized matches and guards their execution.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/7maylord/whisper/pkgs/events"
	"github.com/7maylord/whisper/pkgs/intents"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// DefaultPriceTimeout bounds a reference price lookup during finalization
const DefaultPriceTimeout = 2 * time.Second

const component = "match-ledger"

var (
	ErrMatchNotFound   = apperr.New(apperr.KindNotFound, "MatchNotFound", "match not found")
	ErrAlreadyExecuted = apperr.New(apperr.KindState, "AlreadyExecuted", "match already executed")
	ErrAlreadyRecorded = apperr.New(apperr.KindState, "AlreadyFinalized", "match already finalized")
	ErrSettling        = apperr.New(apperr.KindState, "SettlementInFlight", "match settlement in progress")
	ErrNotSettling     = apperr.New(apperr.KindState, "SettlementNotClaimed", "match settlement was not claimed")
	ErrInvalidTerms    = apperr.New(apperr.KindValidation, "InvalidMatchTerms", "invalid match terms")
)

// FinalizedMatch is an agreed match. Executed is never unset.
type FinalizedMatch struct {
	ID             common.Hash         `json:"id"`
	IntentionID    common.Hash         `json:"intention_id"`
	OppositeID     common.Hash         `json:"opposite_id"`
	OppositeLocal  bool                `json:"opposite_local"`
	Venue          common.Address      `json:"venue"`
	Side           intents.Side        `json:"side"`
	Submitter      common.Address      `json:"submitter"`
	Counterparty   common.Address      `json:"counterparty"`
	OppositeOrigin uint64              `json:"opposite_origin"`
	Amount         *big.Int            `json:"amount"`
	Price          *big.Int            `json:"price"`
	ReferencePrice *big.Int            `json:"reference_price"`
	MatchedAmount  confidential.Handle `json:"matched_amount_handle"`
	Savings        decimal.Decimal     `json:"savings"`
	ConsensusCount int                 `json:"consensus_count"`
	RosterSize     int                 `json:"roster_size"`
	Delegated      bool                `json:"delegated"`
	FinalizedAt    time.Time           `json:"finalized_at"`
	Executed       bool                `json:"executed"`
	ExecutedAt     time.Time           `json:"executed_at"`

	settling bool
}

func (m *FinalizedMatch) clone() *FinalizedMatch {
	c := *m
	if m.Amount != nil {
		c.Amount = new(big.Int).Set(m.Amount)
	}
	if m.Price != nil {
		c.Price = new(big.Int).Set(m.Price)
	}
	if m.ReferencePrice != nil {
		c.ReferencePrice = new(big.Int).Set(m.ReferencePrice)
	}
	return &c
}

// Sides returns the locally held intentions the match consumed
func (m *FinalizedMatch) Sides() []common.Hash {
	if m.OppositeLocal {
		return []common.Hash{m.IntentionID, m.OppositeID}
	}
	return []common.Hash{m.IntentionID}
}

// MatchID derives the match identifier from both sides. The order of the
// sides does not matter.
func MatchID(intentionID, oppositeID common.Hash) common.Hash {
	if bytes.Compare(intentionID[:], oppositeID[:]) > 0 {
		intentionID, oppositeID = oppositeID, intentionID
	}
	return crypto.Keccak256Hash(intentionID.Bytes(), oppositeID.Bytes())
}

// ReferencePricer supplies the reference venue price used for savings
type ReferencePricer interface {
	ReferencePrice(ctx context.Context, venue common.Address) (*big.Int, error)
}

// Recorder receives match snapshots for the audit trail
type Recorder interface {
	RecordMatch(match *FinalizedMatch)
}

// Config holds ledger settings
type Config struct {
	MarkupBps    int64
	PriceTimeout time.Duration
}

// Ledger owns every FinalizedMatch
type Ledger struct {
	mu          sync.Mutex
	cfg         Config
	matches     map[common.Hash]*FinalizedMatch
	byIntention map[common.Hash]common.Hash

	pricer   ReferencePricer
	sink     events.Sink
	recorder Recorder
	now      func() time.Time
}

// Option customizes a Ledger
type Option func(*Ledger)

func WithPricer(p ReferencePricer) Option   { return func(l *Ledger) { l.pricer = p } }
func WithEvents(s events.Sink) Option       { return func(l *Ledger) { l.sink = s } }
func WithRecorder(rec Recorder) Option      { return func(l *Ledger) { l.recorder = rec } }
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// NewLedger creates an empty ledger
func NewLedger(cfg Config, opts ...Option) *Ledger {
	if cfg.MarkupBps < 0 {
		cfg.MarkupBps = DefaultMarkupBps
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = DefaultPriceTimeout
	}

	l := &Ledger{
		cfg:         cfg,
		matches:     make(map[common.Hash]*FinalizedMatch),
		byIntention: make(map[common.Hash]common.Hash),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record stores a new match, computing its id and savings
func (l *Ledger) Record(ctx context.Context, m *FinalizedMatch) (*FinalizedMatch, error) {
	if m.Amount == nil || m.Amount.Sign() <= 0 || m.Price == nil || m.Price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount and price must be positive", ErrInvalidTerms)
	}
	if m.ConsensusCount <= 0 {
		return nil, fmt.Errorf("%w: consensus count must be positive", ErrInvalidTerms)
	}

	record := m.clone()
	record.ID = MatchID(m.IntentionID, m.OppositeID)
	record.ReferencePrice = l.referencePrice(ctx, m.Venue, m.Price)
	record.Savings = Savings(record.Amount, record.Price, record.ReferencePrice, l.cfg.MarkupBps)
	record.FinalizedAt = l.now()
	record.Executed = false
	record.settling = false

	l.mu.Lock()
	if _, exists := l.matches[record.ID]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRecorded, record.ID.Hex())
	}
	for _, side := range []common.Hash{record.IntentionID, record.OppositeID} {
		if _, exists := l.byIntention[side]; exists {
			l.mu.Unlock()
			return nil, fmt.Errorf("%w: intention %s", ErrAlreadyRecorded, side.Hex())
		}
	}
	l.matches[record.ID] = record
	l.byIntention[record.IntentionID] = record.ID
	l.byIntention[record.OppositeID] = record.ID
	snapshot := record.clone()
	l.mu.Unlock()

	log.WithFields(log.Fields{
		"match_id":        snapshot.ID.Hex(),
		"intention_id":    snapshot.IntentionID.Hex(),
		"opposite_id":     snapshot.OppositeID.Hex(),
		"consensus_count": snapshot.ConsensusCount,
		"savings":         snapshot.Savings.String(),
		"delegated":       snapshot.Delegated,
	}).Info("Match finalized")

	l.record(snapshot)
	l.announce(events.EventMatchFinalized, snapshot)
	return snapshot, nil
}

func (l *Ledger) referencePrice(ctx context.Context, venue common.Address, matched *big.Int) *big.Int {
	if l.pricer == nil {
		return new(big.Int).Set(matched)
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.PriceTimeout)
	defer cancel()

	ref, err := l.pricer.ReferencePrice(ctx, venue)
	if err != nil || ref == nil || ref.Sign() <= 0 {
		log.WithField("venue", venue.Hex()).WithError(err).Warn("Reference price unavailable, using matched price")
		return new(big.Int).Set(matched)
	}
	return new(big.Int).Set(ref)
}

// Get returns a snapshot of a match
func (l *Ledger) Get(id common.Hash) (*FinalizedMatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.matches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, id.Hex())
	}
	return m.clone(), nil
}

// HasMatch reports whether either side of a recorded match is intentionID
func (l *Ledger) HasMatch(intentionID common.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.byIntention[intentionID]
	return ok
}

// ByIntention returns the match that consumed an intention on either side
func (l *Ledger) ByIntention(intentionID common.Hash) (*FinalizedMatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.byIntention[intentionID]
	if !ok {
		return nil, fmt.Errorf("%w: intention %s", ErrMatchNotFound, intentionID.Hex())
	}
	return l.matches[id].clone(), nil
}

// List returns all matches ordered by finalization time
func (l *Ledger) List() []*FinalizedMatch {
	l.mu.Lock()
	out := make([]*FinalizedMatch, 0, len(l.matches))
	for _, m := range l.matches {
		out = append(out, m.clone())
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].FinalizedAt.Before(out[j].FinalizedAt)
	})
	return out
}

// MarkExecuted flips the executed flag exactly once
func (l *Ledger) MarkExecuted(id common.Hash) (*FinalizedMatch, error) {
	l.mu.Lock()
	m, ok := l.matches[id]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, id.Hex())
	}
	if m.Executed {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuted, id.Hex())
	}
	if m.settling {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSettling, id.Hex())
	}
	snapshot := l.executeLocked(m)
	l.mu.Unlock()

	l.afterExecuted(snapshot)
	return snapshot, nil
}

// Claim reserves a match for settlement so only one settlement runs
func (l *Ledger) Claim(id common.Hash) (*FinalizedMatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.matches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, id.Hex())
	}
	if m.Executed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuted, id.Hex())
	}
	if m.settling {
		return nil, fmt.Errorf("%w: %s", ErrSettling, id.Hex())
	}
	m.settling = true
	return m.clone(), nil
}

// Release abandons a claim after a failed settlement
func (l *Ledger) Release(id common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.matches[id]; ok && !m.Executed {
		m.settling = false
	}
}

// CompleteSettlement marks a claimed match executed
func (l *Ledger) CompleteSettlement(id common.Hash) (*FinalizedMatch, error) {
	l.mu.Lock()
	m, ok := l.matches[id]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, id.Hex())
	}
	if m.Executed {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuted, id.Hex())
	}
	if !m.settling {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotSettling, id.Hex())
	}
	snapshot := l.executeLocked(m)
	l.mu.Unlock()

	l.afterExecuted(snapshot)
	return snapshot, nil
}

func (l *Ledger) executeLocked(m *FinalizedMatch) *FinalizedMatch {
	m.Executed = true
	m.settling = false
	m.ExecutedAt = l.now()
	return m.clone()
}

func (l *Ledger) afterExecuted(snapshot *FinalizedMatch) {
	log.WithFields(log.Fields{
		"match_id":     snapshot.ID.Hex(),
		"intention_id": snapshot.IntentionID.Hex(),
	}).Info("Match executed")

	l.record(snapshot)
	l.announce(events.EventMatchExecuted, snapshot)
}

func (l *Ledger) record(snapshot *FinalizedMatch) {
	if l.recorder != nil {
		l.recorder.RecordMatch(snapshot)
	}
}

func (l *Ledger) announce(eventType events.EventType, m *FinalizedMatch) {
	if l.sink == nil {
		return
	}
	evt, err := events.NewEvent(eventType, events.SeverityInfo, component, &events.MatchEventPayload{
		MatchID:        m.ID.Hex(),
		IntentionID:    m.IntentionID.Hex(),
		OppositeID:     m.OppositeID.Hex(),
		Amount:         m.Amount.String(),
		Price:          m.Price.String(),
		Savings:        m.Savings.String(),
		ConsensusCount: m.ConsensusCount,
		Delegated:      m.Delegated,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to build match event")
		return
	}
	evt.MatchID = m.ID.Hex()
	evt.IntentionID = m.IntentionID.Hex()
	evt.Venue = m.Venue.Hex()
	events.Dispatch(l.sink, evt)
}
