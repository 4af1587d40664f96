// Package intents stores trade intentions and indexes them by venue and side.
package intents

import (
	"fmt"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/7maylord/whisper/pkgs/events"
	"github.com/7maylord/whisper/pkgs/relay"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// DefaultValidityWindow is how long an intention may stay pending
const DefaultValidityWindow = 5 * time.Minute

const component = "intention-registry"

var (
	ErrNotFound         = apperr.New(apperr.KindNotFound, "IntentionNotFound", "intention not found")
	ErrRequestExpired   = apperr.New(apperr.KindState, "RequestExpired", "intention expired")
	ErrNotPending       = apperr.New(apperr.KindState, "IntentionClosed", "intention is no longer pending")
	ErrNotMatched       = apperr.New(apperr.KindState, "IntentionNotMatched", "intention has not been matched")
	ErrInvalidIntention = apperr.New(apperr.KindValidation, "InvalidIntention", "invalid intention")
	ErrAccessNotGranted = apperr.New(apperr.KindAuthorization, "AccessNotGranted", "matching engine cannot read intention figures")
	ErrNotSubmitter     = apperr.New(apperr.KindAuthorization, "NotSubmitter", "caller did not submit this intention")
	ErrNotOwner         = apperr.New(apperr.KindAuthorization, "NotHandleOwner", "submitter does not hold the intention handles")
)

// Broadcaster announces new intentions to peer venues without blocking
type Broadcaster interface {
	Notify(msg *relay.Message)
}

// Recorder receives intention snapshots for the audit trail
type Recorder interface {
	RecordIntention(intention *TradeIntention)
}

// Config holds registry settings
type Config struct {
	ValidityWindow time.Duration
	// Principal is the matching engine identity that must be able to read
	// submitted handles.
	Principal common.Address
}

type indexKey struct {
	venue common.Address
	side  Side
}

// Registry owns every TradeIntention. Records are never removed, only
// moved out of Pending.
type Registry struct {
	mu         sync.Mutex
	cfg        Config
	store      confidential.Backend
	intentions map[common.Hash]*TradeIntention
	pending    map[indexKey][]common.Hash
	counter    uint64

	relay    Broadcaster
	sink     events.Sink
	recorder Recorder
	now      func() time.Time
}

// Option customizes a Registry
type Option func(*Registry)

func WithBroadcaster(b Broadcaster) Option { return func(r *Registry) { r.relay = b } }
func WithEvents(s events.Sink) Option      { return func(r *Registry) { r.sink = s } }
func WithRecorder(rec Recorder) Option     { return func(r *Registry) { r.recorder = rec } }
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config, store confidential.Backend, opts ...Option) *Registry {
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = DefaultValidityWindow
	}

	r := &Registry{
		cfg:        cfg,
		store:      store,
		intentions: make(map[common.Hash]*TradeIntention),
		pending:    make(map[indexKey][]common.Hash),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit stores a new pending intention and announces it to peers
func (r *Registry) Submit(req SubmitRequest) (common.Hash, error) {
	if err := r.validate(req); err != nil {
		return common.Hash{}, err
	}

	r.mu.Lock()
	now := r.now()
	r.counter++
	id := NewIntentionID(req.Venue, req.Submitter, now, r.counter)
	if _, exists := r.intentions[id]; exists {
		r.mu.Unlock()
		return common.Hash{}, fmt.Errorf("%w: identifier collision %s", ErrInvalidIntention, id.Hex())
	}

	intention := &TradeIntention{
		ID:        id,
		Venue:     req.Venue,
		Submitter: req.Submitter,
		Side:      req.Side,
		Amount:    req.Amount,
		Price:     req.Price,
		Origin:    req.Origin,
		CreatedAt: now,
		Active:    true,
		State:     StatePending,
	}
	r.intentions[id] = intention
	key := indexKey{venue: req.Venue, side: req.Side}
	r.pending[key] = append(r.pending[key], id)
	snapshot := intention.clone()
	r.mu.Unlock()

	log.WithFields(log.Fields{
		"intention_id": id.Hex(),
		"venue":        req.Venue.Hex(),
		"side":         req.Side,
		"origin":       req.Origin,
	}).Info("Intention submitted")

	r.record(snapshot)
	r.announce(events.EventIntentionSubmitted, snapshot)

	// Discovery is advisory; Notify never blocks and its failures never
	// reach the submitter.
	if r.relay != nil {
		r.relay.Notify(&relay.Message{
			IntentionID: id,
			Venue:       req.Venue,
			Side:        string(req.Side),
			Origin:      req.Origin,
			Submitter:   req.Submitter,
		})
	}

	return id, nil
}

func (r *Registry) validate(req SubmitRequest) error {
	if !req.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidIntention, req.Side)
	}
	if req.Venue == (common.Address{}) {
		return fmt.Errorf("%w: venue required", ErrInvalidIntention)
	}
	if req.Submitter == (common.Address{}) {
		return fmt.Errorf("%w: submitter required", ErrInvalidIntention)
	}
	if req.Amount.IsZero() || req.Price.IsZero() {
		return fmt.Errorf("%w: amount and price handles required", ErrInvalidIntention)
	}
	if !r.store.HasAccess(req.Amount, req.Submitter) || !r.store.HasAccess(req.Price, req.Submitter) {
		return fmt.Errorf("%w: %s cannot read the submitted handles", ErrNotOwner, req.Submitter.Hex())
	}
	if !r.store.HasAccess(req.Amount, r.cfg.Principal) || !r.store.HasAccess(req.Price, r.cfg.Principal) {
		return ErrAccessNotGranted
	}
	return nil
}

// Get returns a snapshot of the intention, applying lazy expiry
func (r *Registry) Get(id common.Hash) (*TradeIntention, error) {
	r.mu.Lock()
	intention, ok := r.intentions[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	expired := r.expireLocked(intention, r.now())
	snapshot := intention.clone()
	r.mu.Unlock()

	if expired {
		r.onExpired(snapshot)
	}
	return snapshot, nil
}

// Active returns the intention only if it can still be matched
func (r *Registry) Active(id common.Hash) (*TradeIntention, error) {
	intention, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	switch intention.State {
	case StatePending:
		return intention, nil
	case StateExpired:
		return nil, fmt.Errorf("%w: %s", ErrRequestExpired, id.Hex())
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id.Hex(), intention.State)
	}
}

// Deactivate expires a pending intention. Calling it on an intention that
// already left Pending is a no-op.
func (r *Registry) Deactivate(id common.Hash) error {
	r.mu.Lock()
	intention, ok := r.intentions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if intention.State != StatePending {
		r.mu.Unlock()
		return nil
	}
	r.closeLocked(intention, StateExpired, r.now())
	snapshot := intention.clone()
	r.mu.Unlock()

	r.onExpired(snapshot)
	return nil
}

// MarkMatched moves pending intentions to Matched. Either every id moves
// or none does.
func (r *Registry) MarkMatched(ids ...common.Hash) error {
	r.mu.Lock()
	now := r.now()
	batch := make([]*TradeIntention, 0, len(ids))
	for _, id := range ids {
		intention, ok := r.intentions[id]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
		}
		if r.expireLocked(intention, now) {
			snapshot := intention.clone()
			r.mu.Unlock()
			r.onExpired(snapshot)
			return fmt.Errorf("%w: %s", ErrRequestExpired, id.Hex())
		}
		switch intention.State {
		case StatePending:
			batch = append(batch, intention)
		case StateExpired:
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrRequestExpired, id.Hex())
		default:
			state := intention.State
			r.mu.Unlock()
			return fmt.Errorf("%w: %s is %s", ErrNotPending, id.Hex(), state)
		}
	}

	snapshots := make([]*TradeIntention, 0, len(batch))
	for _, intention := range batch {
		r.closeLocked(intention, StateMatched, now)
		snapshots = append(snapshots, intention.clone())
	}
	r.mu.Unlock()

	for _, snapshot := range snapshots {
		r.record(snapshot)
	}
	return nil
}

// MarkExecuted moves matched intentions to Executed. Repeating it is a no-op.
func (r *Registry) MarkExecuted(ids ...common.Hash) error {
	r.mu.Lock()
	batch := make([]*TradeIntention, 0, len(ids))
	for _, id := range ids {
		intention, ok := r.intentions[id]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
		}
		switch intention.State {
		case StateExecuted:
		case StateMatched:
			batch = append(batch, intention)
		default:
			state := intention.State
			r.mu.Unlock()
			return fmt.Errorf("%w: %s is %s", ErrNotMatched, id.Hex(), state)
		}
	}

	snapshots := make([]*TradeIntention, 0, len(batch))
	for _, intention := range batch {
		intention.State = StateExecuted
		snapshots = append(snapshots, intention.clone())
	}
	r.mu.Unlock()

	for _, snapshot := range snapshots {
		r.record(snapshot)
	}
	return nil
}

// MarkRevealed timestamps the reveal of an intention's parameters
func (r *Registry) MarkRevealed(id common.Hash, submitter common.Address, at time.Time) error {
	r.mu.Lock()
	intention, ok := r.intentions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id.Hex())
	}
	if intention.Submitter != submitter {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotSubmitter, submitter.Hex())
	}
	if !intention.Revealed {
		intention.Revealed = true
		intention.RevealedAt = at
	}
	snapshot := intention.clone()
	r.mu.Unlock()

	r.record(snapshot)
	r.announce(events.EventIntentionRevealed, snapshot)
	return nil
}

// ListPending returns pending intention ids for a venue and side in
// submission order
func (r *Registry) ListPending(venue common.Address, side Side) []common.Hash {
	r.mu.Lock()
	now := r.now()
	key := indexKey{venue: venue, side: side}

	var expired []*TradeIntention
	for _, id := range append([]common.Hash(nil), r.pending[key]...) {
		intention := r.intentions[id]
		if r.expireLocked(intention, now) {
			expired = append(expired, intention.clone())
		}
	}
	ids := append([]common.Hash(nil), r.pending[key]...)
	r.mu.Unlock()

	for _, snapshot := range expired {
		r.onExpired(snapshot)
	}
	return ids
}

// Stats returns intention counts by state
func (r *Registry) Stats() map[State]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[State]int)
	for _, intention := range r.intentions {
		stats[intention.State]++
	}
	return stats
}

// expireLocked applies the validity window. Caller holds r.mu.
func (r *Registry) expireLocked(intention *TradeIntention, now time.Time) bool {
	if intention.State != StatePending || now.Sub(intention.CreatedAt) <= r.cfg.ValidityWindow {
		return false
	}
	r.closeLocked(intention, StateExpired, now)
	return true
}

// closeLocked moves an intention out of Pending and drops it from the
// discovery index. Caller holds r.mu.
func (r *Registry) closeLocked(intention *TradeIntention, state State, now time.Time) {
	intention.State = state
	intention.Active = false
	intention.ClosedAt = now

	key := indexKey{venue: intention.Venue, side: intention.Side}
	ids := r.pending[key]
	for i, id := range ids {
		if id == intention.ID {
			r.pending[key] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(r.pending[key]) == 0 {
		delete(r.pending, key)
	}
}

func (r *Registry) onExpired(snapshot *TradeIntention) {
	log.WithFields(log.Fields{
		"intention_id": snapshot.ID.Hex(),
		"venue":        snapshot.Venue.Hex(),
		"age":          snapshot.ClosedAt.Sub(snapshot.CreatedAt).String(),
	}).Info("Intention expired")

	r.record(snapshot)
	r.announce(events.EventIntentionExpired, snapshot)
}

func (r *Registry) record(snapshot *TradeIntention) {
	if r.recorder != nil {
		r.recorder.RecordIntention(snapshot)
	}
}

func (r *Registry) announce(eventType events.EventType, snapshot *TradeIntention) {
	if r.sink == nil {
		return
	}
	evt, err := events.NewEvent(eventType, events.SeverityInfo, component, &events.IntentionEventPayload{
		IntentionID: snapshot.ID.Hex(),
		Venue:       snapshot.Venue.Hex(),
		Side:        string(snapshot.Side),
		Submitter:   snapshot.Submitter.Hex(),
		Origin:      snapshot.Origin,
		State:       string(snapshot.State),
	})
	if err != nil {
		log.WithError(err).Warn("Failed to build intention event")
		return
	}
	evt.IntentionID = snapshot.ID.Hex()
	evt.Venue = snapshot.Venue.Hex()
	events.Dispatch(r.sink, evt)
}
