// Package consensus collects verifier attestations and finalizes a match
// once a quorum of the roster agrees on identical terms.
package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/7maylord/whisper/pkgs/events"
	"github.com/7maylord/whisper/pkgs/intents"
	"github.com/7maylord/whisper/pkgs/ledger"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// DefaultMatchTimeout is the age after which an intention can no longer be attested
const DefaultMatchTimeout = 5 * time.Minute

const component = "consensus-engine"

var (
	ErrNotAVerifier         = apperr.New(apperr.KindAuthorization, "NotAVerifier", "caller is not a registered verifier")
	ErrNotADelegate         = apperr.New(apperr.KindAuthorization, "NotADelegate", "caller may not record delegated matches")
	ErrAlreadyRegistered    = apperr.New(apperr.KindState, "AlreadyRegistered", "verifier already registered")
	ErrInvalidVerifier      = apperr.New(apperr.KindValidation, "InvalidVerifier", "invalid verifier identity")
	ErrDuplicateAttestation = apperr.New(apperr.KindState, "DuplicateAttestation", "verifier already attested this intention")
	ErrInvalidAttestation   = apperr.New(apperr.KindValidation, "InvalidAttestation", "invalid attestation")
	ErrInvalidMatch         = apperr.New(apperr.KindValidation, "InvalidMatch", "claimed terms exceed the intention bounds")
	ErrOppositeClosed       = apperr.New(apperr.KindState, "OppositeClosed", "opposite intention can no longer be matched")
)

// Registry is the part of the intention registry the engine drives
type Registry interface {
	Get(id common.Hash) (*intents.TradeIntention, error)
	Active(id common.Hash) (*intents.TradeIntention, error)
	Deactivate(id common.Hash) error
	MarkMatched(ids ...common.Hash) error
}

// Ledger records finalized matches
type Ledger interface {
	Record(ctx context.Context, m *ledger.FinalizedMatch) (*ledger.FinalizedMatch, error)
	HasMatch(intentionID common.Hash) bool
}

// Recorder receives accepted attestations for the audit trail
type Recorder interface {
	RecordAttestation(a *Attestation)
}

// Config holds engine settings
type Config struct {
	Threshold    int
	MatchTimeout time.Duration
	// Principal must hold access to every intention's handles.
	Principal common.Address
	Delegates []common.Address
}

// AttestRequest is a verifier's claim about a match
type AttestRequest struct {
	Verifier       common.Address
	IntentionID    common.Hash
	OppositeID     common.Hash
	Amount         *big.Int
	Price          *big.Int
	OppositeOrigin uint64
	Counterparty   common.Address
}

// DelegatedRequest records a match agreed outside the verifier quorum
type DelegatedRequest struct {
	Caller         common.Address
	IntentionID    common.Hash
	OppositeID     common.Hash
	Amount         *big.Int
	Price          *big.Int
	OppositeOrigin uint64
	Counterparty   common.Address
	ConsensusCount int
}

// AttestResult reports the round after an accepted attestation. Match is
// set when the attestation completed a quorum.
type AttestResult struct {
	Attestation *Attestation
	GroupCount  int
	TotalCount  int
	RosterSize  int
	Required    int
	Match       *ledger.FinalizedMatch
}

// RoundStatus summarizes the attestations pending for an intention
type RoundStatus struct {
	IntentionID  common.Hash `json:"intention_id"`
	Attestations int         `json:"attestations"`
	Groups       int         `json:"groups"`
	LeadingCount int         `json:"leading_count"`
	RosterSize   int         `json:"roster_size"`
	Required     int         `json:"required"`
}

// Engine owns the roster and all open attestation rounds
type Engine struct {
	cfg       Config
	store     confidential.Backend
	registry  Registry
	ledger    Ledger
	roster    *Roster
	delegates map[common.Address]struct{}

	roundsMu sync.Mutex
	rounds   map[common.Hash]*round

	sink     events.Sink
	recorder Recorder
	now      func() time.Time
}

// Option customizes an Engine
type Option func(*Engine)

func WithEvents(s events.Sink) Option       { return func(e *Engine) { e.sink = s } }
func WithRecorder(rec Recorder) Option      { return func(e *Engine) { e.recorder = rec } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine with an empty roster
func NewEngine(cfg Config, store confidential.Backend, registry Registry, l Ledger, opts ...Option) *Engine {
	if cfg.Threshold <= 0 || cfg.Threshold > 100 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = DefaultMatchTimeout
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		ledger:    l,
		roster:    NewRoster(),
		delegates: make(map[common.Address]struct{}, len(cfg.Delegates)),
		rounds:    make(map[common.Hash]*round),
		now:       time.Now,
	}
	for _, d := range cfg.Delegates {
		e.delegates[d] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a verifier to the roster
func (e *Engine) Register(identity common.Address) (*Verifier, error) {
	v, err := e.roster.Add(identity, e.now())
	if err != nil {
		return nil, err
	}

	size := e.roster.Size()
	log.WithFields(log.Fields{
		"verifier":    identity.Hex(),
		"roster_size": size,
	}).Info("Verifier registered")

	if e.sink != nil {
		evt, err := events.NewEvent(events.EventVerifierRegistered, events.SeverityInfo, component, &events.AttestationEventPayload{
			Verifier:   identity.Hex(),
			RosterSize: size,
		})
		if err == nil {
			evt.VerifierID = identity.Hex()
			events.Dispatch(e.sink, evt)
		}
	}
	return v, nil
}

// IsVerifier reports roster membership
func (e *Engine) IsVerifier(identity common.Address) bool {
	return e.roster.Contains(identity)
}

// Verifiers lists the roster
func (e *Engine) Verifiers() []Verifier {
	return e.roster.List()
}

// RosterSize is the current quorum denominator
func (e *Engine) RosterSize() int {
	return e.roster.Size()
}

// IsDelegate reports whether identity may record delegated matches
func (e *Engine) IsDelegate(identity common.Address) bool {
	_, ok := e.delegates[identity]
	return ok
}

// Attest records a verifier's attestation and finalizes the match when the
// attestation's agreement group reaches quorum.
func (e *Engine) Attest(ctx context.Context, req AttestRequest) (*AttestResult, error) {
	result, err := e.attest(ctx, req)
	if err != nil {
		e.rejected(req.Verifier, req.IntentionID, req.OppositeID, err)
		return nil, err
	}
	return result, nil
}

func (e *Engine) attest(ctx context.Context, req AttestRequest) (*AttestResult, error) {
	if err := validateTerms(req.IntentionID, req.OppositeID, req.Amount, req.Price); err != nil {
		return nil, err
	}
	if !e.roster.Contains(req.Verifier) {
		return nil, fmt.Errorf("%w: %s", ErrNotAVerifier, req.Verifier.Hex())
	}

	r, counterRound := e.acquirePair(req.IntentionID, req.OppositeID)
	defer e.release(req.IntentionID, r, req.OppositeID, counterRound)

	intention, err := e.activeIntention(r, req.IntentionID)
	if err != nil {
		return nil, err
	}
	if r.has(req.Verifier) {
		return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateAttestation, req.Verifier.Hex(), req.IntentionID.Hex())
	}
	counter, err := e.checkOpposite(counterRound, intention, req.OppositeID)
	if err != nil {
		return nil, err
	}

	matched, err := e.checkPair(intention, counter, req.Amount, req.Price)
	if err != nil {
		return nil, err
	}

	attestation := &Attestation{
		Verifier:       req.Verifier,
		IntentionID:    req.IntentionID,
		OppositeID:     req.OppositeID,
		Amount:         new(big.Int).Set(req.Amount),
		Price:          new(big.Int).Set(req.Price),
		OppositeOrigin: req.OppositeOrigin,
		Counterparty:   req.Counterparty,
		Matched:        matched,
		Timestamp:      e.now(),
	}
	termsKey, groupCount := r.add(attestation)
	rosterSize := e.roster.Size()

	result := &AttestResult{
		Attestation: attestation.clone(),
		GroupCount:  groupCount,
		TotalCount:  len(r.attestations),
		RosterSize:  rosterSize,
		Required:    RequiredAttestations(rosterSize, e.cfg.Threshold),
	}

	log.WithFields(log.Fields{
		"intention_id": req.IntentionID.Hex(),
		"verifier":     req.Verifier.Hex(),
		"group_count":  groupCount,
		"total_count":  result.TotalCount,
		"roster_size":  rosterSize,
		"required":     result.Required,
	}).Info("Attestation recorded")

	if e.recorder != nil {
		e.recorder.RecordAttestation(attestation.clone())
	}
	e.announceAttestation(attestation, groupCount, rosterSize)

	if !QuorumReached(groupCount, rosterSize, e.cfg.Threshold) {
		return result, nil
	}

	canonical := r.groups[termsKey][0]
	match, err := e.finalize(ctx, r, counterRound, counter != nil, intention, canonical, groupCount, rosterSize, false)
	if err != nil {
		return nil, err
	}
	result.Match = match
	return result, nil
}

// CreateDelegatedMatch finalizes a match agreed by an authorized delegate,
// bypassing the attestation round but not the bound check.
func (e *Engine) CreateDelegatedMatch(ctx context.Context, req DelegatedRequest) (*ledger.FinalizedMatch, error) {
	match, err := e.createDelegated(ctx, req)
	if err != nil {
		e.rejected(req.Caller, req.IntentionID, req.OppositeID, err)
		return nil, err
	}
	return match, nil
}

func (e *Engine) createDelegated(ctx context.Context, req DelegatedRequest) (*ledger.FinalizedMatch, error) {
	if !e.IsDelegate(req.Caller) {
		return nil, fmt.Errorf("%w: %s", ErrNotADelegate, req.Caller.Hex())
	}
	if err := validateTerms(req.IntentionID, req.OppositeID, req.Amount, req.Price); err != nil {
		return nil, err
	}
	if req.ConsensusCount <= 0 {
		return nil, fmt.Errorf("%w: consensus count must be positive", ErrInvalidAttestation)
	}

	r, counterRound := e.acquirePair(req.IntentionID, req.OppositeID)
	defer e.release(req.IntentionID, r, req.OppositeID, counterRound)

	intention, err := e.activeIntention(r, req.IntentionID)
	if err != nil {
		return nil, err
	}
	counter, err := e.checkOpposite(counterRound, intention, req.OppositeID)
	if err != nil {
		return nil, err
	}

	matched, err := e.checkPair(intention, counter, req.Amount, req.Price)
	if err != nil {
		return nil, err
	}

	terms := &Attestation{
		Verifier:       req.Caller,
		IntentionID:    req.IntentionID,
		OppositeID:     req.OppositeID,
		Amount:         new(big.Int).Set(req.Amount),
		Price:          new(big.Int).Set(req.Price),
		OppositeOrigin: req.OppositeOrigin,
		Counterparty:   req.Counterparty,
		Matched:        matched,
		Timestamp:      e.now(),
	}
	match, err := e.finalize(ctx, r, counterRound, counter != nil, intention, terms, req.ConsensusCount, e.roster.Size(), true)
	if err != nil {
		e.releaseHandle(matched)
		return nil, err
	}
	return match, nil
}

// Status summarizes the open round for an intention
func (e *Engine) Status(intentionID common.Hash) RoundStatus {
	rosterSize := e.roster.Size()
	status := RoundStatus{
		IntentionID: intentionID,
		RosterSize:  rosterSize,
		Required:    RequiredAttestations(rosterSize, e.cfg.Threshold),
	}

	e.roundsMu.Lock()
	r, ok := e.rounds[intentionID]
	e.roundsMu.Unlock()
	if !ok {
		return status
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	status.Attestations = len(r.attestations)
	status.Groups = len(r.groups)
	status.LeadingCount = len(r.leading())
	return status
}

// OpenRounds is the number of intentions with pending attestations
func (e *Engine) OpenRounds() int {
	e.roundsMu.Lock()
	defer e.roundsMu.Unlock()
	return len(e.rounds)
}

// Prune discards rounds whose intention can no longer be matched and
// returns how many were dropped.
func (e *Engine) Prune() int {
	e.roundsMu.Lock()
	ids := make([]common.Hash, 0, len(e.rounds))
	for id := range e.rounds {
		ids = append(ids, id)
	}
	e.roundsMu.Unlock()

	pruned := 0
	for _, id := range ids {
		r := e.acquire(id)
		if _, err := e.activeIntention(r, id); err != nil {
			e.close(id, r)
			pruned++
		}
		r.mu.Unlock()
	}
	return pruned
}

// acquire returns the locked open round for an intention
func (e *Engine) acquire(id common.Hash) *round {
	for {
		e.roundsMu.Lock()
		r, ok := e.rounds[id]
		if !ok {
			r = newRound()
			e.rounds[id] = r
		}
		e.roundsMu.Unlock()

		r.mu.Lock()
		if !r.closed {
			return r
		}
		r.mu.Unlock()
	}
}

// acquirePair locks the rounds of both sides of a match, lower id first
func (e *Engine) acquirePair(id, oppositeID common.Hash) (*round, *round) {
	if bytes.Compare(id[:], oppositeID[:]) < 0 {
		r := e.acquire(id)
		return r, e.acquire(oppositeID)
	}
	opposite := e.acquire(oppositeID)
	return e.acquire(id), opposite
}

// release unlocks a pair taken by acquirePair. A round left without
// attestations is dropped.
func (e *Engine) release(id common.Hash, r *round, oppositeID common.Hash, opposite *round) {
	if !opposite.closed && len(opposite.attestations) == 0 {
		e.close(oppositeID, opposite)
	}
	opposite.mu.Unlock()
	if !r.closed && len(r.attestations) == 0 {
		e.close(id, r)
	}
	r.mu.Unlock()
}

// close discards a round's attestations and frees their matched-amount
// handles, except the one kept by a finalized match. Caller holds r.mu.
func (e *Engine) close(id common.Hash, r *round) {
	for _, a := range r.attestations {
		if a.Matched != r.keep {
			e.releaseHandle(a.Matched)
		}
	}
	r.closed = true
	r.reset()

	e.roundsMu.Lock()
	if e.rounds[id] == r {
		delete(e.rounds, id)
	}
	e.roundsMu.Unlock()
}

// activeIntention loads a matchable intention, expiring it when it has
// outlived the match timeout. Caller holds r.mu.
func (e *Engine) activeIntention(r *round, id common.Hash) (*intents.TradeIntention, error) {
	intention, err := e.registry.Active(id)
	if err != nil {
		e.close(id, r)
		return nil, err
	}

	if e.now().Sub(intention.CreatedAt) > e.cfg.MatchTimeout {
		if derr := e.registry.Deactivate(id); derr != nil {
			log.WithError(derr).WithField("intention_id", id.Hex()).Warn("Failed to expire intention")
		}
		e.close(id, r)
		return nil, fmt.Errorf("%w: %s is older than %s", intents.ErrRequestExpired, id.Hex(), e.cfg.MatchTimeout)
	}
	return intention, nil
}

// checkOpposite validates a counter intention held by this coordinator: it
// must still be pending and on the other side. Either way the opposite id
// must not belong to an earlier match. Returns nil for a remote opposite.
// Caller holds the opposite round.
func (e *Engine) checkOpposite(r *round, intention *intents.TradeIntention, oppositeID common.Hash) (*intents.TradeIntention, error) {
	if e.ledger.HasMatch(oppositeID) {
		return nil, fmt.Errorf("%w: %s is already matched", ErrOppositeClosed, oppositeID.Hex())
	}
	if _, err := e.registry.Get(oppositeID); err != nil {
		if errors.Is(err, intents.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	counter, err := e.activeIntention(r, oppositeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOppositeClosed, err)
	}
	if counter.Side != intention.Side.Opposite() {
		return nil, fmt.Errorf("%w: %s is also a %s intention", ErrInvalidAttestation, oppositeID.Hex(), counter.Side)
	}
	return counter, nil
}

// checkPair bounds the claimed terms by the intention and, when it is held
// here, by the counter intention as well.
func (e *Engine) checkPair(intention, counter *intents.TradeIntention, amount, price *big.Int) (confidential.Handle, error) {
	matched, err := e.checkBounds(intention, amount, price)
	if err != nil || counter == nil {
		return matched, err
	}
	counterMatched, err := e.checkBounds(counter, amount, price)
	if err != nil {
		e.releaseHandle(matched)
		return confidential.Handle{}, err
	}
	e.releaseHandle(counterMatched)
	return matched, nil
}

// checkBounds verifies the claimed terms against the encrypted intention
// without revealing it: amount <= enc_amount and the price respects the
// intention's limit for its side. Returns select(valid, amount, 0).
func (e *Engine) checkBounds(intention *intents.TradeIntention, amount, price *big.Int) (confidential.Handle, error) {
	principal := e.cfg.Principal

	// Intermediate ciphertexts never outlive the check.
	var scratch []confidential.Handle
	defer func() {
		for _, h := range scratch {
			e.releaseHandle(h)
		}
	}()

	claimedAmount, err := e.store.Encrypt(amount, principal)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("failed to encrypt claimed amount: %w", err)
	}
	scratch = append(scratch, claimedAmount)
	claimedPrice, err := e.store.Encrypt(price, principal)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("failed to encrypt claimed price: %w", err)
	}
	scratch = append(scratch, claimedPrice)

	amountOK, err := e.store.LessOrEqual(principal, claimedAmount, intention.Amount)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("failed to compare amount: %w", err)
	}
	scratch = append(scratch, amountOK)

	var priceOK confidential.Handle
	if intention.Side == intents.SideBuy {
		priceOK, err = e.store.LessOrEqual(principal, claimedPrice, intention.Price)
	} else {
		priceOK, err = e.store.LessOrEqual(principal, intention.Price, claimedPrice)
	}
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("failed to compare price: %w", err)
	}
	scratch = append(scratch, priceOK)

	valid, err := e.store.And(principal, amountOK, priceOK)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("failed to combine bounds: %w", err)
	}
	scratch = append(scratch, valid)

	zero, err := e.store.Encrypt(new(big.Int), principal)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("failed to encrypt zero: %w", err)
	}
	scratch = append(scratch, zero)
	matched, err := e.store.Select(principal, valid, claimedAmount, zero)
	if err != nil {
		return confidential.Handle{}, fmt.Errorf("failed to select matched amount: %w", err)
	}

	ok, err := e.store.DecryptBool(valid, principal)
	if err != nil {
		scratch = append(scratch, matched)
		return confidential.Handle{}, fmt.Errorf("failed to read bound check: %w", err)
	}
	if !ok {
		scratch = append(scratch, matched)
		return confidential.Handle{}, fmt.Errorf("%w: intention %s", ErrInvalidMatch, intention.ID.Hex())
	}
	if err := e.store.GrantAccess(matched, intention.Submitter); err != nil {
		scratch = append(scratch, matched)
		return confidential.Handle{}, fmt.Errorf("failed to grant matched amount: %w", err)
	}
	return matched, nil
}

func (e *Engine) releaseHandle(h confidential.Handle) {
	if h.IsZero() {
		return
	}
	if err := e.store.Release(e.cfg.Principal, h); err != nil {
		log.WithError(err).WithField("handle", h.Hex()).Debug("Failed to release ciphertext")
	}
}

// finalize moves the intention, and a local opposite intention, to Matched
// and records the canonical terms. Caller holds both rounds.
func (e *Engine) finalize(ctx context.Context, r, opposite *round, localOpposite bool, intention *intents.TradeIntention,
	terms *Attestation, consensusCount, rosterSize int, delegated bool) (*ledger.FinalizedMatch, error) {

	ids := []common.Hash{intention.ID}
	if localOpposite {
		ids = append(ids, terms.OppositeID)
	}
	if err := e.registry.MarkMatched(ids...); err != nil {
		e.close(intention.ID, r)
		return nil, fmt.Errorf("failed to mark intention matched: %w", err)
	}

	match, err := e.ledger.Record(ctx, &ledger.FinalizedMatch{
		IntentionID:    intention.ID,
		OppositeID:     terms.OppositeID,
		OppositeLocal:  localOpposite,
		Venue:          intention.Venue,
		Side:           intention.Side,
		Submitter:      intention.Submitter,
		Counterparty:   terms.Counterparty,
		OppositeOrigin: terms.OppositeOrigin,
		Amount:         terms.Amount,
		Price:          terms.Price,
		MatchedAmount:  terms.Matched,
		ConsensusCount: consensusCount,
		RosterSize:     rosterSize,
		Delegated:      delegated,
	})
	if err == nil {
		r.keep = terms.Matched
	}
	e.close(intention.ID, r)
	if localOpposite {
		e.close(terms.OppositeID, opposite)
	}
	if err != nil {
		log.WithError(err).WithField("intention_id", intention.ID.Hex()).Error("Intention matched but match could not be recorded")
		return nil, fmt.Errorf("failed to record match: %w", err)
	}
	return match, nil
}

func validateTerms(intentionID, oppositeID common.Hash, amount, price *big.Int) error {
	switch {
	case intentionID == (common.Hash{}) || oppositeID == (common.Hash{}):
		return fmt.Errorf("%w: intention ids are required", ErrInvalidAttestation)
	case intentionID == oppositeID:
		return fmt.Errorf("%w: an intention cannot match itself", ErrInvalidAttestation)
	case amount == nil || amount.Sign() <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAttestation)
	case price == nil || price.Sign() <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidAttestation)
	}
	return nil
}

func (e *Engine) announceAttestation(a *Attestation, count, rosterSize int) {
	if e.sink == nil {
		return
	}
	evt, err := events.NewEvent(events.EventAttestationRecorded, events.SeverityInfo, component, &events.AttestationEventPayload{
		IntentionID: a.IntentionID.Hex(),
		OppositeID:  a.OppositeID.Hex(),
		Verifier:    a.Verifier.Hex(),
		Count:       count,
		RosterSize:  rosterSize,
	})
	if err != nil {
		return
	}
	evt.IntentionID = a.IntentionID.Hex()
	evt.VerifierID = a.Verifier.Hex()
	events.Dispatch(e.sink, evt)
}

func (e *Engine) rejected(verifier common.Address, intentionID, oppositeID common.Hash, cause error) {
	code := apperr.CodeOf(cause)
	if code == "" {
		code = "Internal"
	}

	log.WithFields(log.Fields{
		"intention_id": intentionID.Hex(),
		"verifier":     verifier.Hex(),
		"reason":       code,
	}).WithError(cause).Warn("Attestation rejected")

	if e.sink == nil {
		return
	}
	evt, err := events.NewEvent(events.EventAttestationRejected, events.SeverityWarning, component, &events.AttestationEventPayload{
		IntentionID: intentionID.Hex(),
		OppositeID:  oppositeID.Hex(),
		Verifier:    verifier.Hex(),
		Reason:      code,
	})
	if err != nil {
		return
	}
	evt.IntentionID = intentionID.Hex()
	evt.VerifierID = verifier.Hex()
	evt.Error = cause.Error()
	events.Dispatch(e.sink, evt)
}
