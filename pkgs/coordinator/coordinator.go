// Package coordinator owns one instance of every matching component and is
// the single entry point for the operations exposed to clients.
package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/commitreveal"
	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/7maylord/whisper/pkgs/consensus"
	"github.com/7maylord/whisper/pkgs/events"
	"github.com/7maylord/whisper/pkgs/intents"
	"github.com/7maylord/whisper/pkgs/ledger"
	"github.com/7maylord/whisper/pkgs/relay"
	"github.com/7maylord/whisper/pkgs/settlement"
	"github.com/7maylord/whisper/pkgs/workers"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

var (
	ErrSettlementDisabled = apperr.New(apperr.KindState, "SettlementDisabled", "no settlement venue configured")
	ErrDiscoveryDisabled  = apperr.New(apperr.KindState, "DiscoveryDisabled", "discovery inbox not configured")
	ErrInvalidPrincipal   = apperr.New(apperr.KindValidation, "InvalidPrincipal", "engine principal required")
	ErrNotASettler        = apperr.New(apperr.KindAuthorization, "NotASettler", "caller may not report executions")
)

// Config holds the matching core settings
type Config struct {
	Principal      common.Address
	BitWidth       uint
	Threshold      int
	ValidityWindow time.Duration
	MatchTimeout   time.Duration
	RevealWindow   time.Duration
	MarkupBps      int64
	PriceTimeout   time.Duration
	Delegates      []common.Address
	// Settlers may report externally settled matches, as may delegates.
	Settlers []common.Address
}

// AuditRecorder receives every intention, attestation and match snapshot
type AuditRecorder interface {
	intents.Recorder
	consensus.Recorder
	ledger.Recorder
}

// Settlement configures the executor behind SettleMatch
type Settlement struct {
	Venue   settlement.Venue
	Pairs   map[common.Address]settlement.TokenPair
	Timeout time.Duration
	Monitor *workers.WorkerMonitor
}

type options struct {
	sink       events.Sink
	relay      intents.Broadcaster
	inbox      *relay.Inbox
	pricer     ledger.ReferencePricer
	audit      AuditRecorder
	settlement *Settlement
	now        func() time.Time
}

// Option customizes a Coordinator
type Option func(*options)

func WithEvents(s events.Sink) Option            { return func(o *options) { o.sink = s } }
func WithRelay(b intents.Broadcaster) Option     { return func(o *options) { o.relay = b } }
func WithInbox(in *relay.Inbox) Option           { return func(o *options) { o.inbox = in } }
func WithPricer(p ledger.ReferencePricer) Option { return func(o *options) { o.pricer = p } }
func WithAudit(rec AuditRecorder) Option         { return func(o *options) { o.audit = rec } }
func WithSettlement(s Settlement) Option         { return func(o *options) { o.settlement = &s } }
func WithClock(now func() time.Time) Option      { return func(o *options) { o.now = now } }

// Coordinator wires the store, registry, gate, engine and ledger together
type Coordinator struct {
	cfg      Config
	store    *confidential.SealedStore
	registry *intents.Registry
	gate     *commitreveal.Gate
	engine   *consensus.Engine
	ledger   *ledger.Ledger
	executor *settlement.Executor
	inbox    *relay.Inbox
	settlers map[common.Address]struct{}
}

// New builds a coordinator with a fresh sealed store
func New(cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.Principal == (common.Address{}) {
		return nil, ErrInvalidPrincipal
	}
	if cfg.BitWidth == 0 {
		cfg.BitWidth = confidential.DefaultBitWidth
	}

	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	store, err := confidential.NewSealedStore(cfg.BitWidth)
	if err != nil {
		return nil, fmt.Errorf("failed to create confidential store: %w", err)
	}

	regOpts := []intents.Option{intents.WithEvents(o.sink), intents.WithClock(o.now)}
	ledgerOpts := []ledger.Option{ledger.WithEvents(o.sink), ledger.WithClock(o.now)}
	engineOpts := []consensus.Option{consensus.WithEvents(o.sink), consensus.WithClock(o.now)}
	if o.relay != nil {
		regOpts = append(regOpts, intents.WithBroadcaster(o.relay))
	}
	if o.pricer != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithPricer(o.pricer))
	}
	if o.audit != nil {
		regOpts = append(regOpts, intents.WithRecorder(o.audit))
		ledgerOpts = append(ledgerOpts, ledger.WithRecorder(o.audit))
		engineOpts = append(engineOpts, consensus.WithRecorder(o.audit))
	}

	registry := intents.NewRegistry(intents.Config{
		ValidityWindow: cfg.ValidityWindow,
		Principal:      cfg.Principal,
	}, store, regOpts...)

	l := ledger.NewLedger(ledger.Config{
		MarkupBps:    cfg.MarkupBps,
		PriceTimeout: cfg.PriceTimeout,
	}, ledgerOpts...)

	engine := consensus.NewEngine(consensus.Config{
		Threshold:    cfg.Threshold,
		MatchTimeout: cfg.MatchTimeout,
		Principal:    cfg.Principal,
		Delegates:    cfg.Delegates,
	}, store, registry, l, engineOpts...)

	gate := commitreveal.NewGate(cfg.RevealWindow, registry, o.sink)
	gate.SetClock(o.now)

	c := &Coordinator{
		cfg:      cfg,
		store:    store,
		registry: registry,
		gate:     gate,
		engine:   engine,
		ledger:   l,
		inbox:    o.inbox,
		settlers: make(map[common.Address]struct{}, len(cfg.Settlers)+len(cfg.Delegates)),
	}
	for _, a := range append(append([]common.Address(nil), cfg.Settlers...), cfg.Delegates...) {
		c.settlers[a] = struct{}{}
	}
	if s := o.settlement; s != nil && s.Venue != nil {
		c.executor = settlement.NewExecutor(l, registry, s.Venue, s.Pairs, s.Timeout, s.Monitor)
	}

	log.WithFields(log.Fields{
		"principal":  cfg.Principal.Hex(),
		"bit_width":  cfg.BitWidth,
		"delegates":  len(cfg.Delegates),
		"settlers":   len(cfg.Settlers),
		"settlement": c.executor != nil,
		"discovery":  c.inbox != nil,
	}).Info("Coordinator initialized")
	return c, nil
}

// Principal is the engine identity that reads intention handles
func (c *Coordinator) Principal() common.Address {
	return c.cfg.Principal
}

// Encrypt seals value for owner and grants the engine principal access,
// producing a handle ready for SubmitIntention
func (c *Coordinator) Encrypt(value *big.Int, owner common.Address) (confidential.Handle, error) {
	h, err := c.store.Encrypt(value, owner)
	if err != nil {
		return confidential.Handle{}, err
	}
	if owner != c.cfg.Principal {
		if err := c.store.GrantAccess(h, c.cfg.Principal); err != nil {
			return confidential.Handle{}, fmt.Errorf("failed to grant engine access: %w", err)
		}
	}
	return h, nil
}

// Decrypt opens a handle for a principal holding access
func (c *Coordinator) Decrypt(h confidential.Handle, principal common.Address) (*big.Int, error) {
	return c.store.Decrypt(h, principal)
}

// SubmitIntention records a pending intention from already-sealed figures
func (c *Coordinator) SubmitIntention(req intents.SubmitRequest) (common.Hash, error) {
	return c.registry.Submit(req)
}

// GetIntention returns an intention snapshot
func (c *Coordinator) GetIntention(id common.Hash) (*intents.TradeIntention, error) {
	return c.registry.Get(id)
}

// ListPending returns pending intention ids for a venue and side
func (c *Coordinator) ListPending(venue common.Address, side intents.Side) []common.Hash {
	return c.registry.ListPending(venue, side)
}

// RegisterVerifier adds identity to the roster
func (c *Coordinator) RegisterVerifier(identity common.Address) (*consensus.Verifier, error) {
	return c.engine.Register(identity)
}

// Verifiers returns the roster
func (c *Coordinator) Verifiers() []consensus.Verifier {
	return c.engine.Verifiers()
}

// AttestMatch records a verifier's attestation, finalizing on quorum
func (c *Coordinator) AttestMatch(ctx context.Context, req consensus.AttestRequest) (*consensus.AttestResult, error) {
	return c.engine.Attest(ctx, req)
}

// CreateDelegatedMatch records a match agreed by a configured delegate
func (c *Coordinator) CreateDelegatedMatch(ctx context.Context, req consensus.DelegatedRequest) (*ledger.FinalizedMatch, error) {
	return c.engine.CreateDelegatedMatch(ctx, req)
}

// RoundStatus summarizes pending attestations for an intention
func (c *Coordinator) RoundStatus(intentionID common.Hash) consensus.RoundStatus {
	return c.engine.Status(intentionID)
}

// Commit locks a submitter's commitment hash
func (c *Coordinator) Commit(submitter common.Address, hash common.Hash) (*commitreveal.Commitment, error) {
	return c.gate.Commit(submitter, hash)
}

// Reveal opens a submitter's commitment
func (c *Coordinator) Reveal(submitter common.Address, req commitreveal.RevealRequest) (*commitreveal.Commitment, error) {
	return c.gate.Reveal(submitter, req)
}

// Commitment returns the submitter's current commitment
func (c *Coordinator) Commitment(submitter common.Address) (*commitreveal.Commitment, error) {
	return c.gate.Get(submitter)
}

// GetMatch returns a finalized match
func (c *Coordinator) GetMatch(id common.Hash) (*ledger.FinalizedMatch, error) {
	return c.ledger.Get(id)
}

// MatchByIntention returns the match finalized for an intention
func (c *Coordinator) MatchByIntention(intentionID common.Hash) (*ledger.FinalizedMatch, error) {
	return c.ledger.ByIntention(intentionID)
}

// Matches lists every finalized match
func (c *Coordinator) Matches() []*ledger.FinalizedMatch {
	return c.ledger.List()
}

// IsSettler reports whether identity may report executions
func (c *Coordinator) IsSettler(identity common.Address) bool {
	_, ok := c.settlers[identity]
	return ok
}

// MarkExecuted records an externally settled match reported by a settler.
// The ledger guards exactly-once; the intentions on both local sides then
// move to Executed.
func (c *Coordinator) MarkExecuted(caller common.Address, id common.Hash) (*ledger.FinalizedMatch, error) {
	if !c.IsSettler(caller) {
		return nil, fmt.Errorf("%w: %s", ErrNotASettler, caller.Hex())
	}
	m, err := c.ledger.MarkExecuted(id)
	if err != nil {
		return nil, err
	}
	if err := c.registry.MarkExecuted(m.Sides()...); err != nil {
		log.WithError(err).WithField("intention_id", m.IntentionID.Hex()).Warn("Executed match left intention state unchanged")
	}
	return m, nil
}

// SettleMatch sends a finalized match to the settlement venue
func (c *Coordinator) SettleMatch(ctx context.Context, id common.Hash) (*ledger.FinalizedMatch, *settlement.Receipt, error) {
	if c.executor == nil {
		return nil, nil, ErrSettlementDisabled
	}
	return c.executor.Settle(ctx, id)
}

// ReceiveDiscovery accepts a peer venue's announcement
func (c *Coordinator) ReceiveDiscovery(ctx context.Context, msg *relay.Message) (bool, error) {
	if c.inbox == nil {
		return false, ErrDiscoveryDisabled
	}
	return c.inbox.Receive(ctx, msg)
}

// ListDiscovered returns remote intentions announced for a venue and side
func (c *Coordinator) ListDiscovered(venue common.Address, side string) ([]relay.Message, error) {
	if c.inbox == nil {
		return nil, ErrDiscoveryDisabled
	}
	return c.inbox.List(venue, side), nil
}

// Stats summarizes the coordinator state
type Stats struct {
	Intentions map[intents.State]int `json:"intentions"`
	Verifiers  int                   `json:"verifiers"`
	OpenRounds int                   `json:"open_rounds"`
	Matches    int                   `json:"matches"`
	Discovered int                   `json:"discovered"`
}

func (c *Coordinator) Stats() Stats {
	s := Stats{
		Intentions: c.registry.Stats(),
		Verifiers:  c.engine.RosterSize(),
		OpenRounds: c.engine.OpenRounds(),
		Matches:    len(c.ledger.List()),
	}
	if c.inbox != nil {
		s.Discovered = c.inbox.Len()
	}
	return s
}
