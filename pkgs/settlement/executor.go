package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/ledger"
	"github.com/7maylord/whisper/pkgs/metrics"
	"github.com/7maylord/whisper/pkgs/workers"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// DefaultTimeout bounds one settlement call
const DefaultTimeout = 30 * time.Second

var (
	ErrSettlementFailed = apperr.New(apperr.KindExternal, "SettlementFailed", "settlement venue rejected the order")
	ErrUnknownPair      = apperr.New(apperr.KindNotFound, "UnknownVenuePair", "no token pair configured for venue")
	ErrNoCounterparty   = apperr.New(apperr.KindValidation, "MissingCounterparty", "match has no counterparty to settle with")
)

// Ledger is the part of the match ledger the executor drives
type Ledger interface {
	Claim(id common.Hash) (*ledger.FinalizedMatch, error)
	Release(id common.Hash)
	CompleteSettlement(id common.Hash) (*ledger.FinalizedMatch, error)
}

// Registry moves the settled intentions to Executed
type Registry interface {
	MarkExecuted(ids ...common.Hash) error
}

// Executor runs Claim, Settle and MarkExecuted for a match, releasing the
// claim when the venue fails
type Executor struct {
	ledger   Ledger
	registry Registry
	venue    Venue
	pairs    map[common.Address]TokenPair
	timeout  time.Duration
	monitor  *workers.WorkerMonitor
}

// NewExecutor creates an executor. monitor may be nil.
func NewExecutor(l Ledger, registry Registry, venue Venue, pairs map[common.Address]TokenPair,
	timeout time.Duration, monitor *workers.WorkerMonitor) *Executor {

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	copied := make(map[common.Address]TokenPair, len(pairs))
	for k, v := range pairs {
		copied[k] = v
	}
	return &Executor{
		ledger:   l,
		registry: registry,
		venue:    venue,
		pairs:    copied,
		timeout:  timeout,
		monitor:  monitor,
	}
}

// Settle executes a finalized match exactly once
func (e *Executor) Settle(ctx context.Context, matchID common.Hash) (*ledger.FinalizedMatch, *Receipt, error) {
	m, err := e.ledger.Claim(matchID)
	if err != nil {
		return nil, nil, err
	}

	if m.Counterparty == (common.Address{}) {
		e.ledger.Release(matchID)
		return nil, nil, fmt.Errorf("%w: %s", ErrNoCounterparty, matchID.Hex())
	}
	pair, ok := e.pairs[m.Venue]
	if !ok {
		e.ledger.Release(matchID)
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPair, m.Venue.Hex())
	}

	order := BuildOrder(m, pair)
	logger := log.WithFields(log.Fields{
		"match_id":   matchID.Hex(),
		"buy_party":  order.BuyParty.Hex(),
		"sell_party": order.SellParty.Hex(),
		"amount_in":  order.AmountIn.String(),
		"amount_out": order.AmountOut.String(),
	})
	e.monitor.ProcessingStarted(ctx, matchID.Hex())

	settleCtx, cancel := context.WithTimeout(ctx, e.timeout)
	start := time.Now()
	receipt, err := e.venue.Settle(settleCtx, order)
	cancel()

	if err != nil {
		metrics.SettlementDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		e.ledger.Release(matchID)
		e.monitor.ProcessingFailed(ctx, err)
		logger.WithError(err).Error("Settlement failed")
		return nil, nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	metrics.SettlementDuration.WithLabelValues("settled").Observe(time.Since(start).Seconds())
	if receipt == nil {
		receipt = &Receipt{SettledAt: time.Now()}
	}

	done, err := e.ledger.CompleteSettlement(matchID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mark match executed: %w", err)
	}
	if err := e.registry.MarkExecuted(done.Sides()...); err != nil {
		logger.WithError(err).Warn("Failed to mark intentions executed")
	}
	e.monitor.ProcessingCompleted(ctx)

	logger.WithField("reference", receipt.Reference).Info("Match settled")
	return done, receipt, nil
}

// Pairs returns the configured venue token pairs
func (e *Executor) Pairs() map[common.Address]TokenPair {
	out := make(map[common.Address]TokenPair, len(e.pairs))
	for k, v := range e.pairs {
		out[k] = v
	}
	return out
}
