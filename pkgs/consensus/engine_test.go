package consensus

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/7maylord/whisper/pkgs/intents"
	"github.com/7maylord/whisper/pkgs/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	principal    = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	submitter    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	counterparty = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	delegate     = common.HexToAddress("0x00000000000000000000000000000000000de1e9")
	venue        = common.HexToAddress("0x000000000000000000000000000000000000f001")
	oppositeID   = common.HexToHash("0xbeef")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store    *confidential.SealedStore
	registry *intents.Registry
	ledger   *ledger.Ledger
	engine   *Engine
	clock    *fakeClock
}

func newFixture(t *testing.T, matchTimeout time.Duration) *fixture {
	t.Helper()
	store, err := confidential.NewSealedStore(confidential.DefaultBitWidth)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	registry := intents.NewRegistry(intents.Config{ValidityWindow: 5 * time.Minute, Principal: principal}, store,
		intents.WithClock(clock.Now))
	l := ledger.NewLedger(ledger.Config{MarkupBps: ledger.DefaultMarkupBps}, ledger.WithClock(clock.Now))
	engine := NewEngine(Config{
		Threshold:    DefaultThreshold,
		MatchTimeout: matchTimeout,
		Principal:    principal,
		Delegates:    []common.Address{delegate},
	}, store, registry, l, WithClock(clock.Now))

	return &fixture{store: store, registry: registry, ledger: l, engine: engine, clock: clock}
}

func (f *fixture) submit(t *testing.T, side intents.Side, amount, price int64) common.Hash {
	t.Helper()
	a, err := f.store.Encrypt(big.NewInt(amount), submitter)
	require.NoError(t, err)
	p, err := f.store.Encrypt(big.NewInt(price), submitter)
	require.NoError(t, err)
	require.NoError(t, f.store.GrantAccess(a, principal))
	require.NoError(t, f.store.GrantAccess(p, principal))

	id, err := f.registry.Submit(intents.SubmitRequest{
		Venue: venue, Submitter: submitter, Side: side, Amount: a, Price: p, Origin: 1,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) verifiers(t *testing.T, n int) []common.Address {
	t.Helper()
	out := make([]common.Address, n)
	for i := range out {
		out[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
		_, err := f.engine.Register(out[i])
		require.NoError(t, err)
	}
	return out
}

func attest(verifier common.Address, intentionID common.Hash, amount, price int64) AttestRequest {
	return AttestRequest{
		Verifier:       verifier,
		IntentionID:    intentionID,
		OppositeID:     oppositeID,
		Amount:         big.NewInt(amount),
		Price:          big.NewInt(price),
		OppositeOrigin: 2,
		Counterparty:   counterparty,
	}
}

func TestQuorumThresholds(t *testing.T) {
	assert.Equal(t, 2, RequiredAttestations(3, 66))
	assert.Equal(t, 3, RequiredAttestations(4, 66))
	assert.Equal(t, 1, RequiredAttestations(1, 66))
	assert.Equal(t, 0, RequiredAttestations(0, 66))

	assert.False(t, QuorumReached(1, 3, 66))
	assert.True(t, QuorumReached(2, 3, 66))
	assert.False(t, QuorumReached(2, 4, 66))
	assert.True(t, QuorumReached(3, 4, 66))
	assert.False(t, QuorumReached(0, 0, 66))
}

func TestRegisterOnce(t *testing.T) {
	f := newFixture(t, 0)
	v := common.HexToAddress("0x1234")

	_, err := f.engine.Register(v)
	require.NoError(t, err)
	_, err = f.engine.Register(v)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = f.engine.Register(common.Address{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	assert.Equal(t, 1, f.engine.RosterSize())
	assert.True(t, f.engine.IsVerifier(v))
	assert.Len(t, f.engine.Verifiers(), 1)
}

func TestTwoOfThreeFinalizesMatch(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 3)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	first, err := f.engine.Attest(context.Background(), attest(vs[0], id, 10, 2000))
	require.NoError(t, err)
	assert.Nil(t, first.Match)
	assert.Equal(t, 1, first.GroupCount)
	assert.Equal(t, 2, first.Required)

	second, err := f.engine.Attest(context.Background(), attest(vs[1], id, 10, 2000))
	require.NoError(t, err)
	require.NotNil(t, second.Match)

	match := second.Match
	assert.Equal(t, 2, match.ConsensusCount)
	assert.Equal(t, 3, match.RosterSize)
	assert.True(t, match.Savings.IsPositive())
	assert.Equal(t, big.NewInt(10), match.Amount)
	assert.Equal(t, big.NewInt(2000), match.Price)
	assert.Equal(t, counterparty, match.Counterparty)
	assert.Equal(t, ledger.MatchID(id, oppositeID), match.ID)

	intention, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, intents.StateMatched, intention.State)

	stored, err := f.ledger.ByIntention(id)
	require.NoError(t, err)
	assert.Equal(t, match.ID, stored.ID)

	amount, err := f.store.Decrypt(match.MatchedAmount, submitter)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), amount)

	assert.Equal(t, 0, f.engine.OpenRounds())

	_, err = f.engine.Attest(context.Background(), attest(vs[2], id, 10, 2000))
	assert.ErrorIs(t, err, intents.ErrNotPending)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))
}

func TestDuplicateAttestationDoesNotCount(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 4)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	_, err := f.engine.Attest(context.Background(), attest(vs[0], id, 10, 2000))
	require.NoError(t, err)
	_, err = f.engine.Attest(context.Background(), attest(vs[0], id, 10, 2000))
	assert.ErrorIs(t, err, ErrDuplicateAttestation)

	status := f.engine.Status(id)
	assert.Equal(t, 1, status.Attestations)
	assert.Equal(t, 3, status.Required)

	second, err := f.engine.Attest(context.Background(), attest(vs[1], id, 10, 2000))
	require.NoError(t, err)
	assert.Nil(t, second.Match)

	third, err := f.engine.Attest(context.Background(), attest(vs[2], id, 10, 2000))
	require.NoError(t, err)
	require.NotNil(t, third.Match)
	assert.Equal(t, 3, third.Match.ConsensusCount)
}

func TestAttestRequiresVerifier(t *testing.T) {
	f := newFixture(t, 0)
	f.verifiers(t, 3)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	_, err := f.engine.Attest(context.Background(), attest(common.HexToAddress("0x9999"), id, 10, 2000))
	assert.ErrorIs(t, err, ErrNotAVerifier)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestAttestUnknownIntention(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 3)

	_, err := f.engine.Attest(context.Background(), attest(vs[0], common.HexToHash("0x42"), 10, 2000))
	assert.ErrorIs(t, err, intents.ErrNotFound)
	assert.Equal(t, 0, f.engine.OpenRounds())
}

func TestMatchTimeoutExpiresIntention(t *testing.T) {
	f := newFixture(t, time.Minute)
	vs := f.verifiers(t, 3)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	_, err := f.engine.Attest(context.Background(), attest(vs[0], id, 10, 2000))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.engine.Attest(context.Background(), attest(vs[1], id, 10, 2000))
	assert.ErrorIs(t, err, intents.ErrRequestExpired)

	intention, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, intents.StateExpired, intention.State)
	assert.Equal(t, 0, f.engine.OpenRounds())
}

func TestValidityWindowExpiry(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 3)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	f.clock.Advance(6 * time.Minute)
	_, err := f.engine.Attest(context.Background(), attest(vs[0], id, 10, 2000))
	assert.ErrorIs(t, err, intents.ErrRequestExpired)
}

func TestBoundCheck(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 3)
	buy := f.submit(t, intents.SideBuy, 100, 2500)
	sell := f.submit(t, intents.SideSell, 100, 1800)

	cases := []struct {
		name   string
		id     common.Hash
		amount int64
		price  int64
		ok     bool
	}{
		{"buy within bounds", buy, 100, 2500, true},
		{"buy amount too large", buy, 101, 2000, false},
		{"buy price above maximum", buy, 10, 2501, false},
		{"sell within bounds", sell, 50, 1800, true},
		{"sell price below minimum", sell, 10, 1799, false},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Attest(context.Background(), attest(vs[i%len(vs)], tc.id, tc.amount, tc.price))
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidMatch)
		})
	}
}

func TestAttestValidation(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 3)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	req := attest(vs[0], id, 0, 2000)
	_, err := f.engine.Attest(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidAttestation)

	req = attest(vs[0], id, 10, 2000)
	req.OppositeID = id
	_, err = f.engine.Attest(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidAttestation)

	_, err = f.engine.Attest(context.Background(), AttestRequest{
		Verifier:    vs[0],
		IntentionID: id,
		OppositeID:  oppositeID,
		Amount:      new(big.Int).Lsh(big.NewInt(1), 64),
		Price:       big.NewInt(2000),
	})
	assert.ErrorIs(t, err, confidential.ErrRange)
}

func TestConflictingTermsNeedTheirOwnQuorum(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 3)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	res, err := f.engine.Attest(context.Background(), attest(vs[0], id, 10, 2000))
	require.NoError(t, err)
	assert.Nil(t, res.Match)

	res, err = f.engine.Attest(context.Background(), attest(vs[1], id, 10, 2100))
	require.NoError(t, err)
	assert.Nil(t, res.Match)
	assert.Equal(t, 2, res.TotalCount)
	assert.Equal(t, 1, res.GroupCount)

	status := f.engine.Status(id)
	assert.Equal(t, 2, status.Groups)
	assert.Equal(t, 1, status.LeadingCount)

	res, err = f.engine.Attest(context.Background(), attest(vs[2], id, 10, 2100))
	require.NoError(t, err)
	require.NotNil(t, res.Match)
	assert.Equal(t, big.NewInt(2100), res.Match.Price)
	assert.Equal(t, 2, res.Match.ConsensusCount)
}

func TestDelegatedMatch(t *testing.T) {
	f := newFixture(t, 0)
	f.verifiers(t, 3)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	req := DelegatedRequest{
		Caller:         common.HexToAddress("0x5555"),
		IntentionID:    id,
		OppositeID:     oppositeID,
		Amount:         big.NewInt(10),
		Price:          big.NewInt(2000),
		OppositeOrigin: 2,
		Counterparty:   counterparty,
		ConsensusCount: 3,
	}
	_, err := f.engine.CreateDelegatedMatch(context.Background(), req)
	assert.ErrorIs(t, err, ErrNotADelegate)

	req.Caller = delegate
	req.Price = big.NewInt(3000)
	_, err = f.engine.CreateDelegatedMatch(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidMatch)

	req.Price = big.NewInt(2000)
	match, err := f.engine.CreateDelegatedMatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, match.Delegated)
	assert.Equal(t, 3, match.ConsensusCount)

	_, err = f.engine.CreateDelegatedMatch(context.Background(), req)
	assert.ErrorIs(t, err, intents.ErrNotPending)
}

func TestConcurrentAttestationsFinalizeOnce(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 5)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matches int
	)
	for _, v := range vs {
		wg.Add(1)
		go func(v common.Address) {
			defer wg.Done()
			res, err := f.engine.Attest(context.Background(), attest(v, id, 10, 2000))
			if err != nil {
				assert.ErrorIs(t, err, intents.ErrNotPending)
				return
			}
			if res.Match != nil {
				mu.Lock()
				matches++
				mu.Unlock()
			}
		}(v)
	}
	wg.Wait()

	assert.Equal(t, 1, matches)
	assert.Len(t, f.ledger.List(), 1)
}

func TestPruneDropsClosedRounds(t *testing.T) {
	f := newFixture(t, time.Minute)
	vs := f.verifiers(t, 3)
	id := f.submit(t, intents.SideBuy, 100, 2500)

	_, err := f.engine.Attest(context.Background(), attest(vs[0], id, 10, 2000))
	require.NoError(t, err)
	assert.Equal(t, 1, f.engine.OpenRounds())

	assert.Equal(t, 0, f.engine.Prune())
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.engine.Prune())
	assert.Equal(t, 0, f.engine.OpenRounds())
}

func TestLocalOppositeIsConsumedOnce(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 1)
	a := f.submit(t, intents.SideBuy, 100, 2500)
	b := f.submit(t, intents.SideSell, 100, 1800)
	c := f.submit(t, intents.SideBuy, 100, 2500)

	req := attest(vs[0], a, 10, 2000)
	req.OppositeID = b
	res, err := f.engine.Attest(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Match)
	assert.Equal(t, ledger.MatchID(b, a), res.Match.ID)
	assert.Equal(t, []common.Hash{a, b}, res.Match.Sides())

	for _, id := range []common.Hash{a, b} {
		got, err := f.registry.Get(id)
		require.NoError(t, err)
		assert.Equal(t, intents.StateMatched, got.State)
	}

	reversed := attest(vs[0], b, 10, 2000)
	reversed.OppositeID = a
	_, err = f.engine.Attest(context.Background(), reversed)
	assert.ErrorIs(t, err, intents.ErrNotPending)

	reuse := attest(vs[0], c, 10, 2000)
	reuse.OppositeID = b
	_, err = f.engine.Attest(context.Background(), reuse)
	assert.ErrorIs(t, err, ErrOppositeClosed)
	assert.Equal(t, apperr.KindState, apperr.KindOf(err))

	got, err := f.registry.Get(c)
	require.NoError(t, err)
	assert.Equal(t, intents.StatePending, got.State)
	assert.Len(t, f.ledger.List(), 1)
	assert.Equal(t, 0, f.engine.OpenRounds())
}

func TestRemoteOppositeIsConsumedOnce(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 1)
	a := f.submit(t, intents.SideBuy, 100, 2500)
	c := f.submit(t, intents.SideBuy, 100, 2500)

	res, err := f.engine.Attest(context.Background(), attest(vs[0], a, 10, 2000))
	require.NoError(t, err)
	require.NotNil(t, res.Match)
	assert.Equal(t, []common.Hash{a}, res.Match.Sides())

	_, err = f.engine.Attest(context.Background(), attest(vs[0], c, 10, 2000))
	assert.ErrorIs(t, err, ErrOppositeClosed)

	_, err = f.engine.CreateDelegatedMatch(context.Background(), DelegatedRequest{
		Caller:         delegate,
		IntentionID:    c,
		OppositeID:     oppositeID,
		Amount:         big.NewInt(10),
		Price:          big.NewInt(2000),
		Counterparty:   counterparty,
		ConsensusCount: 1,
	})
	assert.ErrorIs(t, err, ErrOppositeClosed)
	assert.Len(t, f.ledger.List(), 1)
}

func TestLocalOppositeMustBeCounterSide(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 1)
	a := f.submit(t, intents.SideBuy, 100, 2500)
	d := f.submit(t, intents.SideBuy, 100, 2500)

	req := attest(vs[0], a, 10, 2000)
	req.OppositeID = d
	_, err := f.engine.Attest(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidAttestation)

	for _, id := range []common.Hash{a, d} {
		got, err := f.registry.Get(id)
		require.NoError(t, err)
		assert.Equal(t, intents.StatePending, got.State)
	}
	assert.Equal(t, 0, f.engine.OpenRounds())
}

func TestLocalOppositeMustBePending(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 1)
	a := f.submit(t, intents.SideBuy, 100, 2500)
	b := f.submit(t, intents.SideSell, 100, 1800)
	require.NoError(t, f.registry.Deactivate(b))

	req := attest(vs[0], a, 10, 2000)
	req.OppositeID = b
	_, err := f.engine.Attest(context.Background(), req)
	assert.ErrorIs(t, err, ErrOppositeClosed)
	assert.Empty(t, f.ledger.List())
}

func TestLocalOppositeBoundsTheTerms(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 1)
	a := f.submit(t, intents.SideBuy, 100, 2500)
	b := f.submit(t, intents.SideSell, 5, 1800)
	baseline := f.store.Len()

	// within the buyer's limits, beyond the seller's amount
	req := attest(vs[0], a, 10, 2000)
	req.OppositeID = b
	_, err := f.engine.Attest(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidMatch)

	// below the seller's minimum price
	req = attest(vs[0], a, 5, 1700)
	req.OppositeID = b
	_, err = f.engine.Attest(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidMatch)
	assert.Equal(t, baseline, f.store.Len())

	req = attest(vs[0], a, 5, 2000)
	req.OppositeID = b
	res, err := f.engine.Attest(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Match)
	assert.Equal(t, baseline+1, f.store.Len())
}

func TestRejectedAttestationsReleaseCiphertexts(t *testing.T) {
	f := newFixture(t, 0)
	vs := f.verifiers(t, 3)
	id := f.submit(t, intents.SideBuy, 100, 2500)
	baseline := f.store.Len()

	for i := 0; i < 25; i++ {
		_, err := f.engine.Attest(context.Background(), attest(vs[i%len(vs)], id, 101, 2000))
		require.ErrorIs(t, err, ErrInvalidMatch)
	}
	for i := 0; i < 5; i++ {
		_, err := f.engine.CreateDelegatedMatch(context.Background(), DelegatedRequest{
			Caller:         delegate,
			IntentionID:    id,
			OppositeID:     oppositeID,
			Amount:         big.NewInt(10),
			Price:          big.NewInt(2600),
			Counterparty:   counterparty,
			ConsensusCount: 3,
		})
		require.ErrorIs(t, err, ErrInvalidMatch)
	}
	assert.Equal(t, baseline, f.store.Len())
	assert.Equal(t, 0, f.engine.OpenRounds())

	_, err := f.engine.Attest(context.Background(), attest(vs[0], id, 10, 2000))
	require.NoError(t, err)
	assert.Equal(t, baseline+1, f.store.Len())

	res, err := f.engine.Attest(context.Background(), attest(vs[1], id, 10, 2000))
	require.NoError(t, err)
	require.NotNil(t, res.Match)

	// only the handle owned by the match survives the round
	assert.Equal(t, baseline+1, f.store.Len())
	amount, err := f.store.Decrypt(res.Match.MatchedAmount, submitter)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), amount)
}
