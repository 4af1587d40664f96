package intents

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/7maylord/whisper/pkgs/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	engine    = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	submitter = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	venue     = common.HexToAddress("0x000000000000000000000000000000000000f001")
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

type captureRelay struct {
	mu   sync.Mutex
	msgs []*relay.Message
}

func (c *captureRelay) Notify(msg *relay.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

type fixture struct {
	store    *confidential.SealedStore
	registry *Registry
	clock    *fakeClock
	relay    *captureRelay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := confidential.NewSealedStore(confidential.DefaultBitWidth)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	rel := &captureRelay{}
	reg := NewRegistry(Config{ValidityWindow: 5 * time.Minute, Principal: engine}, store,
		WithClock(clock.Now), WithBroadcaster(rel))

	return &fixture{store: store, registry: reg, clock: clock, relay: rel}
}

func (f *fixture) request(t *testing.T, side Side, amount, price int64) SubmitRequest {
	t.Helper()
	a, err := f.store.Encrypt(big.NewInt(amount), submitter)
	require.NoError(t, err)
	p, err := f.store.Encrypt(big.NewInt(price), submitter)
	require.NoError(t, err)
	require.NoError(t, f.store.GrantAccess(a, engine))
	require.NoError(t, f.store.GrantAccess(p, engine))

	return SubmitRequest{Venue: venue, Submitter: submitter, Side: side, Amount: a, Price: p, Origin: 1}
}

func TestSubmitThenGetIsPending(t *testing.T) {
	f := newFixture(t)

	id, err := f.registry.Submit(f.request(t, SideBuy, 10, 2000))
	require.NoError(t, err)

	got, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.True(t, got.Active)
	assert.Equal(t, venue, got.Venue)
	assert.Equal(t, SideBuy, got.Side)

	require.Len(t, f.relay.msgs, 1)
	assert.Equal(t, id, f.relay.msgs[0].IntentionID)
	assert.Equal(t, "buy", f.relay.msgs[0].Side)
}

func TestSubmitRequiresEngineAccess(t *testing.T) {
	f := newFixture(t)

	a, err := f.store.Encrypt(big.NewInt(1), submitter)
	require.NoError(t, err)
	p, err := f.store.Encrypt(big.NewInt(1), submitter)
	require.NoError(t, err)

	_, err = f.registry.Submit(SubmitRequest{Venue: venue, Submitter: submitter, Side: SideSell, Amount: a, Price: p})
	require.ErrorIs(t, err, ErrAccessNotGranted)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	assert.Empty(t, f.relay.msgs)
}

func TestSubmitRequiresSubmitterOwnsHandles(t *testing.T) {
	f := newFixture(t)

	// handles sealed for someone else and shared only with the engine
	other := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	a, err := f.store.Encrypt(big.NewInt(10), other)
	require.NoError(t, err)
	p, err := f.store.Encrypt(big.NewInt(2000), other)
	require.NoError(t, err)
	require.NoError(t, f.store.GrantAccess(a, engine))
	require.NoError(t, f.store.GrantAccess(p, engine))

	_, err = f.registry.Submit(SubmitRequest{Venue: venue, Submitter: submitter, Side: SideBuy, Amount: a, Price: p})
	require.ErrorIs(t, err, ErrNotOwner)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	assert.Empty(t, f.relay.msgs)

	// one borrowed handle is enough to refuse
	req := f.request(t, SideBuy, 10, 2000)
	req.Price = p
	_, err = f.registry.Submit(req)
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	req := f.request(t, "hold", 1, 1)
	_, err := f.registry.Submit(req)
	require.ErrorIs(t, err, ErrInvalidIntention)

	req = f.request(t, SideBuy, 1, 1)
	req.Venue = common.Address{}
	_, err = f.registry.Submit(req)
	require.ErrorIs(t, err, ErrInvalidIntention)
}

func TestIdentifiersUniqueWithinSameInstant(t *testing.T) {
	f := newFixture(t)

	seen := make(map[common.Hash]bool)
	for i := 0; i < 20; i++ {
		id, err := f.registry.Submit(f.request(t, SideBuy, 1, 1))
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestGetUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Get(common.HexToHash("0xdead"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)

	id, err := f.registry.Submit(f.request(t, SideSell, 5, 1000))
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	got, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)

	f.clock.Advance(time.Second)
	_, err = f.registry.Active(id)
	require.ErrorIs(t, err, ErrRequestExpired)

	got, err = f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
	assert.False(t, got.Active)
	assert.Empty(t, f.registry.ListPending(venue, SideSell))

	// Expired is terminal
	require.ErrorIs(t, f.registry.MarkMatched(id), ErrRequestExpired)
}

func TestListPendingOrderAndCompaction(t *testing.T) {
	f := newFixture(t)

	first, err := f.registry.Submit(f.request(t, SideBuy, 1, 1))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.registry.Submit(f.request(t, SideBuy, 1, 1))
	require.NoError(t, err)
	third, err := f.registry.Submit(f.request(t, SideBuy, 1, 1))
	require.NoError(t, err)
	_, err = f.registry.Submit(f.request(t, SideSell, 1, 1))
	require.NoError(t, err)

	assert.Equal(t, []common.Hash{first, second, third}, f.registry.ListPending(venue, SideBuy))

	require.NoError(t, f.registry.MarkMatched(second))
	assert.Equal(t, []common.Hash{first, third}, f.registry.ListPending(venue, SideBuy))

	// first crosses the window before third
	f.clock.Advance(4*time.Minute + time.Second)
	assert.Equal(t, []common.Hash{third}, f.registry.ListPending(venue, SideBuy))
}

func TestStateMachine(t *testing.T) {
	f := newFixture(t)

	id, err := f.registry.Submit(f.request(t, SideBuy, 1, 1))
	require.NoError(t, err)

	require.ErrorIs(t, f.registry.MarkExecuted(id), ErrNotMatched)
	require.NoError(t, f.registry.MarkMatched(id))
	require.ErrorIs(t, f.registry.MarkMatched(id), ErrNotPending)

	_, err = f.registry.Active(id)
	require.ErrorIs(t, err, ErrNotPending)

	require.NoError(t, f.registry.MarkExecuted(id))
	require.NoError(t, f.registry.MarkExecuted(id))

	// Deactivate never leaves Executed
	require.NoError(t, f.registry.Deactivate(id))
	got, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateExecuted, got.State)

	stats := f.registry.Stats()
	assert.Equal(t, 1, stats[StateExecuted])
}

func TestMarkMatchedPairIsAllOrNothing(t *testing.T) {
	f := newFixture(t)

	buy, err := f.registry.Submit(f.request(t, SideBuy, 1, 1))
	require.NoError(t, err)
	sell, err := f.registry.Submit(f.request(t, SideSell, 1, 1))
	require.NoError(t, err)
	taken, err := f.registry.Submit(f.request(t, SideSell, 1, 1))
	require.NoError(t, err)
	require.NoError(t, f.registry.MarkMatched(taken))

	require.ErrorIs(t, f.registry.MarkMatched(buy, taken), ErrNotPending)
	got, err := f.registry.Get(buy)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)

	require.ErrorIs(t, f.registry.MarkMatched(buy, common.HexToHash("0xdead")), ErrNotFound)
	assert.Equal(t, []common.Hash{buy}, f.registry.ListPending(venue, SideBuy))

	require.NoError(t, f.registry.MarkMatched(buy, sell))
	assert.Empty(t, f.registry.ListPending(venue, SideBuy))
	assert.Empty(t, f.registry.ListPending(venue, SideSell))

	require.ErrorIs(t, f.registry.MarkExecuted(buy, common.HexToHash("0xdead")), ErrNotFound)
	require.NoError(t, f.registry.MarkExecuted(buy, sell))
	assert.Equal(t, 3, f.registry.Stats()[StateExecuted]+f.registry.Stats()[StateMatched])
	assert.Equal(t, 2, f.registry.Stats()[StateExecuted])
}

func TestDeactivateIsIdempotent(t *testing.T) {
	f := newFixture(t)

	id, err := f.registry.Submit(f.request(t, SideBuy, 1, 1))
	require.NoError(t, err)

	require.NoError(t, f.registry.Deactivate(id))
	require.NoError(t, f.registry.Deactivate(id))

	got, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)

	require.ErrorIs(t, f.registry.Deactivate(common.HexToHash("0x01")), ErrNotFound)
}

func TestMarkRevealed(t *testing.T) {
	f := newFixture(t)

	id, err := f.registry.Submit(f.request(t, SideBuy, 1, 1))
	require.NoError(t, err)

	stranger := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	require.ErrorIs(t, f.registry.MarkRevealed(id, stranger, f.clock.Now()), ErrNotSubmitter)

	at := f.clock.Now()
	require.NoError(t, f.registry.MarkRevealed(id, submitter, at))

	got, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.True(t, got.Revealed)
	assert.Equal(t, at, got.RevealedAt)
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide(" BUY ")
	require.NoError(t, err)
	assert.Equal(t, SideBuy, s)
	assert.Equal(t, SideSell, s.Opposite())

	_, err = ParseSide("long")
	require.ErrorIs(t, err, ErrInvalidIntention)
}
