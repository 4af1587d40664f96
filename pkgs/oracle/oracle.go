package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/metrics"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// DefaultFreshness is the maximum age of a usable price
const DefaultFreshness = time.Hour

const defaultCacheSize = 256

var (
	ErrStalePrice = apperr.New(apperr.KindExternal, "StalePrice", "price feed answer is stale")
	ErrPriceFeed  = apperr.New(apperr.KindExternal, "ErrorPriceFeed", "price feed query failed")
	ErrNoFeed     = apperr.New(apperr.KindNotFound, "NoPriceFeed", "no price feed configured for venue")
)

// Quote is a price in 6-decimal fixed point with its update time
type Quote struct {
	Price     *big.Int  `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
	Cached    bool      `json:"cached"`
}

// Oracle maps venues to price feeds. It satisfies ledger.ReferencePricer.
type Oracle struct {
	mu        sync.RWMutex
	feeds     map[common.Address]Feed
	freshness time.Duration
	lastGood  *lru.Cache[common.Address, Quote]
	now       func() time.Time
}

// NewOracle creates an oracle over the given venue feeds
func NewOracle(feeds map[common.Address]Feed, freshness time.Duration) (*Oracle, error) {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	cache, err := lru.New[common.Address, Quote](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	o := &Oracle{
		feeds:     make(map[common.Address]Feed, len(feeds)),
		freshness: freshness,
		lastGood:  cache,
		now:       time.Now,
	}
	for venue, feed := range feeds {
		o.feeds[venue] = feed
	}
	return o, nil
}

// SetClock replaces the time source
func (o *Oracle) SetClock(now func() time.Time) {
	o.now = now
}

// SetFeed adds or replaces a venue's feed
func (o *Oracle) SetFeed(venue common.Address, feed Feed) {
	o.mu.Lock()
	o.feeds[venue] = feed
	o.mu.Unlock()
}

// Venues lists venues with a configured feed
func (o *Oracle) Venues() []common.Address {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]common.Address, 0, len(o.feeds))
	for venue := range o.feeds {
		out = append(out, venue)
	}
	return out
}

// LatestPrice queries the venue's feed. A stale answer fails with
// StalePrice; a failing feed degrades to the last fresh answer, or
// ErrorPriceFeed when there is none.
func (o *Oracle) LatestPrice(ctx context.Context, venue common.Address) (Quote, error) {
	o.mu.RLock()
	feed, ok := o.feeds[venue]
	o.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoFeed, venue.Hex())
	}

	price, updatedAt, err := feed.LatestPrice(ctx)
	if err != nil {
		if cached, ok := o.cached(venue); ok {
			log.WithField("venue", venue.Hex()).WithError(err).Warn("Price feed failed, using last fresh price")
			metrics.OracleQueries.WithLabelValues("cached").Inc()
			return cached, nil
		}
		metrics.OracleQueries.WithLabelValues("error").Inc()
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrPriceFeed, venue.Hex(), err)
	}

	age := o.now().Sub(updatedAt)
	if age > o.freshness {
		metrics.OracleQueries.WithLabelValues("stale").Inc()
		return Quote{}, fmt.Errorf("%w: %s updated %s ago", ErrStalePrice, venue.Hex(), age.Truncate(time.Second))
	}

	quote := Quote{Price: price, UpdatedAt: updatedAt}
	o.lastGood.Add(venue, quote)
	metrics.OracleQueries.WithLabelValues("ok").Inc()
	return quote, nil
}

func (o *Oracle) cached(venue common.Address) (Quote, bool) {
	q, ok := o.lastGood.Get(venue)
	if !ok || o.now().Sub(q.UpdatedAt) > o.freshness {
		return Quote{}, false
	}
	q.Price = new(big.Int).Set(q.Price)
	q.Cached = true
	return q, true
}

// ReferencePrice returns the venue's fresh reference price
func (o *Oracle) ReferencePrice(ctx context.Context, venue common.Address) (*big.Int, error) {
	q, err := o.LatestPrice(ctx, venue)
	if err != nil {
		return nil, err
	}
	return q.Price, nil
}
