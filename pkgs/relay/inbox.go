package relay

import (
	"context"
	"fmt"

	"github.com/7maylord/whisper/pkgs/apperr"
	"github.com/7maylord/whisper/pkgs/metrics"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// DefaultInboxSize caps the number of remote intentions remembered
const DefaultInboxSize = 10000

var ErrInvalidMessage = apperr.New(apperr.KindValidation, "InvalidDiscoveryMessage", "invalid discovery message")

// Seen is a shared first-sighting check
type Seen interface {
	CheckAndMark(ctx context.Context, key string) (bool, error)
}

// Inbox keeps the most recent intentions announced by other venues so
// local verifiers can look for counter-intentions.
type Inbox struct {
	seen  Seen
	cache *lru.Cache[common.Hash, Message]
}

// NewInbox creates an inbox; seen may be nil for single-node setups
func NewInbox(seen Seen, size int) (*Inbox, error) {
	if size <= 0 {
		size = DefaultInboxSize
	}
	cache, err := lru.New[common.Hash, Message](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Inbox{seen: seen, cache: cache}, nil
}

// Receive stores a peer's message. It returns false for messages already seen.
func (in *Inbox) Receive(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil || msg.IntentionID == (common.Hash{}) || msg.Venue == (common.Address{}) {
		metrics.DiscoveryReceived.WithLabelValues("invalid").Inc()
		return false, fmt.Errorf("%w: intention id and venue required", ErrInvalidMessage)
	}
	if msg.Side != "buy" && msg.Side != "sell" {
		metrics.DiscoveryReceived.WithLabelValues("invalid").Inc()
		return false, fmt.Errorf("%w: unknown side %q", ErrInvalidMessage, msg.Side)
	}

	if in.cache.Contains(msg.IntentionID) {
		metrics.DiscoveryReceived.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	if in.seen != nil {
		fresh, err := in.seen.CheckAndMark(ctx, msg.IntentionID.Hex())
		if err != nil {
			// Local cache still guards this node
			log.WithError(err).Warn("Shared discovery dedup unavailable")
		} else if !fresh {
			metrics.DiscoveryReceived.WithLabelValues("duplicate").Inc()
			return false, nil
		}
	}

	in.cache.Add(msg.IntentionID, *msg)
	metrics.DiscoveryReceived.WithLabelValues("accepted").Inc()

	log.WithFields(log.Fields{
		"intention_id": msg.IntentionID.Hex(),
		"venue":        msg.Venue.Hex(),
		"side":         msg.Side,
		"origin":       msg.Origin,
	}).Debug("Remote intention discovered")
	return true, nil
}

// List returns remembered messages for a venue and side, oldest first.
// A zero venue matches every venue; an empty side matches both.
func (in *Inbox) List(venue common.Address, side string) []Message {
	var out []Message
	for _, key := range in.cache.Keys() {
		msg, ok := in.cache.Peek(key)
		if !ok {
			continue
		}
		if venue != (common.Address{}) && msg.Venue != venue {
			continue
		}
		if side != "" && msg.Side != side {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// Len returns the number of remembered messages
func (in *Inbox) Len() int {
	return in.cache.Len()
}
