package redis

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultNamespace prefixes every key written by the coordinator
const DefaultNamespace = "whisper"

// KeyBuilder provides methods to generate namespaced Redis keys
type KeyBuilder struct {
	Namespace   string
	Coordinator string
}

// NewKeyBuilder creates a KeyBuilder. Coordinator scopes audit keys so that
// several coordinators can share one Redis.
func NewKeyBuilder(namespace, coordinator string) *KeyBuilder {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &KeyBuilder{
		Namespace:   namespace,
		Coordinator: strings.TrimSpace(coordinator),
	}
}

func (kb *KeyBuilder) scoped(parts ...string) string {
	return fmt.Sprintf("%s:%s:%s", kb.Namespace, kb.Coordinator, strings.Join(parts, ":"))
}

// Intention Keys

// Intention returns the hash holding an intention's latest snapshot
func (kb *KeyBuilder) Intention(id common.Hash) string {
	return kb.scoped("intention", id.Hex())
}

// IntentionHistory returns the list of an intention's state transitions
func (kb *KeyBuilder) IntentionHistory(id common.Hash) string {
	return kb.scoped("intention", id.Hex(), "history")
}

// IntentionTimeline returns the sorted set of intention ids by creation time
func (kb *KeyBuilder) IntentionTimeline() string {
	return kb.scoped("intentions", "timeline")
}

// Consensus Keys

// Attestations returns the list of attestations accepted for an intention
func (kb *KeyBuilder) Attestations(intentionID common.Hash) string {
	return kb.scoped("intention", intentionID.Hex(), "attestations")
}

// Match Keys

// Match returns the hash holding a finalized match
func (kb *KeyBuilder) Match(id common.Hash) string {
	return kb.scoped("match", id.Hex())
}

// MatchTimeline returns the sorted set of match ids by finalization time
func (kb *KeyBuilder) MatchTimeline() string {
	return kb.scoped("matches", "timeline")
}

// Discovery Keys

// DiscoverySeen marks a discovery message as processed. Shared by every
// coordinator in the namespace.
func (kb *KeyBuilder) DiscoverySeen(key string) string {
	return fmt.Sprintf("%s:discovery:seen:%s", kb.Namespace, key)
}

// DiscoverySeenPattern matches every DiscoverySeen key
func (kb *KeyBuilder) DiscoverySeenPattern() string {
	return fmt.Sprintf("%s:discovery:seen:*", kb.Namespace)
}

// Event Keys

// EventChannelPrefix is the pub/sub prefix for coordinator events
func (kb *KeyBuilder) EventChannelPrefix() string {
	return fmt.Sprintf("%s:events", kb.Namespace)
}

// Worker Keys

// Worker returns a field key for a background worker's status record
func (kb *KeyBuilder) Worker(workerType, workerID, field string) string {
	return kb.scoped("worker", workerType, workerID, field)
}
