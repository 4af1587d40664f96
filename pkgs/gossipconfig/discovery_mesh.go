// Package gossipconfig provides the gossipsub configuration shared by every
// coordinator on the discovery mesh. Coordinators are few and publish
// rarely, so the parameters avoid pruning quiet peers.
package gossipconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// DiscoveryGossipParams returns gossipsub parameters for discovery topics
func DiscoveryGossipParams() pubsub.GossipSubParams {
	params := pubsub.DefaultGossipSubParams()

	params.D = 6
	params.Dlo = 4
	params.Dhi = 12
	params.Dlazy = 6
	params.Dout = 2
	params.Dscore = 4

	params.HeartbeatInterval = 700 * time.Millisecond
	params.HistoryLength = 12
	params.HistoryGossip = 6

	params.OpportunisticGraftTicks = 30
	params.OpportunisticGraftPeers = 2

	// prune backoff keeps a quiet venue from being dropped and re-grafted repeatedly
	params.PruneBackoff = 5 * time.Minute
	params.UnsubscribeBackoff = 30 * time.Second
	params.FanoutTTL = 60 * time.Second

	return params
}

// DiscoveryPeerScoreParams returns peer scoring with delivery and
// behaviour penalties disabled
func DiscoveryPeerScoreParams(hostID peer.ID) *pubsub.PeerScoreParams {
	return &pubsub.PeerScoreParams{
		AppSpecificScore: func(p peer.ID) float64 {
			if p == hostID {
				return 100000.0
			}
			return 10000.0
		},
		AppSpecificWeight: 10.0,
		TopicScoreCap:     100000.0,

		IPColocationFactorThreshold: 1000,
		IPColocationFactorWeight:    0.0,

		BehaviourPenaltyWeight:    0.0,
		BehaviourPenaltyThreshold: 1000.0,
		BehaviourPenaltyDecay:     0.999,

		// required by validation: DecayInterval >= 1s, 0 < DecayToZero < 1
		DecayInterval: time.Second,
		DecayToZero:   0.01,
		RetainScore:   30 * time.Minute,

		Topics: make(map[string]*pubsub.TopicScoreParams),
	}
}

// DiscoveryTopicScoreParams rewards mesh time and first deliveries and
// penalizes only invalid messages
func DiscoveryTopicScoreParams() *pubsub.TopicScoreParams {
	return &pubsub.TopicScoreParams{
		TopicWeight: 10.0,

		TimeInMeshWeight:  10.0,
		TimeInMeshQuantum: time.Second,
		TimeInMeshCap:     10000.0,

		FirstMessageDeliveriesWeight: 100.0,
		FirstMessageDeliveriesDecay:  0.999,
		FirstMessageDeliveriesCap:    10000.0,

		// mesh delivery penalties off; the other values only need to validate
		MeshMessageDeliveriesWeight:     0.0,
		MeshMessageDeliveriesDecay:      0.999,
		MeshMessageDeliveriesThreshold:  1.0,
		MeshMessageDeliveriesCap:        1.0,
		MeshMessageDeliveriesActivation: 24 * time.Hour,
		MeshMessageDeliveriesWindow:     24 * time.Hour,

		MeshFailurePenaltyWeight: 0.0,
		MeshFailurePenaltyDecay:  0.9,

		InvalidMessageDeliveriesWeight: -100.0,
		InvalidMessageDeliveriesDecay:  0.5,
	}
}

// DiscoveryPeerScoreThresholds returns lenient thresholds
func DiscoveryPeerScoreThresholds() *pubsub.PeerScoreThresholds {
	return &pubsub.PeerScoreThresholds{
		GossipThreshold:             -100000,
		PublishThreshold:            -200000,
		GraylistThreshold:           -500000,
		AcceptPXThreshold:           0,
		OpportunisticGraftThreshold: 1.0,
	}
}

// GenerateParamHash creates a deterministic hash of gossipsub parameters so
// operators can confirm every coordinator runs the same mesh settings
func GenerateParamHash(params pubsub.GossipSubParams) string {
	paramStr := fmt.Sprintf("D:%d_Dlo:%d_Dhi:%d_Dlazy:%d_HB:%d_FB:%d_MC:%d_MIT:%d",
		params.D,
		params.Dlo,
		params.Dhi,
		params.Dlazy,
		params.HeartbeatInterval.Milliseconds(),
		int(params.FanoutTTL.Seconds()),
		params.MaxPendingConnections,
		params.MaxIHaveLength,
	)

	hash := sha256.Sum256([]byte(paramStr))
	return hex.EncodeToString(hash[:8])
}

// ConfigureDiscoveryMesh returns the gossipsub options for the discovery
// topics and the parameter hash
func ConfigureDiscoveryMesh(hostID peer.ID, topics ...string) ([]pubsub.Option, string) {
	gossipParams := DiscoveryGossipParams()
	scoreParams := DiscoveryPeerScoreParams(hostID)
	topicParams := DiscoveryTopicScoreParams()
	for _, topic := range topics {
		scoreParams.Topics[topic] = topicParams
	}

	opts := []pubsub.Option{
		pubsub.WithGossipSubParams(gossipParams),
		pubsub.WithPeerScore(scoreParams, DiscoveryPeerScoreThresholds()),
		pubsub.WithFloodPublish(true),
		pubsub.WithPeerExchange(true),
	}
	return opts, GenerateParamHash(gossipParams)
}
