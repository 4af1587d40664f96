package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/metrics"
	"github.com/7maylord/whisper/pkgs/relay"
	"github.com/ethereum/go-ethereum/common"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	log "github.com/sirupsen/logrus"
)

// DiscoveryTopic carries relay.Message JSON between coordinators
const DiscoveryTopic = "/whisper/discovery/1"

// Receiver accepts inbound discovery messages
type Receiver interface {
	Receive(ctx context.Context, msg *relay.Message) (bool, error)
}

// TopicPeer publishes discovery messages on the gossip topic. It is a
// relay.Peer so gossip sits beside the HTTP peers in one broadcast.
type TopicPeer struct {
	ps    *pubsub.PubSub
	self  peer.ID
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	evts  *pubsub.TopicEventHandler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewTopicPeer joins the discovery topic
func NewTopicPeer(ps *pubsub.PubSub, self peer.ID) (*TopicPeer, error) {
	if err := ps.RegisterTopicValidator(DiscoveryTopic, validateDiscovery); err != nil {
		return nil, fmt.Errorf("failed to register discovery validator: %w", err)
	}
	topic, err := ps.Join(DiscoveryTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join discovery topic: %w", err)
	}
	return &TopicPeer{ps: ps, self: self, topic: topic}, nil
}

func validateDiscovery(_ context.Context, _ peer.ID, m *pubsub.Message) bool {
	msg, err := decode(m.Data)
	return err == nil && msg != nil
}

func decode(data []byte) (*relay.Message, error) {
	var msg relay.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal discovery message: %w", err)
	}
	if msg.IntentionID == (common.Hash{}) || msg.Venue == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing intention or venue", relay.ErrInvalidMessage)
	}
	return &msg, nil
}

func (t *TopicPeer) Name() string {
	return "gossip"
}

// Send publishes msg to every coordinator on the topic
func (t *TopicPeer) Send(ctx context.Context, msg *relay.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery message: %w", err)
	}
	if err := t.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish discovery message: %w", err)
	}
	return nil
}

// Listen subscribes to the topic and hands every remote message to rx
// until ctx is done or Close is called
func (t *TopicPeer) Listen(ctx context.Context, rx Receiver) error {
	sub, err := t.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to discovery topic: %w", err)
	}
	evts, err := t.topic.EventHandler()
	if err != nil {
		sub.Cancel()
		return fmt.Errorf("failed to watch discovery topic peers: %w", err)
	}
	t.sub, t.evts = sub, evts

	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(2)
	go t.readLoop(ctx, rx)
	go t.peerLoop(ctx)

	log.Infof("Listening for discovery messages on %s", DiscoveryTopic)
	return nil
}

func (t *TopicPeer) readLoop(ctx context.Context, rx Receiver) {
	defer t.wg.Done()
	for {
		m, err := t.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("Discovery subscription ended")
			}
			return
		}
		if m.ReceivedFrom == t.self || m.GetFrom() == t.self {
			continue
		}

		msg, err := decode(m.Data)
		if err != nil {
			log.WithError(err).Debug("Dropping malformed discovery message")
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := rx.Receive(rctx, msg); err != nil {
			log.WithError(err).WithField("from", m.ReceivedFrom.String()).Debug("Discovery message rejected")
		}
		cancel()
	}
}

func (t *TopicPeer) peerLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		evt, err := t.evts.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		switch evt.Type {
		case pubsub.PeerJoin:
			log.Debugf("Coordinator %s joined discovery topic", evt.Peer)
		case pubsub.PeerLeave:
			log.Debugf("Coordinator %s left discovery topic", evt.Peer)
		}
		metrics.DiscoveryMeshPeers.Set(float64(len(t.topic.ListPeers())))
	}
}

// Peers returns the coordinators currently on the topic
func (t *TopicPeer) Peers() []peer.ID {
	return t.topic.ListPeers()
}

// Close leaves the topic
func (t *TopicPeer) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.sub != nil {
		t.sub.Cancel()
	}
	if t.evts != nil {
		t.evts.Cancel()
	}
	t.wg.Wait()
	if err := t.ps.UnregisterTopicValidator(DiscoveryTopic); err != nil {
		log.WithError(err).Debug("Failed to unregister discovery validator")
	}
	return t.topic.Close()
}
