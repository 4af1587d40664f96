// Package relay fans intention announcements out to peer venues and
// collects the announcements peers send back.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/events"
	"github.com/7maylord/whisper/pkgs/metrics"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// DefaultSendTimeout bounds one send to one peer
const DefaultSendTimeout = 3 * time.Second

// Message is the discovery payload exchanged between venues
type Message struct {
	IntentionID common.Hash    `json:"intention_id"`
	Venue       common.Address `json:"venue"`
	Side        string         `json:"side"`
	Origin      uint64         `json:"origin"`
	Submitter   common.Address `json:"submitter"`
	SentAt      int64          `json:"sent_at,omitempty"`
}

// Peer is one destination venue
type Peer interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Result is the outcome of one peer send
type Result struct {
	Peer     string
	Err      error
	Duration time.Duration
}

// Relay broadcasts to a fixed peer list. Sends are independent: one peer
// failing or hanging never affects the others.
type Relay struct {
	peers   []Peer
	timeout time.Duration
	sink    events.Sink
	wg      sync.WaitGroup
}

// NewRelay creates a relay over peers
func NewRelay(peers []Peer, timeout time.Duration, sink events.Sink) *Relay {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Relay{
		peers:   peers,
		timeout: timeout,
		sink:    sink,
	}
}

// Peers returns the configured peer names
func (r *Relay) Peers() []string {
	names := make([]string, 0, len(r.peers))
	for _, p := range r.peers {
		names = append(names, p.Name())
	}
	return names
}

// Notify broadcasts in the background and returns immediately
func (r *Relay) Notify(msg *Message) {
	if len(r.peers) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Broadcast(context.Background(), msg)
	}()
}

// Wait blocks until background notifications finish
func (r *Relay) Wait() {
	r.wg.Wait()
}

// Broadcast sends msg to every peer concurrently and reports per-peer results
func (r *Relay) Broadcast(ctx context.Context, msg *Message) []Result {
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().Unix()
	}

	results := make([]Result, len(r.peers))
	var wg sync.WaitGroup
	for i, p := range r.peers {
		wg.Add(1)
		go func(i int, p Peer) {
			defer wg.Done()
			results[i] = r.send(ctx, p, msg)
		}(i, p)
	}
	wg.Wait()

	failed := Failed(results)
	if len(failed) > 0 {
		log.WithFields(log.Fields{
			"intention_id": msg.IntentionID.Hex(),
			"failed":       failed,
			"total":        len(results),
		}).Warn("Discovery broadcast partially failed")

		if r.sink != nil {
			evt, err := events.NewEvent(events.EventDiscoveryFailed, events.SeverityWarning, "discovery-relay", &events.DiscoveryEventPayload{
				IntentionID: msg.IntentionID.Hex(),
				Failed:      failed,
				Total:       len(results),
			})
			if err == nil {
				evt.IntentionID = msg.IntentionID.Hex()
				events.Dispatch(r.sink, evt)
			}
		}
	}

	return results
}

func (r *Relay) send(ctx context.Context, p Peer, msg *Message) Result {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := p.Send(ctx, msg)
	elapsed := time.Since(start)

	metrics.RelaySendDuration.WithLabelValues(p.Name()).Observe(elapsed.Seconds())
	if err != nil {
		metrics.RelaySends.WithLabelValues(p.Name(), "error").Inc()
		log.WithFields(log.Fields{
			"peer":         p.Name(),
			"intention_id": msg.IntentionID.Hex(),
		}).WithError(err).Debug("Discovery send failed")
	} else {
		metrics.RelaySends.WithLabelValues(p.Name(), "ok").Inc()
	}

	return Result{Peer: p.Name(), Err: err, Duration: elapsed}
}

// Failed returns the names of peers whose send failed
func Failed(results []Result) []string {
	var failed []string
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.Peer)
		}
	}
	return failed
}
