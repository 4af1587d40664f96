// Package audit keeps an append-only trail of intention states,
// attestations and matches in Redis.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/consensus"
	"github.com/7maylord/whisper/pkgs/intents"
	"github.com/7maylord/whisper/pkgs/ledger"
	rediskeys "github.com/7maylord/whisper/pkgs/redis"
	"github.com/7maylord/whisper/pkgs/workers"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultQueueSize    = 1024
	DefaultWriteTimeout = 2 * time.Second
)

// StateChange is one entry of an intention's history
type StateChange struct {
	State intents.State `json:"state"`
	At    time.Time     `json:"at"`
}

type write struct {
	name  string
	apply func(ctx context.Context, pipe redis.Pipeliner) error
}

// RedisRecorder writes audit records asynchronously, in the order they
// were recorded, so callers never block on Redis.
type RedisRecorder struct {
	client  *redis.Client
	keys    *rediskeys.KeyBuilder
	monitor *workers.WorkerMonitor
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan write
	done   chan struct{}
}

// NewRedisRecorder creates a recorder; call Start before recording
func NewRedisRecorder(client *redis.Client, keys *rediskeys.KeyBuilder, queueSize int, monitor *workers.WorkerMonitor) *RedisRecorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &RedisRecorder{
		client:  client,
		keys:    keys,
		monitor: monitor,
		timeout: DefaultWriteTimeout,
		queue:   make(chan write, queueSize),
		done:    make(chan struct{}),
	}
}

// Start launches the writer
func (r *RedisRecorder) Start(ctx context.Context) {
	r.monitor.StartWorker(ctx)
	go r.run()
	log.Info("Audit recorder started")
}

// Stop stops accepting records and waits for queued writes to finish
func (r *RedisRecorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	log.Info("Audit recorder stopped")
}

func (r *RedisRecorder) run() {
	defer close(r.done)
	for w := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		pipe := r.client.TxPipeline()
		err := w.apply(ctx, pipe)
		if err == nil {
			_, err = pipe.Exec(ctx)
		}
		if err != nil {
			log.WithError(err).WithField("record", w.name).Error("Failed to write audit record")
			r.monitor.ProcessingFailed(ctx, err)
		} else {
			r.monitor.ProcessingCompleted(ctx)
		}
		cancel()
	}
}

func (r *RedisRecorder) enqueue(w write) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		log.WithField("record", w.name).Warn("Audit recorder stopped, dropping record")
		return
	}
	select {
	case r.queue <- w:
	default:
		log.WithField("record", w.name).Warn("Audit queue full, dropping record")
	}
}

// RecordIntention stores the intention's latest snapshot and appends its
// state to the history
func (r *RedisRecorder) RecordIntention(i *intents.TradeIntention) {
	snapshot := *i
	at := time.Now()
	r.enqueue(write{
		name: "intention:" + snapshot.ID.Hex(),
		apply: func(ctx context.Context, pipe redis.Pipeliner) error {
			data, err := json.Marshal(&snapshot)
			if err != nil {
				return fmt.Errorf("failed to marshal intention: %w", err)
			}
			change, err := json.Marshal(StateChange{State: snapshot.State, At: at})
			if err != nil {
				return fmt.Errorf("failed to marshal state change: %w", err)
			}

			key := r.keys.Intention(snapshot.ID)
			pipe.HSet(ctx, key,
				"data", data,
				"state", string(snapshot.State),
				"venue", snapshot.Venue.Hex(),
				"side", string(snapshot.Side),
			)
			pipe.RPush(ctx, r.keys.IntentionHistory(snapshot.ID), change)
			pipe.ZAddNX(ctx, r.keys.IntentionTimeline(), redis.Z{
				Score:  float64(snapshot.CreatedAt.UnixNano()),
				Member: snapshot.ID.Hex(),
			})
			return nil
		},
	})
}

// RecordAttestation appends an accepted attestation
func (r *RedisRecorder) RecordAttestation(a *consensus.Attestation) {
	data, err := json.Marshal(a)
	if err != nil {
		log.WithError(err).Error("Failed to marshal attestation")
		return
	}
	intentionID := a.IntentionID
	r.enqueue(write{
		name: "attestation:" + intentionID.Hex(),
		apply: func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.RPush(ctx, r.keys.Attestations(intentionID), data)
			return nil
		},
	})
}

// RecordMatch stores a finalized or executed match
func (r *RedisRecorder) RecordMatch(m *ledger.FinalizedMatch) {
	data, err := json.Marshal(m)
	if err != nil {
		log.WithError(err).Error("Failed to marshal match")
		return
	}
	id, finalizedAt, executed := m.ID, m.FinalizedAt, m.Executed
	r.enqueue(write{
		name: "match:" + id.Hex(),
		apply: func(ctx context.Context, pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.keys.Match(id), "data", data, "executed", executed)
			pipe.ZAddNX(ctx, r.keys.MatchTimeline(), redis.Z{
				Score:  float64(finalizedAt.UnixNano()),
				Member: id.Hex(),
			})
			return nil
		},
	})
}

// History returns an intention's recorded state changes
func (r *RedisRecorder) History(ctx context.Context, id common.Hash) ([]StateChange, error) {
	raw, err := r.client.LRange(ctx, r.keys.IntentionHistory(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read intention history: %w", err)
	}

	out := make([]StateChange, 0, len(raw))
	for _, item := range raw {
		var change StateChange
		if err := json.Unmarshal([]byte(item), &change); err != nil {
			return nil, fmt.Errorf("failed to decode state change: %w", err)
		}
		out = append(out, change)
	}
	return out, nil
}

// Attestations returns the attestations recorded for an intention
func (r *RedisRecorder) Attestations(ctx context.Context, intentionID common.Hash) ([]consensus.Attestation, error) {
	raw, err := r.client.LRange(ctx, r.keys.Attestations(intentionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read attestations: %w", err)
	}

	out := make([]consensus.Attestation, 0, len(raw))
	for _, item := range raw {
		var a consensus.Attestation
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("failed to decode attestation: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Match returns the latest recorded snapshot of a match
func (r *RedisRecorder) Match(ctx context.Context, id common.Hash) (*ledger.FinalizedMatch, error) {
	data, err := r.client.HGet(ctx, r.keys.Match(id), "data").Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrMatchNotFound, id.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read match: %w", err)
	}

	var m ledger.FinalizedMatch
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("failed to decode match: %w", err)
	}
	return &m, nil
}
