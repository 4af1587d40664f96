// Package workers tracks the status of the coordinator's background workers in Redis.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	rediskeys "github.com/7maylord/whisper/pkgs/redis"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// WorkerType represents the type of worker
type WorkerType string

const (
	WorkerTypeAudit      WorkerType = "audit"
	WorkerTypeSettlement WorkerType = "settlement"
	WorkerTypeSweeper    WorkerType = "sweeper"
)

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusProcessing WorkerStatus = "processing"
	WorkerStatusFailed     WorkerStatus = "failed"
)

const (
	statusTTL    = 24 * time.Hour
	heartbeatTTL = 5 * time.Minute
	errorTTL     = time.Hour
)

// DefaultHeartbeatInterval is how often HeartbeatLoop refreshes the heartbeat
const DefaultHeartbeatInterval = 30 * time.Second

// WorkerMonitor handles monitoring and tracking of worker status
type WorkerMonitor struct {
	redisClient *redis.Client
	keys        *rediskeys.KeyBuilder
	workerID    string
	workerType  WorkerType
	interval    time.Duration
}

// NewWorkerMonitor creates a new worker monitor instance. A nil client
// yields a monitor whose updates are no-ops.
func NewWorkerMonitor(redisClient *redis.Client, keys *rediskeys.KeyBuilder, workerID string, workerType WorkerType) *WorkerMonitor {
	return &WorkerMonitor{
		redisClient: redisClient,
		keys:        keys,
		workerID:    workerID,
		workerType:  workerType,
		interval:    DefaultHeartbeatInterval,
	}
}

func (wm *WorkerMonitor) key(field string) string {
	return wm.keys.Worker(string(wm.workerType), wm.workerID, field)
}

// UpdateStatus updates the worker's current status in Redis
func (wm *WorkerMonitor) UpdateStatus(ctx context.Context, status WorkerStatus) error {
	if wm == nil || wm.redisClient == nil {
		return nil
	}

	pipe := wm.redisClient.Pipeline()
	pipe.Set(ctx, wm.key("status"), string(status), statusTTL)
	pipe.Set(ctx, wm.key("heartbeat"), time.Now().Unix(), heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update worker status: %w", err)
	}

	log.Debugf("Worker %s:%s status updated to %s", wm.workerType, wm.workerID, status)
	return nil
}

// UpdateHeartbeat updates the worker's last heartbeat timestamp
func (wm *WorkerMonitor) UpdateHeartbeat(ctx context.Context) error {
	if wm == nil || wm.redisClient == nil {
		return nil
	}
	if err := wm.redisClient.Set(ctx, wm.key("heartbeat"), time.Now().Unix(), heartbeatTTL).Err(); err != nil {
		return fmt.Errorf("failed to update worker heartbeat: %w", err)
	}
	return nil
}

// HeartbeatLoop refreshes the heartbeat until ctx is done
func (wm *WorkerMonitor) HeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(wm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("Worker %s:%s heartbeat loop stopped", wm.workerType, wm.workerID)
			return
		case <-ticker.C:
			if err := wm.UpdateHeartbeat(ctx); err != nil {
				log.Errorf("Failed to update heartbeat for worker %s:%s: %v", wm.workerType, wm.workerID, err)
			}
		}
	}
}

// StartWorker sets the initial status and starts the heartbeat
func (wm *WorkerMonitor) StartWorker(ctx context.Context) {
	if wm == nil || wm.redisClient == nil {
		return
	}
	if err := wm.UpdateStatus(ctx, WorkerStatusIdle); err != nil {
		log.WithError(err).Warn("Failed to set initial worker status")
	}
	go wm.HeartbeatLoop(ctx)

	log.Infof("Worker %s:%s started with monitoring", wm.workerType, wm.workerID)
}

// ProcessingStarted marks the beginning of processing an item
func (wm *WorkerMonitor) ProcessingStarted(ctx context.Context, item string) {
	if wm == nil || wm.redisClient == nil {
		return
	}
	if err := wm.UpdateStatus(ctx, WorkerStatusProcessing); err != nil {
		log.WithError(err).Debug("Worker status update failed")
	}
	wm.redisClient.Set(ctx, wm.key("current"), item, time.Hour)
}

// ProcessingCompleted marks successful completion of the current item
func (wm *WorkerMonitor) ProcessingCompleted(ctx context.Context) {
	if wm == nil || wm.redisClient == nil {
		return
	}
	if err := wm.UpdateStatus(ctx, WorkerStatusIdle); err != nil {
		log.WithError(err).Debug("Worker status update failed")
	}
	pipe := wm.redisClient.Pipeline()
	pipe.Incr(ctx, wm.key("processed"))
	pipe.Del(ctx, wm.key("current"))
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).Debug("Worker counters update failed")
	}
}

// ProcessingFailed records a processing failure
func (wm *WorkerMonitor) ProcessingFailed(ctx context.Context, cause error) {
	if wm == nil || wm.redisClient == nil {
		return
	}
	if err := wm.UpdateStatus(ctx, WorkerStatusFailed); err != nil {
		log.WithError(err).Debug("Worker status update failed")
	}

	data, _ := json.Marshal(map[string]interface{}{
		"error":     cause.Error(),
		"timestamp": time.Now().Unix(),
	})
	pipe := wm.redisClient.Pipeline()
	pipe.Set(ctx, wm.key("last_error"), data, errorTTL)
	pipe.Incr(ctx, wm.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).Debug("Worker error update failed")
	}
}

// CleanupWorker removes worker tracking data on shutdown
func (wm *WorkerMonitor) CleanupWorker(ctx context.Context) {
	if wm == nil || wm.redisClient == nil {
		return
	}
	wm.redisClient.Del(ctx,
		wm.key("status"),
		wm.key("heartbeat"),
		wm.key("current"),
		wm.key("processed"),
		wm.key("failed"),
		wm.key("last_error"),
	)
	log.Infof("Worker %s:%s monitoring data cleaned up", wm.workerType, wm.workerID)
}
