// Package progress persists ingestion task progress and content-hash
// dedup sets in redis.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oakheim/docbase/internal/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	progressKeyPrefix = "progress:"
	hashKeyPrefix     = "content_hashes:"

	// DefaultTTL is how long task progress and hash sets survive without
	// updates.
	DefaultTTL = 8 * time.Hour
)

// ErrNotFound indicates no progress record exists for a task.
var ErrNotFound = errors.New("progress not found")

// State names a task lifecycle phase.
type State string

const (
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// Status is the persisted progress of one ingestion task.
type Status struct {
	TaskID    string    `json:"task_id"`
	State     State     `json:"state"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Tokens    int       `json:"tokens"`
	Cost      string    `json:"cost"`
	UpdatedAt time.Time `json:"updated_at"`

	// Detail carries per-item outcome lists published with the terminal
	// record, e.g. per-URL scrape statuses.
	Detail map[string]interface{} `json:"detail,omitempty"`
}

// store is the subset of redis commands the reporter needs.
type store interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMIsMember(ctx context.Context, key string, members ...interface{}) *redis.BoolSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Reporter writes task progress records with a TTL. Progress writes are best
// effort: a redis outage degrades visibility, never ingestion.
type Reporter struct {
	redis  store
	logger *logging.Logger
	ttl    time.Duration
}

// NewReporter creates a progress reporter.
func NewReporter(redisClient store, logger *logging.Logger) *Reporter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reporter{
		redis:  redisClient,
		logger: logger,
		ttl:    DefaultTTL,
	}
}

// Report persists a status snapshot. Percent is derived from Processed and
// Total when unset.
func (r *Reporter) Report(ctx context.Context, status Status) {
	if status.Percent == 0 && status.Total > 0 {
		status.Percent = float64(status.Processed) / float64(status.Total) * 100
	}
	status.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, progressKeyPrefix+status.TaskID, payload, r.ttl).Err(); err != nil {
		r.logger.Warn(ctx, "progress write failed",
			zap.String("task_id", status.TaskID),
			zap.Error(err),
		)
	}
}

// Get returns the stored progress for a task, or ErrNotFound.
func (r *Reporter) Get(ctx context.Context, taskID string) (*Status, error) {
	raw, err := r.redis.Get(ctx, progressKeyPrefix+taskID).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress: %w", err)
	}

	var status Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, fmt.Errorf("decoding progress: %w", err)
	}
	return &status, nil
}

// Delete removes the progress record for a task.
func (r *Reporter) Delete(ctx context.Context, taskID string) {
	if err := r.redis.Del(ctx, progressKeyPrefix+taskID).Err(); err != nil {
		r.logger.Warn(ctx, "progress delete failed",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

// FilterNewHashes returns the subset of hashes not yet recorded for the
// client and registers them. Used to skip re-embedding unchanged content.
// On redis failure every hash is treated as new.
func (r *Reporter) FilterNewHashes(ctx context.Context, clientID string, hashes []string) []string {
	if len(hashes) == 0 {
		return nil
	}
	key := hashKeyPrefix + clientID

	members := make([]interface{}, len(hashes))
	for i, h := range hashes {
		members[i] = h
	}

	seen, err := r.redis.SMIsMember(ctx, key, members...).Result()
	if err != nil || len(seen) != len(hashes) {
		if err != nil {
			r.logger.Warn(ctx, "hash membership check failed",
				zap.String("client_id", clientID),
				zap.Error(err),
			)
		}
		seen = make([]bool, len(hashes))
	}

	var fresh []string
	var freshMembers []interface{}
	for i, h := range hashes {
		if !seen[i] {
			fresh = append(fresh, h)
			freshMembers = append(freshMembers, h)
		}
	}

	if len(freshMembers) > 0 {
		if err := r.redis.SAdd(ctx, key, freshMembers...).Err(); err != nil {
			r.logger.Warn(ctx, "hash registration failed",
				zap.String("client_id", clientID),
				zap.Error(err),
			)
		}
		// Refresh the TTL alongside every write batch.
		_ = r.redis.Expire(ctx, key, r.ttl).Err()
	}

	return fresh
}

// ClearHashes drops the recorded hash set for a client, e.g. on collection
// reset.
func (r *Reporter) ClearHashes(ctx context.Context, clientID string) {
	if err := r.redis.Del(ctx, hashKeyPrefix+clientID).Err(); err != nil {
		r.logger.Warn(ctx, "hash set delete failed",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
	}
}
