// Package queue holds envelopes for peers that could not be reached when
// they were sent. Each receiver has a sorted set scored by expiry, so
// expired entries can be excluded on read before any sweep runs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/presence-relay/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// ErrUnavailable wraps every failure to talk to Redis.
var ErrUnavailable = errors.New("pending queue unavailable")

const (
	keyPrefix = "pending:"
	scanBatch = 100
)

func pendingKey(receiverID string) string { return keyPrefix + receiverID }

// Queue is the Redis-backed pending request queue.
type Queue struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Queue)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue whose entries live for ttl unless a request carries
// its own expiry.
func New(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{client: client, ttl: ttl, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// NewRequest builds a request stamped with a fresh id and the queue's TTL.
func (q *Queue) NewRequest(kind models.PendingKind, senderID, receiverID string, payload []byte) models.PendingRequest {
	now := q.now()
	return models.PendingRequest{
		RequestID:  uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  now,
		ExpiresAt:  now.Add(q.ttl),
	}
}

// Enqueue stores req under its receiver. Several requests per receiver are
// allowed; the key lives as long as its latest entry.
func (q *Queue) Enqueue(ctx context.Context, req models.PendingRequest) error {
	if req.ReceiverID == "" {
		return fmt.Errorf("pending request %s has no receiver", req.RequestID)
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = q.now().Add(q.ttl)
	}
	data, err := msgpack.Marshal(&req)
	if err != nil {
		return fmt.Errorf("failed to encode pending request: %w", err)
	}

	remaining := req.ExpiresAt.Sub(q.now())
	if remaining <= 0 {
		q.logger.Debug("Not queueing already expired request", zap.String("request_id", req.RequestID))
		return nil
	}

	key := pendingKey(req.ReceiverID)
	var latest *redis.ZSliceCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(req.ExpiresAt.UnixMilli()), Member: data})
		latest = pipe.ZRevRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}

	// The key lives as long as its latest entry.
	if last := latest.Val(); len(last) > 0 {
		expiry := time.UnixMilli(int64(last[0].Score)).Sub(q.now())
		if expiry > remaining {
			remaining = expiry
		}
	}
	if err := q.client.PExpire(ctx, key, remaining).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Drain returns and removes every unexpired request for receiverID. The read
// and the delete run in one MULTI block, so concurrent drains never hand out
// the same entry twice.
func (q *Queue) Drain(ctx context.Context, receiverID string) ([]models.PendingRequest, error) {
	key := pendingKey(receiverID)
	now := q.now()
	lo := "(" + strconv.FormatInt(now.UnixMilli(), 10)

	var rangeCmd *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: lo, Max: "+inf"})
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	members := rangeCmd.Val()
	out := make([]models.PendingRequest, 0, len(members))
	for _, m := range members {
		var req models.PendingRequest
		if err := msgpack.Unmarshal([]byte(m), &req); err != nil {
			q.logger.Warn("Dropping undecodable pending request", zap.String("receiver_id", receiverID), zap.Error(err))
			continue
		}
		// Score and payload agree, but the payload is authoritative.
		if req.Expired(now) {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// Pending counts unexpired requests for receiverID without removing them.
func (q *Queue) Pending(ctx context.Context, receiverID string) (int, error) {
	lo := "(" + strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := q.client.ZCount(ctx, pendingKey(receiverID), lo, "+inf").Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

// Sweep removes every expired entry for every receiver and returns how many
// were dropped.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	hi := strconv.FormatInt(q.now().UnixMilli(), 10)
	removed := 0

	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return removed, unavailable(err)
		}
		for _, key := range keys {
			n, err := q.client.ZRemRangeByScore(ctx, key, "-inf", hi).Result()
			if err != nil {
				return removed, unavailable(err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}
