package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobarin/melovue/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	KeyPending    = "melovue:jobs:pending"
	KeyProcessing = "melovue:jobs:processing"
	leasePrefix   = "melovue:lease:"
)

// Queue is a Redis list queue with lease-based delivery. A dequeued payload
// is moved atomically to the processing list and guarded by a lease key that
// only its owner may extend or release.
type Queue struct {
	client  *redis.Client
	orphans orphanTracker
}

// Message is the queued payload.
type Message struct {
	JobID      uuid.UUID `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Lease is a worker's claim on one message.
type Lease struct {
	JobID   uuid.UUID
	Owner   string
	TTL     time.Duration
	payload string
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func leaseKey(jobID uuid.UUID) string {
	return leasePrefix + jobID.String()
}

// Enqueue pushes a job onto the pending list. Workers pop from the other
// end so delivery is FIFO.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	data, err := json.Marshal(Message{JobID: jobID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := q.client.LPush(ctx, KeyPending, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for a message and takes a lease on it for
// owner. It returns nil, nil when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, owner string, timeout, ttl time.Duration) (*Lease, error) {
	payload, err := q.client.BRPopLPush(ctx, KeyPending, KeyProcessing, timeout).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		q.client.LRem(ctx, KeyProcessing, 1, payload)
		return nil, fmt.Errorf("failed to unmarshal message, dropped: %w", err)
	}

	ok, err := q.client.SetNX(ctx, leaseKey(msg.JobID), owner, ttl).Result()
	if err != nil {
		// Left in processing without a lease; the reaper will requeue it.
		return nil, fmt.Errorf("failed to take lease on %s: %w", msg.JobID, err)
	}
	if !ok {
		// A duplicate delivery of a job someone else holds.
		q.client.LRem(ctx, KeyProcessing, 1, payload)
		return nil, nil
	}

	return &Lease{JobID: msg.JobID, Owner: owner, TTL: ttl, payload: payload}, nil
}

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var ackScript = redis.NewScript(`
redis.call("LREM", KEYS[2], 1, ARGV[2])
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

// Extend renews the lease. ErrLeaseLost means it expired or changed hands.
func (q *Queue) Extend(ctx context.Context, l *Lease) error {
	n, err := extendScript.Run(ctx, q.client, []string{leaseKey(l.JobID)}, l.Owner, l.TTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lease on %s: %w", l.JobID, err)
	}
	if n == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

// Ack removes the message from the processing list and releases the lease.
func (q *Queue) Ack(ctx context.Context, l *Lease) error {
	n, err := ackScript.Run(ctx, q.client, []string{leaseKey(l.JobID), KeyProcessing}, l.Owner, l.payload).Int()
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", l.JobID, err)
	}
	if n == 0 {
		return models.ErrLeaseLost
	}
	return nil
}

// Reap scans the processing list and removes messages that have had no lease
// on two consecutive scans. It returns the job IDs it removed; the caller
// decides whether each is requeued or failed.
func (q *Queue) Reap(ctx context.Context) ([]uuid.UUID, error) {
	payloads, err := q.client.LRange(ctx, KeyProcessing, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan processing list: %w", err)
	}

	byPayload := make(map[string]uuid.UUID, len(payloads))
	var unleased []string
	for _, p := range payloads {
		var msg Message
		if err := json.Unmarshal([]byte(p), &msg); err != nil {
			q.client.LRem(ctx, KeyProcessing, 1, p)
			continue
		}
		n, err := q.client.Exists(ctx, leaseKey(msg.JobID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check lease: %w", err)
		}
		if n == 0 {
			unleased = append(unleased, p)
			byPayload[p] = msg.JobID
		}
	}

	var reaped []uuid.UUID
	for _, p := range q.orphans.sweep(unleased) {
		removed, err := q.client.LRem(ctx, KeyProcessing, 1, p).Result()
		if err != nil {
			return reaped, fmt.Errorf("failed to remove orphan: %w", err)
		}
		if removed > 0 {
			reaped = append(reaped, byPayload[p])
		}
	}
	return reaped, nil
}

// Len returns the pending and processing list lengths.
func (q *Queue) Len(ctx context.Context) (pending, processing int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, KeyPending)
	r := pipe.LLen(ctx, KeyProcessing)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return p.Val(), r.Val(), nil
}

// orphanTracker remembers which payloads lacked a lease on the previous scan.
// A dequeue sets its lease just after the move, so a single miss is not
// enough to call a payload orphaned.
type orphanTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (t *orphanTracker) sweep(unleased []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var orphans []string
	next := make(map[string]struct{}, len(unleased))
	for _, p := range unleased {
		if _, ok := t.seen[p]; ok {
			orphans = append(orphans, p)
			continue
		}
		next[p] = struct{}{}
	}
	t.seen = next
	return orphans
}
