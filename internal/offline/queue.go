package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/clinicsync/internal/durable"
)

const (
	QueueNamespace = "offline_queue"
	queueKey       = "queue"
	lastSyncKey    = "last_sync"
	deadLetterKey  = "dead_letters"
)

type EvictionReason string

const (
	EvictMaxRetries  EvictionReason = "max_retries"
	EvictMaxAge      EvictionReason = "max_age"
	EvictUndecodable EvictionReason = "undecodable"
)

// EvictionPolicy decides when a failing operation is given up on.
type EvictionPolicy struct {
	MaxRetries int
	MaxAge     time.Duration
}

// Evaluate is applied to the retry count the operation had when its
// latest attempt started, so retries == MaxRetries-1 still earns one more
// attempt.
func (p EvictionPolicy) Evaluate(op QueuedOperation, now time.Time) EvictionReason {
	if op.Retries >= p.MaxRetries {
		return EvictMaxRetries
	}
	if op.Age(now) > p.MaxAge {
		return EvictMaxAge
	}
	return ""
}

// Queue is the ordered list of pending operations, mirrored to the
// durable store after every mutation. Store failures are logged and the
// in-memory list stays authoritative.
type Queue struct {
	store  durable.Store
	logger logrus.FieldLogger
	now    func() time.Time

	mu    sync.Mutex
	items []QueuedOperation
}

func NewQueue(store durable.Store, logger logrus.FieldLogger, now func() time.Time) *Queue {
	if logger == nil {
		logger = discardLogger()
	}
	if now == nil {
		now = time.Now
	}
	return &Queue{store: store, logger: logger, now: now}
}

// Load replaces the in-memory list with the persisted one. A missing or
// unreadable list yields an empty queue. Entries that no longer decode are
// left out of the in-memory list and returned as raw JSON; the stored copy
// keeps them until the caller has recorded them elsewhere and calls Persist.
func (q *Queue) Load(ctx context.Context) []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil

	raw, ok, err := q.store.GetItem(ctx, QueueNamespace, queueKey)
	if err != nil {
		q.logger.WithError(err).Warn("failed to read offline queue, starting empty")
		return nil
	}
	if !ok {
		return nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		q.logger.WithError(err).Warn("offline queue is corrupt, starting empty")
		return nil
	}
	var undecodable []json.RawMessage
	for _, entry := range entries {
		var op QueuedOperation
		if err := json.Unmarshal(entry, &op); err != nil {
			q.logger.WithError(err).Warn("dropping undecodable queued operation")
			undecodable = append(undecodable, entry)
			continue
		}
		q.items = append(q.items, op)
	}
	return undecodable
}

// Persist writes the in-memory list to the store.
func (q *Queue) Persist(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.persistLocked(ctx)
}

func (q *Queue) Enqueue(ctx context.Context, payload Payload, userID string) (QueuedOperation, error) {
	if payload == nil || strings.TrimSpace(userID) == "" {
		return QueuedOperation{}, ErrInvalidInput
	}
	if err := payload.Validate(); err != nil {
		return QueuedOperation{}, err
	}
	now := q.now()
	op := QueuedOperation{
		ID:        newOperationID(payload.Type(), now),
		Type:      payload.Type(),
		Data:      payload,
		Timestamp: now.UnixMilli(),
		UserID:    userID,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, op)
	q.persistLocked(ctx)
	return op, nil
}

func (q *Queue) RemoveByID(ctx context.Context, id string) bool {
	return len(q.Prune(ctx, func(op QueuedOperation) bool { return op.ID == id })) > 0
}

// Prune removes every entry matching pred and returns the removed entries
// in queue order.
func (q *Queue) Prune(ctx context.Context, pred func(QueuedOperation) bool) []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.pruneLocked(pred)
	if len(removed) > 0 {
		q.persistLocked(ctx)
	}
	return removed
}

// RecordFailure counts a failed attempt for id. The eviction policy is
// evaluated first; an evicted entry is handed to onEvict and only then
// removed from the stored queue, otherwise its retry count is bumped and it
// is rescheduled for nextAttempt. found is false when the entry left the
// queue while it was being applied.
func (q *Queue) RecordFailure(ctx context.Context, id string, cause error, policy EvictionPolicy, now, nextAttempt time.Time, onEvict func(QueuedOperation, EvictionReason)) (op QueuedOperation, reason EvictionReason, found bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return QueuedOperation{}, "", false
	}
	if cause != nil {
		q.items[idx].LastError = cause.Error()
	}
	if reason = policy.Evaluate(q.items[idx], now); reason != "" {
		removed := q.pruneLocked(func(candidate QueuedOperation) bool { return candidate.ID == id })
		if onEvict != nil {
			onEvict(removed[0], reason)
		}
		q.persistLocked(ctx)
		return removed[0], reason, true
	}
	q.items[idx].Retries++
	if !nextAttempt.IsZero() {
		q.items[idx].NextAttemptAt = nextAttempt.UnixMilli()
	}
	q.persistLocked(ctx)
	return q.items[idx], "", true
}

func (q *Queue) Snapshot() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedOperation(nil), q.items...)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear empties the queue and erases its durable copy.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	if err := q.store.RemoveItem(ctx, QueueNamespace, queueKey); err != nil {
		return fmt.Errorf("remove offline queue: %w", err)
	}
	return nil
}

func (q *Queue) indexLocked(id string) int {
	for i, op := range q.items {
		if op.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) pruneLocked(pred func(QueuedOperation) bool) []QueuedOperation {
	var removed []QueuedOperation
	kept := q.items[:0:0]
	for _, op := range q.items {
		if pred(op) {
			removed = append(removed, op)
			continue
		}
		kept = append(kept, op)
	}
	q.items = kept
	return removed
}

func (q *Queue) persistLocked(ctx context.Context) {
	items := q.items
	if items == nil {
		items = []QueuedOperation{}
	}
	data, err := json.Marshal(items)
	if err == nil {
		// a cancelled pass must still record what it already applied
		err = q.store.SetItem(context.WithoutCancel(ctx), QueueNamespace, queueKey, string(data))
	}
	if err != nil {
		q.logger.WithError(err).WithField("pending", len(q.items)).Warn("failed to persist offline queue")
	}
}
