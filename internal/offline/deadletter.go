package offline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/clinicsync/internal/durable"
)

// DeadLetter is an operation that was evicted without ever being applied.
type DeadLetter struct {
	ID        string          `json:"id"`
	Type      OperationType   `json:"type"`
	UserID    string          `json:"userId"`
	Reason    EvictionReason  `json:"reason"`
	Retries   int             `json:"retries"`
	LastError string          `json:"lastError,omitempty"`
	EvictedAt int64           `json:"evictedAt"`
	Operation json.RawMessage `json:"operation"`
}

func newDeadLetter(op QueuedOperation, reason EvictionReason, now time.Time) DeadLetter {
	raw, err := json.Marshal(op)
	if err != nil {
		raw = nil
	}
	return DeadLetter{
		ID:        op.ID,
		Type:      op.Type,
		UserID:    op.UserID,
		Reason:    reason,
		Retries:   op.Retries,
		LastError: op.LastError,
		EvictedAt: now.UnixMilli(),
		Operation: raw,
	}
}

func undecodableDeadLetter(raw json.RawMessage, now time.Time) DeadLetter {
	var header struct {
		ID      string        `json:"id"`
		Type    OperationType `json:"type"`
		UserID  string        `json:"userId"`
		Retries int           `json:"retries"`
	}
	_ = json.Unmarshal(raw, &header)
	return DeadLetter{
		ID:        header.ID,
		Type:      header.Type,
		UserID:    header.UserID,
		Reason:    EvictUndecodable,
		Retries:   header.Retries,
		EvictedAt: now.UnixMilli(),
		Operation: append(json.RawMessage(nil), raw...),
	}
}

// deadLetters is a bounded, persisted list of evicted operations. When
// full the oldest entries are dropped.
type deadLetters struct {
	store  durable.Store
	logger logrus.FieldLogger
	limit  int

	mu      sync.Mutex
	entries []DeadLetter
}

func (d *deadLetters) load(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = nil
	raw, ok, err := d.store.GetItem(ctx, QueueNamespace, deadLetterKey)
	if err != nil {
		d.logger.WithError(err).Warn("failed to read dead letters")
		return
	}
	if !ok {
		return
	}
	if err := json.Unmarshal([]byte(raw), &d.entries); err != nil {
		d.logger.WithError(err).Warn("dead letter list is corrupt, starting empty")
		d.entries = nil
	}
}

func (d *deadLetters) add(ctx context.Context, entries ...DeadLetter) {
	if len(entries) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entries...)
	if d.limit > 0 && len(d.entries) > d.limit {
		d.entries = append([]DeadLetter(nil), d.entries[len(d.entries)-d.limit:]...)
	}
	d.persistLocked(ctx)
}

func (d *deadLetters) list() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.entries...)
}

func (d *deadLetters) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *deadLetters) remove(ctx context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, entry := range d.entries {
		if entry.ID == id {
			d.entries = append(d.entries[:i:i], d.entries[i+1:]...)
			d.persistLocked(ctx)
			return true
		}
	}
	return false
}

func (d *deadLetters) clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = nil
	return d.store.RemoveItem(ctx, QueueNamespace, deadLetterKey)
}

func (d *deadLetters) persistLocked(ctx context.Context) {
	entries := d.entries
	if entries == nil {
		entries = []DeadLetter{}
	}
	data, err := json.Marshal(entries)
	if err == nil {
		err = d.store.SetItem(context.WithoutCancel(ctx), QueueNamespace, deadLetterKey, string(data))
	}
	if err != nil {
		d.logger.WithError(err).Warn("failed to persist dead letters")
	}
}
