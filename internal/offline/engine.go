// Package offline queues user mutations while the device is disconnected
// and replays them against the remote store once it is reachable again.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/clinicsync/internal/durable"
	"github.com/agentworkforce/clinicsync/internal/netstate"
	"github.com/agentworkforce/clinicsync/internal/remote"
)

const (
	DefaultMaxRetries      = 10
	DefaultMaxAge          = 7 * 24 * time.Hour
	DefaultItemTimeout     = 30 * time.Second
	DefaultDeadLetterLimit = 100
)

type SkipReason string

const (
	SkipInProgress     SkipReason = "in_progress"
	SkipOffline        SkipReason = "offline"
	SkipEmpty          SkipReason = "empty"
	SkipNotInitialized SkipReason = "not_initialized"
)

// SyncResult summarises one pass. Deferred items were still backing off
// and were neither attempted nor counted as failures.
type SyncResult struct {
	Skipped    bool       `json:"skipped"`
	SkipReason SkipReason `json:"skipReason,omitempty"`
	Attempted  int        `json:"attempted"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Evicted    int        `json:"evicted"`
	Deferred   int        `json:"deferred"`
}

type EngineOptions struct {
	Store    durable.Store
	Sink     remote.Sink
	Observer netstate.Observer
	Logger   logrus.FieldLogger
	Now      func() time.Time

	MaxRetries  int
	MaxAge      time.Duration
	ItemTimeout time.Duration
	// BackoffInitial below zero disables per-operation backoff.
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	DeadLetterLimit int
}

// Engine owns one session's queue. It is constructed explicitly and handed
// to whatever needs it; there is no package-level instance.
type Engine struct {
	store       durable.Store
	observer    netstate.Observer
	processor   *Processor
	queue       *Queue
	dead        *deadLetters
	publisher   *Publisher
	logger      logrus.FieldLogger
	now         func() time.Time
	policy      EvictionPolicy
	schedule    retrySchedule
	itemTimeout time.Duration

	syncing atomic.Bool
	passes  sync.WaitGroup

	// sessionMu orders ClearQueue against the writes a pass makes outside
	// the queue. generation is bumped by every ClearQueue.
	sessionMu  sync.RWMutex
	generation uint64

	mu          sync.Mutex
	initialized bool
	userID      string
	online      bool
	lastSync    time.Time
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil || opts.Sink == nil || opts.Observer == nil {
		return nil, fmt.Errorf("%w: store, sink and observer are required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	itemTimeout := opts.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = DefaultItemTimeout
	}
	backoffInitial := opts.BackoffInitial
	if backoffInitial == 0 {
		backoffInitial = defaultBackoffInitial
	}
	backoffMax := opts.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	deadLetterLimit := opts.DeadLetterLimit
	if deadLetterLimit <= 0 {
		deadLetterLimit = DefaultDeadLetterLimit
	}

	return &Engine{
		store:       opts.Store,
		observer:    opts.Observer,
		processor:   NewProcessor(opts.Sink),
		queue:       NewQueue(opts.Store, logger, now),
		dead:        &deadLetters{store: opts.Store, logger: logger, limit: deadLetterLimit},
		publisher:   NewPublisher(logger),
		logger:      logger,
		now:         now,
		policy:      EvictionPolicy{MaxRetries: maxRetries, MaxAge: maxAge},
		schedule:    retrySchedule{initial: backoffInitial, max: backoffMax},
		itemTimeout: itemTimeout,
	}, nil
}

// Initialize loads the persisted queue for a new session, attaches to the
// network observer and, when online, starts a pass in the background.
func (e *Engine) Initialize(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return ErrAlreadyInitialized
	}
	e.mu.Unlock()

	undecodable := e.queue.Load(ctx)
	e.dead.load(ctx)
	if len(undecodable) > 0 {
		now := e.now()
		letters := make([]DeadLetter, 0, len(undecodable))
		for _, raw := range undecodable {
			letters = append(letters, undecodableDeadLetter(raw, now))
		}
		e.dead.add(ctx, letters...)
		e.queue.Persist(ctx)
		e.logger.WithField("count", len(letters)).Warn("moved undecodable operations to dead letters")
	}
	lastSync := e.loadLastSync(ctx)
	online := e.observer.Current(ctx).Online()

	engineCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		cancel()
		return ErrAlreadyInitialized
	}
	e.initialized = true
	e.userID = userID
	e.online = online
	e.lastSync = lastSync
	e.ctx = engineCtx
	e.cancel = cancel
	e.mu.Unlock()

	unsubscribe := e.observer.Subscribe(e.handleNetwork)
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		unsubscribe()
		return nil
	}
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"user":    userID,
		"pending": e.queue.Len(),
		"online":  online,
	}).Info("offline engine initialized")
	e.publish()
	if online {
		e.triggerAsync("initialize")
	}
	return nil
}

// Destroy detaches the network listener and every status subscriber and
// waits for in-flight passes to stop. The durable queue is kept.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	e.initialized = false
	unsubscribe := e.unsubscribe
	cancel := e.cancel
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	e.passes.Wait()
	e.publisher.Reset()
	e.logger.Info("offline engine destroyed")
}

func (e *Engine) QueueOperation(ctx context.Context, payload Payload, userID string) (string, error) {
	e.mu.Lock()
	initialized := e.initialized
	online := e.online
	e.mu.Unlock()
	if !initialized {
		return "", ErrNotInitialized
	}

	op, err := e.queue.Enqueue(ctx, payload, userID)
	if err != nil {
		return "", err
	}
	e.logger.WithFields(logrus.Fields{
		"operation": op.ID,
		"type":      op.Type,
		"user":      op.UserID,
	}).Debug("operation queued")
	e.publish()
	if online {
		e.triggerAsync("enqueue")
	}
	return op.ID, nil
}

// QueueRaw decodes a JSON payload for t and queues it.
func (e *Engine) QueueRaw(ctx context.Context, t OperationType, raw json.RawMessage, userID string) (string, error) {
	payload, err := DecodePayload(t, raw)
	if err != nil {
		return "", err
	}
	return e.QueueOperation(ctx, payload, userID)
}

// SyncAll runs one pass now. A non-empty userID limits the pass to that
// user's operations. It never returns an error; per-item failures are
// counted in the result.
func (e *Engine) SyncAll(ctx context.Context, userID string) SyncResult {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return SyncResult{Skipped: true, SkipReason: SkipNotInitialized}
	}
	engineCtx := e.ctx
	e.passes.Add(1)
	e.mu.Unlock()
	defer e.passes.Done()

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(engineCtx, cancel)
	defer stop()

	return e.runPass(passCtx, strings.TrimSpace(userID))
}

func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	online := e.online
	lastSync := e.lastSync
	e.mu.Unlock()

	status := SyncStatus{
		IsOnline:          online,
		IsSyncing:         e.syncing.Load(),
		PendingOperations: e.queue.Len(),
		FailedOperations:  e.dead.len(),
	}
	if !lastSync.IsZero() {
		status.LastSync = &lastSync
	}
	return status
}

func (e *Engine) Subscribe(fn func(SyncStatus)) (unsubscribe func()) {
	return e.publisher.Subscribe(fn)
}

// ClearQueue erases the durable queue, the last sync marker and the dead
// letters. It is the logout path. A pass still running afterwards cannot
// write any of them back.
func (e *Engine) ClearQueue(ctx context.Context) error {
	var errs []error
	e.sessionMu.Lock()
	e.generation++
	if err := e.queue.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.RemoveItem(ctx, QueueNamespace, lastSyncKey); err != nil {
		errs = append(errs, fmt.Errorf("remove last sync: %w", err))
	}
	if err := e.dead.clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("remove dead letters: %w", err))
	}
	e.mu.Lock()
	e.lastSync = time.Time{}
	e.mu.Unlock()
	e.sessionMu.Unlock()

	e.publish()
	return errors.Join(errs...)
}

func (e *Engine) Pending() []QueuedOperation {
	return e.queue.Snapshot()
}

func (e *Engine) DeadLetters() []DeadLetter {
	return e.dead.list()
}

func (e *Engine) AcknowledgeDeadLetter(ctx context.Context, id string) bool {
	if !e.dead.remove(ctx, id) {
		return false
	}
	e.publish()
	return true
}

// Wait blocks until every background pass started so far has returned.
func (e *Engine) Wait() {
	e.passes.Wait()
}

func (e *Engine) handleNetwork(state netstate.State) {
	online := state.Online()
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	wasOnline := e.online
	e.online = online
	e.mu.Unlock()

	if online != wasOnline {
		e.logger.WithField("online", online).Info("network state changed")
	}
	e.publish()
	if online && !wasOnline && e.queue.Len() > 0 {
		e.triggerAsync("reconnect")
	}
}

func (e *Engine) triggerAsync(reason string) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	e.passes.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.passes.Done()
		result := e.runPass(ctx, "")
		if !result.Skipped {
			e.logger.WithFields(logrus.Fields{
				"trigger":   reason,
				"succeeded": result.Succeeded,
				"failed":    result.Failed,
			}).Debug("background sync finished")
		}
	}()
}

func (e *Engine) runPass(ctx context.Context, userID string) SyncResult {
	if !e.isOnline() {
		return SyncResult{Skipped: true, SkipReason: SkipOffline}
	}
	if e.queue.Len() == 0 {
		return SyncResult{Skipped: true, SkipReason: SkipEmpty}
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return SyncResult{Skipped: true, SkipReason: SkipInProgress}
	}
	e.publish()

	var result SyncResult
	defer func() {
		e.syncing.Store(false)
		e.publish()
	}()
	generation := e.currentGeneration()

	snapshot := e.queue.Snapshot()
	for _, op := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if userID != "" && op.UserID != userID {
			continue
		}
		if op.NextAttemptAt > 0 && op.NextAttemptAt > e.now().UnixMilli() {
			result.Deferred++
			continue
		}

		err := e.apply(ctx, op)
		if err != nil && ctx.Err() != nil {
			// the pass itself was cancelled, not the operation
			break
		}
		result.Attempted++
		if err == nil {
			if e.queue.RemoveByID(ctx, op.ID) {
				result.Succeeded++
				e.publish()
			}
			continue
		}

		now := e.now()
		e.sessionMu.RLock()
		failed, reason, found := e.queue.RecordFailure(ctx, op.ID, err, e.policy, now, e.schedule.next(now, op.Retries+1),
			func(evicted QueuedOperation, reason EvictionReason) {
				e.dead.add(ctx, newDeadLetter(evicted, reason, now))
			})
		e.sessionMu.RUnlock()
		if !found {
			continue
		}
		result.Failed++
		entry := e.logger.WithFields(logrus.Fields{
			"operation": op.ID,
			"type":      op.Type,
			"retries":   failed.Retries,
		}).WithError(err)
		if reason == "" {
			entry.Info("operation failed, will retry")
			continue
		}
		result.Evicted++
		entry.WithField("reason", reason).Warn("stale operation dropped")
		e.publish()
	}

	if result.Succeeded > 0 {
		e.recordLastSync(ctx, e.now(), generation)
	}
	return result
}

// apply runs one operation under the per-item timeout. A sink call that
// ignores its context still releases the pass when the timeout fires.
func (e *Engine) apply(ctx context.Context, op QueuedOperation) error {
	itemCtx, cancel := context.WithTimeout(ctx, e.itemTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("apply %s panicked: %v", op.ID, r)
			}
		}()
		done <- e.processor.Apply(itemCtx, op)
	}()

	select {
	case err := <-done:
		return err
	case <-itemCtx.Done():
		return fmt.Errorf("apply %s: %w", op.ID, itemCtx.Err())
	}
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) publish() {
	e.publisher.Publish(e.Status())
}

func (e *Engine) loadLastSync(ctx context.Context) time.Time {
	raw, ok, err := e.store.GetItem(ctx, QueueNamespace, lastSyncKey)
	if err != nil {
		e.logger.WithError(err).Warn("failed to read last sync time")
		return time.Time{}
	}
	if !ok {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		e.logger.WithError(err).Warn("last sync time is corrupt, ignoring it")
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (e *Engine) currentGeneration() uint64 {
	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()
	return e.generation
}

// recordLastSync is a no-op when the queue was cleared after the pass
// started.
func (e *Engine) recordLastSync(ctx context.Context, at time.Time, generation uint64) {
	e.sessionMu.RLock()
	defer e.sessionMu.RUnlock()
	if e.generation != generation {
		return
	}
	e.mu.Lock()
	e.lastSync = at
	e.mu.Unlock()
	value := strconv.FormatInt(at.UnixMilli(), 10)
	if err := e.store.SetItem(context.WithoutCancel(ctx), QueueNamespace, lastSyncKey, value); err != nil {
		e.logger.WithError(err).Warn("failed to persist last sync time")
	}
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
