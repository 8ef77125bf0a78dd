package offline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/clinicsync/internal/durable"
	"github.com/agentworkforce/clinicsync/internal/netstate"
	"github.com/agentworkforce/clinicsync/internal/remote"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineFixture struct {
	engine   *Engine
	store    durable.Store
	sink     *remote.MemorySink
	observer *netstate.Manual
	clock    *testClock
}

func newEngineFixture(t *testing.T, online bool, mutate ...func(*EngineOptions)) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    durable.NewMemoryStore(),
		sink:     remote.NewMemorySink(),
		observer: netstate.NewManual(netstate.State{Connected: online, InternetReachable: online}),
		clock:    newTestClock(),
	}
	f.engine = f.build(t, mutate...)
	return f
}

func (f *engineFixture) build(t *testing.T, mutate ...func(*EngineOptions)) *Engine {
	t.Helper()
	opts := EngineOptions{
		Store:    f.store,
		Sink:     f.sink,
		Observer: f.observer,
		Now:      f.clock.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(engine.Destroy)
	return engine
}

func seedQueue(t *testing.T, store durable.Store, ops ...QueuedOperation) {
	t.Helper()
	data, err := json.Marshal(ops)
	require.NoError(t, err)
	require.NoError(t, store.SetItem(context.Background(), QueueNamespace, queueKey, string(data)))
}

func pendingIDs(e *Engine) []string {
	var ids []string
	for _, op := range e.Pending() {
		ids = append(ids, op.ID)
	}
	return ids
}

func strPtr(s string) *string { return &s }

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(EngineOptions{Store: durable.NewMemoryStore()})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEngineLifecycleErrors(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.QueueOperation(ctx, LinkProfessional{ProfessionalID: "pro-1"}, "u1")
	assert.ErrorIs(t, err, ErrNotInitialized)
	result := f.engine.SyncAll(ctx, "")
	assert.True(t, result.Skipped)
	assert.Equal(t, SkipNotInitialized, result.SkipReason)

	assert.ErrorIs(t, f.engine.Initialize(ctx, " "), ErrInvalidInput)
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	assert.ErrorIs(t, f.engine.Initialize(ctx, "u1"), ErrAlreadyInitialized)

	_, err = f.engine.QueueOperation(ctx, nil, "u1")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.engine.QueueOperation(ctx, LinkProfessional{ProfessionalID: "pro-1"}, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.engine.QueueRaw(ctx, "teleport", json.RawMessage(`{}`), "u1")
	assert.ErrorIs(t, err, ErrUnknownOperation)

	f.engine.Destroy()
	f.engine.Destroy()
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
}

func TestCompleteExerciseSyncsWhenNetworkReturns(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	f.sink.Seed("exercisePlans", "P1", remote.Document{
		"exercises": []any{
			map[string]any{"id": "E1", "name": "squat", "completed": false},
			map[string]any{"id": "E2", "name": "lunge", "completed": false},
		},
	})
	require.NoError(t, f.engine.Initialize(ctx, "u1"))

	var statuses []SyncStatus
	var mu sync.Mutex
	f.engine.Subscribe(func(status SyncStatus) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, status)
	})

	_, err := f.engine.QueueOperation(ctx, CompleteExercise{PlanID: "P1", ExerciseID: "E1", Completed: true}, "u1")
	require.NoError(t, err)
	assert.Empty(t, f.sink.Mutations())
	assert.Equal(t, 1, f.engine.Status().PendingOperations)

	f.observer.SetOnline(true)
	f.engine.Wait()

	mutations := f.sink.Mutations()
	require.Len(t, mutations, 1)
	assert.Equal(t, remote.CallUpdate, mutations[0].Kind)
	assert.Equal(t, "exercisePlans", mutations[0].Collection)
	assert.Equal(t, "P1", mutations[0].ID)

	plan, ok := f.sink.Document("exercisePlans", "P1")
	require.True(t, ok)
	exercises := plan["exercises"].([]any)
	require.Len(t, exercises, 2)
	first := exercises[0].(map[string]any)
	assert.Equal(t, true, first["completed"])
	assert.Equal(t, "squat", first["name"])
	assert.NotEmpty(t, first["completedAt"])
	assert.Equal(t, false, exercises[1].(map[string]any)["completed"])

	status := f.engine.Status()
	assert.Equal(t, 0, status.PendingOperations)
	assert.True(t, status.IsOnline)
	assert.False(t, status.IsSyncing)
	require.NotNil(t, status.LastSync)
	assert.Equal(t, f.clock.Now().UnixMilli(), status.LastSync.UnixMilli())

	raw, ok, err := f.store.GetItem(ctx, QueueNamespace, lastSyncKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, raw)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, 0, statuses[len(statuses)-1].PendingOperations)
	sawSyncing := false
	for _, s := range statuses {
		sawSyncing = sawSyncing || s.IsSyncing
	}
	assert.True(t, sawSyncing)
}

func TestTransientFailureKeepsOperationQueued(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	f.sink.Seed("users", "u1", remote.Document{"displayName": "Ana"})
	require.NoError(t, f.engine.Initialize(ctx, "u1"))

	profileID, err := f.engine.QueueOperation(ctx, UpdateProfile{DisplayName: strPtr("Ana B")}, "u1")
	require.NoError(t, err)
	_, err = f.engine.QueueOperation(ctx, SubmitFeedback{Rating: 5, Comment: "great"}, "u1")
	require.NoError(t, err)

	f.sink.FailNext(errors.New("unavailable"))
	f.observer.SetOnline(true)
	f.engine.Wait()

	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, profileID, pending[0].ID)
	assert.Equal(t, OpUpdateProfile, pending[0].Type)
	assert.Equal(t, 1, pending[0].Retries)
	assert.Equal(t, "unavailable", pending[0].LastError)
	assert.Equal(t, 1, f.engine.Status().PendingOperations)

	mutations := f.sink.Mutations()
	require.Len(t, mutations, 1)
	assert.Equal(t, remote.CallSet, mutations[0].Kind)
	assert.Equal(t, "feedback", mutations[0].Collection)
}

func TestClearQueueErasesDurableState(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.store.SetItem(ctx, QueueNamespace, lastSyncKey, "1700000000000"))
	require.NoError(t, f.store.SetItem(ctx, "cache", "plans", `{"value":1,"writtenAt":1}`))
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	require.NotNil(t, f.engine.Status().LastSync)

	_, err := f.engine.QueueOperation(ctx, CancelAppointment{AppointmentID: "a1", Reason: "sick"}, "u1")
	require.NoError(t, err)
	require.NoError(t, f.engine.ClearQueue(ctx))

	assert.Empty(t, f.engine.Pending())
	status := f.engine.Status()
	assert.Equal(t, 0, status.PendingOperations)
	assert.Nil(t, status.LastSync)

	_, ok, err := f.store.GetItem(ctx, QueueNamespace, queueKey)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.store.GetItem(ctx, QueueNamespace, lastSyncKey)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.store.GetItem(ctx, "cache", "plans")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	clock := newTestClock()
	observer := netstate.NewManual(netstate.State{})
	sink := remote.NewMemorySink()

	open := func() (*Engine, *durable.FileStore) {
		store, err := durable.NewFileStore(dir)
		require.NoError(t, err)
		engine, err := NewEngine(EngineOptions{Store: store, Sink: sink, Observer: observer, Now: clock.Now})
		require.NoError(t, err)
		require.NoError(t, engine.Initialize(ctx, "u1"))
		return engine, store
	}

	engine, store := open()
	var want []string
	payloads := []Payload{
		LinkProfessional{ProfessionalID: "pro-1"},
		BookAppointment{AppointmentID: "a1", Notes: "first visit"},
		SubmitFeedback{Rating: 4},
	}
	for _, payload := range payloads {
		id, err := engine.QueueOperation(ctx, payload, "u1")
		require.NoError(t, err)
		want = append(want, id)
		clock.Advance(time.Millisecond)
	}
	engine.Destroy()
	require.NoError(t, store.Close())

	reopened, store := open()
	defer store.Close()
	defer reopened.Destroy()
	assert.Equal(t, want, pendingIDs(reopened))
	assert.Equal(t, BookAppointment{AppointmentID: "a1", Notes: "first visit"}, reopened.Pending()[1].Data)
}

func TestEvictionBoundary(t *testing.T) {
	cases := []struct {
		name    string
		retries int
		age     time.Duration
		evicted EvictionReason
	}{
		{name: "nine retries young survives", retries: 9, age: time.Hour},
		{name: "nine retries old is dropped", retries: 9, age: 8 * 24 * time.Hour, evicted: EvictMaxAge},
		{name: "ten retries young is dropped", retries: 10, age: time.Hour, evicted: EvictMaxRetries},
		{name: "fresh but old is dropped", retries: 0, age: 7*24*time.Hour + time.Minute, evicted: EvictMaxAge},
		{name: "exactly seven days survives", retries: 3, age: 7 * 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(t, false)
			ctx := context.Background()
			seedQueue(t, f.store, QueuedOperation{
				ID:        "op-1",
				Type:      OpBookAppointment,
				Data:      BookAppointment{AppointmentID: "a1"},
				Timestamp: f.clock.Now().Add(-tc.age).UnixMilli(),
				Retries:   tc.retries,
				UserID:    "u1",
			})
			require.NoError(t, f.engine.Initialize(ctx, "u1"))

			f.sink.FailNext(errors.New("permission denied"))
			f.observer.SetOnline(true)
			f.engine.Wait()

			status := f.engine.Status()
			if tc.evicted == "" {
				pending := f.engine.Pending()
				require.Len(t, pending, 1)
				assert.Equal(t, tc.retries+1, pending[0].Retries)
				assert.Equal(t, 0, status.FailedOperations)
				return
			}
			assert.Empty(t, f.engine.Pending())
			assert.Equal(t, 1, status.FailedOperations)
			letters := f.engine.DeadLetters()
			require.Len(t, letters, 1)
			assert.Equal(t, "op-1", letters[0].ID)
			assert.Equal(t, tc.evicted, letters[0].Reason)
			assert.Equal(t, "permission denied", letters[0].LastError)
			assert.Nil(t, status.LastSync)
		})
	}
}

func TestSecondSyncWhileSyncingIsNoop(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.sink.OnCall(func(ctx context.Context, _ remote.Call) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	f.sink.Seed("users", "u1", remote.Document{})
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	_, err := f.engine.QueueOperation(ctx, LinkProfessional{ProfessionalID: "pro-1"}, "u1")
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("background pass never reached the sink")
	}
	before := f.engine.Pending()
	assert.True(t, f.engine.Status().IsSyncing)

	result := f.engine.SyncAll(ctx, "")
	assert.True(t, result.Skipped)
	assert.Equal(t, SkipInProgress, result.SkipReason)
	assert.Equal(t, before, f.engine.Pending())

	close(release)
	f.engine.Wait()
	assert.Empty(t, f.engine.Pending())
	assert.False(t, f.engine.Status().IsSyncing)
}

func TestFailedOperationBacksOff(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	f.sink.Seed("users", "u1", remote.Document{})
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	_, err := f.engine.QueueOperation(ctx, LinkProfessional{ProfessionalID: "pro-1"}, "u1")
	require.NoError(t, err)

	f.sink.FailNext(errors.New("timeout"))
	f.observer.SetOnline(true)
	f.engine.Wait()

	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	next := time.UnixMilli(pending[0].NextAttemptAt)
	assert.True(t, next.After(f.clock.Now()))
	assert.False(t, next.After(f.clock.Now().Add(3*time.Second)))

	result := f.engine.SyncAll(ctx, "")
	assert.Equal(t, SyncResult{Deferred: 1}, result)
	assert.Len(t, f.engine.Pending(), 1)

	f.clock.Advance(3 * time.Second)
	result = f.engine.SyncAll(ctx, "")
	assert.Equal(t, SyncResult{Attempted: 1, Succeeded: 1}, result)
	assert.Empty(t, f.engine.Pending())
}

func TestSyncAllForOneUser(t *testing.T) {
	f := newEngineFixture(t, false, func(o *EngineOptions) { o.BackoffInitial = -1 })
	ctx := context.Background()
	f.sink.Seed("users", "u1", remote.Document{})
	f.sink.Seed("users", "u2", remote.Document{})
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	_, err := f.engine.QueueOperation(ctx, LinkProfessional{ProfessionalID: "pro-1"}, "u1")
	require.NoError(t, err)
	otherID, err := f.engine.QueueOperation(ctx, LinkProfessional{ProfessionalID: "pro-2"}, "u2")
	require.NoError(t, err)

	f.sink.FailNext(errors.New("down"), errors.New("down"))
	f.observer.SetOnline(true)
	f.engine.Wait()
	require.Len(t, f.engine.Pending(), 2)

	result := f.engine.SyncAll(ctx, "u1")
	assert.Equal(t, SyncResult{Attempted: 1, Succeeded: 1}, result)
	assert.Equal(t, []string{otherID}, pendingIDs(f.engine))
	doc, ok := f.sink.Document("users", "u1")
	require.True(t, ok)
	assert.Equal(t, "pro-1", doc["professionalId"])
}

func TestSyncAllSkipsWhenOfflineOrEmpty(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	_, err := f.engine.QueueOperation(ctx, LinkProfessional{ProfessionalID: "pro-1"}, "u1")
	require.NoError(t, err)

	result := f.engine.SyncAll(ctx, "")
	assert.Equal(t, SyncResult{Skipped: true, SkipReason: SkipOffline}, result)
	assert.Empty(t, f.sink.Calls())

	require.NoError(t, f.engine.ClearQueue(ctx))
	f.observer.SetOnline(true)
	f.engine.Wait()
	result = f.engine.SyncAll(ctx, "")
	assert.Equal(t, SyncResult{Skipped: true, SkipReason: SkipEmpty}, result)
}

func TestHungApplyTimesOut(t *testing.T) {
	f := newEngineFixture(t, false, func(o *EngineOptions) { o.ItemTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.sink.OnCall(func(context.Context, remote.Call) error {
		<-release
		return nil
	})
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	_, err := f.engine.QueueOperation(ctx, CancelAppointment{AppointmentID: "a1"}, "u1")
	require.NoError(t, err)

	f.observer.SetOnline(true)
	f.engine.Wait()

	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Retries)
	assert.Contains(t, pending[0].LastError, context.DeadlineExceeded.Error())
}

func TestDestroyCancelsInFlightPass(t *testing.T) {
	f := newEngineFixture(t, true)
	ctx := context.Background()
	entered := make(chan struct{})
	var once sync.Once
	f.sink.OnCall(func(ctx context.Context, _ remote.Call) error {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	id, err := f.engine.QueueOperation(ctx, LinkProfessional{ProfessionalID: "pro-1"}, "u1")
	require.NoError(t, err)
	<-entered

	f.engine.Destroy()

	pending := f.engine.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, 0, pending[0].Retries)

	raw, ok, err := f.store.GetItem(ctx, QueueNamespace, queueKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, id)
}

func TestDestroyDetachesListeners(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	calls := 0
	f.engine.Subscribe(func(SyncStatus) { calls++ })

	f.observer.SetOnline(true)
	assert.Equal(t, 1, calls)

	f.engine.Destroy()
	f.observer.SetOnline(false)
	f.observer.SetOnline(true)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, f.engine.publisher.Len())
}

func TestUndecodableEntriesBecomeDeadLetters(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	good, err := json.Marshal(QueuedOperation{
		ID:        "good",
		Type:      OpLinkProfessional,
		Data:      LinkProfessional{ProfessionalID: "pro-1"},
		Timestamp: f.clock.Now().UnixMilli(),
		UserID:    "u1",
	})
	require.NoError(t, err)
	raw := `[` + string(good) + `,{"id":"bad","type":"teleport","data":{},"timestamp":1,"retries":2,"userId":"u1"}]`
	require.NoError(t, f.store.SetItem(ctx, QueueNamespace, queueKey, raw))

	require.NoError(t, f.engine.Initialize(ctx, "u1"))

	assert.Equal(t, []string{"good"}, pendingIDs(f.engine))
	letters := f.engine.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, "bad", letters[0].ID)
	assert.Equal(t, EvictUndecodable, letters[0].Reason)
	assert.Equal(t, 2, letters[0].Retries)
	assert.Equal(t, 1, f.engine.Status().FailedOperations)

	persisted, _, err := f.store.GetItem(ctx, QueueNamespace, queueKey)
	require.NoError(t, err)
	assert.NotContains(t, persisted, "teleport")

	assert.True(t, f.engine.AcknowledgeDeadLetter(ctx, "bad"))
	assert.False(t, f.engine.AcknowledgeDeadLetter(ctx, "bad"))
	assert.Equal(t, 0, f.engine.Status().FailedOperations)
}

func TestCorruptQueueStartsEmpty(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.store.SetItem(ctx, QueueNamespace, queueKey, "{not json"))
	require.NoError(t, f.store.SetItem(ctx, QueueNamespace, lastSyncKey, "yesterday"))

	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	assert.Empty(t, f.engine.Pending())
	assert.Nil(t, f.engine.Status().LastSync)
}

type failingStore struct {
	*durable.MemoryStore
}

func (failingStore) SetItem(context.Context, string, string, string) error {
	return errors.New("disk full")
}

func TestEnqueueSwallowsStorageFailures(t *testing.T) {
	f := newEngineFixture(t, false, func(o *EngineOptions) {
		o.Store = failingStore{MemoryStore: durable.NewMemoryStore()}
	})
	ctx := context.Background()
	require.NoError(t, f.engine.Initialize(ctx, "u1"))

	id, err := f.engine.QueueOperation(ctx, LinkProfessional{ProfessionalID: "pro-1"}, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, pendingIDs(f.engine))
}

func TestClearQueueDuringPassLeavesNoSessionState(t *testing.T) {
	f := newEngineFixture(t, false)
	ctx := context.Background()
	now := f.clock.Now().UnixMilli()
	seedQueue(t, f.store,
		QueuedOperation{ID: "first", Type: OpSubmitFeedback, Data: SubmitFeedback{Rating: 4}, Timestamp: now, UserID: "u1"},
		QueuedOperation{ID: "second", Type: OpSubmitFeedback, Data: SubmitFeedback{Rating: 2}, Timestamp: now, UserID: "u1", Retries: 10},
	)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	f.sink.OnCall(func(ctx context.Context, _ remote.Call) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 2 {
			return nil
		}
		close(entered)
		<-release
		return errors.New("permission denied")
	})
	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	f.observer.SetOnline(true)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pass never reached the second operation")
	}
	require.NoError(t, f.engine.ClearQueue(ctx))
	close(release)
	f.engine.Wait()

	assert.Empty(t, f.engine.Pending())
	assert.Empty(t, f.engine.DeadLetters())
	assert.Nil(t, f.engine.Status().LastSync)
	for _, key := range []string{queueKey, lastSyncKey, deadLetterKey} {
		_, ok, err := f.store.GetItem(ctx, QueueNamespace, key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
}

type recordingStore struct {
	*durable.MemoryStore
	mu     sync.Mutex
	writes []string
}

func (s *recordingStore) SetItem(ctx context.Context, namespace, key, value string) error {
	s.mu.Lock()
	s.writes = append(s.writes, key)
	s.mu.Unlock()
	return s.MemoryStore.SetItem(ctx, namespace, key, value)
}

func (s *recordingStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

func (s *recordingStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func TestDeadLetterIsStoredBeforeQueueShrinks(t *testing.T) {
	store := &recordingStore{MemoryStore: durable.NewMemoryStore()}
	f := newEngineFixture(t, false, func(o *EngineOptions) {
		o.Store = store
		o.BackoffInitial = -1
	})
	ctx := context.Background()
	now := f.clock.Now().UnixMilli()
	stale, err := json.Marshal(QueuedOperation{ID: "stale", Type: OpLinkProfessional, Data: LinkProfessional{ProfessionalID: "pro-1"}, Timestamp: now, UserID: "u1", Retries: 10})
	require.NoError(t, err)
	raw := `[` + string(stale) + `,{"id":"bad","type":"teleport","data":{},"timestamp":1,"userId":"u1"}]`
	require.NoError(t, store.MemoryStore.SetItem(ctx, QueueNamespace, queueKey, raw))

	require.NoError(t, f.engine.Initialize(ctx, "u1"))
	assert.Equal(t, []string{deadLetterKey, queueKey}, store.keys())

	store.reset()
	f.sink.FailNext(errors.New("forbidden"))
	f.observer.SetOnline(true)
	f.engine.Wait()

	require.Len(t, f.engine.DeadLetters(), 2)
	assert.Equal(t, []string{deadLetterKey, queueKey}, store.keys())
}
