package offline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncStatus is a point-in-time view of the engine.
type SyncStatus struct {
	IsOnline          bool       `json:"isOnline"`
	IsSyncing         bool       `json:"isSyncing"`
	PendingOperations int        `json:"pendingOperations"`
	LastSync          *time.Time `json:"lastSync"`
	FailedOperations  int        `json:"failedOperations"`
}

type statusSubscriber struct {
	id int
	fn func(SyncStatus)
}

// Publisher fans status snapshots out to subscribers synchronously, in
// registration order. A panicking subscriber is logged and skipped.
type Publisher struct {
	logger logrus.FieldLogger

	mu          sync.Mutex
	nextID      int
	subscribers []statusSubscriber
}

func NewPublisher(logger logrus.FieldLogger) *Publisher {
	if logger == nil {
		logger = discardLogger()
	}
	return &Publisher{logger: logger}
}

func (p *Publisher) Subscribe(fn func(SyncStatus)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subscribers = append(p.subscribers, statusSubscriber{id: id, fn: fn})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.remove(id) })
	}
}

func (p *Publisher) Publish(status SyncStatus) {
	p.mu.Lock()
	subscribers := append([]statusSubscriber(nil), p.subscribers...)
	p.mu.Unlock()
	for _, sub := range subscribers {
		p.deliver(sub, status)
	}
}

func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Reset drops every subscriber.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = nil
}

func (p *Publisher) deliver(sub statusSubscriber, status SyncStatus) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("sync status subscriber panicked")
		}
	}()
	sub.fn(status)
}

func (p *Publisher) remove(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, sub := range p.subscribers {
		if sub.id == id {
			p.subscribers = append(p.subscribers[:i:i], p.subscribers[i+1:]...)
			return
		}
	}
}
