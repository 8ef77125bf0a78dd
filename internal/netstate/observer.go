// Package netstate reports network reachability to the sync engine.
package netstate

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrInvalidInput = errors.New("invalid input")

type State struct {
	Connected         bool `json:"connected"`
	InternetReachable bool `json:"internetReachable"`
}

// Online is true only when the device is connected and the backend is
// reachable over that connection.
func (s State) Online() bool {
	return s.Connected && s.InternetReachable
}

type Observer interface {
	Current(ctx context.Context) State
	Subscribe(fn func(State)) (unsubscribe func())
}

// broadcaster holds the last observed state and fans changes out to
// listeners in registration order.
type broadcaster struct {
	logger logrus.FieldLogger

	mu        sync.Mutex
	state     State
	observed  bool
	nextID    int
	listeners []listener
}

type listener struct {
	id int
	fn func(State)
}

func (b *broadcaster) current() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.observed
}

func (b *broadcaster) subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listener{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// set records next and notifies listeners when it differs from the
// previous observation. It reports whether a change was emitted.
func (b *broadcaster) set(next State) bool {
	b.mu.Lock()
	if b.observed && b.state == next {
		b.mu.Unlock()
		return false
	}
	b.state = next
	b.observed = true
	listeners := append([]listener(nil), b.listeners...)
	b.mu.Unlock()

	for _, l := range listeners {
		b.notify(l, next)
	}
	return true
}

func (b *broadcaster) notify(l listener, state State) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.WithField("panic", r).Warn("network listener panicked")
		}
	}()
	l.fn(state)
}

// Manual is an observer whose state is set by the caller. It backs tests
// and deployments that assume a fixed connectivity.
type Manual struct {
	b broadcaster
}

func NewManual(initial State) *Manual {
	m := &Manual{}
	m.b.state = initial
	m.b.observed = true
	return m
}

func (m *Manual) Current(context.Context) State {
	state, _ := m.b.current()
	return state
}

func (m *Manual) Subscribe(fn func(State)) func() {
	return m.b.subscribe(fn)
}

func (m *Manual) Set(state State) {
	m.b.set(state)
}

func (m *Manual) SetOnline(online bool) {
	m.b.set(State{Connected: online, InternetReachable: online})
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
