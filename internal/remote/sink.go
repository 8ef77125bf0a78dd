// Package remote holds the mutation sinks that queued operations are
// applied against.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Document is a JSON object as stored by the remote document database.
type Document map[string]any

// Sink applies per-document mutations on the remote store. Update merges
// the given fields into an existing document; Set replaces or creates it.
type Sink interface {
	Read(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, fields Document) error
	Set(ctx context.Context, collection, id string, doc Document) error
}

type CallKind string

const (
	CallRead   CallKind = "read"
	CallUpdate CallKind = "update"
	CallSet    CallKind = "set"
)

type Call struct {
	Kind       CallKind
	Collection string
	ID         string
	Fields     Document
	Failed     bool
}

// MemorySink is an in-process document store that records every call it
// receives. Failures can be injected per call with FailNext.
type MemorySink struct {
	mu       sync.Mutex
	docs     map[string]map[string]Document
	calls    []Call
	failures []error
	hook     func(context.Context, Call) error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{docs: map[string]map[string]Document{}}
}

// Seed stores a document without recording a call.
func (s *MemorySink) Seed(collection, id string, doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(collection, id, cloneDocument(doc))
}

// FailNext queues errors returned by the next mutating calls, in order.
func (s *MemorySink) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// OnCall installs a hook run before every call. A non-nil return fails
// the call. The hook runs without the sink lock held.
func (s *MemorySink) OnCall(hook func(context.Context, Call) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *MemorySink) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	for i, call := range s.calls {
		call.Fields = cloneDocument(call.Fields)
		out[i] = call
	}
	return out
}

// Mutations returns the update and set calls that succeeded.
func (s *MemorySink) Mutations() []Call {
	out := []Call{}
	for _, call := range s.Calls() {
		if call.Kind != CallRead && !call.Failed {
			out = append(out, call)
		}
	}
	return out
}

func (s *MemorySink) Document(collection, id string) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, false
	}
	return cloneDocument(doc), true
}

func (s *MemorySink) Read(ctx context.Context, collection, id string) (Document, error) {
	if err := s.begin(ctx, Call{Kind: CallRead, Collection: collection, ID: id}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemorySink) Update(ctx context.Context, collection, id string, fields Document) error {
	if err := s.begin(ctx, Call{Kind: CallUpdate, Collection: collection, ID: id, Fields: cloneDocument(fields)}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[collection][id]
	if !ok {
		return ErrNotFound
	}
	for key, value := range cloneDocument(fields) {
		doc[key] = value
	}
	return nil
}

func (s *MemorySink) Set(ctx context.Context, collection, id string, doc Document) error {
	if err := s.begin(ctx, Call{Kind: CallSet, Collection: collection, ID: id, Fields: cloneDocument(doc)}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(collection, id, cloneDocument(doc))
	return nil
}

func (s *MemorySink) begin(ctx context.Context, call Call) error {
	if strings.TrimSpace(call.Collection) == "" || strings.TrimSpace(call.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if call.Kind != CallRead && len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			s.calls[len(s.calls)-1].Failed = true
			return err
		}
	}
	return nil
}

func (s *MemorySink) putLocked(collection, id string, doc Document) {
	bucket, ok := s.docs[collection]
	if !ok {
		bucket = map[string]Document{}
		s.docs[collection] = bucket
	}
	bucket[id] = doc
}

func cloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		out := make(Document, len(doc))
		for key, value := range doc {
			out[key] = value
		}
		return out
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
