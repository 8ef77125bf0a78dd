package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"unicode"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

// CouchSink stores each collection in its own CouchDB database. Databases
// are created on first use.
type CouchSink struct {
	client *kivik.Client
	prefix string

	mu      sync.Mutex
	ensured map[string]bool
}

type CouchSinkOptions struct {
	URL          string
	DBNamePrefix string
}

func NewCouchSink(opts CouchSinkOptions) (*CouchSink, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, ErrInvalidInput
	}
	client, err := kivik.New("couch", opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create CouchDB client: %w", err)
	}
	return &CouchSink{
		client:  client,
		prefix:  strings.ToLower(strings.TrimSpace(opts.DBNamePrefix)),
		ensured: map[string]bool{},
	}, nil
}

func (s *CouchSink) Read(ctx context.Context, collection, id string) (Document, error) {
	db, err := s.database(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, db, id)
}

// Update merges fields into the stored document and writes it back with
// the revision it was read at. A concurrent writer surfaces as a 409.
func (s *CouchSink) Update(ctx context.Context, collection, id string, fields Document) error {
	db, err := s.database(ctx, collection, id)
	if err != nil {
		return err
	}
	doc, err := s.get(ctx, db, id)
	if err != nil {
		return err
	}
	for key, value := range fields {
		if key == "_id" || key == "_rev" {
			continue
		}
		doc[key] = value
	}
	if _, err := db.Put(ctx, id, doc); err != nil {
		return fmt.Errorf("failed to put document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *CouchSink) Set(ctx context.Context, collection, id string, doc Document) error {
	db, err := s.database(ctx, collection, id)
	if err != nil {
		return err
	}
	next := Document{}
	for key, value := range doc {
		if key == "_rev" {
			continue
		}
		next[key] = value
	}
	existing, err := s.get(ctx, db, id)
	switch {
	case err == nil:
		if rev, ok := existing["_rev"].(string); ok {
			next["_rev"] = rev
		}
	case !IsNotFound(err):
		return err
	}
	if _, err := db.Put(ctx, id, next); err != nil {
		return fmt.Errorf("failed to put document %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *CouchSink) Close() error {
	return s.client.Close()
}

func (s *CouchSink) get(ctx context.Context, db *kivik.DB, id string) (Document, error) {
	row := db.Get(ctx, id)
	if err := row.Err(); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	var doc Document
	if err := row.ScanDoc(&doc); err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

func (s *CouchSink) database(ctx context.Context, collection, id string) (*kivik.DB, error) {
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(id) == "" {
		return nil, ErrInvalidInput
	}
	name := s.prefix + couchDBName(collection)

	s.mu.Lock()
	ready := s.ensured[name]
	s.mu.Unlock()
	if !ready {
		exists, err := s.client.DBExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to check database existence: %w", err)
		}
		if !exists {
			if err := s.client.CreateDB(ctx, name); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
				return nil, fmt.Errorf("failed to create database %s: %w", name, err)
			}
		}
		s.mu.Lock()
		s.ensured[name] = true
		s.mu.Unlock()
	}
	return s.client.DB(name), nil
}

// couchDBName turns a collection name such as exercisePlans into a valid
// CouchDB database name (exercise_plans).
func couchDBName(collection string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(collection) {
		switch {
		case unicode.IsUpper(r):
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLower(r), unicode.IsDigit(r), r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
