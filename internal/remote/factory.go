package remote

import (
	"fmt"
	"net/url"
	"strings"
)

type SinkConfig struct {
	DSN         string
	Token       string
	CouchPrefix string
	MaxRetries  int
}

// BuildSinkFromDSN picks a sink implementation from the DSN scheme.
// couchdb:// and couchdbs:// are rewritten to http:// and https:// before
// being handed to the CouchDB driver.
func BuildSinkFromDSN(config SinkConfig) (Sink, error) {
	dsn := strings.TrimSpace(config.DSN)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemorySink(), nil
	case "couchdb", "couch":
		parsed.Scheme = "http"
		return NewCouchSink(CouchSinkOptions{URL: parsed.String(), DBNamePrefix: config.CouchPrefix})
	case "couchdbs":
		parsed.Scheme = "https"
		return NewCouchSink(CouchSinkOptions{URL: parsed.String(), DBNamePrefix: config.CouchPrefix})
	case "http", "https":
		return NewHTTPSink(HTTPSinkOptions{BaseURL: dsn, Token: config.Token, MaxRetries: config.MaxRetries})
	case "firestore", "grpc":
		return nil, fmt.Errorf("%w: sink backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported sink scheme: %s", scheme)
	}
}
