package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/agentworkforce/clinicsync/internal/config"
	"github.com/agentworkforce/clinicsync/internal/logging"
	"github.com/agentworkforce/clinicsync/internal/netstate"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader("CLINICSYNC_TEST_DAEMON").Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Storage.DSN = "file://" + filepath.Join(t.TempDir(), "state")
	cfg.Session.UserID = "patient-1"
	return cfg
}

func TestBuildObserverModes(t *testing.T) {
	manual, err := buildObserver(config.NetworkConfig{Mode: "manual", Online: false}, logging.Discard())
	if err != nil {
		t.Fatalf("manual observer: %v", err)
	}
	if manual.Current(context.Background()).Online() {
		t.Fatalf("expected manual observer to start offline")
	}

	probe, err := buildObserver(config.NetworkConfig{Mode: "probe", URL: "http://127.0.0.1:1/health"}, logging.Discard())
	if err != nil {
		t.Fatalf("probe observer: %v", err)
	}
	if _, ok := probe.(*netstate.Probe); !ok {
		t.Fatalf("expected *netstate.Probe, got %T", probe)
	}

	socket, err := buildObserver(config.NetworkConfig{Mode: "socket", URL: "ws://127.0.0.1:1/heartbeat"}, logging.Discard())
	if err != nil {
		t.Fatalf("socket observer: %v", err)
	}
	if _, ok := socket.(runningObserver); !ok {
		t.Fatalf("expected socket observer to be startable, got %T", socket)
	}

	if _, err := buildObserver(config.NetworkConfig{Mode: "carrier-pigeon"}, logging.Discard()); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestBuildDaemonServesHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Network.Online = false
	d, err := buildDaemon(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("build daemon: %v", err)
	}
	defer d.close()

	status := d.engine.Status()
	if status.IsOnline || status.PendingOperations != 0 {
		t.Fatalf("unexpected initial status %+v", status)
	}

	rec := httptest.NewRecorder()
	d.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", rec.Code)
	}
}

func TestBuildDaemonRejectsBadStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.DSN = "dynamodb://table"
	if _, err := buildDaemon(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatalf("expected unsupported store to fail")
	}
}

func TestBuildDaemonRejectsBadSink(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.DSN = "ftp://example.com"
	if _, err := buildDaemon(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatalf("expected unsupported sink to fail")
	}
}
