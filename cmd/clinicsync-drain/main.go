package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/clinicsync/internal/config"
	"github.com/agentworkforce/clinicsync/internal/durable"
	"github.com/agentworkforce/clinicsync/internal/logging"
	"github.com/agentworkforce/clinicsync/internal/netstate"
	"github.com/agentworkforce/clinicsync/internal/offline"
	"github.com/agentworkforce/clinicsync/internal/remote"
)

func main() {
	cfgFile := flag.String("config", envOrDefault("CLINICSYNC_CONFIG", ""), "config file path")
	userID := flag.String("user", envOrDefault("CLINICSYNC_DRAIN_USER", ""), "only drain this user's operations")
	storeDSN := flag.String("store", envOrDefault("CLINICSYNC_DRAIN_STORE", ""), "store DSN (overrides storage.dsn)")
	interval := flag.Duration("interval", durationEnv("CLINICSYNC_DRAIN_INTERVAL", 30*time.Second), "drain interval")
	jitterRatio := flag.Float64("jitter-ratio", floatEnv("CLINICSYNC_DRAIN_JITTER_RATIO", 0.2), "drain interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("CLINICSYNC_DRAIN_TIMEOUT", 2*time.Minute), "per-pass timeout")
	once := flag.Bool("once", false, "run one pass and exit")
	flag.Parse()

	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 2 * time.Minute
	}
	*jitterRatio = netstate.ClampJitterRatio(*jitterRatio)

	cfg, _, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if dsn := strings.TrimSpace(*storeDSN); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionUser := strings.TrimSpace(cfg.Session.UserID)
	if sessionUser == "" {
		sessionUser = "drain"
	}
	d, err := newDrainer(rootCtx, cfg, sessionUser, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open queue")
	}
	defer d.close()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		result := d.pass(ctx, strings.TrimSpace(*userID))
		entry := d.logger.WithFields(logrus.Fields{
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"evicted":   result.Evicted,
			"deferred":  result.Deferred,
			"pending":   d.engine.Status().PendingOperations,
		})
		if result.Skipped {
			entry.WithField("reason", result.SkipReason).Info("drain pass skipped")
			return
		}
		entry.Info("drain pass completed")
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(netstate.JitteredInterval(*interval, *jitterRatio, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			d.logger.WithField("cause", rootCtx.Err()).Info("drain stopping")
			return
		case <-timer.C:
			run()
			timer.Reset(netstate.JitteredInterval(*interval, *jitterRatio, rng.Float64()))
		}
	}
}

// drainer applies a durable queue without serving the HTTP API. The
// session user only labels the engine; passes may cover every user.
type drainer struct {
	store  durable.Store
	engine *offline.Engine
	probe  *netstate.Probe
	logger logrus.FieldLogger
}

func newDrainer(ctx context.Context, cfg *config.Config, sessionUser string, logger *logrus.Logger) (*drainer, error) {
	store, err := durable.BuildStoreFromDSN(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", cfg.Storage.DSN, err)
	}
	d := &drainer{store: store, logger: logging.ForService(logger, "drain")}

	sink, err := remote.BuildSinkFromDSN(remote.SinkConfig{
		DSN:         cfg.Remote.DSN,
		Token:       cfg.Remote.Token,
		CouchPrefix: cfg.Remote.CouchPrefix,
		MaxRetries:  cfg.Remote.MaxRetries,
	})
	if err != nil {
		d.close()
		return nil, fmt.Errorf("open remote sink: %w", err)
	}

	var observer netstate.Observer = netstate.NewManual(netstate.State{Connected: true, InternetReachable: true})
	if cfg.Network.Mode == "probe" {
		probe, err := netstate.NewProbe(netstate.ProbeOptions{
			URL:         cfg.Network.URL,
			Interval:    cfg.Network.Interval,
			JitterRatio: cfg.Network.JitterRatio,
			Timeout:     cfg.Network.Timeout,
			Logger:      logging.ForService(logger, "netstate"),
		})
		if err != nil {
			d.close()
			return nil, err
		}
		d.probe = probe
		observer = probe
	}

	engine, err := offline.NewEngine(offline.EngineOptions{
		Store:           store,
		Sink:            sink,
		Observer:        observer,
		Logger:          logging.ForService(logger, "offline"),
		MaxRetries:      cfg.Sync.MaxRetries,
		MaxAge:          cfg.Sync.MaxAge,
		ItemTimeout:     cfg.Sync.ItemTimeout,
		BackoffInitial:  cfg.Sync.BackoffInitial,
		BackoffMax:      cfg.Sync.BackoffMax,
		DeadLetterLimit: cfg.Sync.DeadLetterLimit,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	if err := engine.Initialize(ctx, sessionUser); err != nil {
		d.close()
		return nil, fmt.Errorf("initialize engine: %w", err)
	}
	d.engine = engine
	return d, nil
}

// pass waits out any background pass Initialize started, refreshes the
// probe and then drains the queue once.
func (d *drainer) pass(ctx context.Context, userID string) offline.SyncResult {
	d.engine.Wait()
	if d.probe != nil {
		d.probe.CheckNow(ctx)
		d.engine.Wait()
	}
	return d.engine.SyncAll(ctx, userID)
}

func (d *drainer) close() {
	if d.engine != nil {
		d.engine.Destroy()
		d.engine = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
		d.store = nil
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}
