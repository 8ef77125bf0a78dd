package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/clinicsync/internal/cache"
	"github.com/agentworkforce/clinicsync/internal/config"
	"github.com/agentworkforce/clinicsync/internal/durable"
	"github.com/agentworkforce/clinicsync/internal/httpapi"
	"github.com/agentworkforce/clinicsync/internal/logging"
	"github.com/agentworkforce/clinicsync/internal/netstate"
	"github.com/agentworkforce/clinicsync/internal/offline"
	"github.com/agentworkforce/clinicsync/internal/remote"
)

func main() {
	cfgFile := flag.String("config", strings.TrimSpace(os.Getenv("CLINICSYNC_CONFIG")), "config file path")
	flag.Parse()

	cfg, loader, err := config.Load(*cfgFile)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(rootCtx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize clinicsync")
	}
	defer d.close()

	loader.Watch(func(next *config.Config) {
		logger.SetLevel(logging.ParseLevel(next.Logging.Level))
		logger.WithField("level", next.Logging.Level).Info("configuration reloaded")
	}, func(err error) {
		logger.WithError(err).Warn("ignoring invalid configuration change")
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           d.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("clinicsync listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server failed")
		}
	case <-rootCtx.Done():
		logger.Info("shutting down")
	}

	d.server.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown incomplete")
	}
}

// daemon is everything main wires together for one session.
type daemon struct {
	store    durable.Store
	observer netstate.Observer
	engine   *offline.Engine
	cache    *cache.Cache
	server   *httpapi.Server
	stoppers []func()
}

type runningObserver interface {
	netstate.Observer
	Start(ctx context.Context)
	Stop()
}

func buildDaemon(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*daemon, error) {
	store, err := durable.BuildStoreFromDSN(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", cfg.Storage.DSN, err)
	}
	d := &daemon{store: store}

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

	observer, err := buildObserver(cfg.Network, logging.ForService(logger, "netstate"))
	if err != nil {
		d.close()
		return nil, err
	}
	if running, ok := observer.(runningObserver); ok {
		running.Start(ctx)
		d.stoppers = append(d.stoppers, running.Stop)
	}
	d.observer = observer

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
	d.engine = engine
	d.stoppers = append(d.stoppers, engine.Destroy)

	if userID := strings.TrimSpace(cfg.Session.UserID); userID != "" {
		if err := engine.Initialize(ctx, userID); err != nil {
			d.close()
			return nil, fmt.Errorf("initialize session: %w", err)
		}
	} else {
		logger.Warn("session.user_id is empty; operations are rejected until a session is configured")
	}

	d.cache = cache.New(store, cache.WithTTL(cfg.Cache.TTL))
	server, err := httpapi.NewServerWithConfig(engine, d.cache, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		RateLimitMax:    cfg.API.RateLimitMax,
		RateLimitWindow: cfg.API.RateLimitWindow,
		Logger:          logging.ForService(logger, "httpapi"),
	})
	if err != nil {
		d.close()
		return nil, err
	}
	d.server = server
	return d, nil
}

func buildObserver(cfg config.NetworkConfig, logger logrus.FieldLogger) (netstate.Observer, error) {
	switch cfg.Mode {
	case "", "manual":
		return netstate.NewManual(netstate.State{Connected: cfg.Online, InternetReachable: cfg.Online}), nil
	case "probe":
		return netstate.NewProbe(netstate.ProbeOptions{
			URL:         cfg.URL,
			Interval:    cfg.Interval,
			JitterRatio: cfg.JitterRatio,
			Timeout:     cfg.Timeout,
			Logger:      logger,
		})
	case "socket":
		return netstate.NewSocket(netstate.SocketOptions{
			URL:          cfg.URL,
			PingInterval: cfg.Interval,
			PingTimeout:  cfg.Timeout,
			DialTimeout:  cfg.Timeout,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unsupported network mode: %s", cfg.Mode)
	}
}

// close stops components in reverse order of construction.
func (d *daemon) close() {
	if d.server != nil {
		d.server.Close()
	}
	for i := len(d.stoppers) - 1; i >= 0; i-- {
		d.stoppers[i]()
	}
	d.stoppers = nil
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
		d.store = nil
	}
}
