package netstate

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type ProbeOptions struct {
	URL         string
	Interval    time.Duration
	JitterRatio float64
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      logrus.FieldLogger
}

// Probe polls an HTTP health endpoint. A response of any status means the
// device is connected; a 2xx response means the backend is reachable.
type Probe struct {
	url         string
	interval    time.Duration
	jitterRatio float64
	timeout     time.Duration
	client      *http.Client
	logger      logrus.FieldLogger
	b           broadcaster

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewProbe(opts ProbeOptions) (*Probe, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, ErrInvalidInput
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	p := &Probe{
		url:         url,
		interval:    opts.Interval,
		jitterRatio: ClampJitterRatio(opts.JitterRatio),
		timeout:     opts.Timeout,
		client:      opts.HTTPClient,
		logger:      opts.Logger,
	}
	p.b.logger = opts.Logger
	return p, nil
}

// Current returns the last observed state, probing once if nothing has
// been observed yet.
func (p *Probe) Current(ctx context.Context) State {
	if state, ok := p.b.current(); ok {
		return state
	}
	return p.CheckNow(ctx)
}

func (p *Probe) Subscribe(fn func(State)) func() {
	return p.b.subscribe(fn)
}

// CheckNow probes immediately and publishes the result.
func (p *Probe) CheckNow(ctx context.Context) State {
	state := p.check(ctx)
	if p.b.set(state) {
		p.logger.WithFields(logrus.Fields{
			"connected":          state.Connected,
			"internet_reachable": state.InternetReachable,
		}).Info("network state changed")
	}
	return state
}

// Start launches the polling loop. It is a no-op when already running.
func (p *Probe) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})
	go p.run(loopCtx, p.stopped)
}

func (p *Probe) Stop() {
	p.mu.Lock()
	cancel, stopped := p.cancel, p.stopped
	p.cancel, p.stopped = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (p *Probe) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	p.CheckNow(ctx)
	timer := time.NewTimer(JitteredInterval(p.interval, p.jitterRatio, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.CheckNow(ctx)
			timer.Reset(JitteredInterval(p.interval, p.jitterRatio, rng.Float64()))
		}
	}
}

func (p *Probe) check(ctx context.Context) State {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return State{}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.WithError(err).Debug("network probe failed")
		return State{}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return State{
		Connected:         true,
		InternetReachable: resp.StatusCode >= 200 && resp.StatusCode <= 299,
	}
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by up to ±jitterRatio using sample in [0,1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
