package netstate

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

type SocketOptions struct {
	URL           string
	PingInterval  time.Duration
	PingTimeout   time.Duration
	DialTimeout   time.Duration
	MaxRedialWait time.Duration
	Logger        logrus.FieldLogger
}

// Socket keeps a websocket open to a heartbeat endpoint. A successful dial
// marks the device connected; each ping round trip decides reachability.
// Lost connections are redialed with exponential backoff.
type Socket struct {
	url           string
	pingInterval  time.Duration
	pingTimeout   time.Duration
	dialTimeout   time.Duration
	maxRedialWait time.Duration
	logger        logrus.FieldLogger
	b             broadcaster

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewSocket(opts SocketOptions) (*Socket, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, ErrInvalidInput
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.MaxRedialWait <= 0 {
		opts.MaxRedialWait = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	s := &Socket{
		url:           url,
		pingInterval:  opts.PingInterval,
		pingTimeout:   opts.PingTimeout,
		dialTimeout:   opts.DialTimeout,
		maxRedialWait: opts.MaxRedialWait,
		logger:        opts.Logger,
	}
	s.b.logger = opts.Logger
	return s, nil
}

// Current returns the last observed state. Before the first dial completes
// the device is reported offline.
func (s *Socket) Current(context.Context) State {
	state, _ := s.b.current()
	return state
}

func (s *Socket) Subscribe(fn func(State)) func() {
	return s.b.subscribe(fn)
}

func (s *Socket) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go s.run(loopCtx, s.stopped)
}

func (s *Socket) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (s *Socket) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	redial := backoff.NewExponentialBackOff()
	redial.InitialInterval = 500 * time.Millisecond
	redial.MaxInterval = s.maxRedialWait
	redial.Reset()

	for ctx.Err() == nil {
		if s.session(ctx) {
			redial.Reset()
		}
		if ctx.Err() != nil {
			return
		}
		wait := redial.NextBackOff()
		if wait == backoff.Stop {
			wait = s.maxRedialWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and pings until the connection fails. It reports
// whether the dial succeeded.
func (s *Socket) session(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		s.publish(State{})
		s.logger.WithError(err).Debug("heartbeat dial failed")
		return false
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	readCtx := conn.CloseRead(ctx)
	if !s.ping(readCtx, conn) {
		return true
	}
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-readCtx.Done():
			if ctx.Err() == nil {
				s.publish(State{})
			}
			return true
		case <-ticker.C:
			if !s.ping(readCtx, conn) {
				return true
			}
		}
	}
}

func (s *Socket) ping(ctx context.Context, conn *websocket.Conn) bool {
	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		if ctx.Err() == nil {
			s.publish(State{Connected: true})
			s.logger.WithError(err).Debug("heartbeat ping failed")
		}
		return false
	}
	s.publish(State{Connected: true, InternetReachable: true})
	return true
}

func (s *Socket) publish(state State) {
	if s.b.set(state) {
		s.logger.WithFields(logrus.Fields{
			"connected":          state.Connected,
			"internet_reachable": state.InternetReachable,
		}).Info("network state changed")
	}
}
