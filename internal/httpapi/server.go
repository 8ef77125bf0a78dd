package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/clinicsync/internal/cache"
	"github.com/agentworkforce/clinicsync/internal/offline"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamOrigins lists extra origins allowed to open the status stream.
	StreamOrigins []string
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

// Server exposes one session's engine and cache to local clients.
type Server struct {
	engine      *offline.Engine
	cache       *cache.Cache
	cfg         ServerConfig
	schemas     *payloadSchemas
	rateLimiter *rateLimiter
	logger      logrus.FieldLogger

	closeOnce sync.Once
	closed    chan struct{}
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   rate.Limit
	burst   int
	entries map[string]*rate.Limiter
}

func NewServer(engine *offline.Engine, c *cache.Cache) (*Server, error) {
	return NewServerWithConfig(engine, c, ServerConfig{})
}

func NewServerWithConfig(engine *offline.Engine, c *cache.Cache, cfg ServerConfig) (*Server, error) {
	if engine == nil || c == nil {
		return nil, errors.New("engine and cache are required")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	schemas, err := compilePayloadSchemas()
	if err != nil {
		return nil, err
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			limit:   rate.Every(cfg.RateLimitWindow / time.Duration(cfg.RateLimitMax)),
			burst:   cfg.RateLimitMax,
			entries: map[string]*rate.Limiter{},
		}
	}
	return &Server{
		engine:      engine,
		cache:       c,
		cfg:         cfg,
		schemas:     schemas,
		rateLimiter: limiter,
		logger:      logger,
		closed:      make(chan struct{}),
	}, nil
}

// Close ends every open status stream. http.Server.Shutdown does not wait
// for hijacked websocket connections, so the daemon calls this first.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "operations" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "queue_operation"
	case len(parts) == 2 && parts[1] == "operations" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "list_operations"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "sync_status"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "sync_now"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "failed" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "sync_failed"
	case len(parts) == 4 && parts[1] == "sync" && parts[2] == "failed" && r.Method == http.MethodDelete:
		requiredScope = scopeWrite
		route = "sync_failed_ack"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "sync_stream"
	case len(parts) == 3 && parts[1] == "session" && parts[2] == "logout" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "logout"
	case len(parts) >= 3 && parts[1] == "cache" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "cache_get"
	case len(parts) >= 3 && parts[1] == "cache" && r.Method == http.MethodPut:
		requiredScope = scopeWrite
		route = "cache_put"
	case len(parts) == 2 && parts[1] == "cache" && r.Method == http.MethodDelete:
		requiredScope = scopeWrite
		route = "cache_clear"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(bearerToken(r, route == "sync_stream"), s.cfg.JWTSecret, requiredScope, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	userID := claims.Subject
	if s.rateLimiter != nil && !s.rateLimiter.allow(userID, s.cfg.Now()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds() / float64(s.rateLimiter.burst)))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "queue_operation":
		s.handleQueueOperation(w, r, userID, correlationID)
	case "list_operations":
		s.handleListOperations(w, userID)
	case "sync_status":
		writeJSON(w, http.StatusOK, s.engine.Status())
	case "sync_now":
		s.handleSyncNow(w, r, userID, correlationID)
	case "sync_failed":
		s.handleFailed(w, userID)
	case "sync_failed_ack":
		s.handleFailedAck(w, r, userID, parts[3], correlationID)
	case "sync_stream":
		s.handleStream(w, r)
	case "logout":
		s.handleLogout(w, r, correlationID)
	case "cache_get":
		s.handleCacheGet(w, r, userID, cacheKey(r), correlationID)
	case "cache_put":
		s.handleCachePut(w, r, userID, cacheKey(r), correlationID)
	case "cache_clear":
		s.handleCacheClear(w, r, correlationID)
	}
}

type queueOperationRequest struct {
	Type offline.OperationType `json:"type"`
	Data json.RawMessage       `json:"data"`
}

func (s *Server) handleQueueOperation(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var req queueOperationRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.schemas.validate(req.Type, req.Data); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	id, err := s.engine.QueueRaw(r.Context(), req.Type, req.Data, userID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     id,
		"status": s.engine.Status(),
	})
}

func (s *Server) handleListOperations(w http.ResponseWriter, userID string) {
	operations := []offline.QueuedOperation{}
	for _, op := range s.engine.Pending() {
		if op.UserID == userID {
			operations = append(operations, op)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": operations})
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	result := s.engine.SyncAll(r.Context(), userID)
	if result.Skipped && result.SkipReason == offline.SkipInProgress {
		writeError(w, http.StatusConflict, "sync_in_progress", "a sync pass is already running", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": result,
		"status": s.engine.Status(),
	})
}

func (s *Server) handleFailed(w http.ResponseWriter, userID string) {
	letters := []offline.DeadLetter{}
	for _, letter := range s.engine.DeadLetters() {
		if letter.UserID == userID || letter.UserID == "" {
			letters = append(letters, letter)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters})
}

func (s *Server) handleFailedAck(w http.ResponseWriter, r *http.Request, userID, id, correlationID string) {
	owned := false
	for _, letter := range s.engine.DeadLetters() {
		if letter.ID == id && (letter.UserID == userID || letter.UserID == "") {
			owned = true
			break
		}
	}
	if !owned || !s.engine.AcknowledgeDeadLetter(r.Context(), id) {
		writeError(w, http.StatusNotFound, "not_found", "dead letter not found", correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		s.logger.WithError(err).Debug("status stream handshake failed")
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())

	updates := make(chan offline.SyncStatus, 16)
	unsubscribe := s.engine.Subscribe(func(status offline.SyncStatus) {
		select {
		case updates <- status:
		default:
			// slow reader; it will see the next snapshot
		}
	})
	defer unsubscribe()

	if err := s.writeStatus(ctx, conn, s.engine.Status()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case status := <-updates:
			if err := s.writeStatus(ctx, conn, status); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStatus(ctx context.Context, conn *websocket.Conn, status offline.SyncStatus) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, status)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, correlationID string) {
	var errs []error
	if err := s.engine.ClearQueue(r.Context()); err != nil {
		errs = append(errs, err)
	}
	if err := s.cache.Clear(r.Context()); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).Error("logout cleanup failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to clear session state", correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheGet(w http.ResponseWriter, r *http.Request, userID, key, correlationID string) {
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing cache key", correlationID)
		return
	}
	value, ok, err := s.cache.GetRaw(r.Context(), userID+"/"+key)
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("cache read failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "cache read failed", correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "cache entry not found", correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request, userID, key, correlationID string) {
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing cache key", correlationID)
		return
	}
	var value json.RawMessage
	if !s.decodeJSONBody(w, r, correlationID, &value) {
		return
	}
	if err := s.cache.Set(r.Context(), userID+"/"+key, value); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("cache write failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "cache write failed", correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.cache.Clear(r.Context()); err != nil {
		s.logger.WithError(err).Error("cache clear failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "cache clear failed", correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func cacheKey(r *http.Request) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/cache"), "/")
}

func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, offline.ErrUnknownOperation):
		writeError(w, http.StatusBadRequest, "unknown_operation", err.Error(), correlationID)
	case errors.Is(err, offline.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
	case errors.Is(err, offline.ErrNotInitialized):
		writeError(w, http.StatusServiceUnavailable, "not_ready", "sync engine is not initialized", correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	limiter, ok := r.entries[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.entries[key] = limiter
	}
	r.mu.Unlock()
	return limiter.AllowN(now, 1)
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
