// Package httpgateway terminates the SPARQL 1.1 HTTP protocol surface and
// translates it into internal/manager calls: functional-options
// construction, admin-token bearer auth via crypto/subtle, and
// per-principal sliding-window rate limiting in front of SPARQL updates.
package httpgateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"sepabroker/internal/auth"
	"sepabroker/internal/endpoint"
	"sepabroker/internal/fanout"
	"sepabroker/internal/logging"
	"sepabroker/internal/manager"
	"sepabroker/internal/sparql"
)

const maxRequestBodyBytes = 1 << 20

// ReadinessProvider exposes broker state required for readiness checks.
type ReadinessProvider interface {
	StartupError() error
	Uptime() time.Duration
}

// RateLimiter gates how frequently a given principal may invoke sensitive
// operations.
type RateLimiter interface {
	Allow(key string) bool
}

// Options configures a HandlerSet.
type Options struct {
	Logger         *logging.Logger
	Manager        *manager.Manager
	Endpoint       endpoint.Endpoint
	Readiness      ReadinessProvider
	AdminToken     string
	RateLimiter    RateLimiter
	TokenVerifier  *auth.HMACTokenVerifier
	MetricsHandler http.Handler
	TimeSource     func() time.Time
}

// HandlerSet bundles the SPARQL protocol HTTP handlers around a Manager.
type HandlerSet struct {
	logger         *logging.Logger
	manager        *manager.Manager
	endpoint       endpoint.Endpoint
	readiness      ReadinessProvider
	adminToken     string
	rateLimiter    RateLimiter
	tokenVerifier  *auth.HMACTokenVerifier
	metricsHandler http.Handler
	now            func() time.Time

	mu    sync.Mutex
	sinks map[string]*pollSink
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:         logger,
		manager:        opts.Manager,
		endpoint:       opts.Endpoint,
		readiness:      opts.Readiness,
		adminToken:     strings.TrimSpace(opts.AdminToken),
		rateLimiter:    opts.RateLimiter,
		tokenVerifier:  opts.TokenVerifier,
		metricsHandler: opts.MetricsHandler,
		now:            now,
		sinks:          make(map[string]*pollSink),
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	if h.metricsHandler != nil {
		mux.Handle("/metrics", h.metricsHandler)
	}
	mux.HandleFunc("POST /sparql/update", h.SPARQLUpdateHandler())
	mux.HandleFunc("POST /sparql/query", h.SPARQLQueryHandler())
	mux.HandleFunc("POST /subscriptions", h.SubscribeHandler())
	mux.HandleFunc("DELETE /subscriptions/{sid}", h.UnsubscribeHandler())
	mux.HandleFunc("GET /subscriptions/{sid}/events", h.PollHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports broker readiness and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// SPARQLUpdateHandler terminates POST /sparql/update: the request body is
// the update text (application/sparql-update), using-graph-uri and
// using-named-graph-uri query parameters supply the graph scope, per the
// SPARQL 1.1 Protocol.
func (h *HandlerSet) SPARQLUpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "sparql_update"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			reqLogger.Warn("update denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authoriseAdmin(r) {
			reqLogger.Warn("update denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		principal := h.principal(r)
		if h.rateLimiter != nil && !h.rateLimiter.Allow(principal) {
			reqLogger.Warn("update denied: rate limit exceeded", logging.String("principal", principal))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		req := manager.UpdateRequest{
			Text:        string(body),
			UsingGraphs: r.URL.Query()["using-graph-uri"],
			UsingNamed:  r.URL.Query()["using-named-graph-uri"],
			Principal:   principal,
		}
		resp, err := h.manager.Update(r.Context(), req)
		if err != nil {
			h.writeManagerError(w, reqLogger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "body": resp.Body})
	}
}

// SPARQLQueryHandler terminates POST /sparql/query as a passthrough status
// probe: it evaluates the SELECT directly against the endpoint and returns
// a one-shot binding set, without registering a subscription. Use
// POST /subscriptions for continuous evaluation.
func (h *HandlerSet) SPARQLQueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.endpoint == nil {
			http.Error(w, "query endpoint unavailable", http.StatusServiceUnavailable)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		q, err := sparql.ParseSelect(string(body), r.URL.Query()["default-graph-uri"], r.URL.Query()["named-graph-uri"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bindings, err := h.endpoint.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		frame := fanout.ToFrame(fanout.Notification{Tag: fanout.TagInitialSnapshot, Bindings: bindings.Rows()})
		writeJSON(w, http.StatusOK, map[string]any{"results": frame.FirstResults})
	}
}

type subscribeRequest struct {
	QueryText     string   `json:"query"`
	DefaultGraphs []string `json:"defaultGraphs"`
	NamedGraphs   []string `json:"namedGraphs"`
	Alias         string   `json:"alias"`
	GID           string   `json:"gid"`
}

// SubscribeHandler terminates POST /subscriptions: it registers (or joins)
// an SPU and attaches a pollSink, since a plain HTTP request has no
// persistent connection to push live notifications over.
func (h *HandlerSet) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "subscribe"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		var req subscribeRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		gid := strings.TrimSpace(req.GID)
		if gid == "" {
			gid = logging.GenerateTraceID()
		}
		sink := newPollSink(256)
		resp, err := h.manager.Subscribe(r.Context(), manager.SubscribeRequest{
			QueryText:     req.QueryText,
			DefaultGraphs: req.DefaultGraphs,
			NamedGraphs:   req.NamedGraphs,
			Alias:         req.Alias,
			GID:           gid,
			Principal:     h.principal(r),
		}, sink)
		if err != nil {
			h.writeManagerError(w, reqLogger, err)
			return
		}
		h.mu.Lock()
		h.sinks[resp.SID] = sink
		h.mu.Unlock()
		frame := fanout.ToFrame(fanout.Notification{Tag: fanout.TagInitialSnapshot, Bindings: resp.InitialBindings})
		writeJSON(w, http.StatusCreated, map[string]any{
			"sid":             resp.SID,
			"spuid":           resp.SPUID,
			"gid":             gid,
			"alias":           resp.Alias,
			"initialBindings": frame.FirstResults,
			"eventsURL":       "/subscriptions/" + resp.SID + "/events",
		})
	}
}

// UnsubscribeHandler terminates DELETE /subscriptions/{sid}.
func (h *HandlerSet) UnsubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(logging.String("handler", "unsubscribe"))
		sid := r.PathValue("sid")
		gid := strings.TrimSpace(r.URL.Query().Get("gid"))
		resp, err := h.manager.Unsubscribe(sid, gid)
		if err != nil {
			h.writeManagerError(w, reqLogger, err)
			return
		}
		h.mu.Lock()
		if sink, ok := h.sinks[resp.SID]; ok {
			sink.close()
			delete(h.sinks, resp.SID)
		}
		h.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "sid": resp.SID})
	}
}

// PollHandler drains the frames buffered for sid since the last poll.
func (h *HandlerSet) PollHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := r.PathValue("sid")
		h.mu.Lock()
		sink, ok := h.sinks[sid]
		h.mu.Unlock()
		if !ok {
			http.Error(w, "unknown subscription", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"frames": sink.drain()})
	}
}

func (h *HandlerSet) writeManagerError(w http.ResponseWriter, logger *logging.Logger, err error) {
	var resp *manager.ErrorResponse
	if errors.As(err, &resp) {
		logger.Warn("request rejected", logging.String("kind", string(resp.Kind)), logging.Error(err))
		writeJSON(w, resp.Code, map[string]string{
			"kind":    string(resp.Kind),
			"phase":   string(resp.Phase),
			"message": resp.Body,
		})
		return
	}
	logger.Error("request failed", logging.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"kind": "internal_error", "message": err.Error()})
}

// principal resolves the calling identity from the Authorization header,
// verifying it against tokenVerifier when one is configured; requests with
// no verifiable identity are attributed to "anonymous" rather than
// rejected, since principal identity is advisory bookkeeping,
// not an authorization gate -- admin auth guards mutation separately.
func (h *HandlerSet) principal(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "anonymous"
	}
	token := header
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	}
	if h.tokenVerifier != nil {
		if claims, err := h.tokenVerifier.Verify(token); err == nil {
			return claims.Principal
		}
	}
	return "anonymous"
}

func (h *HandlerSet) authoriseAdmin(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
