// Package httpapi exposes the coordination REST surface: token minting,
// session lifecycle, membership, and control-token arbitration, plus health
// and metrics endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/tandemly/cobrowse/internal/metrics"
	"github.com/tandemly/cobrowse/internal/provision"
	"github.com/tandemly/cobrowse/internal/ratelimit"
	"github.com/tandemly/cobrowse/internal/session"
)

type ctxKey int

const ctxKeyUserID ctxKey = iota

// UserIDFromContext returns the authenticated user ID set by the auth
// middleware.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

// ClientConfig is served to clients so they can build their side of the
// transport: ICE servers for the peer connection and bounds for the sandbox
// handshake.
type ClientConfig struct {
	ICEServers   []webrtc.ICEServer `json:"iceServers"`
	LoginTimeout time.Duration      `json:"loginTimeoutNs"`
	DialTimeout  time.Duration      `json:"dialTimeoutNs"`
}

// Server is the coordination API. Construct with NewServer and mount via
// Handler.
type Server struct {
	log         zerolog.Logger
	store       session.Store
	provisioner provision.Provisioner
	issuer      *TokenIssuer
	metrics     *metrics.Metrics
	clientCfg   ClientConfig

	clock        ratelimit.Clock
	grantsPerSec int64

	ready  atomic.Bool
	router chi.Router

	mu          sync.Mutex
	grantLimits map[string]*ratelimit.TokenBucket
}

// NewServer wires the API against its collaborators. grantsPerSec bounds
// control-token churn per session; zero disables the limit.
func NewServer(log zerolog.Logger, store session.Store, provisioner provision.Provisioner, issuer *TokenIssuer, m *metrics.Metrics, clientCfg ClientConfig, grantsPerSec int64) *Server {
	s := &Server{
		log:          log,
		store:        store,
		provisioner:  provisioner,
		issuer:       issuer,
		metrics:      m,
		clientCfg:    clientCfg,
		clock:        ratelimit.RealClock{},
		grantsPerSec: grantsPerSec,
		grantLimits:  make(map[string]*ratelimit.TokenBucket),
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// SetReady flips the readiness probe. Serve loops call this once listening.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(s.metrics.Render()))
	})

	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/client/config", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.clientCfg)
		})

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{sessionID}", s.handleGetSession)
		r.Delete("/sessions/{sessionID}", s.handleEndSession)
		r.Post("/sessions/{sessionID}/join", s.handleJoin)
		r.Post("/sessions/{sessionID}/leave", s.handleLeave)
		r.Get("/sessions/{sessionID}/participants", s.handleParticipants)
		r.Post("/sessions/{sessionID}/control", s.handleControl)
		r.Get("/sessions/{sessionID}/control", s.handleControlOwner)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http_request")
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.metrics.Inc(metrics.AuthFailure)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.issuer.Verify(parts[1])
		if err != nil {
			s.metrics.Inc(metrics.AuthFailure)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type loginRequest struct {
	UserID string `json:"userId"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleLogin mints an access token. Identity verification is delegated to
// the deployment's front door; this endpoint only binds a user ID to a
// signed token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	token, expiresAt, err := s.issuer.Issue(req.UserID)
	if err != nil {
		s.log.Error().Err(err).Msg("token mint failed")
		writeError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

type createSessionRequest struct {
	Name        string `json:"name"`
	WorkspaceID string `json:"workspaceId"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil || req.Name == "" || req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "name and workspaceId are required")
		return
	}

	remote, err := s.provisioner.Provision(r.Context(), req.WorkspaceID, req.Name)
	if err != nil {
		s.metrics.Inc(metrics.ProvisionFailures)
		s.log.Error().Err(err).Str("name", req.Name).Msg("sandbox provisioning failed")
		s.writeStoreError(w, err)
		return
	}

	sess, err := s.store.Create(r.Context(), req.Name, req.WorkspaceID, userID, remote.Endpoint, remote.Credential)
	if err != nil {
		_ = s.provisioner.Release(context.WithoutCancel(r.Context()), remote.Endpoint)
		s.writeStoreError(w, err)
		return
	}
	s.metrics.Inc(metrics.SessionsCreated)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspaceId")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId query parameter is required")
		return
	}
	sessions, err := s.store.ListByWorkspace(r.Context(), workspaceID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := UserIDFromContext(r.Context())

	sess, err := s.store.Get(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.store.End(r.Context(), sessionID, userID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.Inc(metrics.SessionsEnded)
	if err := s.provisioner.Release(context.WithoutCancel(r.Context()), sess.Endpoint); err != nil {
		s.log.Warn().Err(err).Str("endpoint", sess.Endpoint).Msg("sandbox release failed")
	}

	s.mu.Lock()
	delete(s.grantLimits, sessionID)
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := UserIDFromContext(r.Context())

	p, err := s.store.Join(r.Context(), sessionID, userID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	sess, err := s.store.Get(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.Inc(metrics.ParticipantsJoined)
	writeJSON(w, http.StatusOK, map[string]any{
		"participant": p,
		"endpoint":    sess.Endpoint,
		"credential":  sess.Credential,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := UserIDFromContext(r.Context())

	if err := s.store.Leave(r.Context(), sessionID, userID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.metrics.Inc(metrics.ParticipantsLeft)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := s.store.Participants(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": participants})
}

type controlRequest struct {
	TargetUserID string `json:"targetUserId"`
	Grant        bool   `json:"grant"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := UserIDFromContext(r.Context())

	var req controlRequest
	if err := decodeBody(r, &req); err != nil || req.TargetUserID == "" {
		writeError(w, http.StatusBadRequest, "targetUserId is required")
		return
	}

	// Non-hosts are rejected before the rate limit is charged.
	sess, err := s.store.Get(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if sess.HostUserID != userID {
		s.metrics.Inc(metrics.ControlGrantDenied)
		writeError(w, http.StatusForbidden, "host-only operation")
		return
	}

	if req.Grant && !s.allowGrant(sessionID) {
		s.metrics.Inc(metrics.ControlGrantRateLimited)
		writeError(w, http.StatusTooManyRequests, "control grants rate limited")
		return
	}

	if err := s.store.SetControl(r.Context(), sessionID, userID, req.TargetUserID, req.Grant); err != nil {
		if errors.Is(err, session.ErrAuthorization) {
			s.metrics.Inc(metrics.ControlGrantDenied)
		}
		s.writeStoreError(w, err)
		return
	}
	if req.Grant {
		s.metrics.Inc(metrics.ControlGrants)
	} else {
		s.metrics.Inc(metrics.ControlReleases)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleControlOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := s.store.ControlOwner(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ownerUserId": owner})
}

// allowGrant enforces the per-session grant rate. Buckets are created lazily
// and dropped when the session ends.
func (s *Server) allowGrant(sessionID string) bool {
	if s.grantsPerSec <= 0 {
		return true
	}
	s.mu.Lock()
	bucket, ok := s.grantLimits[sessionID]
	if !ok {
		bucket = ratelimit.NewTokenBucket(s.clock, s.grantsPerSec, s.grantsPerSec)
		s.grantLimits[sessionID] = bucket
	}
	s.mu.Unlock()
	return bucket.Allow(1)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrAlreadyEnded):
		writeError(w, http.StatusConflict, "session already ended")
	case errors.Is(err, session.ErrAuthorization):
		writeError(w, http.StatusForbidden, "host-only operation")
	case errors.Is(err, provision.ErrProvisioning):
		writeError(w, http.StatusBadGateway, "sandbox provisioning unavailable")
	default:
		s.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
