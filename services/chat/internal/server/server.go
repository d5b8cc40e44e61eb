package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"learnloop/internal/ratelimit"
	"learnloop/internal/util"
	"learnloop/pkg/ai"
	"learnloop/pkg/domain"
	"learnloop/services/chat/internal/app"
)

const maxBodyBytes = 1 << 20

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Verify(ctx context.Context, token string) (domain.User, error)
}

// Limiter meters message sends per user.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// TokenVerifier checks token signatures locally before Auth is consulted.
	TokenVerifier Authenticator
	// Auth is the authoritative identity lookup; optional when TokenVerifier is set.
	Auth           Authenticator
	SendLimiter    Limiter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	app            *app.App
	tokenVerifier  Authenticator
	auth           Authenticator
	sendLimiter    Limiter
	trustedProxies *util.TrustedProxies
	allowedOrigins []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		auth:           cfg.Auth,
		sendLimiter:    cfg.SendLimiter,
		trustedProxies: cfg.TrustedProxies,
		allowedOrigins: cfg.AllowedOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.allowedOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(s.trustedProxies, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /chats", s.withUser(s.handleSend))
	s.mux.Handle("GET /chats/sessions", s.withUser(s.handleListSessions))
	s.mux.Handle("GET /chats/sessions/{id}/messages", s.withUser(s.handleListMessages))
	s.mux.Handle("POST /chats/sessions/{id}/title", s.withUser(s.handleRegenerateTitle))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.authenticate(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Info("authentication failed", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) authenticate(ctx context.Context, token string) (domain.User, error) {
	var user domain.User
	if s.tokenVerifier != nil {
		verified, err := s.tokenVerifier.Verify(ctx, token)
		if err != nil {
			return domain.User{}, err
		}
		user = verified
	}
	if s.auth != nil {
		me, err := s.auth.Verify(ctx, token)
		if err != nil {
			return domain.User{}, err
		}
		if user.ID != "" && me.ID != user.ID {
			return domain.User{}, errors.New("token subject does not match auth user")
		}
		user = me
	}
	if strings.TrimSpace(user.ID) == "" {
		return domain.User{}, app.ErrNotAuthenticated
	}
	return user, nil
}

type sendRequest struct {
	AnchorType       string `json:"anchorType"`
	AnchorID         string `json:"anchorId"`
	SessionID        string `json:"sessionId"`
	LinkedResourceID string `json:"linkedResourceId"`
	LinkedNoteID     string `json:"linkedNoteId"`
	Message          string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req sendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, app.ErrEmptyMessage.Error())
		return
	}
	if !s.allowSend(w, r, user) {
		return
	}
	sendReq := app.SendRequest{
		UserID:    user.ID,
		Anchor:    domain.Anchor{Type: domain.AnchorType(req.AnchorType), ID: req.AnchorID},
		SessionID: req.SessionID,
		Text:      req.Message,
	}
	if id := strings.TrimSpace(req.LinkedResourceID); id != "" {
		sendReq.Linked = append(sendReq.Linked, domain.Anchor{Type: domain.AnchorResource, ID: id})
	}
	if id := strings.TrimSpace(req.LinkedNoteID); id != "" {
		sendReq.Linked = append(sendReq.Linked, domain.Anchor{Type: domain.AnchorNote, ID: id})
	}
	ex, err := s.app.Send(r.Context(), sendReq)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) allowSend(w http.ResponseWriter, r *http.Request, user domain.User) bool {
	if s.sendLimiter == nil {
		return true
	}
	decision, err := s.sendLimiter.Allow(r.Context(), "send:"+user.ID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("rate limiter unavailable", "err", err)
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if decision.Allowed {
		return true
	}
	retry := int(math.Ceil(decision.RetryAfter(time.Now()).Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, http.StatusTooManyRequests, "too many messages, slow down")
	return false
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, user domain.User) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	items, err := s.app.ListSessions(r.Context(), user.ID, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	items, err := s.app.ListSessionMessages(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleRegenerateTitle(w http.ResponseWriter, r *http.Request, user domain.User) {
	session, err := s.app.RegenerateTitle(r.Context(), user.ID, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var completionErr *ai.CompletionError
	switch {
	case errors.Is(err, app.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrAnchorRequired),
		errors.Is(err, app.ErrInvalidAnchor):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrSessionForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		util.LoggerFromContext(r.Context()).Warn("request deadline exceeded", "err", err)
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	case errors.As(err, &completionErr):
		util.LoggerFromContext(r.Context()).Warn("completion error", "status", completionErr.Status, "err", err)
		writeError(w, http.StatusBadGateway, completionClientMessage(completionErr))
	default:
		util.LoggerFromContext(r.Context()).Error("chat request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// completionClientMessage hides provider detail from callers; the full error
// is only logged.
func completionClientMessage(err *ai.CompletionError) string {
	if err.Status == 0 {
		return "completion service unavailable"
	}
	return fmt.Sprintf("completion service error (status %d)", err.Status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
