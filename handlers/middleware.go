package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"msgboard/apperrors"
	"msgboard/config"
	"msgboard/session"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const SessionKey ContextKey = "session"

// formOverhead is the room allowed for non-file form fields on top of the upload limit.
const formOverhead = 1 << 20

func currentSession(r *http.Request) *session.Session {
	if s, ok := r.Context().Value(SessionKey).(*session.Session); ok {
		return s
	}
	return &session.Session{}
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, s *session.Session, app App) {
	http.SetCookie(w, &http.Cookie{
		Name:     config.SessionCookieName,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil || app.Config().Session.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// issueSession creates, stores and hands out a new session.
func issueSession(w http.ResponseWriter, r *http.Request, app App, moderator bool) (*session.Session, error) {
	s := session.New(app.Config().Session.TTL)
	s.IsModerator = moderator
	if err := app.Sessions().Save(r.Context(), s); err != nil {
		return nil, &apperrors.StoreUnavailableError{Err: err}
	}
	setSessionCookie(w, r, s, app)
	return s, nil
}

// SessionMiddleware ensures every visitor carries a session and exposes it on the context.
func SessionMiddleware(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var s *session.Session
			if cookie, err := r.Cookie(config.SessionCookieName); err == nil && cookie.Value != "" {
				s, err = app.Sessions().Get(r.Context(), cookie.Value)
				if err != nil && !errors.Is(err, session.ErrNotFound) {
					respondError(w, r, &apperrors.StoreUnavailableError{Err: err}, app)
					return
				}
			}
			if s == nil {
				var err error
				if s, err = issueSession(w, r, app, false); err != nil {
					respondError(w, r, err, app)
					return
				}
			}
			ctx := context.WithValue(r.Context(), SessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CSRFMiddleware protects against Cross-Site Request Forgery attacks. Every POST and
// every moderation route must present the session's token.
func CSRFMiddleware(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || strings.HasPrefix(r.URL.Path, "/mod/") {
				token := r.Header.Get("X-CSRF-Token")
				if token == "" {
					// An oversized body is reported as such rather than as a missing token.
					if err := parseForm(r); err != nil {
						respondError(w, r, err, app)
						return
					}
					token = r.FormValue("csrf_token")
				}
				if !currentSession(r).ValidToken(token) {
					app.Logger().Warn("Rejected request with invalid CSRF token", "path", r.URL.Path)
					respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid CSRF token"}, app)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireModerator restricts a route group to logged-in moderators.
func RequireModerator(app App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !currentSession(r).IsModerator {
				respondError(w, r, apperrors.Forbidden("moderator login required"), app)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitBody caps request bodies at n bytes.
func LimitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// NewStructuredLogger logs one line per request through logger.
func NewStructuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				level := slog.LevelInfo
				if ww.Status() >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				logger.Log(r.Context(), level, "HTTP request",
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"remote_ip", r.RemoteAddr,
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// NewSecurityHeadersMiddleware sets the response hardening headers. mediaOrigin, when
// set, is the external origin uploads are served from.
func NewSecurityHeadersMiddleware(mediaOrigin string) func(http.Handler) http.Handler {
	mediaSrc := "'self'"
	if mediaOrigin != "" {
		mediaSrc += " " + strings.TrimRight(mediaOrigin, "/")
	}
	csp := "default-src 'none'; img-src " + mediaSrc + "; media-src " + mediaSrc + "; frame-ancestors 'none'"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "same-origin")
			h.Set("Content-Security-Policy", csp)
			next.ServeHTTP(w, r)
		})
	}
}
