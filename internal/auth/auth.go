package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/httpx"
	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/ratelimit"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

const (
	sessionName     = "dengue-session"
	sessionTokenKey = "token"
)

type ctxKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the identity placed by Middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Handler serves login/logout and guards authenticated routes.
type Handler struct {
	users     store.Users
	validator *Validator
	sessions  sessions.Store
	logins    *ratelimit.Registry
	ttl       time.Duration
	log       *zap.Logger
}

func NewHandler(users store.Users, validator *Validator, sessionStore sessions.Store, logins *ratelimit.Registry, ttl time.Duration) *Handler {
	return &Handler{
		users:     users,
		validator: validator,
		sessions:  sessionStore,
		logins:    logins,
		ttl:       ttl,
		log:       logger.Named("auth"),
	}
}

// NewCookieStore is the session store carrying the credential for browsers.
func NewCookieStore(secret string, ttl time.Duration) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// Credential finds the bearer credential on r: Authorization header first,
// then the token query parameter, then the session cookie.
func (h *Handler) Credential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, err := ExtractTokenFromHeader(header); err == nil {
			return token
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h.sessions != nil {
		if session, err := h.sessions.Get(r, sessionName); err == nil {
			if token, ok := session.Values[sessionTokenKey].(string); ok {
				return token
			}
		}
	}
	return ""
}

// Authenticate resolves the identity behind r's credential.
func (h *Handler) Authenticate(r *http.Request) (Identity, error) {
	return h.validator.Authenticate(r.Context(), h.Credential(r))
}

// Recheck revalidates an identity held by a long-lived connection.
func (h *Handler) Recheck(ctx context.Context, id Identity) error {
	return h.validator.Recheck(ctx, id)
}

type loginResponse struct {
	Success   bool            `json:"success"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	User      models.UserView `json:"user"`
}

func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		httpx.WriteError(w, h.log, apperr.New(apperr.InvalidInput, "email and password are required"))
		return
	}

	if !h.logins.Allow("login:" + email) {
		httpx.WriteError(w, h.log, apperr.New(apperr.RateLimited, "too many login attempts, try again later"))
		return
	}

	user, err := h.users.GetUserByEmail(r.Context(), email)
	if err != nil {
		if apperr.KindOf(err) == apperr.NotFound {
			err = apperr.New(apperr.Unauthorized, "invalid credentials")
		}
		httpx.WriteError(w, h.log, err)
		return
	}
	if !user.CheckPassword(req.Password) {
		httpx.WriteError(w, h.log, apperr.New(apperr.Unauthorized, "invalid credentials"))
		return
	}

	token, expiresAt, err := h.validator.Issue(user)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	if h.sessions != nil {
		session, _ := h.sessions.Get(r, sessionName)
		session.Values[sessionTokenKey] = token
		if err := session.Save(r, w); err != nil {
			h.log.Warn("failed to save session", zap.Error(err))
		}
	}

	h.log.Info("user logged in", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user.View(),
	})
}

func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	credential := h.Credential(r)
	if credential == "" {
		httpx.WriteError(w, h.log, apperr.New(apperr.TokenInvalid, "missing token"))
		return
	}
	if err := h.validator.Revoke(r.Context(), credential); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	if h.sessions != nil {
		if session, err := h.sessions.Get(r, sessionName); err == nil {
			delete(session.Values, sessionTokenKey)
			session.Options.MaxAge = -1
			session.Save(r, w)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Middleware rejects requests without a valid credential and stores the
// identity on the request context.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.Authenticate(r)
		if err != nil {
			httpx.WriteError(w, h.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
