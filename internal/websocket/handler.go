package websocket

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/auth"
	"github.com/tahcohcat/dengue-tracker/internal/httpx"
	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/ratelimit"
	"github.com/tahcohcat/dengue-tracker/internal/services"
)

// Authenticator resolves the identity behind a handshake request and
// revalidates it while the connection lives.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Identity, error)
	Recheck(ctx context.Context, id auth.Identity) error
}

// ReportService is the part of the report lifecycle reachable from a socket.
type ReportService interface {
	Create(ctx context.Context, reporter services.Actor, req services.CreateReportRequest) (*services.CreateResult, error)
	Transition(ctx context.Context, actor services.Actor, req services.TransitionRequest) (*services.TransitionResult, error)
}

type Options struct {
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	AllowedOrigins  []string

	// Per-connection token bucket.
	ConnCapacity int
	ConnRefill   time.Duration

	// RecheckEvery bounds how long a revoked credential keeps its open
	// connection. Zero rechecks on every inbound message.
	RecheckEvery time.Duration
}

// Handler upgrades authenticated requests into hub clients.
type Handler struct {
	hub        *Hub
	authn      Authenticator
	reports    ReportService
	identities *ratelimit.Registry
	opts       Options
	upgrader   websocket.Upgrader
	log        *zap.Logger
}

func NewHandler(hub *Hub, authn Authenticator, reports ReportService, identities *ratelimit.Registry, opts Options) *Handler {
	h := &Handler{
		hub:        hub,
		authn:      authn,
		reports:    reports,
		identities: identities,
		opts:       opts,
		log:        logger.Named("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients) and, when an allow list is configured, browsers on that list.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 || slices.Contains(h.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.ContainsFunc(h.opts.AllowedOrigins, func(o string) bool {
		return strings.EqualFold(o, origin)
	})
}

// ServeHTTP authenticates before upgrading: a failed handshake gets a plain
// HTTP error and never reaches the hub.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.authn.Authenticate(r)
	if err != nil {
		h.log.Debug("handshake rejected", zap.Error(err))
		httpx.WriteError(w, h.log, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.identities.Acquire(id.UserID)
	c := newClient(h, conn, id)
	joined := h.hub.router.ForConnection(id.UserID, id.Role)
	c.reply(models.EventConnectionReady, readyPayload{UserID: id.UserID, Role: string(id.Role), Rooms: joined})

	if !h.hub.Attach(c, joined) {
		h.identities.Release(id.UserID)
		conn.Close()
		return
	}
	h.log.Info("client connected", zap.String("user_id", id.UserID), zap.String("role", string(id.Role)))

	go c.writePump()
	go c.readPump()
}

// RegisterRoutes mounts the handshake endpoint.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/ws", h).Methods(http.MethodGet)
}
