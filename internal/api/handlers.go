// Package api is the HTTP surface over the report lifecycle and the
// gamification services.
package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/auth"
	"github.com/tahcohcat/dengue-tracker/internal/httpx"
	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/services"
	"github.com/tahcohcat/dengue-tracker/internal/websocket"
)

type Handler struct {
	reports      *services.ReportService
	users        *services.UserService
	achievements *services.AchievementService
	ranking      *services.RankingService
	hub          *websocket.Hub
	log          *zap.Logger
}

func NewHandler(reports *services.ReportService, users *services.UserService, achievements *services.AchievementService, ranking *services.RankingService, hub *websocket.Hub) *Handler {
	return &Handler{
		reports:      reports,
		users:        users,
		achievements: achievements,
		ranking:      ranking,
		hub:          hub,
		log:          logger.Named("api"),
	}
}

// RegisterRoutes mounts the authenticated API on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/reports", h.CreateReport).Methods(http.MethodPost)
	r.HandleFunc("/reports/{id}/status", h.TransitionReport).Methods(http.MethodPatch)
	r.HandleFunc("/rewards/daily", h.ClaimDaily).Methods(http.MethodPost)
	r.HandleFunc("/achievements", h.ListAchievements).Methods(http.MethodGet)
	r.HandleFunc("/me", h.Me).Methods(http.MethodGet)
	r.HandleFunc("/ranking", h.Ranking).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.Stats).Methods(http.MethodGet)
}

// RegisterPublicRoutes mounts routes that need no credential.
func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/auth/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
}

func actorFrom(r *http.Request) (services.Actor, error) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		return services.Actor{}, apperr.New(apperr.Unauthorized, "authentication required")
	}
	return services.Actor{ID: id.UserID, Name: id.Name, Role: id.Role}, nil
}

type createReportResponse struct {
	Success       bool                 `json:"success"`
	Report        *models.Report       `json:"report"`
	PointsAwarded int64                `json:"points_awarded"`
	TotalPoints   int64                `json:"total_points"`
	Level         string               `json:"level"`
	Achievements  []models.Achievement `json:"achievements_unlocked"`
}

// POST /api/v1/reports
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	var req services.CreateReportRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	res, err := h.reports.Create(r.Context(), actor, req)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	total, level := res.Award.After, res.Award.Level
	unlocked := make([]models.Achievement, 0, len(res.Unlocked))
	for _, u := range res.Unlocked {
		unlocked = append(unlocked, u.Achievement)
		total, level = u.Award.After, u.Award.Level
	}
	httpx.WriteJSON(w, http.StatusCreated, createReportResponse{
		Success:       true,
		Report:        res.Report,
		PointsAwarded: res.Report.PointsAwarded,
		TotalPoints:   total,
		Level:         level.Name,
		Achievements:  unlocked,
	})
}

type transitionBody struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// PATCH /api/v1/reports/{id}/status
func (h *Handler) TransitionReport(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	var body transitionBody
	if err := httpx.Decode(r, &body); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}

	res, err := h.reports.Transition(r.Context(), actor, services.TransitionRequest{
		ReportID:     mux.Vars(r)["id"],
		TargetStatus: body.Status,
		Notes:        body.Notes,
	})
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"report":  res.Report,
		"from":    res.From,
	})
}

// POST /api/v1/rewards/daily
func (h *Handler) ClaimDaily(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	res, err := h.users.ClaimDaily(r.Context(), actor)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"reward":  res.Award.Delta,
		"points":  res.Award.After,
		"level":   res.Award.Level.Name,
	})
}

// GET /api/v1/achievements
func (h *Handler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	user, err := h.users.GetUser(r.Context(), actor.ID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"achievements": h.achievements.View(user),
	})
}

// GET /api/v1/me
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	user, err := h.users.GetUser(r.Context(), actor.ID)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user.View(),
	})
}

// GET /api/v1/ranking?limit=N
func (h *Handler) Ranking(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.WriteError(w, h.log, apperr.Newf(apperr.InvalidInput, "limit must be a positive integer, got %q", raw))
			return
		}
		limit = n
	}
	top, err := h.ranking.Top(r.Context(), limit)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"ranking": top,
	})
}

// GET /api/v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	stats, err := h.ranking.Stats(r.Context(), actor)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}

// POST /auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req services.CreateUserRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	user, err := h.users.CreateUser(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, h.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"user":    user.View(),
	})
}

// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"realtime": h.hub.Stats(),
	})
}
