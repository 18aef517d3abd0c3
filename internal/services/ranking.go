package services

import (
	"context"
	"strings"
	"time"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

const (
	DefaultRankingSize = 20
	MaxRankingSize     = 100
)

// RankEntry is one line of the points ranking.
type RankEntry struct {
	Position int    `json:"position"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Points   int64  `json:"points"`
	Level    string `json:"level"`
}

// Stats summarises the whole community.
type Stats struct {
	Users           int64                   `json:"users"`
	TotalPoints     int64                   `json:"total_points"`
	Reports         int64                   `json:"reports"`
	ReportsByStatus map[models.Status]int64 `json:"reports_by_status"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// RankingService serves the read side the ranking room's events update.
type RankingService struct {
	users   store.Users
	reports store.Reports
	now     func() time.Time
}

func NewRankingService(users store.Users, reports store.Reports) *RankingService {
	return &RankingService{users: users, reports: reports, now: time.Now}
}

// Top returns the first limit users by points. Out-of-range limits fall back
// to DefaultRankingSize or are capped at MaxRankingSize.
func (s *RankingService) Top(ctx context.Context, limit int) ([]RankEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultRankingSize
	case limit > MaxRankingSize:
		limit = MaxRankingSize
	}
	users, err := s.users.TopUsers(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RankEntry, len(users))
	for i, u := range users {
		out[i] = RankEntry{
			Position: i + 1,
			UserID:   u.ID,
			Name:     u.Name,
			Points:   u.Points,
			Level:    u.Level().Name,
		}
	}
	return out, nil
}

// Stats is restricted to triage staff.
func (s *RankingService) Stats(ctx context.Context, actor Actor) (*Stats, error) {
	if err := requireRole(actor, models.RoleAgent, models.RoleModerator); err != nil {
		return nil, err
	}
	totals, err := s.users.UserTotals(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.reports.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Users:           totals.Users,
		TotalPoints:     totals.Points,
		ReportsByStatus: make(map[models.Status]int64, len(models.Statuses)),
		UpdatedAt:       s.now().UTC(),
	}
	for _, status := range models.Statuses {
		st.ReportsByStatus[status] = counts[status]
		st.Reports += counts[status]
	}
	return st, nil
}

// requireRole fails unless actor ranks at or above one of min. Roles form a
// partial order, so incomparable minimums are listed separately.
func requireRole(actor Actor, min ...models.Role) error {
	for _, m := range min {
		if actor.Role.AtLeast(m) {
			return nil
		}
	}
	names := make([]string, len(min))
	for i, m := range min {
		names[i] = string(m)
	}
	return apperr.Newf(apperr.InsufficientRole, "requires role %s or above", strings.Join(names, " or "))
}
