package services

import (
	"context"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

// Award reasons carried on points.updated events.
const (
	ReasonReportCreated  = "report.created"
	ReasonSiteEliminated = "report.eliminated"
	ReasonAchievement    = "achievement.unlocked"
	ReasonDailyReward    = "reward.daily"
)

// Award is the outcome of one ledger write.
type Award struct {
	UserID     string
	Before     int64
	After      int64
	Delta      int64
	Experience int64
	Level      models.Level
	Reason     string
}

// Event builds the points.updated notification for a.
func (a Award) Event(name string) models.Event {
	return models.Event{
		Type:  models.EventPointsUpdated,
		Scope: models.Scope{UserID: a.UserID},
		Payload: models.PointsUpdatedPayload{
			UserID: a.UserID,
			Name:   name,
			Before: a.Before,
			After:  a.After,
			Delta:  a.Delta,
			Level:  a.Level.Name,
			Reason: a.Reason,
		},
	}
}

// Ledger applies point awards as single atomic increments.
type Ledger struct {
	users store.Users
}

func NewLedger(users store.Users) *Ledger {
	return &Ledger{users: users}
}

// Award adds amount to the user's points and experience. Before is derived
// from the post-write total, which is exact because the increment is atomic.
func (l *Ledger) Award(ctx context.Context, userID string, amount int64, reason string) (Award, error) {
	if amount < 0 {
		return Award{}, apperr.Newf(apperr.InvalidInput, "award amount must not be negative, got %d", amount)
	}
	totals, err := l.users.IncrementPoints(ctx, userID, amount)
	if err != nil {
		return Award{}, err
	}
	return Award{
		UserID:     userID,
		Before:     totals.Points - amount,
		After:      totals.Points,
		Delta:      amount,
		Experience: totals.Experience,
		Level:      models.LevelFor(totals.Experience),
		Reason:     reason,
	}, nil
}
