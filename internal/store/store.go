// Package store declares the storage ports the core depends on. Every method
// that mutates a user or report is a single atomic operation at the storage
// layer; callers never read, modify and write back.
package store

import (
	"context"
	"time"

	"github.com/tahcohcat/dengue-tracker/internal/models"
)

// Counter names an atomically incremented user counter.
type Counter string

const (
	CounterReportsMade     Counter = "reports_made"
	CounterSitesEliminated Counter = "sites_eliminated"
)

// Totals is a user's points and experience after an increment.
type Totals struct {
	Points     int64
	Experience int64
}

// UserTotals aggregates every account.
type UserTotals struct {
	Users  int64
	Points int64
}

// Users stores user accounts.
type Users interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// IncrementPoints adds amount to points and experience in one write and
	// returns the totals after the write.
	IncrementPoints(ctx context.Context, id string, amount int64) (Totals, error)

	// IncrementCounter adds one to the named counter and returns the new value.
	IncrementCounter(ctx context.Context, id string, counter Counter) (int64, error)

	// AddAchievement inserts achievementID into the user's unlocked set.
	// Exactly one concurrent caller observes inserted == true.
	AddAchievement(ctx context.Context, id, achievementID string, at time.Time) (inserted bool, err error)

	// ClaimReward sets last_reward_at to now when it is unset or not after
	// now-interval. claimed is false when the guard did not match.
	ClaimReward(ctx context.Context, id string, now time.Time, interval time.Duration) (claimed bool, err error)

	// TopUsers returns at most limit users ordered by points, highest first.
	// Ties go to the older account.
	TopUsers(ctx context.Context, limit int) ([]*models.User, error)

	UserTotals(ctx context.Context) (UserTotals, error)
}

// Reports stores breeding-site reports.
type Reports interface {
	CreateReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, id string) (*models.Report, error)

	// UpdateStatus applies change only if the stored status still equals
	// change.From. applied is false when another writer got there first.
	UpdateStatus(ctx context.Context, change models.StatusChange) (applied bool, err error)

	// CountByStatus counts reports per status. Statuses without reports are absent.
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)
}

// Store bundles both ports.
type Store interface {
	Users
	Reports
	Close() error
}
