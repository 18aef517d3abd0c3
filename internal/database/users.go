package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

type userRow struct {
	ID              string        `db:"id"`
	Name            string        `db:"name"`
	Email           string        `db:"email"`
	Password        string        `db:"password_hash"`
	Role            string        `db:"role"`
	Points          int64         `db:"points"`
	Experience      int64         `db:"experience"`
	ReportsMade     int64         `db:"reports_made"`
	SitesEliminated int64         `db:"sites_eliminated"`
	LastRewardAt    sql.NullInt64 `db:"last_reward_at"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

const userColumns = `id, name, email, password_hash, role, points, experience,
	reports_made, sites_eliminated, last_reward_at, created_at, updated_at`

func (r userRow) toModel() *models.User {
	u := &models.User{
		ID:              r.ID,
		Name:            r.Name,
		Email:           r.Email,
		Password:        r.Password,
		Role:            models.Role(r.Role),
		Points:          r.Points,
		Experience:      r.Experience,
		ReportsMade:     r.ReportsMade,
		SitesEliminated: r.SitesEliminated,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.LastRewardAt.Valid {
		t := time.Unix(0, r.LastRewardAt.Int64).UTC()
		u.LastRewardAt = &t
	}
	return u
}

// CreateUser inserts a new user account
func (db *DB) CreateUser(ctx context.Context, u *models.User) error {
	query := `
		INSERT INTO users (id, name, email, password_hash, role, points, experience,
			reports_made, sites_eliminated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query, u.ID, u.Name, strings.ToLower(u.Email), u.Password, string(u.Role),
		u.Points, u.Experience, u.ReportsMade, u.SitesEliminated, u.CreatedAt.UTC(), u.UpdatedAt.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return apperr.New(apperr.InvalidInput, "email already exists")
		}
		return apperr.Storage("create user", err)
	}
	for _, id := range u.Achievements {
		if _, err := db.AddAchievement(ctx, u.ID, id, u.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// GetUser retrieves a user by ID with its unlocked achievements
func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	return db.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
}

// GetUserByEmail retrieves a user by email
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return db.getUser(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", strings.ToLower(email))
}

func (db *DB) getUser(ctx context.Context, query string, arg any) (*models.User, error) {
	var row userRow
	err := db.GetContext(ctx, &row, query, arg)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "user not found")
	} else if err != nil {
		return nil, apperr.Storage("get user", err)
	}

	u := row.toModel()
	err = db.SelectContext(ctx, &u.Achievements,
		`SELECT achievement_id FROM user_achievements WHERE user_id = ? ORDER BY unlocked_at, achievement_id`, u.ID)
	if err != nil {
		return nil, apperr.Storage("get user achievements", err)
	}
	return u, nil
}

// IncrementPoints adds amount to points and experience in a single statement.
func (db *DB) IncrementPoints(ctx context.Context, id string, amount int64) (store.Totals, error) {
	query := `
		UPDATE users SET points = points + ?, experience = experience + ?, updated_at = ?
		WHERE id = ?
		RETURNING points, experience
	`
	var t store.Totals
	err := db.QueryRowxContext(ctx, query, amount, amount, time.Now().UTC(), id).Scan(&t.Points, &t.Experience)
	if err == sql.ErrNoRows {
		return store.Totals{}, apperr.New(apperr.NotFound, "user not found")
	} else if err != nil {
		return store.Totals{}, apperr.Storage("increment points", err)
	}
	return t, nil
}

func (db *DB) IncrementCounter(ctx context.Context, id string, counter store.Counter) (int64, error) {
	switch counter {
	case store.CounterReportsMade, store.CounterSitesEliminated:
	default:
		return 0, apperr.Newf(apperr.InvalidInput, "unknown counter %q", counter)
	}

	query := fmt.Sprintf(`UPDATE users SET %[1]s = %[1]s + 1 WHERE id = ? RETURNING %[1]s`, counter)
	var value int64
	err := db.QueryRowxContext(ctx, query, id).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, apperr.New(apperr.NotFound, "user not found")
	} else if err != nil {
		return 0, apperr.Storage("increment counter", err)
	}
	return value, nil
}

// AddAchievement relies on the (user_id, achievement_id) primary key: only
// one insert can affect a row.
func (db *DB) AddAchievement(ctx context.Context, id, achievementID string, at time.Time) (bool, error) {
	query := `INSERT OR IGNORE INTO user_achievements (user_id, achievement_id, unlocked_at) VALUES (?, ?, ?)`
	res, err := db.ExecContext(ctx, query, id, achievementID, at.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return false, apperr.New(apperr.NotFound, "user not found")
		}
		return false, apperr.Storage("add achievement", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("add achievement", err)
	}
	return n == 1, nil
}

func (db *DB) ClaimReward(ctx context.Context, id string, now time.Time, interval time.Duration) (bool, error) {
	query := `
		UPDATE users SET last_reward_at = ?
		WHERE id = ? AND (last_reward_at IS NULL OR last_reward_at <= ?)
	`
	res, err := db.ExecContext(ctx, query, now.UnixNano(), id, now.Add(-interval).UnixNano())
	if err != nil {
		return false, apperr.Storage("claim reward", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("claim reward", err)
	}
	if n == 1 {
		return true, nil
	}
	if err := db.userExists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (db *DB) userExists(ctx context.Context, id string) error {
	var count int
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users WHERE id = ?`, id); err != nil {
		return apperr.Storage("get user", err)
	}
	if count == 0 {
		return apperr.New(apperr.NotFound, "user not found")
	}
	return nil
}

// TopUsers reads the ranking. Achievements are not loaded.
func (db *DB) TopUsers(ctx context.Context, limit int) ([]*models.User, error) {
	var rows []userRow
	err := db.SelectContext(ctx, &rows,
		"SELECT "+userColumns+" FROM users ORDER BY points DESC, created_at ASC, id ASC LIMIT ?", limit)
	if err != nil {
		return nil, apperr.Storage("top users", err)
	}
	users := make([]*models.User, len(rows))
	for i, r := range rows {
		users[i] = r.toModel()
	}
	return users, nil
}

func (db *DB) UserTotals(ctx context.Context) (store.UserTotals, error) {
	var t store.UserTotals
	err := db.QueryRowxContext(ctx, `SELECT COUNT(*), COALESCE(SUM(points), 0) FROM users`).Scan(&t.Users, &t.Points)
	if err != nil {
		return store.UserTotals{}, apperr.Storage("user totals", err)
	}
	return t, nil
}
