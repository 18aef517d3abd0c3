package models

import (
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Role is a user's authorization role.
type Role string

const (
	RoleUser       Role = "user"
	RoleAgent      Role = "agent"
	RoleModerator  Role = "moderator"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// agent and moderator share a rank; neither outranks the other.
var roleRank = map[Role]int{
	RoleUser:       1,
	RoleAgent:      2,
	RoleModerator:  2,
	RoleAdmin:      3,
	RoleSuperAdmin: 4,
}

// ParseRole normalises a role name. Unknown names report false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	_, ok := roleRank[r]
	return r, ok
}

// AtLeast reports whether r ranks at or above min. A role always satisfies itself.
func (r Role) AtLeast(min Role) bool {
	if r == min {
		return true
	}
	rr, mr := roleRank[r], roleRank[min]
	if rr == 0 || mr == 0 {
		return false
	}
	return rr > mr
}

// IsStaff reports whether the role may triage reports.
func (r Role) IsStaff() bool {
	switch r {
	case RoleAgent, RoleModerator, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// User represents a citizen or staff account
type User struct {
	ID              string     `json:"id" db:"id" bson:"_id"`
	Name            string     `json:"name" db:"name" bson:"name"`
	Email           string     `json:"email" db:"email" bson:"email"`
	Password        string     `json:"-" db:"password_hash" bson:"password_hash"` // Never expose in JSON
	Role            Role       `json:"role" db:"role" bson:"role"`
	Points          int64      `json:"points" db:"points" bson:"points"`
	Experience      int64      `json:"experience" db:"experience" bson:"experience"`
	ReportsMade     int64      `json:"reports_made" db:"reports_made" bson:"reports_made"`
	SitesEliminated int64      `json:"sites_eliminated" db:"sites_eliminated" bson:"sites_eliminated"`
	Achievements    []string   `json:"achievements" db:"-" bson:"achievements"`
	LastRewardAt    *time.Time `json:"last_reward_at" db:"last_reward_at" bson:"last_reward_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

// Counters is the snapshot of a user's progress that achievement predicates read.
type Counters struct {
	Points          int64 `json:"points"`
	Experience      int64 `json:"experience"`
	ReportsMade     int64 `json:"reports_made"`
	SitesEliminated int64 `json:"sites_eliminated"`
}

// Counters returns the user's current counters.
func (u *User) Counters() Counters {
	return Counters{
		Points:          u.Points,
		Experience:      u.Experience,
		ReportsMade:     u.ReportsMade,
		SitesEliminated: u.SitesEliminated,
	}
}

// Level is derived from experience on every call.
func (u *User) Level() Level {
	return LevelFor(u.Experience)
}

// HasAchievement reports whether id is already unlocked.
func (u *User) HasAchievement(id string) bool {
	return slices.Contains(u.Achievements, id)
}

// SetPassword hashes and sets the user's password
func (u *User) SetPassword(password string) error {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hashedPassword)
	return nil
}

// CheckPassword verifies a password against the user's hash
func (u *User) CheckPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password))
	return err == nil
}

// LoginRequest represents a login attempt
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserView is the public projection of a user with its derived level.
type UserView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Role            Role     `json:"role"`
	Points          int64    `json:"points"`
	Experience      int64    `json:"experience"`
	Level           string   `json:"level"`
	ReportsMade     int64    `json:"reports_made"`
	SitesEliminated int64    `json:"sites_eliminated"`
	Achievements    []string `json:"achievements"`
}

func (u *User) View() UserView {
	achievements := u.Achievements
	if achievements == nil {
		achievements = []string{}
	}
	return UserView{
		ID:              u.ID,
		Name:            u.Name,
		Role:            u.Role,
		Points:          u.Points,
		Experience:      u.Experience,
		Level:           u.Level().Name,
		ReportsMade:     u.ReportsMade,
		SitesEliminated: u.SitesEliminated,
		Achievements:    achievements,
	}
}
