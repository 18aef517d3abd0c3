// Package rooms maps connections and events to broadcast rooms. Everything
// here is a pure function of its arguments.
//
// Event targets:
//
//	report.created       global, area cell of the report, moderators
//	report.transitioned  moderators, reporter
//	report.eliminated    reporter, ranking
//	points.updated       ranking, user
//	achievement.unlocked user
//	user.online/offline  global
package rooms

import (
	"fmt"
	"math"

	"github.com/tahcohcat/dengue-tracker/internal/models"
)

const (
	Global     = "global"
	Moderators = "moderators"
	Ranking    = "ranking"
)

// DefaultAreaPrecision is the number of decimal places kept when quantising
// coordinates into an area cell. Two places is roughly a 1.1 km cell at the
// equator.
const DefaultAreaPrecision = 2

// Router resolves room names. The zero value uses DefaultAreaPrecision.
type Router struct {
	AreaPrecision int
}

func (r Router) precision() int {
	if r.AreaPrecision <= 0 {
		return DefaultAreaPrecision
	}
	return r.AreaPrecision
}

// User is the personal room of userID.
func User(userID string) string {
	return "user:" + userID
}

// Area is the cell room containing loc, formed by truncating both coordinates
// towards zero.
func (r Router) Area(loc models.Location) string {
	p := r.precision()
	return fmt.Sprintf("area:%.*f:%.*f", p, truncate(loc.Lat, p), p, truncate(loc.Lng, p))
}

func truncate(v float64, places int) float64 {
	scale := math.Pow10(places)
	// The epsilon absorbs binary representation error, e.g. 0.29*100 = 28.999...
	const eps = 1e-9
	t := math.Floor(math.Abs(v)*scale+eps) / scale
	if v < 0 && t != 0 {
		return -t
	}
	return t
}

// ForConnection lists the rooms a freshly authenticated connection joins.
func (r Router) ForConnection(userID string, role models.Role) []string {
	rooms := []string{Global, User(userID)}
	if role.IsStaff() {
		rooms = append(rooms, Moderators)
	}
	return rooms
}

// Targets lists the rooms evt must reach. Unknown event types have no targets.
func (r Router) Targets(evt models.Event) []string {
	switch evt.Type {
	case models.EventReportCreated:
		rooms := []string{Global}
		if evt.Scope.Location != nil {
			rooms = append(rooms, r.Area(*evt.Scope.Location))
		}
		return append(rooms, Moderators)
	case models.EventReportTransitioned:
		return withUser([]string{Moderators}, evt.Scope.UserID)
	case models.EventReportEliminated:
		return withUser([]string{Ranking}, evt.Scope.UserID)
	case models.EventPointsUpdated:
		return withUser([]string{Ranking}, evt.Scope.UserID)
	case models.EventAchievementUnlocked:
		return withUser(nil, evt.Scope.UserID)
	case models.EventUserOnline, models.EventUserOffline:
		return []string{Global}
	}
	return nil
}

func withUser(rooms []string, userID string) []string {
	if userID == "" {
		return rooms
	}
	return append(rooms, User(userID))
}
