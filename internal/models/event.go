package models

import "time"

// EventType names an outbound real-time event.
type EventType string

const (
	EventReportCreated       EventType = "report.created"
	EventReportTransitioned  EventType = "report.transitioned"
	EventReportEliminated    EventType = "report.eliminated"
	EventPointsUpdated       EventType = "points.updated"
	EventAchievementUnlocked EventType = "achievement.unlocked"
	EventUserOnline          EventType = "user.online"
	EventUserOffline         EventType = "user.offline"
	EventRateLimited         EventType = "rate.limited"
	EventConnectionReady     EventType = "connection.ready"
	EventHeartbeatAck        EventType = "heartbeat.ack"
	EventReportCreatedAck    EventType = "report.created.ack"
	EventReportTransitionAck EventType = "report.transition.ack"
	EventSubscribed          EventType = "room.subscribed"
)

// ErrorEvent builds the error.<code> event type sent to a single connection.
func ErrorEvent(code string) EventType {
	return EventType("error." + code)
}

// Scope carries what the room router needs to place an event.
type Scope struct {
	UserID   string
	Location *Location
}

// Event is a state change ready for fan-out.
type Event struct {
	Type    EventType
	Scope   Scope
	Payload any
}

type ReportSummary struct {
	ID        string    `json:"id"`
	SiteType  SiteType  `json:"site_type"`
	Status    Status    `json:"status"`
	RiskLevel RiskLevel `json:"risk_level"`
	Location  Location  `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Report) Summary() ReportSummary {
	return ReportSummary{
		ID:        r.ID,
		SiteType:  r.SiteType,
		Status:    r.Status,
		RiskLevel: r.RiskLevel,
		Location:  r.Location,
		CreatedAt: r.CreatedAt,
	}
}

type ReportCreatedPayload struct {
	Report        ReportSummary `json:"report"`
	ReporterID    string        `json:"reporter_id"`
	ReporterName  string        `json:"reporter_name"`
	ReporterLevel string        `json:"reporter_level"`
}

type ReportTransitionedPayload struct {
	ReportID string `json:"report_id"`
	From     Status `json:"from"`
	To       Status `json:"to"`
	AgentID  string `json:"agent_id"`
}

type ReportEliminatedPayload struct {
	ReportID      string `json:"report_id"`
	ReporterID    string `json:"reporter_id"`
	PointsAwarded int64  `json:"points_awarded"`
}

type PointsUpdatedPayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Before int64  `json:"before"`
	After  int64  `json:"after"`
	Delta  int64  `json:"delta"`
	Level  string `json:"level"`
	Reason string `json:"reason"`
}

type AchievementUnlockedPayload struct {
	UserID string `json:"user_id"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Icon   string `json:"icon"`
	Reward int64  `json:"reward"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
