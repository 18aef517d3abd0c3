package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
)

// Status is a report's position in the triage lifecycle.
type Status string

const (
	StatusPending       Status = "pending"
	StatusConfirmed     Status = "confirmed"
	StatusInvestigating Status = "investigating"
	StatusEliminated    Status = "eliminated"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusConfirmed, StatusInvestigating, StatusEliminated}

// ParseStatus normalises a status name. Unknown names report false.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusConfirmed, StatusInvestigating, StatusEliminated:
		return st, true
	}
	return st, false
}

// SiteType is the kind of breeding site reported.
type SiteType string

const (
	SiteStandingWater SiteType = "agua-parada"
	SiteTire          SiteType = "pneu"
	SitePlanter       SiteType = "vaso-planta"
	SiteTrash         SiteType = "lixo"
	SiteBottle        SiteType = "garrafa"
	SitePool          SiteType = "piscina"
	SiteWaterTank     SiteType = "caixa-dagua"
	SiteGutter        SiteType = "calha"
	SiteOther         SiteType = "outro"
)

// SiteTypes is the closed enumeration of accepted site types.
var SiteTypes = []SiteType{
	SiteStandingWater, SiteTire, SitePlanter, SiteTrash, SiteBottle,
	SitePool, SiteWaterTank, SiteGutter, SiteOther,
}

func (s SiteType) Valid() bool {
	for _, t := range SiteTypes {
		if s == t {
			return true
		}
	}
	return false
}

// RiskLevel is the estimated public-health risk of a site.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskFor derives the initial risk level from the site type.
func RiskFor(s SiteType) RiskLevel {
	switch s {
	case SiteWaterTank, SitePool, SiteTire:
		return RiskHigh
	case SiteOther, SiteBottle:
		return RiskLow
	}
	return RiskMedium
}

// Location is a WGS84 coordinate pair.
type Location struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// UnmarshalJSON requires both coordinates; a missing one would otherwise
// decode as zero and land on a real cell.
func (l *Location) UnmarshalJSON(data []byte) error {
	var raw struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Lat == nil || raw.Lng == nil {
		return apperr.New(apperr.InvalidInput, "location requires lat and lng")
	}
	l.Lat, l.Lng = *raw.Lat, *raw.Lng
	return nil
}

// Valid reports whether both coordinates are within range.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// Report is a citizen report of a breeding site
type Report struct {
	ID            string     `json:"id" bson:"_id"`
	ReporterID    string     `json:"reporter_id" bson:"reporter_id"`
	Location      Location   `json:"location" bson:"location"`
	SiteType      SiteType   `json:"site_type" bson:"site_type"`
	Description   string     `json:"description" bson:"description"`
	Status        Status     `json:"status" bson:"status"`
	RiskLevel     RiskLevel  `json:"risk_level" bson:"risk_level"`
	PointsAwarded int64      `json:"points_awarded" bson:"points_awarded"`
	AgentID       string     `json:"agent_id,omitempty" bson:"agent_id,omitempty"`
	AgentNotes    string     `json:"agent_notes,omitempty" bson:"agent_notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" bson:"updated_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
}

// StatusChange describes a guarded status write.
type StatusChange struct {
	ReportID   string
	From       Status
	To         Status
	AgentID    string
	AgentNotes string
	At         time.Time
	// Bonus is added to PointsAwarded in the same write. Only set when To is eliminated.
	Bonus int64
}
