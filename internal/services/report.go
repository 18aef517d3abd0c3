package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/schollz/closestmatch"
	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/store"
)

const (
	maxDescription = 500
	maxAgentNotes  = 1000
)

// transitions is the report lifecycle graph. Eliminated has no exits.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:       {models.StatusConfirmed, models.StatusInvestigating, models.StatusEliminated},
	models.StatusConfirmed:     {models.StatusInvestigating, models.StatusEliminated},
	models.StatusInvestigating: {models.StatusEliminated},
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request bodies use the same camelCase field names on HTTP and on the
// socket; responses and events use snake_case throughout.

type CreateReportRequest struct {
	Location    *models.Location `json:"location"`
	SiteType    string           `json:"siteType"`
	Description string           `json:"description"`
}

type TransitionRequest struct {
	ReportID     string `json:"reportId"`
	TargetStatus string `json:"targetStatus"`
	Notes        string `json:"notes"`
}

// CreateResult is a persisted report with everything it paid its reporter.
type CreateResult struct {
	Report   *models.Report
	Award    Award
	Unlocked []Unlocked
}

// TransitionResult is an applied status change. Award is set only for eliminations.
type TransitionResult struct {
	Report   *models.Report
	From     models.Status
	Award    *Award
	Unlocked []Unlocked
}

// ReportService owns the report lifecycle. Every operation runs
// validate → authorize → write → notify; notifications go out only after
// all writes of the operation succeeded.
type ReportService struct {
	reports      store.Reports
	users        store.Users
	ledger       *Ledger
	achievements *AchievementService
	notifier     Notifier
	siteMatcher  *closestmatch.ClosestMatch
	newID        func() string
	now          func() time.Time
	log          *zap.Logger
}

func NewReportService(reports store.Reports, users store.Users, ledger *Ledger, achievements *AchievementService, notifier Notifier) *ReportService {
	names := make([]string, len(models.SiteTypes))
	for i, t := range models.SiteTypes {
		names[i] = string(t)
	}
	return &ReportService{
		reports:      reports,
		users:        users,
		ledger:       ledger,
		achievements: achievements,
		notifier:     notifier,
		siteMatcher:  closestmatch.New(names, []int{2, 3}),
		newID:        func() string { return uuid.New().String() },
		now:          time.Now,
		log:          logger.Named("reports"),
	}
}

func (s *ReportService) parseSiteType(raw string) (models.SiteType, error) {
	t := models.SiteType(strings.ToLower(strings.TrimSpace(raw)))
	if t.Valid() {
		return t, nil
	}
	if raw == "" {
		return "", apperr.New(apperr.InvalidInput, "site type is required")
	}
	if guess := s.siteMatcher.Closest(string(t)); guess != "" {
		return "", apperr.Newf(apperr.InvalidInput, "unknown site type %q, did you mean %q?", raw, guess)
	}
	return "", apperr.Newf(apperr.InvalidInput, "unknown site type %q", raw)
}

// Create persists a pending report and pays the reporter its creation points.
func (s *ReportService) Create(ctx context.Context, reporter Actor, req CreateReportRequest) (*CreateResult, error) {
	if req.Location == nil {
		return nil, apperr.New(apperr.InvalidInput, "location is required")
	}
	if !req.Location.Valid() {
		return nil, apperr.Newf(apperr.InvalidInput, "location out of range: lat %.6f lng %.6f", req.Location.Lat, req.Location.Lng)
	}
	siteType, err := s.parseSiteType(req.SiteType)
	if err != nil {
		return nil, err
	}
	description := strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(description) > maxDescription {
		return nil, apperr.Newf(apperr.InvalidInput, "description must be at most %d characters", maxDescription)
	}

	now := s.now()
	report := &models.Report{
		ID:            s.newID(),
		ReporterID:    reporter.ID,
		Location:      *req.Location,
		SiteType:      siteType,
		Description:   description,
		Status:        models.StatusPending,
		RiskLevel:     models.RiskFor(siteType),
		PointsAwarded: CreationPoints(siteType, description),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.reports.CreateReport(ctx, report); err != nil {
		return nil, err
	}
	if _, err := s.users.IncrementCounter(ctx, reporter.ID, store.CounterReportsMade); err != nil {
		return nil, s.partial("create", report.ID, err)
	}
	award, err := s.ledger.Award(ctx, reporter.ID, report.PointsAwarded, ReasonReportCreated)
	if err != nil {
		return nil, s.partial("create", report.ID, err)
	}
	user, unlocked, err := s.achievements.EvaluateUser(ctx, reporter.ID)
	if err != nil {
		return nil, s.partial("create", report.ID, err)
	}

	level := award.Level
	if n := len(unlocked); n > 0 {
		level = unlocked[n-1].Award.Level
	}
	loc := report.Location
	s.notifier.Publish(models.Event{
		Type:  models.EventReportCreated,
		Scope: models.Scope{UserID: reporter.ID, Location: &loc},
		Payload: models.ReportCreatedPayload{
			Report:        report.Summary(),
			ReporterID:    reporter.ID,
			ReporterName:  user.Name,
			ReporterLevel: level.Name,
		},
	})
	s.publishAwards(user.Name, award, unlocked)

	s.log.Info("report created",
		zap.String("report_id", report.ID),
		zap.String("reporter_id", reporter.ID),
		zap.String("site_type", string(siteType)),
		zap.Int64("points", report.PointsAwarded))
	return &CreateResult{Report: report, Award: award, Unlocked: unlocked}, nil
}

// Transition moves a report along the lifecycle graph. Eliminating a report
// pays its reporter EliminationBonus.
func (s *ReportService) Transition(ctx context.Context, actor Actor, req TransitionRequest) (*TransitionResult, error) {
	if !actor.Role.IsStaff() {
		return nil, apperr.New(apperr.Unauthorized, "only agents and moderators can change report status")
	}
	target, ok := models.ParseStatus(req.TargetStatus)
	if !ok {
		return nil, apperr.Newf(apperr.InvalidInput, "unknown status %q", req.TargetStatus)
	}
	notes := strings.TrimSpace(req.Notes)
	if utf8.RuneCountInString(notes) > maxAgentNotes {
		return nil, apperr.Newf(apperr.InvalidInput, "notes must be at most %d characters", maxAgentNotes)
	}

	report, err := s.reports.GetReport(ctx, req.ReportID)
	if err != nil {
		return nil, err
	}
	from := report.Status
	if !CanTransition(from, target) {
		return nil, apperr.Newf(apperr.InvalidTransition, "cannot move report from %s to %s", from, target)
	}

	change := models.StatusChange{
		ReportID:   report.ID,
		From:       from,
		To:         target,
		AgentID:    actor.ID,
		AgentNotes: notes,
		At:         s.now(),
	}
	if target == models.StatusEliminated {
		change.Bonus = EliminationBonus
	}
	applied, err := s.reports.UpdateStatus(ctx, change)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, apperr.Newf(apperr.InvalidTransition, "report %s changed status concurrently", report.ID)
	}
	applyChange(report, change)

	result := &TransitionResult{Report: report, From: from}
	if target != models.StatusEliminated {
		s.notifier.Publish(models.Event{
			Type:  models.EventReportTransitioned,
			Scope: models.Scope{UserID: report.ReporterID},
			Payload: models.ReportTransitionedPayload{
				ReportID: report.ID,
				From:     from,
				To:       target,
				AgentID:  actor.ID,
			},
		})
		s.log.Info("report transitioned",
			zap.String("report_id", report.ID),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.String("agent_id", actor.ID))
		return result, nil
	}

	if _, err := s.users.IncrementCounter(ctx, report.ReporterID, store.CounterSitesEliminated); err != nil {
		return nil, s.partial("eliminate", report.ID, err)
	}
	award, err := s.ledger.Award(ctx, report.ReporterID, EliminationBonus, ReasonSiteEliminated)
	if err != nil {
		return nil, s.partial("eliminate", report.ID, err)
	}
	reporter, unlocked, err := s.achievements.EvaluateUser(ctx, report.ReporterID)
	if err != nil {
		return nil, s.partial("eliminate", report.ID, err)
	}
	result.Award = &award
	result.Unlocked = unlocked

	s.notifier.Publish(models.Event{
		Type:  models.EventReportEliminated,
		Scope: models.Scope{UserID: report.ReporterID},
		Payload: models.ReportEliminatedPayload{
			ReportID:      report.ID,
			ReporterID:    report.ReporterID,
			PointsAwarded: EliminationBonus,
		},
	})
	s.publishAwards(reporter.Name, award, unlocked)

	s.log.Info("report eliminated",
		zap.String("report_id", report.ID),
		zap.String("reporter_id", report.ReporterID),
		zap.String("agent_id", actor.ID))
	return result, nil
}

func applyChange(r *models.Report, c models.StatusChange) {
	r.Status = c.To
	r.AgentID = c.AgentID
	if c.AgentNotes != "" {
		r.AgentNotes = c.AgentNotes
	}
	r.UpdatedAt = c.At
	if c.To == models.StatusEliminated {
		at := c.At
		r.ResolvedAt = &at
		r.PointsAwarded += c.Bonus
	}
}

func (s *ReportService) publishAwards(name string, award Award, unlocked []Unlocked) {
	s.notifier.Publish(award.Event(name))
	for _, u := range unlocked {
		for _, evt := range u.Events(name) {
			s.notifier.Publish(evt)
		}
	}
}

// partial logs a failure after the report write committed. Nothing is
// published for the operation.
func (s *ReportService) partial(op, reportID string, err error) error {
	s.log.Error(fmt.Sprintf("report %s incomplete", op),
		zap.String("report_id", reportID),
		zap.Error(err))
	return err
}
