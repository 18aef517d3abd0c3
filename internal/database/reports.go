package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/tahcohcat/dengue-tracker/internal/apperr"
	"github.com/tahcohcat/dengue-tracker/internal/models"
)

type reportRow struct {
	ID            string       `db:"id"`
	ReporterID    string       `db:"reporter_id"`
	Lat           float64      `db:"lat"`
	Lng           float64      `db:"lng"`
	SiteType      string       `db:"site_type"`
	Description   string       `db:"description"`
	Status        string       `db:"status"`
	RiskLevel     string       `db:"risk_level"`
	PointsAwarded int64        `db:"points_awarded"`
	AgentID       string       `db:"agent_id"`
	AgentNotes    string       `db:"agent_notes"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	ResolvedAt    sql.NullTime `db:"resolved_at"`
}

func (r reportRow) toModel() *models.Report {
	rep := &models.Report{
		ID:            r.ID,
		ReporterID:    r.ReporterID,
		Location:      models.Location{Lat: r.Lat, Lng: r.Lng},
		SiteType:      models.SiteType(r.SiteType),
		Description:   r.Description,
		Status:        models.Status(r.Status),
		RiskLevel:     models.RiskLevel(r.RiskLevel),
		PointsAwarded: r.PointsAwarded,
		AgentID:       r.AgentID,
		AgentNotes:    r.AgentNotes,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time
		rep.ResolvedAt = &t
	}
	return rep
}

func (db *DB) CreateReport(ctx context.Context, r *models.Report) error {
	query := `
		INSERT INTO reports (id, reporter_id, lat, lng, site_type, description, status,
			risk_level, points_awarded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query, r.ID, r.ReporterID, r.Location.Lat, r.Location.Lng,
		string(r.SiteType), r.Description, string(r.Status), string(r.RiskLevel), r.PointsAwarded,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return apperr.New(apperr.NotFound, "reporter not found")
		}
		return apperr.Storage("create report", err)
	}
	return nil
}

func (db *DB) GetReport(ctx context.Context, id string) (*models.Report, error) {
	var row reportRow
	err := db.GetContext(ctx, &row, `
		SELECT id, reporter_id, lat, lng, site_type, description, status, risk_level,
			points_awarded, agent_id, agent_notes, created_at, updated_at, resolved_at
		FROM reports WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "report not found")
	} else if err != nil {
		return nil, apperr.Storage("get report", err)
	}
	return row.toModel(), nil
}

// UpdateStatus is a compare-and-set on the current status.
func (db *DB) UpdateStatus(ctx context.Context, c models.StatusChange) (bool, error) {
	var resolvedAt any
	if c.To == models.StatusEliminated {
		resolvedAt = c.At.UTC()
	}
	query := `
		UPDATE reports SET
			status = ?,
			agent_id = ?,
			agent_notes = CASE WHEN ? = '' THEN agent_notes ELSE ? END,
			updated_at = ?,
			resolved_at = COALESCE(?, resolved_at),
			points_awarded = points_awarded + ?
		WHERE id = ? AND status = ?
	`
	res, err := db.ExecContext(ctx, query,
		string(c.To), c.AgentID, c.AgentNotes, c.AgentNotes, c.At.UTC(), resolvedAt, c.Bonus,
		c.ReportID, string(c.From))
	if err != nil {
		return false, apperr.Storage("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Storage("update status", err)
	}
	if n == 1 {
		return true, nil
	}

	var count int
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM reports WHERE id = ?`, c.ReportID); err != nil {
		return false, apperr.Storage("update status", err)
	}
	if count == 0 {
		return false, apperr.New(apperr.NotFound, "report not found")
	}
	return false, nil
}

func (db *DB) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"n"`
	}
	if err := db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM reports GROUP BY status`); err != nil {
		return nil, apperr.Storage("count reports", err)
	}
	counts := make(map[models.Status]int64, len(rows))
	for _, r := range rows {
		counts[models.Status(r.Status)] = r.Count
	}
	return counts, nil
}
