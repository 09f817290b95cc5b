package repo

import (
	"context"
	"database/sql"
	"errors"

	"layerqa/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// FindingFilters narrows finding listings.
type FindingFilters struct {
	RunID     string
	IssueType string
	Field     string
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,layer_id,layer_name,record_count,finding_count,status,started_at,finished_at,report_path) VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.LayerID, nullable(run.LayerName), run.RecordCount, run.FindingCount, run.Status, run.StartedAt, nullable(run.FinishedAt), nullable(run.ReportPath))
	return err
}

func (r Repo) FinishRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET record_count=?, finding_count=?, status=?, finished_at=?, report_path=? WHERE id=?`,
		run.RecordCount, run.FindingCount, run.Status, nullable(run.FinishedAt), nullable(run.ReportPath), run.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,layer_id,COALESCE(layer_name,''),record_count,finding_count,status,started_at,COALESCE(finished_at,''),COALESCE(report_path,'') FROM runs WHERE id=?`, id)
	var run domain.Run
	err := row.Scan(&run.ID, &run.LayerID, &run.LayerName, &run.RecordCount, &run.FindingCount, &run.Status, &run.StartedAt, &run.FinishedAt, &run.ReportPath)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) ListRuns(ctx context.Context, layerID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,layer_id,COALESCE(layer_name,''),record_count,finding_count,status,started_at,COALESCE(finished_at,''),COALESCE(report_path,'') FROM runs`
	var args []any
	if layerID != "" {
		query += ` WHERE layer_id=?`
		args = append(args, layerID)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := rows.Scan(&run.ID, &run.LayerID, &run.LayerName, &run.RecordCount, &run.FindingCount, &run.Status, &run.StartedAt, &run.FinishedAt, &run.ReportPath); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// InsertFindings stores a run's findings with their report positions so a
// later export reproduces the exact row order.
func (r Repo) InsertFindings(ctx context.Context, tx *sql.Tx, runID string, findings []domain.Finding) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO findings(run_id,position,issue_type,field_name,object_id,invalid_value,notes) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, f := range findings {
		var invalid any
		if !f.InvalidValue.IsNull() {
			invalid = f.InvalidValue.String()
		}
		if _, err := stmt.ExecContext(ctx, runID, i, string(f.IssueType), f.FieldName, f.ObjectID, invalid, f.Notes); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListFindings(ctx context.Context, f FindingFilters) ([]domain.Finding, error) {
	query := `SELECT issue_type,field_name,object_id,invalid_value,notes FROM findings WHERE run_id=?`
	args := []any{f.RunID}
	if f.IssueType != "" {
		query += ` AND issue_type=?`
		args = append(args, f.IssueType)
	}
	if f.Field != "" {
		query += ` AND field_name=?`
		args = append(args, f.Field)
	}
	query += ` ORDER BY position`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var findings []domain.Finding
	for rows.Next() {
		var (
			fd      domain.Finding
			issue   string
			invalid sql.NullString
		)
		if err := rows.Scan(&issue, &fd.FieldName, &fd.ObjectID, &invalid, &fd.Notes); err != nil {
			return nil, err
		}
		fd.IssueType = domain.IssueType(issue)
		if invalid.Valid {
			fd.InvalidValue = domain.Text(invalid.String)
		}
		findings = append(findings, fd)
	}
	return findings, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, runID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	var (
		conds []string
		args  []any
	)
	if runID != "" {
		conds = append(conds, `run_id=?`)
		args = append(args, runID)
	}
	if evtType != "" {
		conds = append(conds, `type=?`)
		args = append(args, evtType)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var evts []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		evts = append(evts, e)
	}
	return evts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
