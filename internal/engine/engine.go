package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"layerqa/internal/config"
	"layerqa/internal/domain"
	"layerqa/internal/events"
	"layerqa/internal/feature"
	"layerqa/internal/repo"
	"layerqa/internal/report"
)

// Engine runs QA passes over feature layers and records the results.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Client *feature.Client
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, client *feature.Client, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Client: client,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// RunOptions are parameters for one QA run.
type RunOptions struct {
	// Layer is a configured layer name or a literal layer id.
	Layer string
	// Checks limits which checks run; empty means the configured set.
	Checks []string
	// OutDir overrides the configured report directory.
	OutDir string
	// SkipReport suppresses CSV output; the run is still recorded.
	SkipReport bool
}

// RunResult is a completed QA run with its findings.
type RunResult struct {
	Run      domain.Run       `json:"run"`
	Findings []domain.Finding `json:"findings"`
	Schema   domain.Schema    `json:"-"`
}

// ResolveLayerPolicies fetches a layer's schema and derives its field
// policies without running any checks.
func (e Engine) ResolveLayerPolicies(ctx context.Context, layerName string) (domain.Schema, domain.PolicySet, error) {
	layer, err := e.Config.ResolveLayer(layerName)
	if err != nil {
		return domain.Schema{}, domain.PolicySet{}, err
	}
	schema, err := e.Client.FetchSchema(ctx, layer.ID)
	if err != nil {
		return domain.Schema{}, domain.PolicySet{}, err
	}
	policies, err := ResolvePolicies(schema, layer.DuplicateExclude)
	if err != nil {
		return domain.Schema{}, domain.PolicySet{}, err
	}
	return schema, policies, nil
}

// Run executes the enabled checks against one layer: fetch schema, resolve
// policies, fetch records, check, aggregate, persist, write the CSV report.
// Schema and fetch failures abort before anything is written; a zero-finding
// run produces no CSV but is still recorded.
func (e Engine) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	if e.Config == nil {
		return RunResult{}, fmt.Errorf("config not loaded")
	}
	layer, err := e.Config.ResolveLayer(opts.Layer)
	if err != nil {
		return RunResult{}, err
	}
	for _, name := range opts.Checks {
		if !knownCheck(name) {
			return RunResult{}, fmt.Errorf("unknown check %q (valid: null, duplicate, domain, geometry)", name)
		}
	}
	run := domain.Run{
		ID:        uuid.New().String(),
		LayerID:   layer.ID,
		Status:    "running",
		StartedAt: e.now().UTC().Format(time.RFC3339),
	}

	schema, err := e.Client.FetchSchema(ctx, layer.ID)
	if err != nil {
		return RunResult{Run: run}, e.fail(ctx, run, err)
	}
	run.LayerName = schema.LayerName
	policies, err := ResolvePolicies(schema, layer.DuplicateExclude)
	if err != nil {
		return RunResult{Run: run}, e.fail(ctx, run, err)
	}
	records, err := e.Client.FetchRecords(ctx, layer.ID, schema.ObjectIDField)
	if err != nil {
		return RunResult{Run: run}, e.fail(ctx, run, err)
	}
	run.RecordCount = len(records)

	enabled := checkSet(opts.Checks, e.Config)
	var nulls, dups, doms, geoms []domain.Finding
	if enabled["null"] {
		nulls = CheckNulls(records, policies)
	}
	if enabled["duplicate"] {
		dups = CheckDuplicates(records, policies)
	}
	if enabled["domain"] {
		doms = CheckDomains(records, policies)
	}
	if enabled["geometry"] {
		geoms = CheckGeometry(records)
	}
	produced := len(nulls) + len(dups) + len(doms) + len(geoms)
	findings := Aggregate(records, e.logger(), nulls, dups, doms, geoms)
	dropped := produced - len(findings)
	run.FindingCount = len(findings)

	if len(findings) > 0 && !opts.SkipReport {
		dir := opts.OutDir
		if dir == "" {
			dir = e.Config.OutputDir()
		}
		path, err := report.WriteFile(dir, schema.LayerName, e.now(), findings)
		if err != nil {
			return RunResult{Run: run, Findings: findings}, e.fail(ctx, run, err)
		}
		run.ReportPath = path
	}

	run.Status = "completed"
	run.FinishedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.persist(ctx, run, findings, dropped); err != nil {
		return RunResult{Run: run, Findings: findings}, err
	}
	return RunResult{Run: run, Findings: findings, Schema: schema}, nil
}

func (e Engine) persist(ctx context.Context, run domain.Run, findings []domain.Finding, dropped int) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if err := e.Repo.InsertFindings(ctx, tx, run.ID, findings); err != nil {
		return fmt.Errorf("insert findings: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.started", run.ID, "run", run.ID, events.EventPayload{
		"layer_id": run.LayerID,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.completed", run.ID, "run", run.ID, events.EventPayload{
		"layer_id": run.LayerID,
		"records":  run.RecordCount,
		"findings": run.FindingCount,
	}); err != nil {
		return err
	}
	if dropped > 0 {
		if err := e.Events.Append(ctx, tx, "finding.dropped", run.ID, "run", run.ID, events.EventPayload{
			"count": dropped,
		}); err != nil {
			return err
		}
	}
	if run.ReportPath != "" {
		if err := e.Events.Append(ctx, tx, "report.written", run.ID, "report", run.ReportPath, events.EventPayload{}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// fail records the aborted run and hands the original error back.
func (e Engine) fail(ctx context.Context, run domain.Run, cause error) error {
	run.Status = "failed"
	run.FinishedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return cause
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		e.logger().Printf("record failed run %s: %v", run.ID, err)
		return cause
	}
	if err := e.Events.Append(ctx, tx, "run.started", run.ID, "run", run.ID, events.EventPayload{
		"layer_id": run.LayerID,
	}); err != nil {
		return cause
	}
	if err := e.Events.Append(ctx, tx, "run.failed", run.ID, "run", run.ID, events.EventPayload{
		"layer_id": run.LayerID,
		"error":    cause.Error(),
	}); err != nil {
		return cause
	}
	if err := tx.Commit(); err != nil {
		e.logger().Printf("record failed run %s: %v", run.ID, err)
	}
	return cause
}

func knownCheck(name string) bool {
	for _, k := range config.KnownChecks {
		if k == name {
			return true
		}
	}
	return false
}

func checkSet(requested []string, cfg *config.Config) map[string]bool {
	names := requested
	if len(names) == 0 {
		names = cfg.EnabledChecks()
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
