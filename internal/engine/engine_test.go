package engine_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"layerqa/internal/config"
	"layerqa/internal/db"
	"layerqa/internal/domain"
	"layerqa/internal/engine"
	"layerqa/internal/feature"
	"layerqa/internal/migrate"
)

const stubSchemaJSON = `{
  "name": "Facilities",
  "objectIdField": "OBJECTID",
  "fields": [
    {"name": "OBJECTID", "type": "esriFieldTypeOID", "nullable": false},
    {"name": "Name", "type": "esriFieldTypeString", "nullable": true},
    {"name": "Req", "type": "esriFieldTypeString", "nullable": false},
    {"name": "Status", "type": "esriFieldTypeString", "nullable": true,
     "domain": {"type": "codedValue", "name": "StatusCodes",
       "codedValues": [{"name": "Active", "code": "A"}, {"name": "Closed", "code": "B"}]}}
  ]
}`

const stubRecordsJSON = `{"features": [
  {"attributes": {"OBJECTID": 1, "Name": "A", "Req": "", "Status": "A"}, "geometry": {"x": 1}},
  {"attributes": {"OBJECTID": 2, "Name": "A", "Req": "x", "Status": "Z"}, "geometry": {"x": 2}},
  {"attributes": {"OBJECTID": 3, "Name": "B", "Req": "y", "Status": "B"}, "geometry": null}
]}`

func newStubService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, stubSchemaJSON)
	})
	mux.HandleFunc("/0/query", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, stubRecordsJSON)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, serviceURL string) (engine.Engine, string) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg, err := config.FromYAML([]byte(fmt.Sprintf(`service:
  url: %s
layers:
  facilities:
    id: "0"
    duplicate_exclude: [Req, Status]
default_layer: facilities
output:
  dir: %s
`, serviceURL, filepath.Join(workspace, "output"))))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	e := engine.New(conn, feature.New(serviceURL), cfg)
	e.Now = func() time.Time { return time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC) }
	e.Logger = discardLogger()
	return e, workspace
}

func TestRunEndToEnd(t *testing.T) {
	srv := newStubService(t)
	e, _ := newTestEngine(t, srv.URL)

	res, err := e.Run(context.Background(), engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != "completed" {
		t.Fatalf("status %q", res.Run.Status)
	}
	if res.Run.LayerName != "Facilities" || res.Run.RecordCount != 3 {
		t.Fatalf("run header: %+v", res.Run)
	}

	want := []struct {
		issue domain.IssueType
		field string
		oid   int64
	}{
		{domain.IssueNull, "Req", 1},
		{domain.IssueDup, "Name", 1},
		{domain.IssueDup, "Name", 2},
		{domain.IssueDomain, "Status", 2},
		{domain.IssueGeometry, "", 3},
	}
	if len(res.Findings) != len(want) {
		t.Fatalf("expected %d findings, got %d: %+v", len(want), len(res.Findings), res.Findings)
	}
	for i, w := range want {
		f := res.Findings[i]
		if f.IssueType != w.issue || f.FieldName != w.field || f.ObjectID != w.oid {
			t.Fatalf("finding %d = %+v, want %+v", i, f, w)
		}
	}

	if res.Run.ReportPath == "" {
		t.Fatalf("report not written")
	}
	data, err := os.ReadFile(res.Run.ReportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.HasPrefix(string(data), "IssueType,FieldName,ObjectID,InvalidValue,Notes\n") {
		t.Fatalf("report header missing: %q", string(data))
	}
	if filepath.Base(res.Run.ReportPath) != "Facilities_QA_2026-08-26.csv" {
		t.Fatalf("report name %q", filepath.Base(res.Run.ReportPath))
	}

	stored, err := e.Repo.GetRun(context.Background(), res.Run.ID)
	if err != nil {
		t.Fatalf("get stored run: %v", err)
	}
	if stored.FindingCount != len(want) {
		t.Fatalf("stored finding count %d", stored.FindingCount)
	}
	evts, err := e.Repo.LatestEvents(context.Background(), 0, res.Run.ID, "run.completed")
	if err != nil || len(evts) != 1 {
		t.Fatalf("run.completed event: %v, %+v", err, evts)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	srv := newStubService(t)
	e, _ := newTestEngine(t, srv.URL)

	first, err := e.Run(context.Background(), engine.RunOptions{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstBytes, err := os.ReadFile(first.Run.ReportPath)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Run(context.Background(), engine.RunOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.Run.ReportPath != second.Run.ReportPath {
		t.Fatalf("report paths differ: %q vs %q", first.Run.ReportPath, second.Run.ReportPath)
	}
	secondBytes, err := os.ReadFile(second.Run.ReportPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(firstBytes) != string(secondBytes) {
		t.Fatalf("report bytes changed between identical runs")
	}
	if len(first.Findings) != len(second.Findings) {
		t.Fatalf("finding counts differ: %d vs %d", len(first.Findings), len(second.Findings))
	}
}

func TestRunSubsetOfChecks(t *testing.T) {
	srv := newStubService(t)
	e, _ := newTestEngine(t, srv.URL)

	res, err := e.Run(context.Background(), engine.RunOptions{Checks: []string{"geometry"}, SkipReport: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Findings) != 1 || res.Findings[0].IssueType != domain.IssueGeometry {
		t.Fatalf("expected only geometry findings, got %+v", res.Findings)
	}
	if res.Run.ReportPath != "" {
		t.Fatalf("report written despite SkipReport")
	}
}

func TestRunNoFindingsWritesNoReport(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name": "Clean", "objectIdField": "OBJECTID",
			"fields": [{"name": "OBJECTID", "type": "esriFieldTypeOID", "nullable": false}]}`)
	})
	mux.HandleFunc("/0/query", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"features": [{"attributes": {"OBJECTID": 1}, "geometry": {"x": 1}}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	e, workspace := newTestEngine(t, srv.URL)

	res, err := e.Run(context.Background(), engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Findings) != 0 || res.Run.ReportPath != "" {
		t.Fatalf("clean layer should produce no report: %+v", res.Run)
	}
	entries, err := os.ReadDir(filepath.Join(workspace, "output"))
	if err == nil && len(entries) > 0 {
		t.Fatalf("output dir should stay empty, found %d entries", len(entries))
	}
}

func TestRunFetchFailureRecordsFailedRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	e, _ := newTestEngine(t, srv.URL)

	res, err := e.Run(context.Background(), engine.RunOptions{})
	if err == nil {
		t.Fatalf("expected fetch error")
	}
	stored, getErr := e.Repo.GetRun(context.Background(), res.Run.ID)
	if getErr != nil {
		t.Fatalf("failed run not recorded: %v", getErr)
	}
	if stored.Status != "failed" {
		t.Fatalf("status %q, want failed", stored.Status)
	}
	evts, evtErr := e.Repo.LatestEvents(context.Background(), 0, res.Run.ID, "run.failed")
	if evtErr != nil || len(evts) != 1 {
		t.Fatalf("run.failed event: %v, %+v", evtErr, evts)
	}
}
