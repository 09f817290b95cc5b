package engine_test

import (
	"io"
	"log"
	"strings"
	"testing"

	"layerqa/internal/domain"
	"layerqa/internal/engine"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testSchema() domain.Schema {
	return domain.Schema{
		LayerName:     "Facilities",
		ObjectIDField: "OBJECTID",
		Fields: []domain.FieldDef{
			{Name: "OBJECTID", Type: "esriFieldTypeOID", Nullable: false},
			{Name: "Name", Type: "esriFieldTypeString", Nullable: true},
			{Name: "Req", Type: "esriFieldTypeString", Nullable: false},
			{Name: "Status", Type: "esriFieldTypeString", Nullable: true, Domain: &domain.CodedDomain{
				Name:  "StatusCodes",
				Codes: []domain.Value{domain.Text("A"), domain.Text("B")},
			}},
		},
	}
}

func rec(id int64, attrs map[string]domain.Value) domain.Record {
	return domain.Record{ObjectID: id, Attrs: attrs, HasGeometry: true}
}

func TestNullAndDuplicateChecks(t *testing.T) {
	schema := testSchema()
	policies, err := engine.ResolvePolicies(schema, []string{"Req"})
	if err != nil {
		t.Fatalf("resolve policies: %v", err)
	}
	records := []domain.Record{
		rec(1, map[string]domain.Value{"Name": domain.Text("A"), "Req": domain.Text("")}),
		rec(2, map[string]domain.Value{"Name": domain.Text("A"), "Req": domain.Text("x")}),
		rec(3, map[string]domain.Value{"Name": domain.Text("B"), "Req": domain.Text("x")}),
	}

	nulls := engine.CheckNulls(records, policies)
	if len(nulls) != 1 {
		t.Fatalf("expected 1 null finding, got %d: %+v", len(nulls), nulls)
	}
	if nulls[0].FieldName != "Req" || nulls[0].ObjectID != 1 {
		t.Fatalf("unexpected null finding %+v", nulls[0])
	}

	dups := engine.CheckDuplicates(records, policies)
	if len(dups) != 2 {
		t.Fatalf("expected 2 duplicate findings, got %d: %+v", len(dups), dups)
	}
	for i, wantID := range []int64{1, 2} {
		f := dups[i]
		if f.FieldName != "Name" || f.ObjectID != wantID {
			t.Errorf("duplicate finding %d = %+v, want Name/%d", i, f, wantID)
		}
		if f.Notes != "Duplicate of value 'A'" {
			t.Errorf("duplicate notes = %q", f.Notes)
		}
	}
}

func TestDuplicateGroupsKeepFirstOccurrenceOrder(t *testing.T) {
	schema := domain.Schema{
		LayerName:     "L",
		ObjectIDField: "OID",
		Fields: []domain.FieldDef{
			{Name: "OID", Nullable: false},
			{Name: "Code", Nullable: true},
		},
	}
	policies, err := engine.ResolvePolicies(schema, nil)
	if err != nil {
		t.Fatal(err)
	}
	records := []domain.Record{
		rec(10, map[string]domain.Value{"Code": domain.Text("zzz")}),
		rec(11, map[string]domain.Value{"Code": domain.Text("aaa")}),
		rec(12, map[string]domain.Value{"Code": domain.Text("zzz")}),
		rec(13, map[string]domain.Value{"Code": domain.Text("aaa")}),
	}
	dups := engine.CheckDuplicates(records, policies)
	gotIDs := make([]int64, len(dups))
	for i, f := range dups {
		gotIDs[i] = f.ObjectID
	}
	want := []int64{10, 12, 11, 13}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("duplicate order %v, want %v", gotIDs, want)
		}
	}
}

func TestDuplicateCheckIgnoresNullishAndTypeMismatch(t *testing.T) {
	schema := domain.Schema{
		LayerName:     "L",
		ObjectIDField: "OID",
		Fields: []domain.FieldDef{
			{Name: "OID", Nullable: false},
			{Name: "Code", Nullable: true},
		},
	}
	policies, err := engine.ResolvePolicies(schema, nil)
	if err != nil {
		t.Fatal(err)
	}
	records := []domain.Record{
		rec(1, map[string]domain.Value{"Code": domain.Number(1)}),
		rec(2, map[string]domain.Value{"Code": domain.Text("1")}),
		rec(3, map[string]domain.Value{"Code": domain.Null()}),
		rec(4, map[string]domain.Value{"Code": domain.Text("  ")}),
		rec(5, map[string]domain.Value{"Code": domain.Text("")}),
	}
	if dups := engine.CheckDuplicates(records, policies); len(dups) != 0 {
		t.Fatalf("expected no duplicates, got %+v", dups)
	}
}

func TestDomainCheck(t *testing.T) {
	schema := testSchema()
	policies, err := engine.ResolvePolicies(schema, nil)
	if err != nil {
		t.Fatal(err)
	}
	records := []domain.Record{
		rec(5, map[string]domain.Value{"Status": domain.Text("Z")}),
		rec(6, map[string]domain.Value{"Status": domain.Text("A")}),
		rec(7, map[string]domain.Value{"Status": domain.Null()}),
	}
	findings := engine.CheckDomains(records, policies)
	if len(findings) != 1 {
		t.Fatalf("expected 1 domain finding, got %d: %+v", len(findings), findings)
	}
	f := findings[0]
	if f.IssueType != domain.IssueDomain || f.ObjectID != 5 || f.FieldName != "Status" {
		t.Fatalf("unexpected domain finding %+v", f)
	}
	if f.Notes != "Not in valid domain list: ['A', 'B']" {
		t.Fatalf("unexpected notes %q", f.Notes)
	}
	if f.InvalidValue.String() != "Z" {
		t.Fatalf("invalid value %q", f.InvalidValue.String())
	}
}

func TestGeometryCheck(t *testing.T) {
	records := []domain.Record{
		{ObjectID: 1, HasGeometry: true},
		{ObjectID: 2, HasGeometry: false},
	}
	findings := engine.CheckGeometry(records)
	if len(findings) != 1 {
		t.Fatalf("expected 1 geometry finding, got %d", len(findings))
	}
	f := findings[0]
	if f.ObjectID != 2 || f.FieldName != "" || f.Notes != "Null geometry" {
		t.Fatalf("unexpected geometry finding %+v", f)
	}
}

func TestAggregateOrdersAndDropsUnknownObjects(t *testing.T) {
	records := []domain.Record{
		{ObjectID: 1, HasGeometry: true},
		{ObjectID: 2, HasGeometry: true},
	}
	nulls := []domain.Finding{{IssueType: domain.IssueNull, FieldName: "a", ObjectID: 2}}
	dups := []domain.Finding{
		{IssueType: domain.IssueDup, FieldName: "b", ObjectID: 1},
		{IssueType: domain.IssueDup, FieldName: "b", ObjectID: 999},
	}
	geoms := []domain.Finding{{IssueType: domain.IssueGeometry, ObjectID: 1}}

	var logBuf strings.Builder
	logger := log.New(&logBuf, "", 0)
	merged := engine.Aggregate(records, logger, nulls, dups, nil, geoms)

	wantTypes := []domain.IssueType{domain.IssueNull, domain.IssueDup, domain.IssueGeometry}
	if len(merged) != len(wantTypes) {
		t.Fatalf("merged %d findings, want %d: %+v", len(merged), len(wantTypes), merged)
	}
	for i, want := range wantTypes {
		if merged[i].IssueType != want {
			t.Fatalf("position %d has %q, want %q", i, merged[i].IssueType, want)
		}
	}
	if !strings.Contains(logBuf.String(), "unknown object id 999") {
		t.Fatalf("dropped finding not logged: %q", logBuf.String())
	}
}
