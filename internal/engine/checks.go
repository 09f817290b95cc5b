package engine

import (
	"fmt"
	"log"
	"strings"

	"layerqa/internal/domain"
)

// CheckNulls flags required fields whose value is null, absent, or an
// empty/whitespace-only string. Zero numbers and false booleans are values.
func CheckNulls(records []domain.Record, policies domain.PolicySet) []domain.Finding {
	var findings []domain.Finding
	for _, rec := range records {
		for _, p := range policies.Fields() {
			if !p.Required {
				continue
			}
			if rec.Attrs[p.Name].IsNullish() {
				findings = append(findings, domain.Finding{
					IssueType: domain.IssueNull,
					FieldName: p.Name,
					ObjectID:  rec.ObjectID,
				})
			}
		}
	}
	return findings
}

// CheckDuplicates flags every record that shares a non-null value with
// another record in the same field. A value held by N records yields N
// findings. Fields excluded by policy are skipped; nullish values never
// group.
func CheckDuplicates(records []domain.Record, policies domain.PolicySet) []domain.Finding {
	var findings []domain.Finding
	for _, p := range policies.Fields() {
		if p.DupExcluded {
			continue
		}
		groups := make(map[string][]int, len(records))
		var order []string
		for i, rec := range records {
			v := rec.Attrs[p.Name]
			if v.IsNullish() {
				continue
			}
			key := v.Key()
			if _, seen := groups[key]; !seen {
				order = append(order, key)
			}
			groups[key] = append(groups[key], i)
		}
		for _, key := range order {
			members := groups[key]
			if len(members) < 2 {
				continue
			}
			for _, i := range members {
				v := records[i].Attrs[p.Name]
				findings = append(findings, domain.Finding{
					IssueType:    domain.IssueDup,
					FieldName:    p.Name,
					ObjectID:     records[i].ObjectID,
					InvalidValue: v,
					Notes:        fmt.Sprintf("Duplicate of value '%s'", v.String()),
				})
			}
		}
	}
	return findings
}

// CheckDomains flags non-null values outside a field's coded-value domain.
// Null values are the null check's business, never flagged here. A value of
// the wrong type simply fails the membership test.
func CheckDomains(records []domain.Record, policies domain.PolicySet) []domain.Finding {
	var findings []domain.Finding
	for _, p := range policies.Fields() {
		if !p.HasDomain() {
			continue
		}
		notes := fmt.Sprintf("Not in valid domain list: %s", domainList(p.DomainCodes))
		for _, rec := range records {
			v := rec.Attrs[p.Name]
			if v.IsNull() || p.InDomain(v) {
				continue
			}
			findings = append(findings, domain.Finding{
				IssueType:    domain.IssueDomain,
				FieldName:    p.Name,
				ObjectID:     rec.ObjectID,
				InvalidValue: v,
				Notes:        notes,
			})
		}
	}
	return findings
}

// CheckGeometry flags records with no geometry attached.
func CheckGeometry(records []domain.Record) []domain.Finding {
	var findings []domain.Finding
	for _, rec := range records {
		if rec.HasGeometry {
			continue
		}
		findings = append(findings, domain.Finding{
			IssueType: domain.IssueGeometry,
			ObjectID:  rec.ObjectID,
			Notes:     "Null geometry",
		})
	}
	return findings
}

// Aggregate merges per-check findings into the final report order: null,
// duplicate, domain, geometry, each check's internal order preserved. A
// finding pointing at an object id absent from the record set is logged and
// dropped; one corrupt cross-reference must not sink the rest of the report.
func Aggregate(records []domain.Record, logger *log.Logger, checkFindings ...[]domain.Finding) []domain.Finding {
	known := make(map[int64]struct{}, len(records))
	for _, rec := range records {
		known[rec.ObjectID] = struct{}{}
	}
	if logger == nil {
		logger = log.Default()
	}
	var merged []domain.Finding
	for _, findings := range checkFindings {
		for _, f := range findings {
			if _, ok := known[f.ObjectID]; !ok {
				logger.Printf("dropping finding with unknown object id %d (%s, field %q)", f.ObjectID, f.IssueType, f.FieldName)
				continue
			}
			merged = append(merged, f)
		}
	}
	return merged
}

func domainList(codes []domain.Value) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = fmt.Sprintf("'%s'", c.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
