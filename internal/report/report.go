package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"layerqa/internal/domain"
)

// Header is the fixed report row shape.
var Header = []string{"IssueType", "FieldName", "ObjectID", "InvalidValue", "Notes"}

// Write emits findings as CSV. A null InvalidValue becomes an empty cell;
// FieldName is empty for geometry findings.
func Write(w io.Writer, findings []domain.Finding) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	for _, f := range findings {
		row := []string{
			string(f.IssueType),
			f.FieldName,
			strconv.FormatInt(f.ObjectID, 10),
			f.InvalidValue.String(),
			f.Notes,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// FileName builds the report file name for a layer and generation date:
// {layer}_QA_{YYYY-MM-DD}.csv.
func FileName(layerName string, generatedAt time.Time) string {
	name := sanitize(layerName)
	if name == "" {
		name = "layer"
	}
	return fmt.Sprintf("%s_QA_%s.csv", name, generatedAt.UTC().Format("2006-01-02"))
}

// WriteFile writes the CSV report into dir and returns its path.
func WriteFile(dir, layerName string, generatedAt time.Time, findings []domain.Finding) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	path := filepath.Join(dir, FileName(layerName, generatedAt))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	defer f.Close()
	if err := Write(f, findings); err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// RenderTable prints findings as a table for terminal output.
func RenderTable(w io.Writer, findings []domain.Finding) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Issue", "Field", "ObjectID", "Value", "Notes"})
	for _, f := range findings {
		tw.AppendRow(table.Row{string(f.IssueType), f.FieldName, f.ObjectID, f.InvalidValue.String(), f.Notes})
	}
	tw.Render()
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return b.String()
}
