package repo

import (
	"os"
	"strings"
	"testing"
)

// The repositories store empty strings as NULL (NULLIF on insert, COALESCE
// on read). Any column written that way must be declared nullable, or every
// insert of a fresh row dies on a not-null violation at runtime.
var nullWrittenColumns = map[string][]string{
	"jobs":       {"provider_job_id", "error_message"},
	"artifacts":  {"prompt"},
	"workspaces": {"model_ref"},
}

func loadSchema(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("../../../cmd/migrate/schema.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	return string(data)
}

func columnLine(t *testing.T, schema, table, column string) string {
	t.Helper()
	marker := "CREATE TABLE IF NOT EXISTS " + table
	start := strings.Index(schema, marker)
	if start < 0 {
		t.Fatalf("table %s not found in schema", table)
	}
	body := schema[start:]
	if end := strings.Index(body, ");"); end >= 0 {
		body = body[:end]
	}
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), column+" ") {
			return line
		}
	}
	t.Fatalf("column %s.%s not found in schema", table, column)
	return ""
}

func TestNullWrittenColumnsAreNullable(t *testing.T) {
	schema := loadSchema(t)
	for table, columns := range nullWrittenColumns {
		for _, column := range columns {
			line := columnLine(t, schema, table, column)
			if strings.Contains(line, "NOT NULL") {
				t.Errorf("%s.%s is written as NULL by the repository but declared NOT NULL: %s",
					table, column, strings.TrimSpace(line))
			}
		}
	}
}

func TestProviderJobIndexMatchesNullSemantics(t *testing.T) {
	schema := loadSchema(t)
	start := strings.Index(schema, "idx_jobs_provider_job_id")
	if start < 0 {
		t.Fatal("idx_jobs_provider_job_id not found in schema")
	}
	stmt := schema[start:]
	if end := strings.Index(stmt, ";"); end >= 0 {
		stmt = stmt[:end]
	}
	// GetByProviderJobID and SetProviderJobID treat an unsubmitted job as
	// NULL, so the partial index predicate must too.
	if !strings.Contains(stmt, "provider_job_id IS NOT NULL") {
		t.Fatalf("provider-id unique index must exclude NULL rows, got: %s", stmt)
	}
}

func TestUnfinishedIndexMatchesListOrder(t *testing.T) {
	schema := loadSchema(t)
	start := strings.Index(schema, "idx_jobs_unfinished")
	if start < 0 {
		t.Fatal("idx_jobs_unfinished not found in schema")
	}
	stmt := schema[start:]
	if end := strings.Index(stmt, ";"); end >= 0 {
		stmt = stmt[:end]
	}
	// ListUnfinished orders by updated_at; the partial index serves that
	// scan only if it is keyed the same way.
	if !strings.Contains(stmt, "(updated_at)") {
		t.Fatalf("unfinished-jobs index must be keyed on updated_at, got: %s", stmt)
	}
}
