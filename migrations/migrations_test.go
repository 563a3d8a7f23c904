package migrations

import (
	"strings"
	"testing"
)

func TestAllReturnsOrderedMigrations(t *testing.T) {
	all, err := All()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(all) == 0 {
		t.Fatalf("expected at least one migration")
	}
	if all[0].Name != "0001_init.sql" {
		t.Fatalf("expected 0001_init.sql first, got %s", all[0].Name)
	}
	for _, table := range []string{"users", "tasks", "locations", "notifications"} {
		if !strings.Contains(all[0].SQL, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("expected %s table in initial migration", table)
		}
	}
}
