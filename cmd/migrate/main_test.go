package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"002_indexes.up.sql",
		"001_audit_ledger.up.sql",
		"001_audit_ledger.down.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := loadMigrations(dir)
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	want := []migration{
		{version: 1, up: "001_audit_ledger.up.sql", down: "001_audit_ledger.down.sql"},
		{version: 2, up: "002_indexes.up.sql"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d migrations, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("migration %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLoadMigrations_repoDir(t *testing.T) {
	got, err := loadMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(got) == 0 || got[0].version != 1 || got[0].down == "" {
		t.Errorf("unexpected migrations %+v", got)
	}
}

func TestLoadMigrations_errors(t *testing.T) {
	tests := map[string][]string{
		"down without up": {"001_x.down.sql"},
		"no direction":    {"001_x.sql"},
		"bad version":     {"abc_x.up.sql"},
	}
	for name, files := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range files {
				os.WriteFile(filepath.Join(dir, f), nil, 0o644)
			}
			if _, err := loadMigrations(dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestVersionFromFile(t *testing.T) {
	if v, err := versionFromFile("007_add_index.up.sql"); err != nil || v != 7 {
		t.Errorf("got %d, %v", v, err)
	}
	if _, err := versionFromFile("noversion.sql"); err == nil {
		t.Error("expected error")
	}
}
