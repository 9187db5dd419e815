package store

import (
	"io/fs"
	"regexp"
	"testing"

	"dissden/api/db"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := fs.Sub(db.Migrations, db.MigrationsDir)
	if err != nil {
		t.Fatalf("sub migrations: %v", err)
	}
	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file in migrations dir: %s", entry.Name())
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestMigrationFilesSortAndFilter(t *testing.T) {
	migrations, err := fs.Sub(db.Migrations, db.MigrationsDir)
	if err != nil {
		t.Fatalf("sub migrations: %v", err)
	}
	ups, err := migrationFiles(migrations, ".up.sql")
	if err != nil {
		t.Fatalf("migrationFiles() error = %v", err)
	}
	if len(ups) == 0 || ups[0] != "0001_init.up.sql" {
		t.Fatalf("expected 0001_init.up.sql first, got %v", ups)
	}
	for i := 1; i < len(ups); i++ {
		if ups[i-1] >= ups[i] {
			t.Fatalf("migrations not sorted: %v", ups)
		}
	}
}
