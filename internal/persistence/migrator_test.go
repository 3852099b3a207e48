package persistence

import (
	"reflect"
	"testing"
	"testing/fstest"

	"PerpVAMM/migrations"

	"github.com/rs/zerolog"
)

func TestListMigrationFiles_SortedBySuffix(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT 0")},
		"README.md":         {Data: []byte("x")},
	}
	m := NewMigrator(nil, files, zerolog.Nop())

	up, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want := []string{"000001_a.up.sql", "000002_b.up.sql"}; !reflect.DeepEqual(up, want) {
		t.Errorf("up files = %v, want %v", up, want)
	}

	down, err := m.listMigrationFiles(".down.sql")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(down) != 1 || down[0] != "000001_a.down.sql" {
		t.Errorf("down files = %v", down)
	}
}

func TestExtractVersion(t *testing.T) {
	cases := map[string]string{
		"000001_event_log.up.sql":   "000001",
		"000002_projections.up.sql": "000002",
		"noversion":                 "noversion",
	}
	for in, want := range cases {
		if got := extractVersion(in); got != want {
			t.Errorf("extractVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddedMigrations_Paired(t *testing.T) {
	m := NewMigrator(nil, migrations.FS, zerolog.Nop())
	up, err := m.listMigrationFiles(".up.sql")
	if err != nil {
		t.Fatalf("list up: %v", err)
	}
	down, err := m.listMigrationFiles(".down.sql")
	if err != nil {
		t.Fatalf("list down: %v", err)
	}
	if len(up) == 0 || len(up) != len(down) {
		t.Fatalf("up=%v down=%v", up, down)
	}
	for i := range up {
		if extractVersion(up[i]) != extractVersion(down[i]) {
			t.Errorf("migration %d: %s has no matching down file (%s)", i, up[i], down[i])
		}
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3, 2); got != "($4, $5)" {
		t.Errorf("placeholders(3,2) = %s", got)
	}
}
