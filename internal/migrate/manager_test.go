package migrate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	script := `create table a(id text);
insert into a values (';');
create index idx on a(id)`

	stmts := splitStatements(script)
	if len(stmts) != 3 {
		t.Fatalf("statements = %d, want 3: %q", len(stmts), stmts)
	}
	if stmts[1] != "\ninsert into a values (';')" {
		t.Errorf("semicolon inside string was split: %q", stmts[1])
	}
}

func TestCollectSQLOrdersByName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	files, err := collectSQL(dir, ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2", len(files))
	}
	if files[0].Base != "0001_a.up.sql" || files[1].Base != "0002_b.up.sql" {
		t.Errorf("order = %s, %s", files[0].Base, files[1].Base)
	}
}

func TestCollectSQLMissingDir(t *testing.T) {
	files, err := collectSQL(filepath.Join(t.TempDir(), "missing"), ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("files = %d, want 0", len(files))
	}
}
