package fileutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	if err := WriteAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := WriteAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "second" {
		t.Fatalf("content mismatch: got %q", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.json")
	if err := WriteJSONAtomic(path, map[string][]string{"keys": {"id:1"}}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(got), `"id:1"`) || !strings.HasSuffix(string(got), "\n") {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestAppendJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rows.jsonl")
	for _, id := range []string{"a", "b"} {
		if err := AppendJSONLine(path, map[string]string{"id": id}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "{\"id\":\"a\"}\n{\"id\":\"b\"}\n" {
		t.Fatalf("content mismatch: %q", got)
	}
}

func TestAppendJSONLineRejectsUnencodable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rows.jsonl")
	if err := AppendJSONLine(path, make(chan int)); err == nil {
		t.Fatal("expected encode error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should not be created, stat err = %v", err)
	}
}
