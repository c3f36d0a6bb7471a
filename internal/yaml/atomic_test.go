package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestAtomicWrite_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.yaml")

	if err := AtomicWrite(path, map[string]any{"key": "value", "count": 42}); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	var result map[string]any
	if err := Read(path, &result); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestAtomicWrite_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.yaml")

	if err := AtomicWrite(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var bak map[string]string
	if err := Read(path+".bak", &bak); err != nil {
		t.Fatalf("Read .bak failed: %v", err)
	}
	if bak["version"] != "1" {
		t.Errorf(".bak version: got %q, want %q", bak["version"], "1")
	}
}

func TestAtomicWrite_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.yaml")
	for i := 0; i < 3; i++ {
		if err := AtomicWrite(path, map[string]int{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "queue.yaml" && e.Name() != "queue.yaml.bak" {
			t.Errorf("unexpected file left behind: %s", e.Name())
		}
	}
}

func TestAtomicWrite_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "queue.yaml")
	if err := AtomicWrite(path, map[string]int{"n": 1}); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestWriteOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.yaml")

	if err := WriteOnce(path, map[string]string{"outcome": "succeeded"}); err != nil {
		t.Fatalf("first WriteOnce: %v", err)
	}
	err := WriteOnce(path, map[string]string{"outcome": "failed"})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("second WriteOnce: got %v, want ErrExists", err)
	}

	content, _ := os.ReadFile(path)
	var got map[string]string
	if err := yamlv3.Unmarshal(content, &got); err != nil {
		t.Fatal(err)
	}
	if got["outcome"] != "succeeded" {
		t.Errorf("record overwritten: %v", got)
	}
}

func TestWriteOnce_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.yaml")

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := WriteOnce(path, map[string]int{"writer": i})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			} else if !errors.Is(err, ErrExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if created != 1 {
		t.Errorf("expected exactly one writer to win, got %d", created)
	}
}

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dashboard.md")

	if err := AtomicWriteFile(path, []byte("| a | b |\n")); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("# v2\n")); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "# v2\n" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("derived files keep no backup")
	}
}

func TestAtomicWriteRaw_RejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	if err := AtomicWriteRaw(path, []byte("ok: 1\n")); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWriteRaw(path, []byte("ok: [unclosed\n")); err == nil {
		t.Fatal("expected validation error")
	}
	got, _ := os.ReadFile(path)
	if string(got) != "ok: 1\n" {
		t.Errorf("previous content replaced: %q", got)
	}
	if _, err := os.Stat(path + ".bak"); !os.IsNotExist(err) {
		t.Error("rejected write must not touch the backup")
	}
}
