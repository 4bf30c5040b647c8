package fingerprint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"difftest/internal/parse"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "m.py", "def f():\n    return 1\n")

	fp, err := File(parse.NewExtractor(), dir, path)
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}

	if fp.Filename != "m.py" {
		t.Errorf("filename = %q, expected %q", fp.Filename, "m.py")
	}
	if len(fp.Checksums) != 2 {
		t.Errorf("expected 2 checksums (f + <module>), got %d", len(fp.Checksums))
	}
	if len(fp.ContentHash) != 64 {
		t.Errorf("content hash %q is not SHA-256 hex", fp.ContentHash)
	}
	if fp.MTime <= 0 {
		t.Errorf("mtime = %f, expected > 0", fp.MTime)
	}
}

func TestFile_Stability(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "m.py", "def add(a, b):\n    return a + b\n")

	e := parse.NewExtractor()
	fp1, err := File(e, dir, path)
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := File(e, dir, path)
	if err != nil {
		t.Fatal(err)
	}

	if fp1.ContentHash != fp2.ContentHash {
		t.Error("content hash must be stable")
	}
	for i := range fp1.Checksums {
		if fp1.Checksums[i] != fp2.Checksums[i] {
			t.Errorf("checksum %d differs between runs", i)
		}
	}
}

func TestFile_SubdirectoryPath(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, filepath.Join("pkg", "mod.py"), "x = 1\n")

	fp, err := File(parse.NewExtractor(), dir, path)
	if err != nil {
		t.Fatal(err)
	}
	if fp.Filename != "pkg/mod.py" {
		t.Errorf("filename = %q, expected forward-slash relative path", fp.Filename)
	}
}

func TestBatch_PreservesOrder(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeFile(t, dir, "a.py", "a = 1\n"),
		writeFile(t, dir, "b.py", "b = 2\n"),
		writeFile(t, dir, "c.py", "c = 3\n"),
	}

	fps, err := Batch(context.Background(), dir, paths)
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}

	expected := []string{"a.py", "b.py", "c.py"}
	for i, fp := range fps {
		if fp == nil {
			t.Fatalf("fingerprint %d is nil", i)
		}
		if fp.Filename != expected[i] {
			t.Errorf("position %d = %q, expected %q", i, fp.Filename, expected[i])
		}
	}
}

func TestBatch_MissingFile(t *testing.T) {
	dir := t.TempDir()
	paths := []string{filepath.Join(dir, "gone.py")}

	_, err := Batch(context.Background(), dir, paths)
	if err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestExecutedSubset(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "m.py", `def f():
    return 1

def g():
    return 2
`)

	fp, err := File(parse.NewExtractor(), dir, path)
	if err != nil {
		t.Fatal(err)
	}

	// Only f's body (line 2) executed.
	sub := fp.ExecutedSubset([]int{2})
	if sub == nil {
		t.Fatal("expected a non-nil subset")
	}

	names := make(map[string]bool)
	for _, b := range sub.Blocks {
		names[b.Name] = true
	}
	if !names["f"] {
		t.Error("expected executed subset to include f")
	}
	if names["g"] {
		t.Error("executed subset must not include g")
	}
}

func TestExecutedSubset_NoHits(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "m.py", "def f():\n    return 1\n")

	fp, err := File(parse.NewExtractor(), dir, path)
	if err != nil {
		t.Fatal(err)
	}

	if sub := fp.ExecutedSubset([]int{99}); sub != nil {
		t.Errorf("expected nil subset for out-of-range lines, got %+v", sub)
	}
	if sub := fp.ExecutedSubset(nil); sub != nil {
		t.Errorf("expected nil subset for empty line set, got %+v", sub)
	}
}

func TestChecksumSet(t *testing.T) {
	fp := &Fingerprint{Checksums: []int32{1, -2, 1}}
	set := fp.ChecksumSet()
	if len(set) != 2 {
		t.Errorf("expected multiset collapse to 2 entries, got %d", len(set))
	}
	if !set[1] || !set[-2] {
		t.Error("expected 1 and -2 in the set")
	}
}
