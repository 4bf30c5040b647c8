package merge

import (
	"path/filepath"
	"testing"

	"difftest/internal/fingerprint"
	"difftest/internal/store"
)

func newStore(t *testing.T, name string) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	s, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func fp(filename, fsha string, checksums ...int32) *fingerprint.Fingerprint {
	return &fingerprint.Fingerprint{
		Filename:    filename,
		ContentHash: fsha,
		MTime:       1.0,
		Checksums:   checksums,
	}
}

func save(t *testing.T, s *store.Store, env, test string, f *fingerprint.Fingerprint) {
	t.Helper()
	envID, err := s.GetOrCreateEnvironment(env, "", "3.12")
	if err != nil {
		t.Fatal(err)
	}
	err = s.SaveExecutions(envID, []store.Execution{
		{TestName: test, Fingerprints: []*fingerprint.Fingerprint{f}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDatabases_DisjointShards(t *testing.T) {
	a, aPath := newStore(t, "a.db")
	save(t, a, "E", "t1", fp("x.py", "hx", 1))
	a.Close()

	b, bPath := newStore(t, "b.db")
	save(t, b, "E", "t2", fp("y.py", "hy", 2))
	b.Close()

	outPath := filepath.Join(t.TempDir(), "out.db")
	result, err := Databases(outPath, []string{aPath, bPath})
	if err != nil {
		t.Fatal(err)
	}

	if result.Environments != 1 {
		t.Errorf("expected 1 merged environment, got %d", result.Environments)
	}
	if result.Executions != 2 {
		t.Errorf("expected 2 executions, got %d", result.Executions)
	}

	out, err := store.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	envID, err := out.FindEnvironment("E", "", "3.12")
	if err != nil {
		t.Fatal(err)
	}
	names, err := out.TestNames(envID)
	if err != nil {
		t.Fatal(err)
	}
	if !names["t1"] || !names["t2"] {
		t.Errorf("expected t1 and t2 in merged store, got %v", names)
	}
}

func TestDatabases_LastWriteWins(t *testing.T) {
	// Both shards record (E, t1): A against fingerprint X, B against Y.
	a, aPath := newStore(t, "a.db")
	save(t, a, "E", "t1", fp("x.py", "hx", 1))
	a.Close()

	b, bPath := newStore(t, "b.db")
	save(t, b, "E", "t1", fp("y.py", "hy", 2))
	b.Close()

	outPath := filepath.Join(t.TempDir(), "out.db")
	if _, err := Databases(outPath, []string{aPath, bPath}); err != nil {
		t.Fatal(err)
	}

	out, err := store.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	envID, err := out.FindEnvironment("E", "", "3.12")
	if err != nil {
		t.Fatal(err)
	}

	// One surviving row for (E, t1): the later input's.
	n, err := out.TestCount(envID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected one surviving execution, got %d", n)
	}

	// Both fingerprints are retained in file_fp.
	st, err := out.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.FingerprintCount != 2 {
		t.Errorf("expected both fingerprints retained, got %d", st.FingerprintCount)
	}

	// The junction points only at the survivor: t1 is affected via y.py,
	// not via x.py.
	affected, err := out.AffectedTests(envID, map[string][]int32{"y.py": {2}})
	if err != nil {
		t.Fatal(err)
	}
	if len(affected) != 1 || affected[0] != "t1" {
		t.Errorf("expected t1 affected via y.py, got %v", affected)
	}
	affected, err = out.AffectedTests(envID, map[string][]int32{"x.py": {1}})
	if err != nil {
		t.Fatal(err)
	}
	if len(affected) != 0 {
		t.Errorf("stale junction survived the merge: %v", affected)
	}
}

func TestDatabases_DeduplicatesFingerprints(t *testing.T) {
	a, aPath := newStore(t, "a.db")
	save(t, a, "E", "t1", fp("shared.py", "h", 7))
	a.Close()

	b, bPath := newStore(t, "b.db")
	save(t, b, "E", "t2", fp("shared.py", "h", 7))
	b.Close()

	outPath := filepath.Join(t.TempDir(), "out.db")
	result, err := Databases(outPath, []string{aPath, bPath})
	if err != nil {
		t.Fatal(err)
	}
	if result.Fingerprints != 1 {
		t.Errorf("identical fingerprints must collapse, got %d", result.Fingerprints)
	}

	out, err := store.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	st, err := out.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.FingerprintCount != 1 {
		t.Errorf("expected 1 fingerprint row, got %d", st.FingerprintCount)
	}
}

func TestDatabases_AssociativeContent(t *testing.T) {
	mk := func(test string, f *fingerprint.Fingerprint) string {
		s, path := newStore(t, test+".db")
		save(t, s, "E", test, f)
		s.Close()
		return path
	}
	aPath := mk("t1", fp("a.py", "ha", 1))
	bPath := mk("t2", fp("b.py", "hb", 2))
	cPath := mk("t3", fp("c.py", "hc", 3))

	// merge(merge(A,B),C)
	ab := filepath.Join(t.TempDir(), "ab.db")
	if _, err := Databases(ab, []string{aPath, bPath}); err != nil {
		t.Fatal(err)
	}
	left := filepath.Join(t.TempDir(), "left.db")
	if _, err := Databases(left, []string{ab, cPath}); err != nil {
		t.Fatal(err)
	}

	// merge(A,merge(B,C))
	bc := filepath.Join(t.TempDir(), "bc.db")
	if _, err := Databases(bc, []string{bPath, cPath}); err != nil {
		t.Fatal(err)
	}
	right := filepath.Join(t.TempDir(), "right.db")
	if _, err := Databases(right, []string{aPath, bc}); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{left, right} {
		s, err := store.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		envID, err := s.FindEnvironment("E", "", "3.12")
		if err != nil {
			t.Fatal(err)
		}
		names, err := s.TestNames(envID)
		if err != nil {
			t.Fatal(err)
		}
		if len(names) != 3 || !names["t1"] || !names["t2"] || !names["t3"] {
			t.Errorf("%s: expected t1,t2,t3, got %v", path, names)
		}
		st, err := s.Stats()
		if err != nil {
			t.Fatal(err)
		}
		if st.FingerprintCount != 3 {
			t.Errorf("%s: expected 3 fingerprints, got %d", path, st.FingerprintCount)
		}
		s.Close()
	}
}

func TestDatabases_CommitMismatchWarns(t *testing.T) {
	a, aPath := newStore(t, "a.db")
	save(t, a, "E", "t1", fp("a.py", "ha", 1))
	if err := a.SetMetadata("baseline_commit", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); err != nil {
		t.Fatal(err)
	}
	a.Close()

	b, bPath := newStore(t, "b.db")
	save(t, b, "E", "t2", fp("b.py", "hb", 2))
	if err := b.SetMetadata("baseline_commit", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"); err != nil {
		t.Fatal(err)
	}
	b.Close()

	result, err := Databases(filepath.Join(t.TempDir(), "out.db"), []string{aPath, bPath})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a warning for mismatched baseline commits")
	}
}

func TestDatabases_NoInputs(t *testing.T) {
	if _, err := Databases(filepath.Join(t.TempDir(), "out.db"), nil); err == nil {
		t.Error("expected an error for zero inputs")
	}
}
