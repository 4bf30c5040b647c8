// Package plan decides which tests run and which skip, and records the
// executions the runner reports back.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"difftest/internal/cache"
	"difftest/internal/detect"
	"difftest/internal/fingerprint"
	"difftest/internal/gitio"
	"difftest/internal/parse"
	"difftest/internal/scan"
	"difftest/internal/store"
)

// Mode selects the orchestration behavior.
type Mode int

const (
	// ModeIncremental selects from the current store without recording
	// executions; the only store write is change detection's mtime refresh.
	ModeIncremental Mode = iota
	// ModeBaseline populates or updates the store with fresh edges.
	ModeBaseline
)

// DefaultBatchSize is how many recorded executions are buffered before a
// store write.
const DefaultBatchSize = 20

// Metadata keys maintained by the planner.
const (
	metaScope          = "scope"
	metaBaselineCommit = "baseline_commit"
)

// Options configures a session.
type Options struct {
	Root           string
	Store          *store.Store
	Cache          *cache.Cache
	EnvName        string
	SystemPackages string
	PythonVersion  string
	BatchSize      int
	Include        []string
	Exclude        []string
	Verbose        bool
}

// Session is the orchestrator handle the host runner drives: Plan before
// collection, RecordResult per test, Finalize at the end.
type Session struct {
	root    string
	st      *store.Store
	fc      *cache.Cache
	sc      *scan.Scanner
	envID   int64
	record  bool
	batch   []store.Execution
	batchN  int
	deleted []string
	verbose bool

	// pendingScope survives between Plan and Finalize so a baseline run
	// records the scope it was built with.
	pendingScope []string
}

// Result is the planning outcome.
type Result struct {
	Run      []string
	Skip     []string
	Warnings []string
}

// NewSession opens a session against the store for one environment.
func NewSession(opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("plan: store is required")
	}
	envID, err := opts.Store.GetOrCreateEnvironment(opts.EnvName, opts.SystemPackages, opts.PythonVersion)
	if err != nil {
		return nil, err
	}

	batchN := opts.BatchSize
	if batchN <= 0 {
		batchN = DefaultBatchSize
	}
	fc := opts.Cache
	if fc == nil {
		fc = cache.New(0)
	}

	return &Session{
		root:    opts.Root,
		st:      opts.Store,
		fc:      fc,
		sc:      scan.New(opts.Root, opts.Include, opts.Exclude),
		envID:   envID,
		batchN:  batchN,
		verbose: opts.Verbose,
	}, nil
}

// Plan applies the orchestration matrix:
//
//	baseline  + empty store          -> run all, record
//	baseline  + populated + force    -> run all, record, ignore prior data
//	baseline  + populated            -> run affected subset, record
//	incremental + empty store        -> warn, run all, no writes
//	incremental + populated          -> run exactly the affected set, no
//	                                    executions recorded (touched files
//	                                    get their stored mtime refreshed)
//
// collected is the runner's collected test id list; scope the path prefixes
// of the current invocation.
func (s *Session) Plan(ctx context.Context, mode Mode, force bool, collected []string, scope []string) (*Result, error) {
	s.record = mode == ModeBaseline

	result := &Result{}

	populated, err := s.st.TestCount(s.envID)
	if err != nil {
		return nil, err
	}

	s.compareScope(scope, result)
	if mode == ModeIncremental || (mode == ModeBaseline && populated > 0 && !force) {
		s.checkStaleness(result)
	}

	switch {
	case mode == ModeBaseline && (populated == 0 || force):
		result.Run = append(result.Run, collected...)

	case mode == ModeBaseline:
		if err := s.selectAffected(ctx, collected, scope, result); err != nil {
			return nil, err
		}

	case populated == 0: // incremental, nothing recorded
		result.Warnings = append(result.Warnings,
			"no recorded executions for this environment; running all tests")
		result.Run = append(result.Run, collected...)
		s.record = false

	default: // incremental, populated
		if err := s.selectAffected(ctx, collected, scope, result); err != nil {
			return nil, err
		}
	}

	if s.record {
		// Remember the scope so Finalize can persist it with the new edges.
		s.pendingScope = scope
	}

	s.logf("plan: %d to run, %d to skip", len(result.Run), len(result.Skip))
	return result, nil
}

// selectAffected computes the affected subset: tests touching a changed
// block, tests whose latest execution failed, and tests with no prior row.
func (s *Session) selectAffected(ctx context.Context, collected []string, scope []string, result *Result) error {
	changes, err := detect.Changes(ctx, s.st, s.sc, s.fc, scope)
	if err != nil {
		return err
	}
	s.deleted = changes.Deleted

	affected, err := s.st.AffectedTests(s.envID, changes.Changed)
	if err != nil {
		return err
	}
	failed, err := s.st.FailedTests(s.envID)
	if err != nil {
		return err
	}
	known, err := s.st.TestNames(s.envID)
	if err != nil {
		return err
	}

	selected := make(map[string]bool, len(affected)+len(failed))
	for _, name := range affected {
		selected[name] = true
	}
	for _, name := range failed {
		selected[name] = true
	}

	for _, name := range collected {
		if selected[name] || !known[name] {
			result.Run = append(result.Run, name)
		} else {
			result.Skip = append(result.Skip, name)
		}
	}
	sort.Strings(result.Run)
	sort.Strings(result.Skip)

	if changes.HasChanges() {
		s.logf("detected %d modified, %d new, %d deleted files",
			len(changes.Modified), len(changes.New), len(changes.Deleted))
	}
	return nil
}

// compareScope warns when the current collection scope exceeds the scope
// the store was built with; a strict subset proceeds silently.
func (s *Session) compareScope(scope []string, result *Result) {
	raw, err := s.st.GetMetadata(metaScope)
	if err != nil || raw == "" {
		return
	}
	var stored []string
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return
	}
	// An empty scope means the whole project root on either side.
	current := scope
	if len(current) == 0 {
		current = []string{"."}
	}
	if len(stored) == 0 {
		stored = []string{"."}
	}
	if !scan.ScopeSubset(current, stored) {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"collection scope %v exceeds the stored scope %v; tests outside the stored scope may be skipped",
			current, stored))
	}
}

// checkStaleness warns when the store's baseline commit is not the current
// HEAD. Non-fatal; selection proceeds either way.
func (s *Session) checkStaleness(result *Result) {
	baseline, err := s.st.GetMetadata(metaBaselineCommit)
	if err != nil || baseline == "" {
		return
	}
	head, err := gitio.HeadCommit(s.root)
	if err != nil {
		return
	}
	if w := gitio.StalenessWarning(baseline, head); w != "" {
		result.Warnings = append(result.Warnings, w)
	}
}

// RecordResult buffers one test outcome with the files its execution
// touched. touched maps root-relative filenames to 1-based executed line
// numbers, as delivered by the host's coverage mechanism. Writes are
// batched; Flush commits the remainder.
func (s *Session) RecordResult(testName string, duration float64, failed, forced bool, touched map[string][]int) error {
	if !s.record {
		return nil
	}

	testFile := TestFileOf(testName)

	var fps []*fingerprint.Fingerprint
	for rel, lines := range touched {
		rel = filepath.ToSlash(rel)
		if !strings.HasSuffix(rel, ".py") {
			continue
		}
		// Collection imports every test module; without this guard each
		// test would depend on every other test file.
		if scan.IsTestFile(rel) && rel != testFile {
			continue
		}

		fp, err := s.fingerprintFile(rel)
		if err != nil {
			s.logf("skipping %s: %v", rel, err)
			continue
		}

		sub := fp.ExecutedSubset(lines)
		if sub == nil {
			continue
		}
		fps = append(fps, sub)
	}

	// Without coverage data the test still depends on its own file.
	if len(fps) == 0 && testFile != "" {
		if fp, err := s.fingerprintFile(testFile); err == nil {
			fps = append(fps, fp)
		}
	}

	s.batch = append(s.batch, store.Execution{
		TestName:     testName,
		Duration:     duration,
		Failed:       failed,
		Forced:       forced,
		Fingerprints: fps,
	})

	if len(s.batch) >= s.batchN {
		return s.Flush()
	}
	return nil
}

// fingerprintFile computes (or fetches from cache) the full fingerprint of
// a root-relative file.
func (s *Session) fingerprintFile(rel string) (*fingerprint.Fingerprint, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}

	hash := fingerprint.HashBytes(content)
	if fp := s.fc.Get(abs, hash); fp != nil {
		return fp, nil
	}
	fp := fingerprint.FromContent(parse.NewExtractor(), s.root, abs, content, fingerprint.MTimeOf(info))
	s.fc.Put(abs, hash, fp)
	return fp, nil
}

// Flush commits the pending batch to the store.
func (s *Session) Flush() error {
	if len(s.batch) == 0 {
		return nil
	}
	if err := s.st.SaveExecutions(s.envID, s.batch); err != nil {
		return err
	}
	s.logf("flushed %d executions", len(s.batch))
	s.batch = s.batch[:0]
	return nil
}

// Finalize flushes pending executions and, after a baseline run, persists
// the run scope and the current HEAD commit, and prunes fingerprint rows no
// execution references (files that disappeared).
func (s *Session) Finalize() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if !s.record {
		return nil
	}

	if raw, err := json.Marshal(s.pendingScope); err == nil {
		if err := s.st.SetMetadata(metaScope, string(raw)); err != nil {
			return err
		}
	}

	if head, err := gitio.HeadCommit(s.root); err == nil && head != "" {
		if err := s.st.SetMetadata(metaBaselineCommit, head); err != nil {
			return err
		}
	}

	if len(s.deleted) > 0 {
		for _, filename := range s.deleted {
			if err := s.st.DeleteFingerprintsForFile(filename); err != nil {
				return err
			}
		}
	}
	return s.st.PruneOrphanFingerprints()
}

// CacheStats exposes fingerprint cache counters for verbose reporting.
func (s *Session) CacheStats() cache.Stats {
	return s.fc.Stats()
}

// TestFileOf extracts the file part of a runner-native test id
// ("pkg/test_mod.py::TestClass::test_case" -> "pkg/test_mod.py").
func TestFileOf(testName string) string {
	if i := strings.Index(testName, "::"); i >= 0 {
		return filepath.ToSlash(testName[:i])
	}
	return filepath.ToSlash(testName)
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.verbose {
		fmt.Fprintf(os.Stderr, "difftest: "+format+"\n", args...)
	}
}
