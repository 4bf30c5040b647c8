// Package store provides the SQLite-backed dependency store mapping test
// executions to the file fingerprints they touched.
package store

import (
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"difftest/internal/fingerprint"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// SchemaVersion is recorded under metadata key "schema_version"; a store
// carrying a different value is refused.
const SchemaVersion = "1"

var (
	ErrStoreCorrupt       = errors.New("store schema mismatch or unreadable data")
	ErrContention         = errors.New("store busy timeout exceeded")
	ErrEnvironmentMissing = errors.New("environment not found")
)

// Store wraps a SQLite connection to one dependency database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates a store at the given path. The connection uses
// write-ahead journaling, a 30 second busy timeout, memory-mapped I/O, and
// immediate-mode write transactions so write conflicts fail fast instead of
// mid-transaction.
func Open(path string) (*Store, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing store without taking write locks; used by
// the merge engine to iterate input shards.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return open(path, true)
}

func open(path string, readOnly bool) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_txlock=immediate"
	if readOnly {
		dsn = "file:" + path + "?mode=ro"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	s := &Store{db: conn, path: path}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if readOnly && strings.Contains(pragma, "journal_mode") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if !readOnly {
		if _, err := conn.Exec(schemaSQL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	if err := s.checkSchemaVersion(readOnly); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

// checkSchemaVersion verifies (and for writable stores, records) the schema
// version. A mismatch means the file was written by an incompatible build;
// the caller should rebuild with a forced baseline.
func (s *Store) checkSchemaVersion(readOnly bool) error {
	var got string
	err := s.db.QueryRow(`SELECT data FROM metadata WHERE dataid = 'schema_version'`).Scan(&got)
	switch {
	case err == sql.ErrNoRows:
		if readOnly {
			return fmt.Errorf("%w: missing schema_version", ErrStoreCorrupt)
		}
		_, err = s.db.Exec(
			`INSERT OR IGNORE INTO metadata (dataid, data) VALUES ('schema_version', ?)`,
			SchemaVersion,
		)
		if err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	case got != SchemaVersion:
		return fmt.Errorf("%w: schema_version %s, want %s", ErrStoreCorrupt, got, SchemaVersion)
	}
	return nil
}

// Close checkpoints the WAL so the store is a single file, then closes the
// connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	// Checkpoint failures are non-fatal (e.g. read-only connections).
	s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return s.db.Close()
}

// Path returns the on-disk location of the store.
func (s *Store) Path() string {
	return s.path
}

// wrapBusy maps busy-timeout failures to ErrContention so callers can
// distinguish retryable contention from data errors.
func wrapBusy(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%s: %w", op, ErrContention)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ----- Metadata -----

// GetMetadata returns the value under dataid, or "" when absent.
func (s *Store) GetMetadata(dataid string) (string, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM metadata WHERE dataid = ?`, dataid).Scan(&data)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying metadata: %w", err)
	}
	return data, nil
}

// SetMetadata upserts a metadata key.
func (s *Store) SetMetadata(dataid, data string) error {
	_, err := s.db.Exec(
		`INSERT INTO metadata (dataid, data) VALUES (?, ?)
		 ON CONFLICT(dataid) DO UPDATE SET data = excluded.data`,
		dataid, data,
	)
	return wrapBusy(err, "setting metadata")
}

// ----- Environments -----

// Environment identifies the interpreter context of a test execution.
type Environment struct {
	ID             int64
	Name           string
	SystemPackages string
	PythonVersion  string
}

// GetOrCreateEnvironment returns the id for the (name, packages, version)
// triple, creating the row on first use. Idempotent.
func (s *Store) GetOrCreateEnvironment(name, packages, pythonVersion string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM environment
		 WHERE environment_name = ? AND system_packages = ? AND python_version = ?`,
		name, packages, pythonVersion,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("querying environment: %w", err)
	}

	res, err := s.db.Exec(
		`INSERT INTO environment (environment_name, system_packages, python_version)
		 VALUES (?, ?, ?)`,
		name, packages, pythonVersion,
	)
	if err != nil {
		// A parallel worker may have raced us; retry the lookup once.
		err2 := s.db.QueryRow(
			`SELECT id FROM environment
			 WHERE environment_name = ? AND system_packages = ? AND python_version = ?`,
			name, packages, pythonVersion,
		).Scan(&id)
		if err2 == nil {
			return id, nil
		}
		return 0, wrapBusy(err, "inserting environment")
	}
	return res.LastInsertId()
}

// FindEnvironment returns the id for an existing environment triple, or
// ErrEnvironmentMissing.
func (s *Store) FindEnvironment(name, packages, pythonVersion string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM environment
		 WHERE environment_name = ? AND system_packages = ? AND python_version = ?`,
		name, packages, pythonVersion,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrEnvironmentMissing
	}
	if err != nil {
		return 0, fmt.Errorf("querying environment: %w", err)
	}
	return id, nil
}

// ListEnvironments returns all environment rows.
func (s *Store) ListEnvironments() ([]Environment, error) {
	rows, err := s.db.Query(
		`SELECT id, environment_name, system_packages, python_version FROM environment ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	defer rows.Close()

	var envs []Environment
	for rows.Next() {
		var e Environment
		if err := rows.Scan(&e.ID, &e.Name, &e.SystemPackages, &e.PythonVersion); err != nil {
			return nil, fmt.Errorf("scanning environment: %w", err)
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// ----- Executions -----

// Execution is one recorded test run with the fingerprints it touched.
type Execution struct {
	TestName     string
	Duration     float64
	Failed       bool
	Forced       bool
	Fingerprints []*fingerprint.Fingerprint
}

// SaveExecutions writes a batch of executions inside one immediate
// transaction. For each execution it deletes any prior row with the same
// (environment, test name) together with its junction rows, upserts each
// fingerprint on its (filename, fsha, method_checksums) identity, inserts
// the new execution row, and links the two.
func (s *Store) SaveExecutions(envID int64, execs []Execution) error {
	if len(execs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return wrapBusy(err, "beginning write")
	}
	defer tx.Rollback()

	for _, ex := range execs {
		if _, err := tx.Exec(
			`DELETE FROM test_execution WHERE environment_id = ? AND test_name = ?`,
			envID, ex.TestName,
		); err != nil {
			return wrapBusy(err, "deleting prior execution")
		}

		res, err := tx.Exec(
			`INSERT INTO test_execution (environment_id, test_name, duration, failed, forced)
			 VALUES (?, ?, ?, ?, ?)`,
			envID, ex.TestName, ex.Duration, boolInt(ex.Failed), boolInt(ex.Forced),
		)
		if err != nil {
			return wrapBusy(err, "inserting execution")
		}
		execID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("execution id: %w", err)
		}

		for _, fp := range ex.Fingerprints {
			fpID, err := getOrCreateFingerprint(tx, fp)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO test_execution_file_fp (test_execution_id, fingerprint_id)
				 VALUES (?, ?)`,
				execID, fpID,
			); err != nil {
				return wrapBusy(err, "linking execution to fingerprint")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapBusy(err, "committing executions")
	}
	return nil
}

func getOrCreateFingerprint(tx *sql.Tx, fp *fingerprint.Fingerprint) (int64, error) {
	blob := PackChecksums(fp.Checksums)

	var id int64
	err := tx.QueryRow(
		`SELECT id FROM file_fp WHERE filename = ? AND fsha = ? AND method_checksums = ?`,
		fp.Filename, fp.ContentHash, blob,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("querying fingerprint: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO file_fp (filename, method_checksums, mtime, fsha) VALUES (?, ?, ?, ?)`,
		fp.Filename, blob, fp.MTime, fp.ContentHash,
	)
	if err != nil {
		return 0, wrapBusy(err, "inserting fingerprint")
	}
	return res.LastInsertId()
}

// TestNames returns the set of test names with an execution row in the
// environment.
func (s *Store) TestNames(envID int64) (map[string]bool, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT test_name FROM test_execution WHERE environment_id = ?`, envID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing test names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning test name: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

// FailedTests returns tests whose current execution row is failed. Failing
// tests stay selected on every run until they pass.
func (s *Store) FailedTests(envID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT test_name FROM test_execution
		 WHERE environment_id = ? AND failed = 1 ORDER BY test_name`,
		envID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing failed tests: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning failed test: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ----- Fingerprints -----

// ListFingerprintsForFile returns every stored fingerprint row for a
// filename, newest first.
func (s *Store) ListFingerprintsForFile(filename string) ([]*fingerprint.Fingerprint, error) {
	rows, err := s.db.Query(
		`SELECT filename, method_checksums, mtime, fsha FROM file_fp
		 WHERE filename = ? ORDER BY id DESC`,
		filename,
	)
	if err != nil {
		return nil, fmt.Errorf("querying fingerprints: %w", err)
	}
	defer rows.Close()

	var fps []*fingerprint.Fingerprint
	for rows.Next() {
		fp, err := scanFingerprint(rows)
		if err != nil {
			return nil, err
		}
		fps = append(fps, fp)
	}
	return fps, rows.Err()
}

// FileState summarizes all stored rows for one filename, used by the change
// detector's cheap levels.
type FileState struct {
	Filename  string
	MTime     float64 // latest row's mtime
	Hashes    map[string]bool
	Checksums map[int32]bool // union across rows
}

// FileStates returns the per-filename summary for every file in the store.
func (s *Store) FileStates() (map[string]*FileState, error) {
	rows, err := s.db.Query(
		`SELECT filename, method_checksums, mtime, fsha FROM file_fp ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying file states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*FileState)
	for rows.Next() {
		var (
			filename string
			blob     []byte
			mtime    sql.NullFloat64
			fsha     string
		)
		if err := rows.Scan(&filename, &blob, &mtime, &fsha); err != nil {
			return nil, fmt.Errorf("scanning file state: %w", err)
		}

		st := states[filename]
		if st == nil {
			st = &FileState{
				Filename:  filename,
				Hashes:    make(map[string]bool),
				Checksums: make(map[int32]bool),
			}
			states[filename] = st
		}
		// Rows are ordered by id, so the last seen mtime is the newest.
		if mtime.Valid {
			st.MTime = mtime.Float64
		}
		st.Hashes[fsha] = true
		for _, c := range UnpackChecksums(blob) {
			st.Checksums[c] = true
		}
	}
	return states, rows.Err()
}

// RefreshMtime updates the stored mtime for every row of a filename after a
// content-identical touch, so the next Level-1 scan stays cheap.
func (s *Store) RefreshMtime(filename string, mtime float64) error {
	_, err := s.db.Exec(`UPDATE file_fp SET mtime = ? WHERE filename = ?`, mtime, filename)
	return wrapBusy(err, "refreshing mtime")
}

// DeleteFingerprintsForFile removes fingerprint rows for a filename that no
// test execution references. Referenced rows stay so dependent tests keep
// being selected.
func (s *Store) DeleteFingerprintsForFile(filename string) error {
	_, err := s.db.Exec(
		`DELETE FROM file_fp WHERE filename = ?
		 AND id NOT IN (SELECT fingerprint_id FROM test_execution_file_fp)`,
		filename,
	)
	return wrapBusy(err, "deleting fingerprints")
}

// PruneOrphanFingerprints removes fingerprint rows no execution references.
func (s *Store) PruneOrphanFingerprints() error {
	_, err := s.db.Exec(
		`DELETE FROM file_fp
		 WHERE id NOT IN (SELECT fingerprint_id FROM test_execution_file_fp)`,
	)
	return wrapBusy(err, "pruning fingerprints")
}

// ----- Affected-test resolution -----

// AffectedTests answers: given the changed checksums per file, which tests
// must re-run. Each batch of up to 500 changed filenames is resolved with one
// parameterized query, and each distinct checksum blob is deserialized at
// most once. The batch queries run outside any explicit transaction, so they
// do not share one read snapshot. Cost is O(unique fingerprints), not
// O(tests x files).
func (s *Store) AffectedTests(envID int64, changed map[string][]int32) ([]string, error) {
	if len(changed) == 0 {
		return nil, nil
	}

	filenames := make([]string, 0, len(changed))
	for f := range changed {
		filenames = append(filenames, f)
	}
	sort.Strings(filenames)

	changedSets := make(map[string]map[int32]bool, len(changed))
	for f, checksums := range changed {
		set := make(map[int32]bool, len(checksums))
		for _, c := range checksums {
			set[c] = true
		}
		changedSets[f] = set
	}

	affected := make(map[string]bool)

	// Keep IN lists bounded the same way kailab batches digest lookups.
	const batchSize = 500
	for i := 0; i < len(filenames); i += batchSize {
		end := i + batchSize
		if end > len(filenames) {
			end = len(filenames)
		}
		batch := filenames[i:end]

		placeholders := make([]string, len(batch))
		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, envID)
		for j, f := range batch {
			placeholders[j] = "?"
			args = append(args, f)
		}

		query := fmt.Sprintf(
			`SELECT DISTINCT te.test_name, fp.id, fp.filename, fp.method_checksums
			 FROM test_execution te
			 JOIN test_execution_file_fp teff ON te.id = teff.test_execution_id
			 JOIN file_fp fp ON teff.fingerprint_id = fp.id
			 WHERE te.environment_id = ? AND fp.filename IN (%s)`,
			strings.Join(placeholders, ", "),
		)

		rows, err := s.db.Query(query, args...)
		if err != nil {
			return nil, wrapBusy(err, "querying affected tests")
		}

		hitByRow := make(map[int64]bool)
		for rows.Next() {
			var (
				testName string
				fpID     int64
				filename string
				blob     []byte
			)
			if err := rows.Scan(&testName, &fpID, &filename, &blob); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning affected row: %w", err)
			}

			hit, seen := hitByRow[fpID]
			if !seen {
				hit = intersects(UnpackChecksums(blob), changedSets[filename])
				hitByRow[fpID] = hit
			}
			if hit {
				affected[testName] = true
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating affected rows: %w", err)
		}
	}

	result := make([]string, 0, len(affected))
	for name := range affected {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

func intersects(checksums []int32, set map[int32]bool) bool {
	for _, c := range checksums {
		if set[c] {
			return true
		}
	}
	return false
}

// ----- Statistics -----

// Stats holds store row counts.
type Stats struct {
	TestCount        int64
	FileCount        int64
	FingerprintCount int64
	EnvironmentCount int64
}

func (s *Store) Stats() (*Stats, error) {
	var st Stats
	queries := []struct {
		sql  string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM test_execution`, &st.TestCount},
		{`SELECT COUNT(DISTINCT filename) FROM file_fp`, &st.FileCount},
		{`SELECT COUNT(*) FROM file_fp`, &st.FingerprintCount},
		{`SELECT COUNT(*) FROM environment`, &st.EnvironmentCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("querying stats: %w", err)
		}
	}
	return &st, nil
}

// TestCount returns the number of execution rows in one environment.
func (s *Store) TestCount(envID int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM test_execution WHERE environment_id = ?`, envID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting tests: %w", err)
	}
	return n, nil
}

// ----- Blob codec -----

// PackChecksums encodes checksums as little-endian 4-byte signed integers
// in block source order. The packed layout is the cross-implementation
// on-disk contract; keep it a plain numeric array.
func PackChecksums(checksums []int32) []byte {
	blob := make([]byte, 4*len(checksums))
	for i, c := range checksums {
		binary.LittleEndian.PutUint32(blob[4*i:], uint32(c))
	}
	return blob
}

// UnpackChecksums decodes a packed checksum blob. Trailing partial entries
// are ignored.
func UnpackChecksums(blob []byte) []int32 {
	n := len(blob) / 4
	checksums := make([]int32, n)
	for i := 0; i < n; i++ {
		checksums[i] = int32(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return checksums
}

func scanFingerprint(rows *sql.Rows) (*fingerprint.Fingerprint, error) {
	var (
		filename string
		blob     []byte
		mtime    sql.NullFloat64
		fsha     string
	)
	if err := rows.Scan(&filename, &blob, &mtime, &fsha); err != nil {
		return nil, fmt.Errorf("scanning fingerprint: %w", err)
	}
	return &fingerprint.Fingerprint{
		Filename:    filename,
		ContentHash: fsha,
		MTime:       mtime.Float64,
		Checksums:   UnpackChecksums(blob),
	}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
