package store

import (
	"fmt"
)

// Dump is a full relational snapshot of one store, used by the merge engine
// to iterate input shards.
type Dump struct {
	Metadata     map[string]string
	Environments []Environment
	Executions   []DumpExecution
	Fingerprints []DumpFingerprint
	Junctions    []DumpJunction
}

// DumpExecution mirrors a test_execution row.
type DumpExecution struct {
	ID            int64
	EnvironmentID int64
	TestName      string
	Duration      float64
	Failed        bool
	Forced        bool
}

// DumpFingerprint mirrors a file_fp row with its raw checksum blob.
type DumpFingerprint struct {
	ID       int64
	Filename string
	Blob     []byte
	MTime    float64
	FSHA     string
}

// DumpJunction mirrors a test_execution_file_fp row.
type DumpJunction struct {
	ExecutionID   int64
	FingerprintID int64
}

// Export reads the complete store contents.
func (s *Store) Export() (*Dump, error) {
	d := &Dump{Metadata: make(map[string]string)}

	rows, err := s.db.Query(`SELECT dataid, data FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning metadata: %w", err)
		}
		d.Metadata[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	envs, err := s.ListEnvironments()
	if err != nil {
		return nil, err
	}
	d.Environments = envs

	rows, err = s.db.Query(
		`SELECT id, environment_id, test_name, duration, failed, forced
		 FROM test_execution ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	for rows.Next() {
		var (
			ex             DumpExecution
			failed, forced int
			duration       *float64
		)
		if err := rows.Scan(&ex.ID, &ex.EnvironmentID, &ex.TestName, &duration, &failed, &forced); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		if duration != nil {
			ex.Duration = *duration
		}
		ex.Failed = failed != 0
		ex.Forced = forced != 0
		d.Executions = append(d.Executions, ex)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(
		`SELECT id, filename, method_checksums, mtime, fsha FROM file_fp ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying fingerprints: %w", err)
	}
	for rows.Next() {
		var (
			fp    DumpFingerprint
			mtime *float64
		)
		if err := rows.Scan(&fp.ID, &fp.Filename, &fp.Blob, &mtime, &fp.FSHA); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
		}
		if mtime != nil {
			fp.MTime = *mtime
		}
		d.Fingerprints = append(d.Fingerprints, fp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(
		`SELECT test_execution_id, fingerprint_id FROM test_execution_file_fp
		 ORDER BY test_execution_id, fingerprint_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying junctions: %w", err)
	}
	for rows.Next() {
		var j DumpJunction
		if err := rows.Scan(&j.ExecutionID, &j.FingerprintID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning junction: %w", err)
		}
		d.Junctions = append(d.Junctions, j)
	}
	rows.Close()
	return d, rows.Err()
}

// ImportShard inserts one exported shard inside a single immediate
// transaction. Environments are matched on their identity triple;
// fingerprints deduplicate on (filename, fsha, blob); an execution for an
// already-present (environment, test name) replaces it, so iterating shards
// in file order gives last-write-wins semantics.
func (s *Store) ImportShard(d *Dump) error {
	tx, err := s.db.Begin()
	if err != nil {
		return wrapBusy(err, "beginning import")
	}
	defer tx.Rollback()

	envMap := make(map[int64]int64, len(d.Environments))
	for _, e := range d.Environments {
		var id int64
		err := tx.QueryRow(
			`SELECT id FROM environment
			 WHERE environment_name = ? AND system_packages = ? AND python_version = ?`,
			e.Name, e.SystemPackages, e.PythonVersion,
		).Scan(&id)
		if err != nil {
			res, err := tx.Exec(
				`INSERT INTO environment (environment_name, system_packages, python_version)
				 VALUES (?, ?, ?)`,
				e.Name, e.SystemPackages, e.PythonVersion,
			)
			if err != nil {
				return wrapBusy(err, "importing environment")
			}
			if id, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		envMap[e.ID] = id
	}

	fpMap := make(map[int64]int64, len(d.Fingerprints))
	for _, fp := range d.Fingerprints {
		var id int64
		err := tx.QueryRow(
			`SELECT id FROM file_fp WHERE filename = ? AND fsha = ? AND method_checksums = ?`,
			fp.Filename, fp.FSHA, fp.Blob,
		).Scan(&id)
		if err != nil {
			res, err := tx.Exec(
				`INSERT INTO file_fp (filename, method_checksums, mtime, fsha)
				 VALUES (?, ?, ?, ?)`,
				fp.Filename, fp.Blob, fp.MTime, fp.FSHA,
			)
			if err != nil {
				return wrapBusy(err, "importing fingerprint")
			}
			if id, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		fpMap[fp.ID] = id
	}

	execMap := make(map[int64]int64, len(d.Executions))
	for _, ex := range d.Executions {
		envID, ok := envMap[ex.EnvironmentID]
		if !ok {
			return fmt.Errorf("%w: execution %d references unknown environment %d",
				ErrStoreCorrupt, ex.ID, ex.EnvironmentID)
		}

		if _, err := tx.Exec(
			`DELETE FROM test_execution WHERE environment_id = ? AND test_name = ?`,
			envID, ex.TestName,
		); err != nil {
			return wrapBusy(err, "replacing execution")
		}

		res, err := tx.Exec(
			`INSERT INTO test_execution (environment_id, test_name, duration, failed, forced)
			 VALUES (?, ?, ?, ?, ?)`,
			envID, ex.TestName, ex.Duration, boolInt(ex.Failed), boolInt(ex.Forced),
		)
		if err != nil {
			return wrapBusy(err, "importing execution")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		execMap[ex.ID] = id
	}

	for _, j := range d.Junctions {
		execID, ok := execMap[j.ExecutionID]
		if !ok {
			return fmt.Errorf("%w: junction references unknown execution %d",
				ErrStoreCorrupt, j.ExecutionID)
		}
		fpID, ok := fpMap[j.FingerprintID]
		if !ok {
			return fmt.Errorf("%w: junction references unknown fingerprint %d",
				ErrStoreCorrupt, j.FingerprintID)
		}
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO test_execution_file_fp (test_execution_id, fingerprint_id)
			 VALUES (?, ?)`,
			execID, fpID,
		); err != nil {
			return wrapBusy(err, "importing junction")
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapBusy(err, "committing import")
	}
	return nil
}
