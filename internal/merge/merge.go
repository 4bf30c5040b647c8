// Package merge deterministically combines multiple store shards into one.
package merge

import (
	"fmt"

	"difftest/internal/ident"
	"difftest/internal/store"
)

// Result summarizes one merge run.
type Result struct {
	Environments int
	Executions   int
	Fingerprints int
	Warnings     []string
}

// Databases merges the input store files into the store at outPath, in
// order. Each input is opened read-only and imported under one immediate
// transaction. Duplicate environments and fingerprints (matched on their
// identity keys) collapse to one row; duplicate (environment, test name)
// executions resolve last-write-wins by input order, with the junction rows
// following the surviving execution. The operation is associative up to
// that tie-break.
func Databases(outPath string, inputs []string) (*Result, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("merge: at least one input required")
	}

	out, err := store.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("opening output store: %w", err)
	}
	defer out.Close()

	result := &Result{}
	seenFingerprints := make(map[string]bool)
	seenEnvironments := make(map[string]bool)
	execCount := make(map[string]bool) // env key + test name

	commits := make(map[string][]string)

	for _, input := range inputs {
		in, err := store.OpenReadOnly(input)
		if err != nil {
			return nil, fmt.Errorf("opening input %s: %w", input, err)
		}

		dump, err := in.Export()
		in.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", input, err)
		}

		if err := out.ImportShard(dump); err != nil {
			return nil, fmt.Errorf("merging %s: %w", input, err)
		}

		envKeys := make(map[int64]string, len(dump.Environments))
		for _, e := range dump.Environments {
			k := ident.EnvironmentKey(e.Name, e.SystemPackages, e.PythonVersion)
			envKeys[e.ID] = k
			seenEnvironments[k] = true
		}
		for _, fp := range dump.Fingerprints {
			seenFingerprints[ident.FingerprintKey(fp.Filename, fp.FSHA, fp.Blob)] = true
		}
		for _, ex := range dump.Executions {
			execCount[envKeys[ex.EnvironmentID]+"\x00"+ex.TestName] = true
		}

		if sha := dump.Metadata["baseline_commit"]; sha != "" {
			commits[sha] = append(commits[sha], input)
		}
	}

	result.Environments = len(seenEnvironments)
	result.Fingerprints = len(seenFingerprints)
	result.Executions = len(execCount)

	if len(commits) > 1 {
		detail := ""
		for sha, files := range commits {
			if detail != "" {
				detail += ", "
			}
			detail += fmt.Sprintf("%.8s(%d shards)", sha, len(files))
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"merging shards built from different commits: %s; selection may be inconsistent", detail))
	}
	// Carry over the commit metadata when the shards agree.
	if len(commits) == 1 {
		for sha := range commits {
			if err := out.SetMetadata("baseline_commit", sha); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}
