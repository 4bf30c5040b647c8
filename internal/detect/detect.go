// Package detect classifies project files as unchanged, recomputed, or
// materially changed, and emits the exact checksums that differ from the
// store.
package detect

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"difftest/internal/cache"
	"difftest/internal/fingerprint"
	"difftest/internal/parse"
	"difftest/internal/scan"
	"difftest/internal/store"
)

// MtimeEpsilon is the tolerance for Level-1 mtime equality, in seconds.
// Coarser filesystems only produce false suspects, which Level 2 absorbs
// with a single hash.
const MtimeEpsilon = 0.001

// Result maps each changed file to the set of block checksums that were
// added, removed, or mutated. An entry with an empty set means the file was
// touched but no block changed.
type Result struct {
	Changed  map[string][]int32
	New      []string
	Deleted  []string
	Modified []string
}

// HasChanges reports whether any file needs test re-selection.
func (r *Result) HasChanges() bool {
	return len(r.Changed) > 0
}

// Changes runs the three-level decision procedure over the project:
//
//  1. mtime scan: stored mtime within MtimeEpsilon of stat means unchanged.
//  2. content hash: suspects whose SHA-256 matches every stored row get
//     their mtime refreshed and stop there.
//  3. block diff: remaining suspects are re-fingerprinted (memoized through
//     the cache); the changed set is the symmetric difference between fresh
//     and stored checksums.
//
// Files on disk but not in the store land in New with their full checksum
// set; stored files missing on disk land in Deleted with the union of
// their stored checksums.
func Changes(ctx context.Context, st *store.Store, sc *scan.Scanner, fc *cache.Cache, scope []string) (*Result, error) {
	states, err := st.FileStates()
	if err != nil {
		return nil, err
	}

	onDisk, err := sc.PythonFiles(scope)
	if err != nil {
		return nil, err
	}
	onDiskSet := make(map[string]bool, len(onDisk))
	for _, f := range onDisk {
		onDiskSet[f] = true
	}

	result := &Result{Changed: make(map[string][]int32)}

	// Level 1: stat every stored file.
	var suspects []string
	for filename, state := range states {
		abs := filepath.Join(sc.Root(), filepath.FromSlash(filename))
		info, err := os.Stat(abs)
		if err != nil {
			// Missing or unreadable counts as deleted: every stored
			// checksum enters the changed set so dependents re-run.
			result.Deleted = append(result.Deleted, filename)
			result.Changed[filename] = setToSlice(state.Checksums)
			continue
		}

		diff := fingerprint.MTimeOf(info) - state.MTime
		if diff < 0 {
			diff = -diff
		}
		if diff <= MtimeEpsilon {
			continue
		}
		suspects = append(suspects, filename)
	}

	for _, f := range onDisk {
		if _, stored := states[f]; !stored {
			result.New = append(result.New, f)
		}
	}

	// Levels 2 and 3 over the suspects, in parallel.
	changes := make([]fileChange, len(suspects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, filename := range suspects {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ch, err := checkSuspect(sc.Root(), filename, states[filename], fc)
			if err != nil {
				return err
			}
			changes[i] = *ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, ch := range changes {
		if ch.unchanged {
			if ch.refreshed != 0 {
				if err := st.RefreshMtime(ch.filename, ch.refreshed); err != nil {
					return nil, err
				}
			}
			continue
		}
		result.Modified = append(result.Modified, ch.filename)
		result.Changed[ch.filename] = ch.checksums
	}

	// New files contribute their entire checksum set.
	newChecksums, err := fingerprintNew(ctx, sc.Root(), result.New, fc)
	if err != nil {
		return nil, err
	}
	for filename, checksums := range newChecksums {
		result.Changed[filename] = checksums
	}

	sort.Strings(result.New)
	sort.Strings(result.Deleted)
	sort.Strings(result.Modified)
	return result, nil
}

// checkSuspect runs Levels 2 and 3 for a single file.
func checkSuspect(root, filename string, state *store.FileState, fc *cache.Cache) (*fileChange, error) {
	abs := filepath.Join(root, filepath.FromSlash(filename))

	content, err := os.ReadFile(abs)
	if err != nil {
		// Raced with a delete; the next run will classify it.
		return &fileChange{filename: filename, unchanged: true}, nil
	}
	info, err := os.Stat(abs)
	if err != nil {
		return &fileChange{filename: filename, unchanged: true}, nil
	}
	mtime := fingerprint.MTimeOf(info)

	hash := fingerprint.HashBytes(content)
	if len(state.Hashes) == 1 && state.Hashes[hash] {
		// Content identical: only the stat changed (e.g. touch, checkout).
		return &fileChange{filename: filename, unchanged: true, refreshed: mtime}, nil
	}

	fp := cachedFingerprint(fc, abs, root, content, mtime, hash)

	changed := symmetricDiff(fp.ChecksumSet(), state.Checksums)
	return &fileChange{filename: filename, checksums: changed}, nil
}

// fingerprintNew computes full checksum sets for files absent from the store.
func fingerprintNew(ctx context.Context, root string, files []string, fc *cache.Cache) (map[string][]int32, error) {
	if len(files) == 0 {
		return nil, nil
	}

	out := make(map[string][]int32, len(files))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for _, filename := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			abs := filepath.Join(root, filepath.FromSlash(filename))
			content, err := os.ReadFile(abs)
			if err != nil {
				return nil // raced with a delete
			}
			info, err := os.Stat(abs)
			if err != nil {
				return nil
			}

			fp := cachedFingerprint(fc, abs, root,
				content, fingerprint.MTimeOf(info), fingerprint.HashBytes(content))

			mu.Lock()
			out[filename] = setToSlice(fp.ChecksumSet())
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// cachedFingerprint consults the fingerprint cache before parsing; a hit
// skips the parse entirely.
func cachedFingerprint(fc *cache.Cache, abs, root string, content []byte, mtime float64, hash string) *fingerprint.Fingerprint {
	if fc != nil {
		if fp := fc.Get(abs, hash); fp != nil {
			return fp
		}
	}
	fp := fingerprint.FromContent(parse.NewExtractor(), root, abs, content, mtime)
	if fc != nil {
		fc.Put(abs, hash, fp)
	}
	return fp
}

// symmetricDiff returns checksums present in exactly one of the two sets,
// sorted for determinism.
func symmetricDiff(fresh map[int32]bool, stored map[int32]bool) []int32 {
	var diff []int32
	for c := range fresh {
		if !stored[c] {
			diff = append(diff, c)
		}
	}
	for c := range stored {
		if !fresh[c] {
			diff = append(diff, c)
		}
	}
	sort.Slice(diff, func(i, j int) bool { return diff[i] < diff[j] })
	return diff
}

func setToSlice(set map[int32]bool) []int32 {
	out := make([]int32, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fileChange is the per-suspect outcome of Levels 2 and 3. refreshed holds
// the mtime to write back when only the stat changed.
type fileChange struct {
	filename  string
	checksums []int32
	refreshed float64
	unchanged bool
}
