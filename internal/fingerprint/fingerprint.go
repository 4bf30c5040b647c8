// Package fingerprint computes per-file fingerprints: a content hash, the
// file's mtime, and the ordered checksums of its code blocks.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"difftest/internal/parse"
)

// Fingerprint is the per-file record used for change detection. Filename is
// relative to the project root with forward slashes. Checksums holds one
// entry per block in source order, <module> included. Blocks carries the
// full block detail when the fingerprint was freshly computed; it is nil for
// fingerprints loaded from the store.
type Fingerprint struct {
	Filename    string
	ContentHash string
	MTime       float64
	Checksums   []int32
	Blocks      []parse.Block
}

// ChecksumSet returns the fingerprint's checksums as a set.
func (fp *Fingerprint) ChecksumSet() map[int32]bool {
	set := make(map[int32]bool, len(fp.Checksums))
	for _, c := range fp.Checksums {
		set[c] = true
	}
	return set
}

// HashBytes returns the SHA-256 content hash of a file's bytes as hex.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// MTimeOf returns a file's modification time as floating-point seconds
// since the epoch.
func MTimeOf(info os.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e9
}

// RelPath converts an absolute path to a root-relative, slash-normalized
// filename. Paths outside root are returned slash-normalized as-is.
func RelPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// File computes the fingerprint of one file. path must be absolute; the
// recorded filename is made relative to root.
func File(e *parse.Extractor, root, path string) (*Fingerprint, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	return FromContent(e, root, path, content, MTimeOf(info)), nil
}

// FromContent builds a fingerprint from already-read bytes.
func FromContent(e *parse.Extractor, root, path string, content []byte, mtime float64) *Fingerprint {
	blocks := e.Extract(content)
	checksums := make([]int32, len(blocks))
	for i, b := range blocks {
		checksums[i] = b.Checksum
	}

	return &Fingerprint{
		Filename:    RelPath(root, path),
		ContentHash: HashBytes(content),
		MTime:       mtime,
		Checksums:   checksums,
		Blocks:      blocks,
	}
}

// Batch fingerprints the given absolute paths in parallel, preserving input
// order in the output. Entries that fail to read are nil; the first error
// is returned alongside the partial results.
func Batch(ctx context.Context, root string, paths []string) ([]*Fingerprint, error) {
	out := make([]*Fingerprint, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Tree-sitter parsers are not safe for concurrent use; each
			// worker gets its own.
			fp, err := File(parse.NewExtractor(), root, p)
			if err != nil {
				return err
			}
			out[i] = fp
			return nil
		})
	}

	err := g.Wait()
	return out, err
}

// ExecutedSubset returns a copy of the fingerprint restricted to blocks that
// intersect the executed line set. Nested blocks mean a single line can hit
// a method, its class, and any enclosing function at once. Returns nil when
// no block was executed.
func (fp *Fingerprint) ExecutedSubset(lines []int) *Fingerprint {
	if len(fp.Blocks) == 0 || len(lines) == 0 {
		return nil
	}

	sorted := append([]int(nil), lines...)
	sort.Ints(sorted)

	var blocks []parse.Block
	var checksums []int32
	for _, b := range fp.Blocks {
		// First executed line at or after the block start; hit if it falls
		// inside the range.
		i := sort.SearchInts(sorted, b.StartLine)
		if i < len(sorted) && sorted[i] <= b.EndLine {
			blocks = append(blocks, b)
			checksums = append(checksums, b.Checksum)
		}
	}
	if len(blocks) == 0 {
		return nil
	}

	return &Fingerprint{
		Filename:    fp.Filename,
		ContentHash: fp.ContentHash,
		MTime:       fp.MTime,
		Checksums:   checksums,
		Blocks:      blocks,
	}
}
