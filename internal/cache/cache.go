// Package cache provides a bounded in-memory fingerprint cache so repeated
// lookups of an unchanged file skip parsing entirely.
package cache

import (
	"sync"

	"difftest/internal/fingerprint"
)

// DefaultMaxSize bounds the cache at 100 000 fingerprints. At a few KB per
// entry that caps worst-case memory in the hundreds of MB on very large
// codebases.
const DefaultMaxSize = 100_000

type key struct {
	path string // absolute path
	hash string // content hash
}

type entry struct {
	fp  *fingerprint.Fingerprint
	seq uint64
}

// Cache maps (absolute path, content hash) to a fingerprint. Eviction is
// approximate LRU: when the bound is exceeded, the ~10% oldest entries by
// insertion order are dropped. Safe for concurrent readers and writers.
// Cached fingerprints are shared by read-only reference and must not be
// mutated.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]entry
	seq     uint64
	maxSize int

	hits   uint64
	misses uint64
}

// New creates a cache bounded at maxSize entries. maxSize <= 0 selects
// DefaultMaxSize.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		entries: make(map[key]entry),
		maxSize: maxSize,
	}
}

// Get returns the cached fingerprint for (path, contentHash), or nil.
func (c *Cache) Get(path, contentHash string) *fingerprint.Fingerprint {
	c.mu.RLock()
	e, ok := c.entries[key{path, contentHash}]
	c.mu.RUnlock()

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return e.fp
}

// Put stores a fingerprint, evicting the oldest entries when full.
func (c *Cache) Put(path, contentHash string, fp *fingerprint.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}

	c.seq++
	c.entries[key{path, contentHash}] = entry{fp: fp, seq: c.seq}
}

// evictLocked removes the ~10% oldest entries by insertion order.
func (c *Cache) evictLocked() {
	n := c.maxSize / 10
	if n < 1 {
		n = 1
	}

	// Entries with seq <= cutoff are the n oldest; a full sort is not
	// needed, a threshold pass over insertion sequence numbers is enough.
	seqs := make([]uint64, 0, len(c.entries))
	for _, e := range c.entries {
		seqs = append(seqs, e.seq)
	}
	cutoff := nthSmallest(seqs, n)

	for k, e := range c.entries {
		if e.seq <= cutoff {
			delete(c.entries, k)
		}
	}
}

// nthSmallest returns the n-th smallest value (1-based) via quickselect.
func nthSmallest(vals []uint64, n int) uint64 {
	if n >= len(vals) {
		max := uint64(0)
		for _, v := range vals {
			if v > max {
				max = v
			}
		}
		return max
	}

	lo, hi := 0, len(vals)-1
	k := n - 1
	for lo < hi {
		pivot := vals[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for vals[i] < pivot {
				i++
			}
			for vals[j] > pivot {
				j--
			}
			if i <= j {
				vals[i], vals[j] = vals[j], vals[i]
				i++
				j--
			}
		}
		if k <= j {
			hi = j
		} else if k >= i {
			lo = i
		} else {
			break
		}
	}
	return vals[k]
}

// Len returns the number of cached fingerprints.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops all entries and resets counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]entry)
	c.hits, c.misses = 0, 0
}

// Stats reports hit/miss counters and the derived hit rate.
type Stats struct {
	Hits    uint64
	Misses  uint64
	HitRate float64
	Size    int
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
