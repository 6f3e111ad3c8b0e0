package compiler

import "github.com/chazu/psyco/codebuf"

// Promotion dispatch caching
//
// Every promotion site keeps the continuations compiled so far, keyed by
// the outcome seen (an object kind or a raw value). Most sites only ever
// see one outcome; a few see a handful; the rest see too many to be worth
// specializing for and fall back to one generic continuation.

// CacheState represents the current state of a promotion cache.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // No outcome seen yet
	CacheMonomorphic                   // Single outcome cached
	CachePolymorphic                   // 2..max outcomes cached
	CacheMegamorphic                   // Generic continuation for everything
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	case CacheMegamorphic:
		return "megamorphic"
	}
	return "invalid"
}

// MaxPICEntries is the default number of outcomes a site specializes for.
const MaxPICEntries = 6

// PromotionCacheEntry holds one compiled continuation.
type PromotionCacheEntry struct {
	Key    uint64
	Target codebuf.Addr
}

// PromotionCache is the dispatch table of a single promotion site.
// It progresses through states: Empty -> Monomorphic -> Polymorphic -> Megamorphic
type PromotionCache struct {
	State   CacheState
	Entries []PromotionCacheEntry
	Generic codebuf.Addr
	max     int

	// Statistics for profiling
	Hits   uint64
	Misses uint64
}

// NewPromotionCache creates an empty cache holding up to max outcomes.
func NewPromotionCache(max int) *PromotionCache {
	if max <= 0 {
		max = MaxPICEntries
	}
	return &PromotionCache{max: max}
}

// Lookup returns the continuation for key. A megamorphic cache answers
// every key with its generic continuation.
func (pc *PromotionCache) Lookup(key uint64) (codebuf.Addr, bool) {
	switch pc.State {
	case CacheMonomorphic, CachePolymorphic:
		// Linear search; there are at most max entries
		for _, e := range pc.Entries {
			if e.Key == key {
				pc.Hits++
				return e.Target, true
			}
		}
	case CacheMegamorphic:
		pc.Hits++
		return pc.Generic, true
	}
	pc.Misses++
	return 0, false
}

// Full reports whether another outcome would exceed the cache.
func (pc *PromotionCache) Full() bool {
	return len(pc.Entries) >= pc.max
}

// Update records the continuation compiled for key.
func (pc *PromotionCache) Update(key uint64, target codebuf.Addr) {
	if pc.State == CacheMegamorphic {
		return
	}
	for _, e := range pc.Entries {
		if e.Key == key {
			return
		}
	}
	if pc.Full() {
		return
	}
	pc.Entries = append(pc.Entries, PromotionCacheEntry{Key: key, Target: target})
	if len(pc.Entries) == 1 {
		pc.State = CacheMonomorphic
	} else {
		pc.State = CachePolymorphic
	}
}

// SetGeneric installs the continuation for every outcome and makes the
// cache megamorphic. Specialized entries are dropped from dispatch; their
// code stays valid for runs already in it.
func (pc *PromotionCache) SetGeneric(target codebuf.Addr) {
	pc.State = CacheMegamorphic
	pc.Generic = target
	pc.Entries = nil
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (pc *PromotionCache) HitRate() float64 {
	total := pc.Hits + pc.Misses
	if total == 0 {
		return 0
	}
	return float64(pc.Hits) * 100 / float64(total)
}

// Outcomes returns the number of specialized continuations.
func (pc *PromotionCache) Outcomes() int {
	return len(pc.Entries)
}
