package compiler

import (
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/codebuf"
	"github.com/chazu/psyco/machine"
)

// Stats counts compilation work. Code re-derived while respawning is not
// counted again.
type Stats struct {
	Entries        int // functions compiled
	Paths          int // code paths closed, including respawned ones
	Instructions   int // bytecode instructions compiled
	Respawns       int // traps and promotions that compiled new code
	GuardSites     int
	PromotionSites int
	Megamorphic    int // promotion sites that went generic
	MergeEntries   int // distinct shapes registered at merge points
	MergeHits      int // arrivals that reused compiled code
	Generic        int // operations compiled as generic helper calls

	// Forced counts materialized virtual values by builder name.
	Forced map[string]int
}

func (s Stats) String() string {
	var forced []string
	for _, name := range sortedKeys(s.Forced) {
		forced = append(forced, fmt.Sprintf("%s=%d", name, s.Forced[name]))
	}
	return fmt.Sprintf("entries=%d paths=%d instructions=%d respawns=%d guards=%d promotions=%d megamorphic=%d merges=%d/%d generic=%d forced[%s]",
		s.Entries, s.Paths, s.Instructions, s.Respawns, s.GuardSites, s.PromotionSites, s.Megamorphic,
		s.MergeEntries, s.MergeHits, s.Generic, strings.Join(forced, " "))
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns a copy of the compilation counters.
func (c *Compiler) Stats() Stats {
	s := c.stats
	s.Forced = maps.Clone(c.stats.Forced)
	return s
}

// CPUStats returns the execution counters of compiled code.
func (c *Compiler) CPUStats() machine.CPUStats {
	return c.cpu.Stats()
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// EntryInfo describes a compiled function entry.
type EntryInfo struct {
	Function string       `cbor:"function"`
	Checksum uint64       `cbor:"checksum"`
	Addr     codebuf.Addr `cbor:"addr"`
}

// SiteInfo describes a guard or promotion site.
type SiteInfo struct {
	ID       uint32 `cbor:"id"`
	Kind     string `cbor:"kind"`
	Function string `cbor:"function"`
	Pos      int    `cbor:"pos"`
	Resolved bool   `cbor:"resolved,omitempty"`
	Cache    string `cbor:"cache,omitempty"`
	Outcomes int    `cbor:"outcomes,omitempty"`
}

// MergeInfo counts the shapes compiled at one merge point.
type MergeInfo struct {
	Function string `cbor:"function"`
	Pos      int    `cbor:"pos"`
	Shapes   int    `cbor:"shapes"`
}

// Snapshot is a read-only view of what the compiler has produced.
type Snapshot struct {
	Entries []EntryInfo `cbor:"entries"`
	Sites   []SiteInfo  `cbor:"sites"`
	Merges  []MergeInfo `cbor:"merges"`
	Stats   Stats       `cbor:"stats"`
}

// Snapshot describes the compiled entries, sites and merge points in a
// deterministic order.
func (c *Compiler) Snapshot() Snapshot {
	snap := Snapshot{Stats: c.Stats()}
	for code, addr := range c.entries {
		snap.Entries = append(snap.Entries, EntryInfo{Function: code.Name, Checksum: code.Checksum, Addr: addr})
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Function < snap.Entries[j].Function })

	for _, s := range c.sites {
		info := SiteInfo{ID: s.id, Kind: s.kind.String(), Function: s.code.Name, Pos: s.pos, Resolved: s.resolved}
		if s.cache != nil {
			info.Cache = s.cache.State.String()
			info.Outcomes = s.cache.Outcomes()
		}
		snap.Sites = append(snap.Sites, info)
	}

	for mp, n := range c.shapes {
		snap.Merges = append(snap.Merges, MergeInfo{Function: mp.code.Name, Pos: mp.pos, Shapes: n})
	}
	sort.Slice(snap.Merges, func(i, j int) bool {
		a, b := snap.Merges[i], snap.Merges[j]
		if a.Function != b.Function {
			return a.Function < b.Function
		}
		return a.Pos < b.Pos
	})
	return snap
}

// DisassembleEntry renders the code reachable from the entry of code by
// falling through, following the chain of buffers, up to the first
// return, raise or promotion.
func (c *Compiler) DisassembleEntry(code *bytecode.Code) string {
	var sb strings.Builder
	machine.Walk(c.pool, c.Entry(code), func(at codebuf.Addr, in machine.Inst) bool {
		fmt.Fprintf(&sb, "%s  %s\n", at, in.Format(c.helpers))
		return true
	})
	return sb.String()
}
