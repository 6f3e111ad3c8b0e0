package vm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/psyco/bytecode"
)

// Profiler counts guest function invocations so the adaptive engine can
// hand hot functions to the specializer. Cold code stays interpreted;
// compiling it would cost more than it saves.

// FunctionProfile holds profiling data for a single function.
type FunctionProfile struct {
	InvocationCount uint64 // atomic
	IsHot           bool
}

// Profiler manages the profiles of all functions run by an engine.
type Profiler struct {
	profiles sync.Map // *bytecode.Code -> *FunctionProfile

	// HotThreshold is the invocation count at which a function becomes hot.
	HotThreshold uint64

	// OnHot is called once, on the invocation that makes a function hot.
	OnHot func(code *bytecode.Code, profile *FunctionProfile)

	hotCount uint64
}

// DefaultHotThreshold is the invocation count used when none is configured.
const DefaultHotThreshold = 2

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: DefaultHotThreshold}
}

// RecordInvocation increments the invocation count for code. It returns
// true if this invocation made the function hot.
func (p *Profiler) RecordInvocation(code *bytecode.Code) bool {
	if code == nil {
		return false
	}
	val, _ := p.profiles.LoadOrStore(code, &FunctionProfile{})
	profile := val.(*FunctionProfile)

	count := atomic.AddUint64(&profile.InvocationCount, 1)
	if !profile.IsHot && count >= p.HotThreshold {
		profile.IsHot = true
		atomic.AddUint64(&p.hotCount, 1)
		if p.OnHot != nil {
			p.OnHot(code, profile)
		}
		return true
	}
	return false
}

// Profile returns the profile for code, or nil if it never ran.
func (p *Profiler) Profile(code *bytecode.Code) *FunctionProfile {
	if val, ok := p.profiles.Load(code); ok {
		return val.(*FunctionProfile)
	}
	return nil
}

// IsHot reports whether code has reached the hot threshold.
func (p *Profiler) IsHot(code *bytecode.Code) bool {
	profile := p.Profile(code)
	return profile != nil && profile.IsHot
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Functions   int    `cbor:"functions"`
	Hot         int    `cbor:"hot"`
	Invocations uint64 `cbor:"invocations"`
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(key, value any) bool {
		profile := value.(*FunctionProfile)
		stats.Functions++
		stats.Invocations += atomic.LoadUint64(&profile.InvocationCount)
		if profile.IsHot {
			stats.Hot++
		}
		return true
	})
	return stats
}

// FunctionCount pairs a function name with its invocation count.
type FunctionCount struct {
	Function string `cbor:"function"`
	Count    uint64 `cbor:"count"`
	Hot      bool   `cbor:"hot,omitempty"`
}

// Top returns the n most invoked functions, most invoked first. Ties are
// broken by name so the order is stable.
func (p *Profiler) Top(n int) []FunctionCount {
	var all []FunctionCount
	p.profiles.Range(func(key, value any) bool {
		profile := value.(*FunctionProfile)
		all = append(all, FunctionCount{
			Function: key.(*bytecode.Code).Name,
			Count:    atomic.LoadUint64(&profile.InvocationCount),
			Hot:      profile.IsHot,
		})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Function < all[j].Function
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles.Range(func(key, value any) bool {
		p.profiles.Delete(key)
		return true
	})
	atomic.StoreUint64(&p.hotCount, 0)
}
