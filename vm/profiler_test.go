package vm

import (
	"sync"
	"testing"

	"github.com/chazu/psyco/bytecode"
)

func profiledCode(name string) *bytecode.Code {
	return bytecode.NewCode(name, []byte{byte(bytecode.RETURN_VALUE)}, nil, nil, nil, 0)
}

func TestProfilerInvocation(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 5
	code := profiledCode("f")

	if p.RecordInvocation(code) {
		t.Error("Function should not be hot after 1 invocation")
	}
	profile := p.Profile(code)
	if profile == nil {
		t.Fatal("Profile should exist after invocation")
	}
	if profile.InvocationCount != 1 {
		t.Errorf("Expected 1 invocation, got %d", profile.InvocationCount)
	}

	var becameHot bool
	for i := 0; i < 4; i++ {
		becameHot = p.RecordInvocation(code)
	}
	if !becameHot {
		t.Error("Function should become hot at threshold")
	}
	if !p.IsHot(code) {
		t.Error("IsHot should return true")
	}
	if p.RecordInvocation(code) {
		t.Error("Function should not re-trigger hot")
	}
}

func TestProfilerOnHotCallback(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 2
	var hot []string
	p.OnHot = func(code *bytecode.Code, profile *FunctionProfile) {
		hot = append(hot, code.Name)
	}

	f, g := profiledCode("f"), profiledCode("g")
	p.RecordInvocation(f)
	p.RecordInvocation(g)
	p.RecordInvocation(f)
	p.RecordInvocation(f)

	if len(hot) != 1 || hot[0] != "f" {
		t.Errorf("Expected only f to become hot, got %v", hot)
	}
	if p.IsHot(g) {
		t.Error("g should still be cold")
	}
}

func TestProfilerStatsAndTop(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 3
	a, b, c := profiledCode("a"), profiledCode("b"), profiledCode("c")
	for i := 0; i < 4; i++ {
		p.RecordInvocation(b)
	}
	for i := 0; i < 2; i++ {
		p.RecordInvocation(a)
		p.RecordInvocation(c)
	}

	stats := p.Stats()
	if stats.Functions != 3 || stats.Hot != 1 || stats.Invocations != 8 {
		t.Errorf("unexpected stats %+v", stats)
	}

	top := p.Top(2)
	if len(top) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(top))
	}
	if top[0].Function != "b" || !top[0].Hot {
		t.Errorf("Expected hot b first, got %+v", top[0])
	}
	if top[1].Function != "a" {
		t.Errorf("ties should be ordered by name, got %+v", top[1])
	}

	p.Reset()
	if p.Stats().Functions != 0 {
		t.Error("Reset should clear all profiles")
	}
}

func TestProfilerConcurrentAccess(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 1000
	code := profiledCode("f")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.RecordInvocation(code)
			}
		}()
	}
	wg.Wait()

	if got := p.Profile(code).InvocationCount; got != 1000 {
		t.Errorf("Expected 1000 invocations, got %d", got)
	}
}
