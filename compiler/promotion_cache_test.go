package compiler

import (
	"testing"

	"github.com/chazu/psyco/codebuf"
)

func TestPromotionCacheEmpty(t *testing.T) {
	pc := NewPromotionCache(4)

	if _, ok := pc.Lookup(1); ok {
		t.Error("Expected miss from empty cache")
	}
	if pc.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", pc.Misses)
	}
	if pc.State != CacheEmpty {
		t.Errorf("Expected empty state, got %v", pc.State)
	}
}

func TestPromotionCacheMonomorphic(t *testing.T) {
	pc := NewPromotionCache(4)
	target := codebuf.MakeAddr(1, 0x40)

	pc.Update(7, target)
	if pc.State != CacheMonomorphic {
		t.Errorf("Expected monomorphic state, got %v", pc.State)
	}

	addr, ok := pc.Lookup(7)
	if !ok || addr != target {
		t.Error("Expected cache hit")
	}
	if pc.Hits != 1 {
		t.Errorf("Expected 1 hit, got %d", pc.Hits)
	}

	if _, ok := pc.Lookup(8); ok {
		t.Error("Expected cache miss for a different outcome")
	}
}

func TestPromotionCacheUpgradeToPolymorphic(t *testing.T) {
	pc := NewPromotionCache(4)
	pc.Update(1, codebuf.MakeAddr(1, 0x10))
	pc.Update(2, codebuf.MakeAddr(1, 0x20))

	if pc.State != CachePolymorphic {
		t.Errorf("Expected polymorphic, got %v", pc.State)
	}
	if pc.Outcomes() != 2 {
		t.Errorf("Expected 2 outcomes, got %d", pc.Outcomes())
	}
	for key, want := range map[uint64]codebuf.Addr{1: codebuf.MakeAddr(1, 0x10), 2: codebuf.MakeAddr(1, 0x20)} {
		if addr, ok := pc.Lookup(key); !ok || addr != want {
			t.Errorf("lookup %d: got %s, want %s", key, addr, want)
		}
	}

	// Updating a known outcome changes nothing.
	pc.Update(1, codebuf.MakeAddr(2, 0))
	if addr, _ := pc.Lookup(1); addr != codebuf.MakeAddr(1, 0x10) {
		t.Error("an outcome's continuation should never be replaced")
	}
}

func TestPromotionCacheMegamorphic(t *testing.T) {
	pc := NewPromotionCache(2)
	pc.Update(1, codebuf.MakeAddr(1, 0x10))
	pc.Update(2, codebuf.MakeAddr(1, 0x20))
	if !pc.Full() {
		t.Fatal("Expected the cache to be full")
	}
	pc.Update(3, codebuf.MakeAddr(1, 0x30))
	if pc.Outcomes() != 2 {
		t.Errorf("a full cache should not grow, got %d outcomes", pc.Outcomes())
	}

	generic := codebuf.MakeAddr(3, 0)
	pc.SetGeneric(generic)
	if pc.State != CacheMegamorphic {
		t.Errorf("Expected megamorphic, got %v", pc.State)
	}
	for _, key := range []uint64{1, 3, 99} {
		if addr, ok := pc.Lookup(key); !ok || addr != generic {
			t.Errorf("megamorphic lookup %d should return the generic continuation", key)
		}
	}

	pc.Update(4, codebuf.MakeAddr(4, 0))
	if pc.State != CacheMegamorphic {
		t.Error("megamorphic is terminal")
	}
}

func TestPromotionCacheHitRate(t *testing.T) {
	pc := NewPromotionCache(0)
	if pc.HitRate() != 0 {
		t.Error("Expected 0 hit rate on an unused cache")
	}
	pc.Lookup(1)
	pc.Update(1, codebuf.MakeAddr(1, 0))
	pc.Lookup(1)
	pc.Lookup(1)
	pc.Lookup(1)
	if rate := pc.HitRate(); rate != 75 {
		t.Errorf("Expected 75%% hit rate, got %.1f", rate)
	}
	if CacheMegamorphic.String() != "megamorphic" {
		t.Errorf("unexpected state name %q", CacheMegamorphic.String())
	}
}
