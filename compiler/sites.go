package compiler

import (
	"fmt"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/codebuf"
	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

// siteKind distinguishes the places where compilation waits for the
// running program.
type siteKind uint8

const (
	// siteGuard is a conditional jump whose taken arm is compiled the
	// first time it is taken.
	siteGuard siteKind = iota + 1
	// sitePromoteKind dispatches on the kind of an object.
	sitePromoteKind
	// sitePromoteValue dispatches on the exact value of a raw integer.
	sitePromoteValue
)

func (k siteKind) String() string {
	switch k {
	case siteGuard:
		return "guard"
	case sitePromoteKind:
		return "promote-kind"
	case sitePromoteValue:
		return "promote-value"
	}
	return fmt.Sprintf("site(%d)", uint8(k))
}

// decision is the outcome of one guard or promotion within an instruction.
type decision struct {
	kind  siteKind
	taken bool   // guards
	word  uint64 // promotions: the kind or value seen
	mega  bool   // promotions: the generic continuation
}

// site is a guard or promotion waiting for the running program. It keeps
// what is needed to restart compilation of its instruction: the state at
// the start of the instruction, the outcomes of the earlier sites in it,
// and the fingerprint of the code emitted before it.
type site struct {
	id         uint32
	kind       siteKind
	code       *bytecode.Code
	pos        int
	checkpoint *FrameState
	path       []decision
	fp         uint64
	count      int

	// Guards.
	trap     codebuf.Addr
	resolved bool
	target   codebuf.Addr

	// Promotions.
	cache *PromotionCache
}

func (c *Compiler) newSite(kind siteKind) *site {
	c.commit("site registration")
	p := c.p
	s := &site{
		id:         uint32(len(c.sites)),
		kind:       kind,
		code:       p.st.Code,
		pos:        p.st.Pos,
		checkpoint: p.checkpoint,
		path:       append([]decision(nil), p.decisions...),
		fp:         p.fp.Sum(),
		count:      p.fp.Count(),
	}
	c.sites = append(c.sites, s)
	if kind == siteGuard {
		c.stats.GuardSites++
	} else {
		c.stats.PromotionSites++
		s.cache = NewPromotionCache(c.opts.MaxPromotions)
	}
	return s
}

// branch emits a guard: when cc holds at run time, control leaves the
// current path. It reports whether the code being compiled is that arm,
// which only happens when respawning from the guard.
func (c *Compiler) branch(cc machine.Cond) bool {
	p := c.p
	if d, ok := c.replay(siteGuard); ok {
		if !d.taken {
			c.lazyArm(cc, 0)
		}
		p.decisions = append(p.decisions, d)
		return d.taken
	}
	s := c.newSite(siteGuard)
	s.trap = c.lazyArm(cc, s.id)
	p.decisions = append(p.decisions, decision{kind: siteGuard})
	return false
}

// lazyArm emits a jump over a trap that stands in for the code of the arm
// taken when cc holds.
func (c *Compiler) lazyArm(cc machine.Cond, id uint32) codebuf.Addr {
	e := c.emit()
	at := e.Reserve(machine.JccSize + machine.TrapSize)
	e.JumpIf(cc.Negate(), at.Add(machine.JccSize+machine.TrapSize))
	return e.Trap(id)
}

// promote asks the running program for the kind of the object v, or for
// the value of the raw integer v. It returns false when the current path
// ends at the new promotion; otherwise the answer has been applied to v
// (unless the site went megamorphic, in which case v is unchanged).
func (c *Compiler) promote(v *Vinfo, kind siteKind) bool {
	p := c.p
	if d, ok := c.replay(kind); ok {
		p.decisions = append(p.decisions, d)
		c.applyPromotion(v, d)
		return true
	}
	if !v.IsRunTime() {
		panic(fmt.Sprintf("compiler: promotion of %s", v))
	}
	if kind == sitePromoteValue && !v.IsRaw() {
		panic(fmt.Sprintf("compiler: value promotion of object %s", v))
	}
	s := c.newSite(kind)
	c.emit().Promote(s.id, c.operand(v))
	return false
}

func (c *Compiler) applyPromotion(v *Vinfo, d decision) {
	if d.mega {
		return
	}
	switch d.kind {
	case sitePromoteKind:
		v.Source = v.Source.WithType(object.Kind(d.word))
	case sitePromoteValue:
		c.state().releaseLocation(v)
		v.Source = Source(CompileTime)
		v.Known = &Known{Word: d.word, Raw: true}
	}
}

// replay returns the recorded outcome of the next site in the current
// instruction when the path is re-deriving code that already ran. Reaching
// the site being respawned switches the path to a real assembler.
func (c *Compiler) replay(kind siteKind) (decision, bool) {
	p := c.p
	t := p.target
	if t == nil {
		return decision{}, false
	}
	k := len(p.decisions)
	if k < len(t.path) {
		d := t.path[k]
		if d.kind != kind {
			panic(fmt.Sprintf("compiler: respawn of site %d diverged: expected %s, reached %s", t.id, d.kind, kind))
		}
		return d, true
	}
	if kind != t.kind {
		panic(fmt.Sprintf("compiler: respawn of site %d reached a %s instead of a %s", t.id, kind, t.kind))
	}
	if c.opts.VerifyRespawn && (p.fp.Sum() != t.fp || p.fp.Count() != t.count) {
		panic(fmt.Sprintf("compiler: respawn of site %d in %s at %d did not reproduce the code before it (%d instructions, expected %d)",
			t.id, t.code.Name, t.pos, p.fp.Count(), t.count))
	}
	d := p.outcome
	c.resume()
	return d, true
}

// resume continues the path in a fresh code buffer.
func (c *Compiler) resume() {
	p := c.p
	asm := machine.NewAssembler(c.pool)
	asm.SetFingerprint(p.fp)
	p.emit = asm
	p.asm = asm
	p.start = asm.Here()
	p.target = nil
}

// respawn compiles the continuation of s for the given outcome.
func (c *Compiler) respawn(s *site, outcome decision) codebuf.Addr {
	d := machine.NewDiscard()
	p := &path{
		st:         s.checkpoint.Clone(),
		emit:       d,
		fp:         d.Fingerprint(),
		checkpoint: s.checkpoint,
		target:     s,
		outcome:    outcome,
		skipMerge:  true,
	}
	return c.run(p)
}

// Respawn is reached the first time a guard's arm is taken. It compiles
// the arm and patches the trap into a jump to it.
func (c *Compiler) Respawn(id uint32) codebuf.Addr {
	s := c.site(id)
	if s.kind != siteGuard {
		panic(fmt.Sprintf("compiler: trap on %s site %d", s.kind, id))
	}
	if s.resolved {
		return s.target
	}
	c.stats.Respawns++
	log.Infof("respawning %s at %d from guard %d", s.code.Name, s.pos, id)
	addr := c.respawn(s, decision{kind: siteGuard, taken: true})
	machine.PatchJump(c.pool, s.trap, addr)
	s.resolved = true
	s.target = addr
	return addr
}

// Promote is reached from a promotion with the value seen. Each new kind
// or value compiles its own continuation until the site's cache is full;
// after that one generic continuation serves every outcome.
func (c *Compiler) Promote(id uint32, word uint64) codebuf.Addr {
	s := c.site(id)
	key := word
	if s.kind == sitePromoteKind {
		key = uint64(c.heap.Kind(object.Ref(word)))
	}
	if addr, ok := s.cache.Lookup(key); ok {
		return addr
	}
	c.stats.Respawns++
	if s.cache.Full() {
		log.Infof("promotion %d in %s at %d is megamorphic", id, s.code.Name, s.pos)
		addr := c.respawn(s, decision{kind: s.kind, mega: true})
		s.cache.SetGeneric(addr)
		c.stats.Megamorphic++
		return addr
	}
	log.Infof("respawning %s at %d from promotion %d with %s", s.code.Name, s.pos, id, c.describeOutcome(s.kind, key))
	addr := c.respawn(s, decision{kind: s.kind, word: key})
	s.cache.Update(key, addr)
	return addr
}

func (c *Compiler) site(id uint32) *site {
	if int(id) >= len(c.sites) {
		panic(fmt.Sprintf("compiler: unknown site %d", id))
	}
	return c.sites[id]
}

func (c *Compiler) describeOutcome(kind siteKind, key uint64) string {
	if kind == sitePromoteKind {
		return object.Kind(key).String()
	}
	return fmt.Sprintf("%d", int64(key))
}
