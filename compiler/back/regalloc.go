package back

import (
	"fmt"
	"math/big"
	"math/bits"
	"sort"

	"tlog.app/go/errors"

	"github.com/kleczkowski/kompilator/compiler/analysis"
	"github.com/kleczkowski/kompilator/compiler/asm"
	"github.com/kleczkowski/kompilator/compiler/diag"
	"github.com/kleczkowski/kompilator/compiler/ir"
	"github.com/kleczkowski/kompilator/compiler/set"
)

type (
	// locs is the location descriptor of one operand: the value may
	// be cached in a register, valid in its memory home, or both.
	locs struct {
		Reg   asm.Reg
		InReg bool
		InMem bool
	}

	// gen is the per-emission state: the output buffer, the address
	// table, the location descriptors with their reverse register
	// ownership map, and the per-instruction selection set.
	gen struct {
		out  *asm.Program
		sink *diag.Sink

		addr map[ir.Operand]int64
		next int64

		loc   map[ir.Operand]locs
		owner map[asm.Reg]ir.Operand

		sel set.Bits[asm.Reg]

		labels map[string]int
	}
)

// spillBase is the flat penalty added to the address-constant cost
// when ranking spill victims.
const spillBase = 50

func newGen(out *asm.Program, sink *diag.Sink) *gen {
	return &gen{
		out:    out,
		sink:   sink,
		addr:   map[ir.Operand]int64{},
		loc:    map[ir.Operand]locs{},
		owner:  map[asm.Reg]ir.Operand{},
		labels: map[string]int{},
	}
}

func (g *gen) newLabel(pfx string) string {
	n := g.labels[pfx]
	g.labels[pfx]++

	return fmt.Sprintf(".%s%d", pfx, n)
}

// clearSelection frees the tentative register reservations; the driver
// calls it before lowering each IR instruction.
func (g *gen) clearSelection() {
	g.sel.Reset()
}

// addressOf assigns a memory home on first reference. Scalars take one
// word, arrays take Size consecutive words.
func (g *gen) addressOf(o ir.Operand) int64 {
	if a, ok := g.addr[o]; ok {
		return a
	}

	a := g.next
	g.addr[o] = a

	size := int64(1)

	if n, ok := o.(ir.Name); ok && n.Sym.Kind == ir.Array {
		size = n.Sym.Size()
	}

	g.next += size

	return a
}

func (g *gen) peekAddr(o ir.Operand) int64 {
	if a, ok := g.addr[o]; ok {
		return a
	}

	return g.next
}

// constCost is the cheaper of counting the value up by INC and
// building it bit by bit.
func constCost(v int64) int64 {
	bc := int64(5*bits.Len64(uint64(v))) + int64(bits.OnesCount64(uint64(v)))
	if v <= bc {
		return v
	}

	return bc
}

// selectReg picks a register outside the current selection set:
// an unbound one if possible, otherwise the bound register whose
// owner is cheapest to spill. The chosen register joins the
// selection set and is guaranteed unbound on return.
func (g *gen) selectReg() asm.Reg {
	for r := asm.B; r <= asm.H; r++ {
		if g.sel.IsSet(r) {
			continue
		}

		if _, owned := g.owner[r]; !owned {
			g.sel.Set(r)
			return r
		}
	}

	victim := asm.Reg(-1)
	cost := int64(0)

	for r := asm.B; r <= asm.H; r++ {
		if g.sel.IsSet(r) {
			continue
		}

		c := constCost(g.peekAddr(g.owner[r])) + spillBase

		if victim < 0 || c < cost {
			victim, cost = r, c
		}
	}

	if victim < 0 {
		panic("register file exhausted within one instruction")
	}

	g.spill(victim)
	g.sel.Set(victim)

	return victim
}

func (g *gen) spill(r asm.Reg) {
	o := g.owner[r]

	g.emitConstInt(asm.A, g.addressOf(o))
	g.out.Emit1(asm.STORE, r)
	g.out.CommentLast("spill %v", o)

	l := g.loc[o]
	l.InReg = false
	l.InMem = true
	g.loc[o] = l

	delete(g.owner, r)
}

// seize binds the register to the operand as its only location:
// whatever the register held before is detached, whatever locations
// the operand had are forgotten (a fresh definition makes any memory
// copy stale).
func (g *gen) seize(r asm.Reg, o ir.Operand) {
	if prev, ok := g.owner[r]; ok && prev != o {
		l := g.loc[prev]
		l.InReg = false

		if l.InMem {
			g.loc[prev] = l
		} else {
			delete(g.loc, prev)
		}
	}

	if l, ok := g.loc[o]; ok && l.InReg && l.Reg != r {
		delete(g.owner, l.Reg)
	}

	g.owner[r] = o
	g.loc[o] = locs{Reg: r, InReg: true}
	g.sel.Set(r)
}

// load makes the operand's value available in a register and returns
// it. Literals are synthesized into a scratch register. Operands with
// no location at all are uninitialized: a warning is recorded and a
// register is still handed out so lowering can continue.
func (g *gen) load(o ir.Operand) asm.Reg {
	if c, ok := o.(ir.Const); ok {
		r := g.selectReg()
		g.emitConst(r, c.Big())

		return r
	}

	l, ok := g.loc[o]

	if ok && l.InReg {
		g.sel.Set(l.Reg)

		return l.Reg
	}

	r := g.selectReg()

	if ok && l.InMem {
		g.emitConstInt(asm.A, g.addressOf(o))
		g.out.Emit1(asm.LOAD, r)
		g.out.CommentLast("load %v", o)

		g.owner[r] = o
		g.loc[o] = locs{Reg: r, InReg: true, InMem: true}

		return r
	}

	g.warnUninit(o)

	g.owner[r] = o
	g.loc[o] = locs{Reg: r, InReg: true}

	return r
}

func (g *gen) warnUninit(o ir.Operand) {
	switch x := o.(type) {
	case ir.Name:
		g.sink.Warnf(x.Sym.Pos, "%v may be used uninitialized", x.Sym.Name)
	default:
		g.sink.Warnf(diag.Pos{}, "%v read before it is set", o)
	}
}

// loadIndex loads base[off] through the address register.
func (g *gen) loadIndex(base *ir.Symbol, off ir.Operand) asm.Reg {
	r := g.selectReg()
	g.lea(base, off)
	g.out.Emit1(asm.LOAD, r)

	return r
}

// storeIndex stores src into base[off].
func (g *gen) storeIndex(src ir.Operand, base *ir.Symbol, off ir.Operand) {
	r := g.load(src)
	g.lea(base, off)
	g.out.Emit1(asm.STORE, r)
}

// lea leaves the effective address of base[off] in A. The relative
// base addr-lo may be negative; only its magnitude is synthesized and
// the sign picks ADD or SUB. Literal offsets collapse to a single
// constant. No register other than A and the scratch are written.
func (g *gen) lea(base *ir.Symbol, off ir.Operand) {
	baseAddr := g.addressOf(ir.Name{Sym: base})

	if c, ok := off.(ir.Const); ok {
		ea := new(big.Int).Sub(c.Big(), big.NewInt(base.Lo))
		ea.Add(ea, big.NewInt(baseAddr))

		if ea.Sign() < 0 {
			g.sink.Warnf(base.Pos, "%v(%v) is below the lower bound", base.Name, c)
			ea.SetInt64(0)
		}

		g.emitConst(asm.A, ea)

		return
	}

	roff := g.load(off)

	delta := baseAddr - base.Lo

	abs := delta
	if abs < 0 {
		abs = -abs
	}

	rd := g.selectReg()
	g.emitConstInt(rd, abs)

	g.out.Emit2(asm.COPY, asm.A, roff)

	if delta >= 0 {
		g.out.Emit2(asm.ADD, asm.A, rd)
	} else {
		g.out.Emit2(asm.SUB, asm.A, rd)
	}
}

// saveVariables flushes register-only values to memory at a
// control-flow boundary. Named variables go out when they are live
// past the block or when some successor is not dominated by this
// block (a merge with code reachable another way). Temporaries never
// cross blocks by construction; the live-out clause keeps them safe
// anyway.
func (g *gen) saveVariables(liveOut analysis.OpSet, domNext bool) {
	var ops []ir.Operand

	for o, l := range g.loc {
		if l.InReg && !l.InMem {
			ops = append(ops, o)
		}
	}

	sort.Slice(ops, func(i, j int) bool { return ops[i].Key() < ops[j].Key() })

	for _, o := range ops {
		save := false

		switch o.(type) {
		case ir.Name:
			save = liveOut.Has(o) || !domNext
		case ir.Temp:
			save = liveOut.Has(o)
		}

		if !save {
			continue
		}

		l := g.loc[o]

		g.emitConstInt(asm.A, g.addressOf(o))
		g.out.Emit1(asm.STORE, l.Reg)
		g.out.CommentLast("save %v", o)

		l.InMem = true
		g.loc[o] = l
	}
}

// resetRegisters drops every register binding; values do not survive
// into the next block except through memory.
func (g *gen) resetRegisters() {
	for o, l := range g.loc {
		if !l.InMem {
			delete(g.loc, o)
			continue
		}

		l.InReg = false
		g.loc[o] = l
	}

	for r := range g.owner {
		delete(g.owner, r)
	}
}

// emitConst synthesizes the literal v into r, choosing between
// counting up from zero and binary buildup by cost.
func (g *gen) emitConst(r asm.Reg, v *big.Int) {
	g.out.Emit2(asm.SUB, r, r)

	if v.Sign() <= 0 {
		return
	}

	bl := v.BitLen()
	binCost := int64(5*bl) + popcountBig(v)

	if v.IsInt64() && v.Int64() <= binCost {
		for i := int64(0); i < v.Int64(); i++ {
			g.out.Emit1(asm.INC, r)
		}

		return
	}

	for i := bl - 1; i >= 0; i-- {
		if i < bl-1 {
			g.out.Emit2(asm.ADD, r, r)
		}

		if v.Bit(i) == 1 {
			g.out.Emit1(asm.INC, r)
		}
	}
}

func (g *gen) emitConstInt(r asm.Reg, v int64) {
	g.emitConst(r, big.NewInt(v))
}

func popcountBig(v *big.Int) (n int64) {
	for _, w := range v.Bits() {
		n += int64(bits.OnesCount(uint(w)))
	}

	return n
}

// check verifies descriptor well-formedness: every non-A register is
// bound to at most one operand and every register binding in the
// descriptors has a matching ownership entry. Ownership entries with
// no matching descriptor are not checked.
func (g *gen) check() error {
	bound := map[asm.Reg]ir.Operand{}

	for o, l := range g.loc {
		if !l.InReg {
			continue
		}

		if l.Reg == asm.A {
			return errors.New("operand %v bound to the address register", o)
		}

		if prev, ok := bound[l.Reg]; ok {
			return errors.New("register %v bound to both %v and %v", l.Reg, prev, o)
		}

		bound[l.Reg] = o

		if own, ok := g.owner[l.Reg]; !ok || own != o {
			return errors.New("register %v: descriptor says %v, owner says %v", l.Reg, o, own)
		}
	}

	return nil
}
