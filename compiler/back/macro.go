package back

import (
	"github.com/kleczkowski/kompilator/compiler/asm"
	"github.com/kleczkowski/kompilator/compiler/ir"
)

// Multi-instruction expansions for the operations the machine has no
// opcode for. Every macro takes operands, obtains registers through
// the allocator, and returns the register holding the result; the
// comparison jumps return nothing and emit a branch instead. All
// expansions preserve the machine's saturating semantics, so they
// agree with what the constant folder computes at compile time.

// copyOf loads the operand and copies it into a fresh scratch
// register the caller may destroy.
func (g *gen) copyOf(o ir.Operand) asm.Reg {
	rs := g.load(o)
	rd := g.selectReg()
	g.out.Emit2(asm.COPY, rd, rs)

	return rd
}

func (g *gen) inc(o ir.Operand) asm.Reg {
	rd := g.copyOf(o)
	g.out.Emit1(asm.INC, rd)

	return rd
}

func (g *gen) incD(o ir.Operand) asm.Reg {
	r := g.load(o)
	g.out.Emit1(asm.INC, r)

	return r
}

func (g *gen) dec(o ir.Operand) asm.Reg {
	rd := g.copyOf(o)
	g.out.Emit1(asm.DEC, rd)

	return rd
}

func (g *gen) decD(o ir.Operand) asm.Reg {
	r := g.load(o)
	g.out.Emit1(asm.DEC, r)

	return r
}

func (g *gen) add(l, r ir.Operand) asm.Reg {
	rd := g.copyOf(l)
	rr := g.load(r)
	g.out.Emit2(asm.ADD, rd, rr)

	return rd
}

func (g *gen) addD(l, r ir.Operand) asm.Reg {
	rl := g.load(l)
	rr := g.load(r)
	g.out.Emit2(asm.ADD, rl, rr)

	return rl
}

func (g *gen) sub(l, r ir.Operand) asm.Reg {
	rd := g.copyOf(l)
	rr := g.load(r)
	g.out.Emit2(asm.SUB, rd, rr)

	return rd
}

func (g *gen) subD(l, r ir.Operand) asm.Reg {
	rl := g.load(l)
	rr := g.load(r)
	g.out.Emit2(asm.SUB, rl, rr)

	return rl
}

func (g *gen) twiceD(o ir.Operand) asm.Reg {
	r := g.load(o)
	g.out.Emit2(asm.ADD, r, r)

	return r
}

func (g *gen) halfD(o ir.Operand) asm.Reg {
	r := g.load(o)
	g.out.Emit1(asm.HALF, r)

	return r
}

// rem2 computes o mod 2 from the odd bit.
func (g *gen) rem2(o ir.Operand) asm.Reg {
	rx := g.load(o)
	rd := g.selectReg()

	odd := g.newLabel("rem2.odd")
	done := g.newLabel("rem2.done")

	g.out.Emit2(asm.SUB, rd, rd)
	g.out.Branch(asm.JODD, rx, odd)
	g.out.Branch(asm.JUMP, 0, done)
	g.out.Label(odd)
	g.out.Emit1(asm.INC, rd)
	g.out.Label(done)

	return rd
}

// longMul is schoolbook binary multiplication: walk the bits of the
// right operand with HALF/JODD, doubling the left.
func (g *gen) longMul(l, r ir.Operand) asm.Reg {
	ra := g.copyOf(l)
	rb := g.copyOf(r)

	res := g.selectReg()
	g.out.Emit2(asm.SUB, res, res)

	loop := g.newLabel("mul.loop")
	odd := g.newLabel("mul.odd")
	shift := g.newLabel("mul.shift")
	done := g.newLabel("mul.done")

	g.out.Label(loop)
	g.out.Branch(asm.JZERO, rb, done)
	g.out.Branch(asm.JODD, rb, odd)
	g.out.Branch(asm.JUMP, 0, shift)
	g.out.Label(odd)
	g.out.Emit2(asm.ADD, res, ra)
	g.out.Label(shift)
	g.out.Emit2(asm.ADD, ra, ra)
	g.out.Emit1(asm.HALF, rb)
	g.out.Branch(asm.JUMP, 0, loop)
	g.out.Label(done)

	return res
}

// divmod is restoring long division: double the divisor until it
// tops the dividend, then walk back down shifting the quotient in.
// Division and remainder by zero both come out zero.
func (g *gen) divmod(l, r ir.Operand) (q, rem asm.Reg) {
	rr := g.copyOf(l)
	rd := g.copyOf(r)

	q = g.selectReg()
	g.out.Emit2(asm.SUB, q, q)

	k := g.selectReg()
	g.out.Emit2(asm.SUB, k, k)

	t := g.selectReg()

	zero := g.newLabel("div.zero")
	grow := g.newLabel("div.grow")
	dbl := g.newLabel("div.dbl")
	shrink := g.newLabel("div.shrink")
	fits := g.newLabel("div.fits")
	next := g.newLabel("div.next")
	done := g.newLabel("div.done")

	g.out.Branch(asm.JZERO, rd, zero)

	g.out.Label(grow)
	g.out.Emit2(asm.COPY, t, rd)
	g.out.Emit2(asm.SUB, t, rr)
	g.out.Branch(asm.JZERO, t, dbl)
	g.out.Branch(asm.JUMP, 0, shrink)

	g.out.Label(dbl)
	g.out.Emit2(asm.ADD, rd, rd)
	g.out.Emit1(asm.INC, k)
	g.out.Branch(asm.JUMP, 0, grow)

	g.out.Label(shrink)
	g.out.Branch(asm.JZERO, k, done)
	g.out.Emit1(asm.HALF, rd)
	g.out.Emit2(asm.ADD, q, q)
	g.out.Emit2(asm.COPY, t, rd)
	g.out.Emit2(asm.SUB, t, rr)
	g.out.Branch(asm.JZERO, t, fits)
	g.out.Branch(asm.JUMP, 0, next)

	g.out.Label(fits)
	g.out.Emit2(asm.SUB, rr, rd)
	g.out.Emit1(asm.INC, q)

	g.out.Label(next)
	g.out.Emit1(asm.DEC, k)
	g.out.Branch(asm.JUMP, 0, shrink)

	g.out.Label(zero)
	g.out.Emit2(asm.SUB, rr, rr)

	g.out.Label(done)

	return q, rr
}

func (g *gen) longDiv(l, r ir.Operand) asm.Reg {
	q, _ := g.divmod(l, r)
	return q
}

func (g *gen) longRem(l, r ir.Operand) asm.Reg {
	_, rem := g.divmod(l, r)
	return rem
}

// diff leaves max(0, l-r) in a scratch register; it is zero exactly
// when l <= r, which is what the comparison jumps build on.
func (g *gen) diff(l, r ir.Operand) asm.Reg {
	rd := g.copyOf(l)
	rr := g.load(r)
	g.out.Emit2(asm.SUB, rd, rr)

	return rd
}

func (g *gen) jumpLe(l, r ir.Operand, label string) {
	t := g.diff(l, r)
	g.out.Branch(asm.JZERO, t, label)
}

func (g *gen) jumpGe(l, r ir.Operand, label string) {
	g.jumpLe(r, l, label)
}

func (g *gen) jumpGt(l, r ir.Operand, label string) {
	t := g.diff(l, r)

	skip := g.newLabel("gt.skip")

	g.out.Branch(asm.JZERO, t, skip)
	g.out.Branch(asm.JUMP, 0, label)
	g.out.Label(skip)
}

func (g *gen) jumpLt(l, r ir.Operand, label string) {
	g.jumpGt(r, l, label)
}

func (g *gen) jumpEq(l, r ir.Operand, label string) {
	half := g.newLabel("eq.half")
	end := g.newLabel("eq.end")

	t := g.diff(l, r)
	g.out.Branch(asm.JZERO, t, half)
	g.out.Branch(asm.JUMP, 0, end)

	g.out.Label(half)
	t2 := g.diff(r, l)
	g.out.Branch(asm.JZERO, t2, label)

	g.out.Label(end)
}

func (g *gen) jumpNe(l, r ir.Operand, label string) {
	half := g.newLabel("ne.half")
	end := g.newLabel("ne.end")

	t := g.diff(l, r)
	g.out.Branch(asm.JZERO, t, half)
	g.out.Branch(asm.JUMP, 0, label)

	g.out.Label(half)
	t2 := g.diff(r, l)
	g.out.Branch(asm.JZERO, t2, end)
	g.out.Branch(asm.JUMP, 0, label)

	g.out.Label(end)
}
