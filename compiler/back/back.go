package back

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/analysis"
	"github.com/kleczkowski/kompilator/compiler/asm"
	"github.com/kleczkowski/kompilator/compiler/diag"
	"github.com/kleczkowski/kompilator/compiler/ir"
)

type (
	Compiler struct{}
)

func New() *Compiler {
	return &Compiler{}
}

// Compile lowers the optimized IR into a machine program: blocks in
// input order, one pass, selecting specialized idioms where operand
// shapes allow and falling back to the macro expansions.
func (c *Compiler) Compile(ctx context.Context, p *ir.Program, sink *diag.Sink) (_ *asm.Program, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "back: emit", "blocks", len(p.Blocks))
	defer tr.Finish("err", &err)

	if err = p.Validate(); err != nil {
		return nil, errors.Wrap(err, "input cfg")
	}

	preds, err := analysis.Predecessors(p)
	if err != nil {
		return nil, errors.Wrap(err, "predecessors")
	}

	doms := analysis.Dominators(p, preds)

	lv, err := analysis.Live(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "liveness")
	}

	g := newGen(asm.New(), sink)

	for bi := range p.Blocks {
		b := &p.Blocks[bi]

		g.out.Label(b.Label)

		nu := analysis.NextUse(b, lv.Out[bi])

		domNext := true

		for _, s := range ir.Targets(b.Term()) {
			if !doms[s].IsSet(bi) {
				domNext = false
			}
		}

		for ii, ins := range b.Code {
			g.clearSelection()

			switch x := ins.(type) {
			case ir.Move:
				c.move(g, x, nu[ii])
			case ir.Get:
				r := g.selectReg()
				g.out.Emit1(asm.GET, r)
				g.seize(r, x.Dst)
			case ir.Put:
				r := g.load(x.Src)
				g.out.Emit1(asm.PUT, r)
			case ir.Load:
				r := g.loadIndex(x.Base, x.Off)
				g.seize(r, x.Dst)
			case ir.Store:
				g.storeIndex(x.Src, x.Base, x.Off)
			case ir.Bin:
				c.binary(g, x)
			case ir.Jump:
				g.saveVariables(lv.Out[bi], domNext)
				g.out.Branch(asm.JUMP, 0, p.Blocks[x.Block].Label)
				g.resetRegisters()
			case ir.JumpIf:
				g.saveVariables(lv.Out[bi], domNext)
				c.branch(g, x, p)
				g.resetRegisters()
			case ir.Halt:
				g.saveVariables(lv.Out[bi], domNext)
				g.out.Emit(asm.HALT)
				g.resetRegisters()
			default:
				panic(ins)
			}

			if tr.If("check_descriptors") {
				if err := g.check(); err != nil {
					return nil, errors.Wrap(err, "block %v instr %v", bi, ii)
				}
			}
		}

		tr.V("emit_blocks").Printw("block emitted", "block", bi, "label", b.Label, "len", g.out.Len())
	}

	return g.out, nil
}

func (c *Compiler) move(g *gen, x ir.Move, nu map[ir.Operand]analysis.Use) {
	if x.Src == x.Dst {
		return
	}

	if s, ok := x.Src.(ir.Const); ok {
		r := g.selectReg()
		g.emitConst(r, s.Big())
		g.seize(r, x.Dst)

		return
	}

	// a dying source hands its register over instead of copying
	if u, ok := nu[x.Src]; ok && u.Dead {
		if l, ok := g.loc[x.Src]; ok && l.InReg {
			g.sel.Set(l.Reg)
			g.seize(l.Reg, x.Dst)

			return
		}
	}

	r := g.load(x.Src)
	rd := g.selectReg()
	g.out.Emit2(asm.COPY, rd, r)
	g.seize(rd, x.Dst)
}

func (c *Compiler) binary(g *gen, x ir.Bin) {
	one := func(o ir.Operand) bool {
		c, ok := o.(ir.Const)
		return ok && c.IsOne()
	}
	two := func(o ir.Operand) bool {
		c, ok := o.(ir.Const)
		return ok && c.IsTwo()
	}

	var r asm.Reg

	switch x.Op {
	case ir.OpAdd:
		switch {
		case one(x.Right) && x.Left == x.Dst:
			r = g.incD(x.Left)
		case one(x.Left) && x.Right == x.Dst:
			r = g.incD(x.Right)
		case one(x.Right):
			r = g.inc(x.Left)
		case one(x.Left):
			r = g.inc(x.Right)
		case x.Left == x.Dst:
			r = g.addD(x.Left, x.Right)
		case x.Right == x.Dst:
			r = g.addD(x.Right, x.Left)
		default:
			r = g.add(x.Left, x.Right)
		}
	case ir.OpSub:
		switch {
		case one(x.Right) && x.Left == x.Dst:
			r = g.decD(x.Left)
		case one(x.Right):
			r = g.dec(x.Left)
		case x.Left == x.Dst:
			r = g.subD(x.Left, x.Right)
		default:
			r = g.sub(x.Left, x.Right)
		}
	case ir.OpMul:
		switch {
		case two(x.Right) && x.Left == x.Dst:
			r = g.twiceD(x.Left)
		case two(x.Left) && x.Right == x.Dst:
			r = g.twiceD(x.Right)
		default:
			r = g.longMul(x.Left, x.Right)
		}
	case ir.OpDiv:
		switch {
		case two(x.Right) && x.Left == x.Dst:
			r = g.halfD(x.Left)
		default:
			r = g.longDiv(x.Left, x.Right)
		}
	case ir.OpRem:
		switch {
		case two(x.Right):
			r = g.rem2(x.Left)
		default:
			r = g.longRem(x.Left, x.Right)
		}
	default:
		panic(x.Op)
	}

	g.seize(r, x.Dst)
}

func (c *Compiler) branch(g *gen, x ir.JumpIf, p *ir.Program) {
	thenL := p.Blocks[x.Then].Label
	elseL := p.Blocks[x.Else].Label

	zero := func(o ir.Operand) bool {
		c, ok := o.(ir.Const)
		return ok && c.IsZero()
	}

	if zero(x.Left) || zero(x.Right) {
		o, cond := x.Left, x.Cond

		if zero(x.Left) {
			o, cond = x.Right, flip(x.Cond)
		}

		// o <cond> 0 lowers to a bare JZERO, or to a plain JUMP when
		// the outcome is fixed (o < 0 never holds, o >= 0 always does)
		switch cond {
		case ir.Eq, ir.Le:
			r := g.load(o)
			g.out.Branch(asm.JZERO, r, thenL)
			g.out.Branch(asm.JUMP, 0, elseL)

			return
		case ir.Ne, ir.Gt:
			r := g.load(o)
			g.out.Branch(asm.JZERO, r, elseL)
			g.out.Branch(asm.JUMP, 0, thenL)

			return
		case ir.Lt:
			g.out.Branch(asm.JUMP, 0, elseL)

			return
		case ir.Ge:
			g.out.Branch(asm.JUMP, 0, thenL)

			return
		}
	}

	switch x.Cond {
	case ir.Eq:
		g.jumpEq(x.Left, x.Right, thenL)
	case ir.Ne:
		g.jumpNe(x.Left, x.Right, thenL)
	case ir.Lt:
		g.jumpLt(x.Left, x.Right, thenL)
	case ir.Gt:
		g.jumpGt(x.Left, x.Right, thenL)
	case ir.Le:
		g.jumpLe(x.Left, x.Right, thenL)
	case ir.Ge:
		g.jumpGe(x.Left, x.Right, thenL)
	default:
		panic(x.Cond)
	}

	g.out.Branch(asm.JUMP, 0, elseL)
}

// flip mirrors a relation so the literal moves to the right side.
func flip(c ir.Cond) ir.Cond {
	switch c {
	case ir.Lt:
		return ir.Gt
	case ir.Gt:
		return ir.Lt
	case ir.Le:
		return ir.Ge
	case ir.Ge:
		return ir.Le
	}

	return c
}
