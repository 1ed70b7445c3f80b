package opt

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/analysis"
	"github.com/kleczkowski/kompilator/compiler/ir"
)

// Fold propagates known constants and folds constant expressions,
// repeating until a full pass over all blocks changes nothing.
// Reaching definitions are recomputed between rounds so constants
// established in one block flow into the entry state of another.
//
// Folding uses the machine's saturating semantics (SatSub, SatDiv,
// SatRem), so folded and unfolded programs behave identically.
func Fold(ctx context.Context, p *ir.Program) (changed bool, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "fold constants")
	defer tr.Finish("err", &err)

	for round := 0; ; round++ {
		rd, err := analysis.Reach(ctx, p)
		if err != nil {
			return changed, errors.Wrap(err, "reaching defs")
		}

		roundChanged := false

		for bi := range p.Blocks {
			if foldBlock(p, bi, entryConsts(p, rd, bi)) {
				roundChanged = true
			}
		}

		tr.V("fold_rounds").Printw("fold round", "round", round, "changed", roundChanged)

		if !roundChanged {
			break
		}

		changed = true
	}

	return changed, nil
}

// entryConsts derives the constants known at block entry: an operand
// is known iff every definition of it reaching the entry moves the
// same literal.
func entryConsts(p *ir.Program, rd analysis.Reaching, bi int) map[ir.Operand]ir.Const {
	known := map[ir.Operand]ir.Const{}
	dirty := map[ir.Operand]bool{}

	for site := range rd.In[bi] {
		ins := p.Blocks[site.Block].Code[site.Index]

		d, ok := ir.Def(ins)
		if !ok {
			continue
		}

		var c ir.Const

		cok := false

		if mv, ok := ins.(ir.Move); ok {
			c, cok = mv.Src.(ir.Const)
		}

		if !cok {
			dirty[d] = true
			delete(known, d)
			continue
		}

		if dirty[d] {
			continue
		}

		if prev, ok := known[d]; ok && prev != c {
			dirty[d] = true
			delete(known, d)
			continue
		}

		known[d] = c
	}

	return known
}

type constSlot struct {
	Base *ir.Symbol
	Off  string
}

func foldBlock(p *ir.Program, bi int, known map[ir.Operand]ir.Const) (changed bool) {
	b := &p.Blocks[bi]

	slots := map[constSlot]ir.Const{}

	lookup := func(o ir.Operand) (ir.Const, bool) {
		if c, ok := o.(ir.Const); ok {
			return c, true
		}

		c, ok := known[o]

		return c, ok
	}

	subst := func(o ir.Operand) ir.Operand {
		if c, ok := lookup(o); ok {
			return c
		}

		return o
	}

	for ii, ins := range b.Code {
		old := ins

		switch x := ins.(type) {
		case ir.Move:
			x.Src = subst(x.Src)
			ins = x
		case ir.Put:
			x.Src = subst(x.Src)
			ins = x
		case ir.Load:
			x.Off = subst(x.Off)
			ins = x

			if c, ok := x.Off.(ir.Const); ok {
				if v, ok := slots[constSlot{x.Base, c.Text}]; ok {
					ins = ir.Move{Src: v, Dst: x.Dst}
				}
			}
		case ir.Store:
			x.Src = subst(x.Src)
			x.Off = subst(x.Off)
			ins = x
		case ir.Bin:
			x.Left = subst(x.Left)
			x.Right = subst(x.Right)
			ins = foldBin(x)
		case ir.JumpIf:
			x.Left = subst(x.Left)
			x.Right = subst(x.Right)
			ins = x

			l, lok := x.Left.(ir.Const)
			r, rok := x.Right.(ir.Const)

			if lok && rok {
				if ir.EvalCond(x.Cond, l.Big(), r.Big()) {
					ins = ir.Jump{Block: x.Then}
				} else {
					ins = ir.Jump{Block: x.Else}
				}
			}
		}

		switch x := ins.(type) {
		case ir.Move:
			if c, ok := x.Src.(ir.Const); ok {
				known[x.Dst] = c
			} else {
				delete(known, x.Dst)
			}
		case ir.Get:
			delete(known, x.Dst)
		case ir.Load:
			delete(known, x.Dst)
		case ir.Bin:
			delete(known, x.Dst)
		case ir.Store:
			if c, ok := x.Off.(ir.Const); ok {
				if v, ok := x.Src.(ir.Const); ok {
					slots[constSlot{x.Base, c.Text}] = v
				} else {
					delete(slots, constSlot{x.Base, c.Text})
				}
			} else {
				for k := range slots {
					if k.Base == x.Base {
						delete(slots, k)
					}
				}
			}
		}

		if ins != old {
			changed = true
			b.Code[ii] = ins
		}
	}

	return changed
}

// foldBin reduces an arithmetic quadruple with literal operands and
// applies neutral-element rewrites. Addition of one is deliberately
// left alone so the selector can emit INC.
func foldBin(x ir.Bin) ir.Instr {
	l, lok := x.Left.(ir.Const)
	r, rok := x.Right.(ir.Const)

	if lok && rok {
		return ir.Move{Src: ir.ConstBig(ir.EvalBin(x.Op, l.Big(), r.Big())), Dst: x.Dst}
	}

	move := func(src ir.Operand) ir.Instr {
		return ir.Move{Src: src, Dst: x.Dst}
	}

	switch x.Op {
	case ir.OpAdd:
		if lok && l.IsZero() {
			return move(x.Right)
		}
		if rok && r.IsZero() {
			return move(x.Left)
		}
	case ir.OpSub:
		if rok && r.IsZero() {
			return move(x.Left)
		}
		if lok && l.IsZero() {
			return move(ir.ConstInt(0))
		}
	case ir.OpMul:
		if lok && l.IsZero() || rok && r.IsZero() {
			return move(ir.ConstInt(0))
		}
		if lok && l.IsOne() {
			return move(x.Right)
		}
		if rok && r.IsOne() {
			return move(x.Left)
		}
	case ir.OpDiv:
		if lok && l.IsZero() || rok && r.IsZero() {
			return move(ir.ConstInt(0))
		}
		if rok && r.IsOne() {
			return move(x.Left)
		}
	case ir.OpRem:
		if lok && l.IsZero() || rok && (r.IsZero() || r.IsOne()) {
			return move(ir.ConstInt(0))
		}
	}

	return x
}
