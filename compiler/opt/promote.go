package opt

import (
	"context"
	"fmt"
	"sort"

	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/ir"
)

// Promote rewrites arrays that are only ever indexed by literal
// offsets into a bank of fresh scalars, one per distinct offset.
// Every access becomes a plain Move, so the address-arithmetic macro
// never fires for them. Arrays with even one computed offset are left
// alone.
func Promote(ctx context.Context, p *ir.Program) (changed bool, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "promote arrays")
	defer tr.Finish("err", &err)

	bad := map[*ir.Symbol]bool{}
	seen := map[*ir.Symbol]bool{}

	note := func(base *ir.Symbol, off ir.Operand) {
		seen[base] = true

		if _, ok := off.(ir.Const); !ok {
			bad[base] = true
		}
	}

	for bi := range p.Blocks {
		for _, ins := range p.Blocks[bi].Code {
			switch x := ins.(type) {
			case ir.Load:
				note(x.Base, x.Off)
			case ir.Store:
				note(x.Base, x.Off)
			}
		}
	}

	var arrays []*ir.Symbol

	for s := range seen {
		if !bad[s] {
			arrays = append(arrays, s)
		}
	}

	sort.Slice(arrays, func(i, j int) bool { return arrays[i].Name < arrays[j].Name })

	if len(arrays) == 0 {
		return false, nil
	}

	promoted := map[*ir.Symbol]bool{}
	slots := map[slotKey]*ir.Symbol{}

	slot := func(base *ir.Symbol, off ir.Const) ir.Operand {
		k := slotKey{Base: base, Off: off.Text}

		s, ok := slots[k]
		if !ok {
			s = p.Syms.Add(&ir.Symbol{
				Name: fmt.Sprintf("%s(%s)", base.Name, off.Text),
				Kind: ir.Var,
				Pos:  base.Pos,
			})
			slots[k] = s
		}

		return ir.Name{Sym: s}
	}

	for _, s := range arrays {
		promoted[s] = true
	}

	for bi := range p.Blocks {
		b := &p.Blocks[bi]

		for ii, ins := range b.Code {
			switch x := ins.(type) {
			case ir.Load:
				if !promoted[x.Base] {
					continue
				}

				b.Code[ii] = ir.Move{Src: slot(x.Base, x.Off.(ir.Const)), Dst: x.Dst}
				changed = true
			case ir.Store:
				if !promoted[x.Base] {
					continue
				}

				b.Code[ii] = ir.Move{Src: x.Src, Dst: slot(x.Base, x.Off.(ir.Const))}
				changed = true
			}
		}
	}

	for _, s := range arrays {
		tr.Printw("promoted", "array", s.Name, "slots", countSlots(slots, s))
	}

	return changed, nil
}

type slotKey struct {
	Base *ir.Symbol
	Off  string
}

func countSlots(slots map[slotKey]*ir.Symbol, base *ir.Symbol) (n int) {
	for k := range slots {
		if k.Base == base {
			n++
		}
	}

	return n
}
