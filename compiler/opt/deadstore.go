package opt

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/analysis"
	"github.com/kleczkowski/kompilator/compiler/ir"
)

// DeadStores drops pure definitions whose destination is dead right
// after the defining instruction, per the intra-block next-use maps.
// Covered: Move, arithmetic and indexed loads. Never touched: Put,
// Get, IndexedStore and terminators. Removing one store can expose
// another, so the pass repeats until stable.
func DeadStores(ctx context.Context, p *ir.Program) (changed bool, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "dead stores")
	defer tr.Finish("err", &err)

	removed := 0

	for {
		lv, err := analysis.Live(ctx, p)
		if err != nil {
			return changed, errors.Wrap(err, "liveness")
		}

		roundRemoved := 0

		for bi := range p.Blocks {
			b := &p.Blocks[bi]

			nu := analysis.NextUse(b, lv.Out[bi])
			kept := b.Code[:0]

			for ii, ins := range b.Code {
				if removable(ins) {
					d, _ := ir.Def(ins)

					if nu[ii][d].Dead {
						roundRemoved++
						continue
					}
				}

				kept = append(kept, ins)
			}

			b.Code = kept
		}

		if roundRemoved == 0 {
			break
		}

		removed += roundRemoved
		changed = true
	}

	tr.Printw("dead stores removed", "n", removed)

	return changed, nil
}

func removable(ins ir.Instr) bool {
	switch ins.(type) {
	case ir.Move, ir.Bin, ir.Load:
		return true
	}

	return false
}
