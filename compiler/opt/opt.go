package opt

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/ir"
)

// Optimize runs the pass pipeline in place: array-to-scalar promotion,
// constant propagation and folding to a fixpoint, then dead-store
// elimination. The CFG is re-validated after every pass.
func Optimize(ctx context.Context, p *ir.Program) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "optimize", "blocks", len(p.Blocks))
	defer tr.Finish("err", &err)

	passes := []struct {
		name string
		run  func(context.Context, *ir.Program) (bool, error)
	}{
		{"promote", Promote},
		{"fold", Fold},
		{"deadstore", DeadStores},
	}

	for _, pass := range passes {
		changed, err := pass.run(ctx, p)
		if err != nil {
			return errors.Wrap(err, "%v", pass.name)
		}

		if err = p.Validate(); err != nil {
			return errors.Wrap(err, "%v: cfg broken", pass.name)
		}

		tr.Printw("pass done", "pass", pass.name, "changed", changed)

		if changed && tr.If("dump_ir_"+pass.name) {
			tr.Printw("ir after pass", "pass", pass.name, "ir", string(p.Dump()))
		}
	}

	return nil
}
