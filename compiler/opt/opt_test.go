package opt

import (
	"context"
	"testing"

	"github.com/kleczkowski/kompilator/compiler/ir"
)

func oneBlock(code ...ir.Instr) *ir.Program {
	code = append(code, ir.Halt{})

	return &ir.Program{
		Blocks: []ir.Block{{Label: "L0", Code: code}},
		Syms:   &ir.SymTab{},
	}
}

func TestFoldArithmetic(t *testing.T) {
	a := ir.Name{Sym: &ir.Symbol{Name: "a"}}

	p := oneBlock(
		ir.Bin{Op: ir.OpAdd, Left: ir.ConstInt(2), Right: ir.ConstInt(3), Dst: a},
		ir.Put{Src: a},
	)

	if _, err := Fold(context.Background(), p); err != nil {
		t.Fatalf("fold: %v", err)
	}

	mv, ok := p.Blocks[0].Code[0].(ir.Move)
	if !ok || mv.Src != ir.ConstInt(5) {
		t.Errorf("add not folded: %v", p.Blocks[0].Code[0])
	}

	put, ok := p.Blocks[0].Code[1].(ir.Put)
	if !ok || put.Src != ir.ConstInt(5) {
		t.Errorf("constant not propagated into put: %v", p.Blocks[0].Code[1])
	}
}

func TestFoldSaturates(t *testing.T) {
	c := ir.Name{Sym: &ir.Symbol{Name: "c"}}

	for _, tc := range []struct {
		op   ir.BinOp
		l, r int64
		want string
	}{
		{ir.OpSub, 3, 5, "0"},
		{ir.OpDiv, 10, 0, "0"},
		{ir.OpRem, 10, 0, "0"},
		{ir.OpSub, 5, 3, "2"},
	} {
		p := oneBlock(ir.Bin{Op: tc.op, Left: ir.ConstInt(tc.l), Right: ir.ConstInt(tc.r), Dst: c})

		if _, err := Fold(context.Background(), p); err != nil {
			t.Fatalf("fold: %v", err)
		}

		mv, ok := p.Blocks[0].Code[0].(ir.Move)
		if !ok || mv.Src != (ir.Const{Text: tc.want}) {
			t.Errorf("%v %v %v folded to %v, want %v", tc.l, tc.op, tc.r, p.Blocks[0].Code[0], tc.want)
		}
	}
}

func TestFoldNeutral(t *testing.T) {
	a := ir.Name{Sym: &ir.Symbol{Name: "a", Initialized: true}}
	b := ir.Name{Sym: &ir.Symbol{Name: "b"}}

	p := oneBlock(
		ir.Get{Dst: a},
		ir.Bin{Op: ir.OpAdd, Left: a, Right: ir.ConstInt(0), Dst: b}, // b <- a
		ir.Bin{Op: ir.OpMul, Left: a, Right: ir.ConstInt(0), Dst: b}, // b <- 0
		ir.Bin{Op: ir.OpAdd, Left: a, Right: ir.ConstInt(1), Dst: b}, // kept for INC
		ir.Put{Src: b},
	)

	if _, err := Fold(context.Background(), p); err != nil {
		t.Fatalf("fold: %v", err)
	}

	code := p.Blocks[0].Code

	if mv, ok := code[1].(ir.Move); !ok || mv.Src != ir.Operand(a) {
		t.Errorf("a+0 not rewritten to move: %v", code[1])
	}

	if mv, ok := code[2].(ir.Move); !ok || mv.Src != ir.ConstInt(0) {
		t.Errorf("a*0 not rewritten to zero: %v", code[2])
	}

	if _, ok := code[3].(ir.Bin); !ok {
		t.Errorf("a+1 must stay an addition, got %v", code[3])
	}
}

func TestFoldBranch(t *testing.T) {
	a := ir.Name{Sym: &ir.Symbol{Name: "a"}}

	p := &ir.Program{
		Syms: &ir.SymTab{},
		Blocks: []ir.Block{
			{Label: "L0", Code: []ir.Instr{
				ir.JumpIf{Cond: ir.Lt, Left: ir.ConstInt(2), Right: ir.ConstInt(5), Then: 1, Else: 2},
			}},
			{Label: "L1", Code: []ir.Instr{ir.Move{Src: ir.ConstInt(1), Dst: a}, ir.Jump{Block: 3}}},
			{Label: "L2", Code: []ir.Instr{ir.Move{Src: ir.ConstInt(2), Dst: a}, ir.Jump{Block: 3}}},
			{Label: "L3", Code: []ir.Instr{ir.Put{Src: a}, ir.Halt{}}},
		},
	}

	if _, err := Fold(context.Background(), p); err != nil {
		t.Fatalf("fold: %v", err)
	}

	j, ok := p.Blocks[0].Code[0].(ir.Jump)
	if !ok || j.Block != 1 {
		t.Errorf("literal branch not folded: %v", p.Blocks[0].Code[0])
	}

	// the untaken arm no longer reaches the join, so a is 1 there
	put, ok := p.Blocks[3].Code[0].(ir.Put)
	if !ok || put.Src != ir.ConstInt(1) {
		t.Errorf("constant lost through folded branch: %v", p.Blocks[3].Code[0])
	}
}

func TestFoldIdempotent(t *testing.T) {
	a := ir.Name{Sym: &ir.Symbol{Name: "a"}}

	p := oneBlock(
		ir.Bin{Op: ir.OpMul, Left: ir.ConstInt(6), Right: ir.ConstInt(7), Dst: a},
		ir.Put{Src: a},
	)

	ctx := context.Background()

	if _, err := Fold(ctx, p); err != nil {
		t.Fatalf("fold: %v", err)
	}

	changed, err := Fold(ctx, p)
	if err != nil {
		t.Fatalf("fold again: %v", err)
	}

	if changed {
		t.Errorf("fold is not idempotent after convergence")
	}
}

func TestPromote(t *testing.T) {
	tab := &ir.Symbol{Name: "tab", Kind: ir.Array, Lo: 0, Hi: 2}
	x := ir.Name{Sym: &ir.Symbol{Name: "x"}}
	t0 := ir.Temp{ID: 0}

	p := &ir.Program{
		Syms: &ir.SymTab{},
		Blocks: []ir.Block{{Label: "L0", Code: []ir.Instr{
			ir.Store{Src: ir.ConstInt(10), Base: tab, Off: ir.ConstInt(0)},
			ir.Store{Src: ir.ConstInt(20), Base: tab, Off: ir.ConstInt(2)},
			ir.Load{Base: tab, Off: ir.ConstInt(2), Dst: t0},
			ir.Move{Src: t0, Dst: x},
			ir.Put{Src: x},
			ir.Halt{},
		}}},
	}

	changed, err := Promote(context.Background(), p)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}

	if !changed {
		t.Fatalf("promotion did not fire")
	}

	for _, ins := range p.Blocks[0].Code {
		switch ins.(type) {
		case ir.Load, ir.Store:
			t.Errorf("indexed access survived promotion: %v", ins)
		}
	}

	// same literal offset maps to the same slot
	mv0 := p.Blocks[0].Code[1].(ir.Move)
	mv1 := p.Blocks[0].Code[2].(ir.Move)

	if mv0.Dst != mv1.Src {
		t.Errorf("slot identity broken: store %v, load %v", mv0.Dst, mv1.Src)
	}
}

func TestPromoteSkipsComputedOffset(t *testing.T) {
	tab := &ir.Symbol{Name: "tab", Kind: ir.Array, Lo: 0, Hi: 2}
	i := ir.Name{Sym: &ir.Symbol{Name: "i"}}
	t0 := ir.Temp{ID: 0}

	p := oneBlock(
		ir.Store{Src: ir.ConstInt(10), Base: tab, Off: ir.ConstInt(0)},
		ir.Load{Base: tab, Off: i, Dst: t0},
		ir.Put{Src: t0},
	)

	changed, err := Promote(context.Background(), p)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}

	if changed {
		t.Errorf("array with computed offset was promoted")
	}
}

func TestDeadStores(t *testing.T) {
	a := ir.Name{Sym: &ir.Symbol{Name: "a"}}

	p := oneBlock(
		ir.Move{Src: ir.ConstInt(1), Dst: a},
		ir.Move{Src: ir.ConstInt(2), Dst: a},
		ir.Put{Src: a},
	)

	changed, err := DeadStores(context.Background(), p)
	if err != nil {
		t.Fatalf("deadstore: %v", err)
	}

	if !changed {
		t.Fatalf("dead store kept")
	}

	code := p.Blocks[0].Code

	if len(code) != 3 {
		t.Fatalf("code after elimination: %v", code)
	}

	if mv, ok := code[0].(ir.Move); !ok || mv.Src != ir.ConstInt(2) {
		t.Errorf("wrong store removed: %v", code[0])
	}
}

func TestDeadStoresKeepSideEffects(t *testing.T) {
	tab := &ir.Symbol{Name: "tab", Kind: ir.Array, Lo: 0, Hi: 2}
	a := ir.Name{Sym: &ir.Symbol{Name: "a", Initialized: true}}

	p := oneBlock(
		ir.Get{Dst: a},
		ir.Store{Src: a, Base: tab, Off: ir.ConstInt(1)},
		ir.Put{Src: a},
	)

	n := len(p.Blocks[0].Code)

	if _, err := DeadStores(context.Background(), p); err != nil {
		t.Fatalf("deadstore: %v", err)
	}

	if len(p.Blocks[0].Code) != n {
		t.Errorf("side-effecting instruction removed: %v", p.Blocks[0].Code)
	}
}
