package back

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kleczkowski/kompilator/compiler/asm"
	"github.com/kleczkowski/kompilator/compiler/diag"
	"github.com/kleczkowski/kompilator/compiler/ir"
	"github.com/kleczkowski/kompilator/compiler/vm"
)

func testGen() *gen {
	return newGen(asm.New(), diag.New("test", io.Discard))
}

func TestAddressAllocation(t *testing.T) {
	g := testGen()

	a := ir.Name{Sym: &ir.Symbol{Name: "a"}}
	tab := ir.Name{Sym: &ir.Symbol{Name: "tab", Kind: ir.Array, Lo: 0, Hi: 4}}
	b := ir.Name{Sym: &ir.Symbol{Name: "b"}}

	aa := g.addressOf(a)
	ta := g.addressOf(tab)
	ba := g.addressOf(b)

	if aa != 0 || ta != 1 || ba != 6 {
		t.Errorf("addresses %v %v %v, want 0 1 6", aa, ta, ba)
	}

	// stable on repeated reference
	if g.addressOf(tab) != ta {
		t.Errorf("address changed on second reference")
	}
}

func TestSelectPrefersFree(t *testing.T) {
	g := testGen()

	r1 := g.selectReg()
	r2 := g.selectReg()

	if r1 == r2 {
		t.Fatalf("selection returned a reserved register")
	}

	if r1 == asm.A || r2 == asm.A {
		t.Fatalf("address register handed out")
	}
}

func TestSelectSpills(t *testing.T) {
	g := testGen()

	var syms []ir.Operand

	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		o := ir.Name{Sym: &ir.Symbol{Name: n}}
		r := g.selectReg()
		g.seize(r, o)
		syms = append(syms, o)
	}

	if err := g.check(); err != nil {
		t.Fatalf("descriptors: %v", err)
	}

	g.clearSelection()

	before := g.out.Len()

	r := g.selectReg()

	if g.out.Len() == before {
		t.Fatalf("no spill emitted with a full register file")
	}

	found := false

	for _, ins := range g.out.Code[before:] {
		if ins.Op == asm.STORE {
			found = true
		}
	}

	if !found {
		t.Errorf("spill emitted no STORE")
	}

	if _, owned := g.owner[r]; owned {
		t.Errorf("selected register still owned")
	}

	if err := g.check(); err != nil {
		t.Errorf("descriptors after spill: %v", err)
	}

	// the victim is now memory-resident
	spilled := 0

	for _, o := range syms {
		l := g.loc[o]

		if l.InMem && !l.InReg {
			spilled++
		}
	}

	if spilled != 1 {
		t.Errorf("spilled operands: %v, want 1", spilled)
	}
}

func TestSeizeMovesOwnership(t *testing.T) {
	g := testGen()

	a := ir.Name{Sym: &ir.Symbol{Name: "a"}}
	b := ir.Name{Sym: &ir.Symbol{Name: "b"}}

	r := g.selectReg()
	g.seize(r, a)
	g.seize(r, b)

	if err := g.check(); err != nil {
		t.Fatalf("descriptors: %v", err)
	}

	if l := g.loc[b]; !l.InReg || l.Reg != r {
		t.Errorf("b not bound: %+v", l)
	}

	if _, ok := g.loc[a]; ok {
		t.Errorf("a still has a location after losing its register")
	}
}

func TestEmitConstStrategies(t *testing.T) {
	g := testGen()

	g.emitConstInt(asm.B, 6)

	// small values count up: SUB + 6 INC
	if got := g.out.Len(); got != 7 {
		t.Errorf("6 synthesized in %v instructions, want 7", got)
	}

	g2 := testGen()
	g2.emitConstInt(asm.B, 1000)

	// binary buildup beats a thousand INCs
	if got := g2.out.Len(); got >= 100 {
		t.Errorf("1000 synthesized in %v instructions", got)
	}

	g3 := testGen()
	g3.emitConstInt(asm.B, 0)

	if got := g3.out.Len(); got != 1 {
		t.Errorf("0 synthesized in %v instructions, want 1", got)
	}
}

func emitAndRun(t *testing.T, p *ir.Program, input string) []string {
	t.Helper()

	ctx := context.Background()

	a, err := New().Compile(ctx, p, diag.New("test", io.Discard))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	code, err := a.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	m := vm.New()
	m.MaxSteps = 1_000_000

	var out bytes.Buffer

	err = m.Run(ctx, code, strings.NewReader(input), &out)
	if err != nil {
		text, _ := a.Render(true)
		t.Fatalf("run: %v\n%s", err, text)
	}

	return strings.Fields(out.String())
}

func TestEmitArithmetic(t *testing.T) {
	a := ir.Name{Sym: &ir.Symbol{Name: "a", Initialized: true}}
	b := ir.Name{Sym: &ir.Symbol{Name: "b", Initialized: true}}
	c := ir.Name{Sym: &ir.Symbol{Name: "c"}}

	for _, tc := range []struct {
		op    ir.BinOp
		input string
		want  string
	}{
		{ir.OpAdd, "6 7", "13"},
		{ir.OpSub, "9 3", "6"},
		{ir.OpSub, "3 9", "0"},
		{ir.OpMul, "6 7", "42"},
		{ir.OpDiv, "22 7", "3"},
		{ir.OpDiv, "22 0", "0"},
		{ir.OpRem, "22 7", "1"},
		{ir.OpRem, "22 0", "0"},
	} {
		p := &ir.Program{
			Syms: &ir.SymTab{},
			Blocks: []ir.Block{{Label: "L0", Code: []ir.Instr{
				ir.Get{Dst: a},
				ir.Get{Dst: b},
				ir.Bin{Op: tc.op, Left: a, Right: b, Dst: c},
				ir.Put{Src: c},
				ir.Halt{},
			}}},
		}

		got := emitAndRun(t, p, tc.input)

		if len(got) != 1 || got[0] != tc.want {
			t.Errorf("%v on %q: got %v, want %v", tc.op, tc.input, got, tc.want)
		}
	}
}

func TestEmitIndexed(t *testing.T) {
	tab := &ir.Symbol{Name: "tab", Kind: ir.Array, Lo: 3, Hi: 7}
	i := ir.Name{Sym: &ir.Symbol{Name: "i", Initialized: true}}
	x := ir.Name{Sym: &ir.Symbol{Name: "x"}}

	p := &ir.Program{
		Syms: &ir.SymTab{},
		Blocks: []ir.Block{{Label: "L0", Code: []ir.Instr{
			ir.Get{Dst: i},
			ir.Store{Src: ir.ConstInt(77), Base: tab, Off: i},
			ir.Load{Base: tab, Off: ir.ConstInt(5), Dst: x},
			ir.Put{Src: x},
			ir.Halt{},
		}}},
	}

	got := emitAndRun(t, p, "5")

	if len(got) != 1 || got[0] != "77" {
		t.Errorf("indexed store/load: %v, want 77", got)
	}
}

func TestEmitBranchConditions(t *testing.T) {
	a := ir.Name{Sym: &ir.Symbol{Name: "a", Initialized: true}}
	b := ir.Name{Sym: &ir.Symbol{Name: "b", Initialized: true}}

	mk := func(c ir.Cond) *ir.Program {
		return &ir.Program{
			Syms: &ir.SymTab{},
			Blocks: []ir.Block{
				{Label: "L0", Code: []ir.Instr{
					ir.Get{Dst: a},
					ir.Get{Dst: b},
					ir.JumpIf{Cond: c, Left: a, Right: b, Then: 1, Else: 2},
				}},
				{Label: "L1", Code: []ir.Instr{ir.Put{Src: ir.ConstInt(1)}, ir.Jump{Block: 3}}},
				{Label: "L2", Code: []ir.Instr{ir.Put{Src: ir.ConstInt(0)}, ir.Jump{Block: 3}}},
				{Label: "L3", Code: []ir.Instr{ir.Halt{}}},
			},
		}
	}

	for _, tc := range []struct {
		c     ir.Cond
		input string
		want  string
	}{
		{ir.Eq, "4 4", "1"}, {ir.Eq, "4 5", "0"},
		{ir.Ne, "4 4", "0"}, {ir.Ne, "4 5", "1"},
		{ir.Lt, "3 4", "1"}, {ir.Lt, "4 4", "0"}, {ir.Lt, "5 4", "0"},
		{ir.Gt, "5 4", "1"}, {ir.Gt, "4 4", "0"}, {ir.Gt, "3 4", "0"},
		{ir.Le, "3 4", "1"}, {ir.Le, "4 4", "1"}, {ir.Le, "5 4", "0"},
		{ir.Ge, "5 4", "1"}, {ir.Ge, "4 4", "1"}, {ir.Ge, "3 4", "0"},
	} {
		got := emitAndRun(t, mk(tc.c), tc.input)

		if len(got) != 1 || got[0] != tc.want {
			t.Errorf("%v on %q: got %v, want %v", tc.c, tc.input, got, tc.want)
		}
	}
}

func TestEmitZeroCompare(t *testing.T) {
	a := ir.Name{Sym: &ir.Symbol{Name: "a", Initialized: true}}

	p := &ir.Program{
		Syms: &ir.SymTab{},
		Blocks: []ir.Block{
			{Label: "L0", Code: []ir.Instr{
				ir.Get{Dst: a},
				ir.JumpIf{Cond: ir.Eq, Left: a, Right: ir.ConstInt(0), Then: 1, Else: 2},
			}},
			{Label: "L1", Code: []ir.Instr{ir.Put{Src: ir.ConstInt(1)}, ir.Jump{Block: 3}}},
			{Label: "L2", Code: []ir.Instr{ir.Put{Src: ir.ConstInt(0)}, ir.Jump{Block: 3}}},
			{Label: "L3", Code: []ir.Instr{ir.Halt{}}},
		},
	}

	a2, err := New().Compile(context.Background(), p, diag.New("test", io.Discard))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	// comparing against literal zero must not synthesize a difference
	jzero := 0

	for _, ins := range a2.Code {
		if ins.Op == asm.JZERO {
			jzero++
		}
	}

	if jzero != 1 {
		t.Errorf("JZERO count %v, want exactly 1", jzero)
	}

	got := emitAndRun(t, p, "0")
	if len(got) != 1 || got[0] != "1" {
		t.Errorf("zero compare on 0: %v", got)
	}

	got = emitAndRun(t, p, "3")
	if len(got) != 1 || got[0] != "0" {
		t.Errorf("zero compare on 3: %v", got)
	}
}
