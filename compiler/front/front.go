package front

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/ast"
	"github.com/kleczkowski/kompilator/compiler/diag"
	"github.com/kleczkowski/kompilator/compiler/ir"
)

type (
	state struct {
		sink *diag.Sink

		syms  *ir.SymTab
		scope map[string]*ir.Symbol

		blocks []ir.Block
		cur    int

		temps int
	}
)

// Lower checks the program and builds the basic-block IR the back end
// consumes. Semantic errors accumulate in the sink; the returned
// program is meaningful only if the sink stays clean.
func Lower(ctx context.Context, prg *ast.Program, sink *diag.Sink) (_ *ir.Program, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "front: lower", "decls", len(prg.Decls), "cmds", len(prg.Body))
	defer tr.Finish("err", &err)

	s := &state{
		sink:  sink,
		syms:  &ir.SymTab{},
		scope: map[string]*ir.Symbol{},
	}

	s.declare(prg.Decls)

	s.cur = s.addBlock()
	s.cmds(prg.Body)
	s.emit(ir.Halt{})

	p := &ir.Program{Blocks: s.blocks, Syms: s.syms}

	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "lowered cfg")
	}

	tr.Printw("lowered", "blocks", len(p.Blocks), "symbols", len(s.syms.Syms))

	return p, nil
}

func (s *state) declare(decls []ast.Decl) {
	for _, d := range decls {
		if _, ok := s.scope[d.Name]; ok {
			s.sink.Errorf(d.Pos, "%v is already declared", d.Name)
			continue
		}

		sym := &ir.Symbol{
			Name: d.Name,
			Pos:  d.Pos,
		}

		if d.IsArray {
			sym.Kind = ir.Array
			sym.Lo, sym.Hi = d.Lo, d.Hi

			if d.Hi < d.Lo {
				s.sink.Errorf(d.Pos, "bad bounds for %v: %v:%v", d.Name, d.Lo, d.Hi)
				sym.Hi = sym.Lo
			}
		}

		s.scope[d.Name] = s.syms.Add(sym)
	}
}

// intern registers a compiler-made symbol, renaming it if the table
// already holds the name (shadowed iterators of nested loops).
func (s *state) intern(sym *ir.Symbol) *ir.Symbol {
	if s.syms.Lookup(sym.Name) != nil {
		for n := 2; ; n++ {
			fresh := fmt.Sprintf("%s#%d", sym.Name, n)

			if s.syms.Lookup(fresh) == nil {
				sym.Name = fresh
				break
			}
		}
	}

	return s.syms.Add(sym)
}

func (s *state) addBlock() int {
	i := len(s.blocks)

	s.blocks = append(s.blocks, ir.Block{Label: fmt.Sprintf("L%d", i)})

	return i
}

func (s *state) emit(ins ir.Instr) {
	s.emitTo(s.cur, ins)
}

func (s *state) emitTo(b int, ins ir.Instr) {
	s.blocks[b].Code = append(s.blocks[b].Code, ins)
}

func (s *state) temp() ir.Temp {
	t := ir.Temp{ID: s.temps}
	s.temps++

	return t
}

func (s *state) cmds(cmds []ast.Cmd) {
	for _, c := range cmds {
		switch x := c.(type) {
		case ast.Assign:
			s.assign(x)
		case ast.Read:
			s.read(x)
		case ast.Write:
			s.write(x)
		case ast.If:
			s.ifCmd(x)
		case ast.While:
			s.while(x)
		case ast.DoWhile:
			s.doWhile(x)
		case ast.For:
			s.forCmd(x)
		default:
			panic(c)
		}
	}
}

// lookup resolves a name against the current scope.
func (s *state) lookup(name string, pos diag.Pos) *ir.Symbol {
	sym, ok := s.scope[name]
	if !ok {
		s.sink.Errorf(pos, "%v is not declared", name)

		// recover with a fake scalar so lowering can continue
		sym = s.intern(&ir.Symbol{Name: name, Pos: pos, Initialized: true})
		s.scope[name] = sym
	}

	return sym
}

// value lowers a literal or reference to an operand, loading array
// cells into fresh temporaries.
func (s *state) value(v ast.Value) ir.Operand {
	if v.IsNum {
		return ir.ConstInt(v.Num)
	}

	sym := s.lookup(v.Ref.Name, v.Ref.Pos)

	if !v.Ref.HasIndex {
		if sym.Kind == ir.Array {
			s.sink.Errorf(v.Ref.Pos, "%v is an array, index it", sym.Name)
			return ir.ConstInt(0)
		}

		if !sym.Initialized {
			s.sink.Errorf(v.Ref.Pos, "%v is used before being set", sym.Name)
		}

		return ir.Name{Sym: sym}
	}

	if sym.Kind != ir.Array {
		s.sink.Errorf(v.Ref.Pos, "%v is not an array", sym.Name)
		return ir.ConstInt(0)
	}

	off := s.value(*v.Ref.Index)

	t := s.temp()
	s.emit(ir.Load{Base: sym, Off: off, Dst: t})

	return t
}

// target resolves an assignment destination. Array cells return the
// base symbol and offset; scalars return a Name destination.
func (s *state) target(r ast.Ref) (dst ir.Operand, base *ir.Symbol, off ir.Operand) {
	sym := s.lookup(r.Name, r.Pos)

	if r.HasIndex {
		if sym.Kind != ir.Array {
			s.sink.Errorf(r.Pos, "%v is not an array", sym.Name)
			return ir.Name{Sym: sym}, nil, nil
		}

		return nil, sym, s.value(*r.Index)
	}

	if sym.Kind == ir.Array {
		s.sink.Errorf(r.Pos, "%v is an array, index it", sym.Name)
		return s.temp(), nil, nil
	}

	if sym.Iterator {
		s.sink.Errorf(r.Pos, "%v is a loop iterator and cannot be assigned", sym.Name)
		return s.temp(), nil, nil
	}

	sym.Initialized = true

	return ir.Name{Sym: sym}, nil, nil
}

func (s *state) assign(x ast.Assign) {
	dst, base, off := s.target(x.Target)

	if base != nil {
		// array destination: compute into a temp, then store
		var src ir.Operand

		if x.E.Op == 0 {
			src = s.value(x.E.L)
		} else {
			t := s.temp()
			s.emit(ir.Bin{Op: binOp(x.E.Op), Left: s.value(x.E.L), Right: s.value(x.E.R), Dst: t})
			src = t
		}

		s.emit(ir.Store{Src: src, Base: base, Off: off})

		return
	}

	if x.E.Op == 0 {
		s.emit(ir.Move{Src: s.value(x.E.L), Dst: dst})
		return
	}

	s.emit(ir.Bin{Op: binOp(x.E.Op), Left: s.value(x.E.L), Right: s.value(x.E.R), Dst: dst})
}

func (s *state) read(x ast.Read) {
	dst, base, off := s.target(x.Target)

	if base != nil {
		t := s.temp()
		s.emit(ir.Get{Dst: t})
		s.emit(ir.Store{Src: t, Base: base, Off: off})

		return
	}

	s.emit(ir.Get{Dst: dst})
}

func (s *state) write(x ast.Write) {
	s.emit(ir.Put{Src: s.value(x.V)})
}

func (s *state) ifCmd(x ast.If) {
	rel, l, r := s.cond(x.C)

	head := s.cur

	thenB := s.addBlock()
	elseB := thenB

	if x.Else != nil {
		elseB = s.addBlock()
	}

	s.cur = thenB
	s.cmds(x.Then)
	thenEnd := s.cur

	elseEnd := -1

	if x.Else != nil {
		s.cur = elseB
		s.cmds(x.Else)
		elseEnd = s.cur
	}

	join := s.addBlock()

	if x.Else == nil {
		elseB = join
	}

	s.emitTo(head, ir.JumpIf{Cond: rel, Left: l, Right: r, Then: thenB, Else: elseB})
	s.emitTo(thenEnd, ir.Jump{Block: join})

	if elseEnd >= 0 {
		s.emitTo(elseEnd, ir.Jump{Block: join})
	}

	s.cur = join
}

func (s *state) while(x ast.While) {
	condB := s.addBlock()
	s.emit(ir.Jump{Block: condB})

	s.cur = condB
	rel, l, r := s.cond(x.C)
	condEnd := s.cur

	bodyB := s.addBlock()
	s.cur = bodyB
	s.cmds(x.Body)
	s.emit(ir.Jump{Block: condB})

	exit := s.addBlock()

	s.emitTo(condEnd, ir.JumpIf{Cond: rel, Left: l, Right: r, Then: bodyB, Else: exit})

	s.cur = exit
}

func (s *state) doWhile(x ast.DoWhile) {
	bodyB := s.addBlock()
	s.emit(ir.Jump{Block: bodyB})

	s.cur = bodyB
	s.cmds(x.Body)

	rel, l, r := s.cond(x.C)
	bodyEnd := s.cur

	exit := s.addBlock()

	s.emitTo(bodyEnd, ir.JumpIf{Cond: rel, Left: l, Right: r, Then: bodyB, Else: exit})

	s.cur = exit
}

// forCmd lowers a counted loop: the bounds are captured once, the
// iterator steps by one, and a hidden down-counter decides the exit,
// so rebinding variables used in the bounds cannot change the trip
// count.
func (s *state) forCmd(x ast.For) {
	from := s.value(x.From)
	to := s.value(x.To)

	iter := s.intern(&ir.Symbol{
		Name:        x.Iter,
		Iterator:    true,
		Initialized: true,
		Pos:         x.Pos,
	})

	ctr := s.intern(&ir.Symbol{
		Name:        x.Iter + "#ctr",
		Initialized: true,
		Pos:         x.Pos,
	})

	shadowed, wasShadowed := s.scope[x.Iter]
	s.scope[x.Iter] = iter

	iterOp := ir.Name{Sym: iter}
	ctrOp := ir.Name{Sym: ctr}

	s.emit(ir.Move{Src: from, Dst: iterOp})

	guard := ir.Le

	if x.Down {
		guard = ir.Ge
		s.emit(ir.Bin{Op: ir.OpSub, Left: from, Right: to, Dst: ctrOp})
	} else {
		s.emit(ir.Bin{Op: ir.OpSub, Left: to, Right: from, Dst: ctrOp})
	}

	s.emit(ir.Bin{Op: ir.OpAdd, Left: ctrOp, Right: ir.ConstInt(1), Dst: ctrOp})

	head := s.cur

	bodyB := s.addBlock()
	s.cur = bodyB
	s.cmds(x.Body)

	step := ir.OpAdd
	if x.Down {
		step = ir.OpSub
	}

	s.emit(ir.Bin{Op: step, Left: iterOp, Right: ir.ConstInt(1), Dst: iterOp})
	s.emit(ir.Bin{Op: ir.OpSub, Left: ctrOp, Right: ir.ConstInt(1), Dst: ctrOp})

	bodyEnd := s.cur

	exit := s.addBlock()

	s.emitTo(head, ir.JumpIf{Cond: guard, Left: from, Right: to, Then: bodyB, Else: exit})
	s.emitTo(bodyEnd, ir.JumpIf{Cond: ir.Eq, Left: ctrOp, Right: ir.ConstInt(0), Then: exit, Else: bodyB})

	s.cur = exit

	if wasShadowed {
		s.scope[x.Iter] = shadowed
	} else {
		delete(s.scope, x.Iter)
	}
}

func (s *state) cond(c ast.Cond) (ir.Cond, ir.Operand, ir.Operand) {
	return rel(c.Rel), s.value(c.L), s.value(c.R)
}

func binOp(op byte) ir.BinOp {
	switch op {
	case '+':
		return ir.OpAdd
	case '-':
		return ir.OpSub
	case '*':
		return ir.OpMul
	case '/':
		return ir.OpDiv
	case '%':
		return ir.OpRem
	}

	panic(op)
}

func rel(r string) ir.Cond {
	switch r {
	case "=":
		return ir.Eq
	case "!=":
		return ir.Ne
	case "<":
		return ir.Lt
	case ">":
		return ir.Gt
	case "<=":
		return ir.Le
	case ">=":
		return ir.Ge
	}

	panic(r)
}
