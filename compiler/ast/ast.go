package ast

import (
	"github.com/kleczkowski/kompilator/compiler/diag"
)

type (
	Pos = diag.Pos

	Program struct {
		Decls []Decl
		Body  []Cmd
	}

	Decl struct {
		Name    string
		IsArray bool
		Lo, Hi  int64
		Pos     Pos
	}

	Cmd interface {
		cmd()
	}

	// Ref is a storage reference: a scalar name or an indexed array
	// cell.
	Ref struct {
		Name     string
		HasIndex bool
		Index    *Value
		Pos      Pos
	}

	// Value is a literal or a reference.
	Value struct {
		IsNum bool
		Num   int64
		Ref   Ref
		Pos   Pos
	}

	// Expr is at most one binary operation; the grammar has no
	// nesting.
	Expr struct {
		Op   byte // '+', '-', '*', '/', '%', or 0 for a bare value
		L, R Value
		Pos  Pos
	}

	Cond struct {
		Rel  string // "=", "!=", "<", ">", "<=", ">="
		L, R Value
		Pos  Pos
	}

	Assign struct {
		Target Ref
		E      Expr
		Pos    Pos
	}

	If struct {
		C    Cond
		Then []Cmd
		Else []Cmd
		Pos  Pos
	}

	While struct {
		C    Cond
		Body []Cmd
		Pos  Pos
	}

	// DoWhile runs the body first and repeats while the condition
	// holds.
	DoWhile struct {
		Body []Cmd
		C    Cond
		Pos  Pos
	}

	For struct {
		Iter     string
		From, To Value
		Down     bool
		Body     []Cmd
		Pos      Pos
	}

	Read struct {
		Target Ref
		Pos    Pos
	}

	Write struct {
		V   Value
		Pos Pos
	}
)

func (Assign) cmd()  {}
func (If) cmd()      {}
func (While) cmd()   {}
func (DoWhile) cmd() {}
func (For) cmd()     {}
func (Read) cmd()    {}
func (Write) cmd()   {}
