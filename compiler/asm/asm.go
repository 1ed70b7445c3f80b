package asm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tlog.app/go/errors"
)

type (
	// Reg is one of the eight machine registers. A doubles as the
	// address register for LOAD and STORE.
	Reg int8

	Op int8

	// Instr is one target instruction. Jumps carry a symbolic label
	// until Resolve turns it into an instruction index.
	Instr struct {
		Op   Op
		R, S Reg

		Target string

		Comment string
	}

	// Program is an instruction buffer plus the label table mapping
	// each label to the index of the instruction it lands on.
	Program struct {
		Code   []Instr
		Labels map[string]int
	}

	// Resolved is an executable instruction: jump targets are indices.
	Resolved struct {
		Op   Op
		R, S Reg
		Arg  int
	}
)

const (
	A Reg = iota
	B
	C
	D
	E
	F
	G
	H

	NumRegs = 8
)

const (
	GET Op = iota
	PUT
	LOAD
	STORE
	COPY
	ADD
	SUB
	HALF
	INC
	DEC
	JUMP
	JZERO
	JODD
	HALT
)

var opNames = [...]string{
	GET:   "GET",
	PUT:   "PUT",
	LOAD:  "LOAD",
	STORE: "STORE",
	COPY:  "COPY",
	ADD:   "ADD",
	SUB:   "SUB",
	HALF:  "HALF",
	INC:   "INC",
	DEC:   "DEC",
	JUMP:  "JUMP",
	JZERO: "JZERO",
	JODD:  "JODD",
	HALT:  "HALT",
}

func (r Reg) String() string {
	if r < 0 || r >= NumRegs {
		return "?"
	}

	return string(rune('A' + r))
}

func (op Op) String() string {
	if int(op) >= len(opNames) {
		return "?"
	}

	return opNames[op]
}

func New() *Program {
	return &Program{
		Labels: map[string]int{},
	}
}

// Label pins a name to the next emitted instruction. Several labels
// may land on the same index.
func (p *Program) Label(name string) {
	if _, ok := p.Labels[name]; ok {
		panic("duplicate label: " + name)
	}

	p.Labels[name] = len(p.Code)
}

func (p *Program) Emit(op Op) {
	p.Code = append(p.Code, Instr{Op: op})
}

func (p *Program) Emit1(op Op, r Reg) {
	p.Code = append(p.Code, Instr{Op: op, R: r})
}

func (p *Program) Emit2(op Op, r, s Reg) {
	p.Code = append(p.Code, Instr{Op: op, R: r, S: s})
}

// Branch emits JUMP, JZERO or JODD with a symbolic target.
func (p *Program) Branch(op Op, r Reg, target string) {
	p.Code = append(p.Code, Instr{Op: op, R: r, Target: target})
}

// CommentLast attaches a debug note to the last emitted instruction.
func (p *Program) CommentLast(f string, args ...any) {
	if len(p.Code) == 0 {
		return
	}

	p.Code[len(p.Code)-1].Comment = fmt.Sprintf(f, args...)
}

func (p *Program) Len() int { return len(p.Code) }

// Resolve maps every symbolic jump target to its instruction index.
// Unknown targets are programming errors of the emitter.
func (p *Program) Resolve() ([]Resolved, error) {
	out := make([]Resolved, len(p.Code))

	for i, ins := range p.Code {
		r := Resolved{Op: ins.Op, R: ins.R, S: ins.S}

		switch ins.Op {
		case JUMP, JZERO, JODD:
			t, ok := p.Labels[ins.Target]
			if !ok {
				return nil, errors.New("unresolved label %q at %v", ins.Target, i)
			}

			r.Arg = t
		}

		out[i] = r
	}

	return out, nil
}

// Render produces the text form, one instruction per line, jumps
// resolved to numeric indices. With debug, label points are prefixed
// with comment lines and emitter notes are kept inline.
func (p *Program) Render(debug bool) ([]byte, error) {
	code, err := p.Resolve()
	if err != nil {
		return nil, errors.Wrap(err, "resolve")
	}

	at := map[int][]string{}

	if debug {
		for name, i := range p.Labels {
			at[i] = append(at[i], name)
		}

		for _, l := range at {
			sort.Strings(l)
		}
	}

	var b []byte

	for i, ins := range code {
		for _, name := range at[i] {
			b = fmt.Appendf(b, "# %s:\n", name)
		}

		b = appendInstr(b, ins)

		if debug && p.Code[i].Comment != "" {
			b = fmt.Appendf(b, "  # %s", p.Code[i].Comment)
		}

		b = append(b, '\n')
	}

	return b, nil
}

func appendInstr(b []byte, ins Resolved) []byte {
	switch ins.Op {
	case GET, PUT, LOAD, STORE, HALF, INC, DEC:
		return fmt.Appendf(b, "%v %v", ins.Op, ins.R)
	case COPY, ADD, SUB:
		return fmt.Appendf(b, "%v %v %v", ins.Op, ins.R, ins.S)
	case JUMP:
		return fmt.Appendf(b, "%v %v", ins.Op, ins.Arg)
	case JZERO, JODD:
		return fmt.Appendf(b, "%v %v %v", ins.Op, ins.R, ins.Arg)
	case HALT:
		return fmt.Appendf(b, "%v", ins.Op)
	}

	panic(ins.Op)
}

// ParseText reads the text form back, accepting the same shape Render
// produces. Comment lines and inline comments are skipped.
func ParseText(text []byte) ([]Resolved, error) {
	var out []Resolved

	for ln, line := range strings.Split(string(text), "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}

		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}

		ins, err := parseInstr(f)
		if err != nil {
			return nil, errors.Wrap(err, "line %v", ln+1)
		}

		out = append(out, ins)
	}

	return out, nil
}

func parseInstr(f []string) (ins Resolved, err error) {
	op := -1

	for o, name := range opNames {
		if name == f[0] {
			op = o
			break
		}
	}

	if op < 0 {
		return ins, errors.New("unknown opcode %q", f[0])
	}

	ins.Op = Op(op)

	reg := func(s string) (Reg, error) {
		if len(s) != 1 || s[0] < 'A' || s[0] > 'H' {
			return 0, errors.New("bad register %q", s)
		}

		return Reg(s[0] - 'A'), nil
	}

	switch ins.Op {
	case GET, PUT, LOAD, STORE, HALF, INC, DEC:
		if len(f) != 2 {
			return ins, errors.New("want 1 operand, got %v", len(f)-1)
		}

		ins.R, err = reg(f[1])
	case COPY, ADD, SUB:
		if len(f) != 3 {
			return ins, errors.New("want 2 operands, got %v", len(f)-1)
		}

		if ins.R, err = reg(f[1]); err == nil {
			ins.S, err = reg(f[2])
		}
	case JUMP:
		if len(f) != 2 {
			return ins, errors.New("want 1 operand, got %v", len(f)-1)
		}

		ins.Arg, err = strconv.Atoi(f[1])
	case JZERO, JODD:
		if len(f) != 3 {
			return ins, errors.New("want 2 operands, got %v", len(f)-1)
		}

		if ins.R, err = reg(f[1]); err == nil {
			ins.Arg, err = strconv.Atoi(f[2])
		}
	case HALT:
		if len(f) != 1 {
			return ins, errors.New("want no operands, got %v", len(f)-1)
		}
	}

	return ins, err
}
