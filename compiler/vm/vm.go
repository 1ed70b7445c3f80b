package vm

import (
	"context"
	"fmt"
	"io"
	"math/big"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/asm"
)

type (
	// Machine interprets resolved target programs: eight registers
	// and a word-addressable memory of naturals. SUB and DEC saturate
	// at zero, exactly like the hardware contract the code generator
	// assumes.
	Machine struct {
		Regs [asm.NumRegs]*big.Int
		Mem  map[int64]*big.Int

		Steps    int64
		MaxSteps int64
	}
)

func New() *Machine {
	m := &Machine{
		Mem: map[int64]*big.Int{},
	}

	for i := range m.Regs {
		m.Regs[i] = new(big.Int)
	}

	return m
}

func (m *Machine) mem(a *big.Int) (*big.Int, error) {
	if !a.IsInt64() {
		return nil, errors.New("address out of range: %v", a)
	}

	c, ok := m.Mem[a.Int64()]
	if !ok {
		c = new(big.Int)
		m.Mem[a.Int64()] = c
	}

	return c, nil
}

// Run executes the program until HALT, reading GET values from in and
// writing PUT values to out, one per line. A non-positive MaxSteps
// means no budget.
func (m *Machine) Run(ctx context.Context, code []asm.Resolved, in io.Reader, out io.Writer) (err error) {
	tr := tlog.SpanFromContext(ctx)

	pc := 0

	for {
		if pc < 0 || pc >= len(code) {
			return errors.New("pc out of range: %v", pc)
		}

		if m.MaxSteps > 0 && m.Steps >= m.MaxSteps {
			return errors.New("step budget exhausted at pc %v", pc)
		}

		m.Steps++

		ins := code[pc]

		if tr.If("vm_trace") {
			tr.Printw("step", "pc", pc, "op", ins.Op, "r", ins.R, "s", ins.S, "arg", ins.Arg)
		}

		switch ins.Op {
		case asm.GET:
			v := new(big.Int)

			if _, err := fmt.Fscan(in, v); err != nil {
				return errors.Wrap(err, "read input at pc %v", pc)
			}

			if v.Sign() < 0 {
				return errors.New("negative input: %v", v)
			}

			m.Regs[ins.R] = v
		case asm.PUT:
			fmt.Fprintln(out, m.Regs[ins.R])
		case asm.LOAD:
			c, err := m.mem(m.Regs[asm.A])
			if err != nil {
				return errors.Wrap(err, "pc %v", pc)
			}

			m.Regs[ins.R] = new(big.Int).Set(c)
		case asm.STORE:
			c, err := m.mem(m.Regs[asm.A])
			if err != nil {
				return errors.Wrap(err, "pc %v", pc)
			}

			c.Set(m.Regs[ins.R])
		case asm.COPY:
			m.Regs[ins.R] = new(big.Int).Set(m.Regs[ins.S])
		case asm.ADD:
			m.Regs[ins.R] = new(big.Int).Add(m.Regs[ins.R], m.Regs[ins.S])
		case asm.SUB:
			v := new(big.Int).Sub(m.Regs[ins.R], m.Regs[ins.S])
			if v.Sign() < 0 {
				v.SetInt64(0)
			}

			m.Regs[ins.R] = v
		case asm.HALF:
			m.Regs[ins.R] = new(big.Int).Rsh(m.Regs[ins.R], 1)
		case asm.INC:
			m.Regs[ins.R] = new(big.Int).Add(m.Regs[ins.R], big.NewInt(1))
		case asm.DEC:
			v := new(big.Int).Sub(m.Regs[ins.R], big.NewInt(1))
			if v.Sign() < 0 {
				v.SetInt64(0)
			}

			m.Regs[ins.R] = v
		case asm.JUMP:
			pc = ins.Arg
			continue
		case asm.JZERO:
			if m.Regs[ins.R].Sign() == 0 {
				pc = ins.Arg
				continue
			}
		case asm.JODD:
			if m.Regs[ins.R].Bit(0) == 1 {
				pc = ins.Arg
				continue
			}
		case asm.HALT:
			return nil
		default:
			return errors.New("bad opcode %v at pc %v", ins.Op, pc)
		}

		pc++
	}
}
