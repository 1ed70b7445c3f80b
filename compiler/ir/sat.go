package ir

import (
	"fmt"
	"math/big"
	"strings"
)

// Saturating arithmetic over naturals, shared by the constant folder
// and the reference interpreter so both agree with the target machine:
// subtraction clamps at zero, division and remainder by zero yield zero.

func SatAdd(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

func SatSub(a, b *big.Int) *big.Int {
	r := new(big.Int).Sub(a, b)
	if r.Sign() < 0 {
		r.SetInt64(0)
	}

	return r
}

func SatMul(a, b *big.Int) *big.Int {
	return new(big.Int).Mul(a, b)
}

func SatDiv(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		return new(big.Int)
	}

	return new(big.Int).Div(a, b)
}

func SatRem(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		return new(big.Int)
	}

	return new(big.Int).Mod(a, b)
}

func EvalBin(op BinOp, a, b *big.Int) *big.Int {
	switch op {
	case OpAdd:
		return SatAdd(a, b)
	case OpSub:
		return SatSub(a, b)
	case OpMul:
		return SatMul(a, b)
	case OpDiv:
		return SatDiv(a, b)
	case OpRem:
		return SatRem(a, b)
	}

	panic(op)
}

func EvalCond(c Cond, a, b *big.Int) bool {
	d := a.Cmp(b)

	switch c {
	case Eq:
		return d == 0
	case Ne:
		return d != 0
	case Lt:
		return d < 0
	case Gt:
		return d > 0
	case Le:
		return d <= 0
	case Ge:
		return d >= 0
	}

	panic(c)
}

func (i2 Move) String() string   { return fmt.Sprintf("%v <- %v", i2.Dst, i2.Src) }
func (i2 Get) String() string    { return fmt.Sprintf("%v <- get", i2.Dst) }
func (i2 Put) String() string    { return fmt.Sprintf("put %v", i2.Src) }
func (i2 Load) String() string   { return fmt.Sprintf("%v <- %v(%v)", i2.Dst, i2.Base.Name, i2.Off) }
func (i2 Store) String() string  { return fmt.Sprintf("%v(%v) <- %v", i2.Base.Name, i2.Off, i2.Src) }
func (i2 Bin) String() string    { return fmt.Sprintf("%v <- %v %v %v", i2.Dst, i2.Left, i2.Op, i2.Right) }
func (i2 Jump) String() string   { return fmt.Sprintf("jump %v", i2.Block) }
func (i2 JumpIf) String() string {
	return fmt.Sprintf("if %v %v %v jump %v else %v", i2.Left, i2.Cond, i2.Right, i2.Then, i2.Else)
}
func (Halt) String() string { return "halt" }

// Dump renders the program for debugging and the ir subcommand.
func (p *Program) Dump() []byte {
	var b strings.Builder

	for bi := range p.Blocks {
		blk := &p.Blocks[bi]

		fmt.Fprintf(&b, "%v:  ; block %v\n", blk.Label, bi)

		for _, ins := range blk.Code {
			fmt.Fprintf(&b, "\t%v\n", ins)
		}
	}

	return []byte(b.String())
}
