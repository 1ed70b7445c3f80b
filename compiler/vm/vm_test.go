package vm

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/kleczkowski/kompilator/compiler/asm"
)

func runProg(t *testing.T, code []asm.Resolved, input string) string {
	t.Helper()

	m := New()
	m.MaxSteps = 1_000_000

	var out bytes.Buffer

	err := m.Run(context.Background(), code, strings.NewReader(input), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	return strings.TrimSpace(out.String())
}

func TestSubSaturates(t *testing.T) {
	// B <- 3, C <- 5, B <- max(0, B-C), PUT B
	code := []asm.Resolved{
		{Op: asm.SUB, R: asm.B, S: asm.B},
		{Op: asm.INC, R: asm.B}, {Op: asm.INC, R: asm.B}, {Op: asm.INC, R: asm.B},
		{Op: asm.SUB, R: asm.C, S: asm.C},
		{Op: asm.INC, R: asm.C}, {Op: asm.INC, R: asm.C}, {Op: asm.INC, R: asm.C},
		{Op: asm.INC, R: asm.C}, {Op: asm.INC, R: asm.C},
		{Op: asm.SUB, R: asm.B, S: asm.C},
		{Op: asm.PUT, R: asm.B},
		{Op: asm.HALT},
	}

	if got := runProg(t, code, ""); got != "0" {
		t.Errorf("3 - 5 = %v, want 0", got)
	}
}

func TestDecSaturates(t *testing.T) {
	code := []asm.Resolved{
		{Op: asm.SUB, R: asm.B, S: asm.B},
		{Op: asm.DEC, R: asm.B},
		{Op: asm.PUT, R: asm.B},
		{Op: asm.HALT},
	}

	if got := runProg(t, code, ""); got != "0" {
		t.Errorf("DEC 0 = %v, want 0", got)
	}
}

func TestHalfAndOdd(t *testing.T) {
	// read x, print x/2 and x mod 2
	code := []asm.Resolved{
		{Op: asm.GET, R: asm.B},
		{Op: asm.SUB, R: asm.C, S: asm.C},
		{Op: asm.JODD, R: asm.B, Arg: 4},
		{Op: asm.JUMP, Arg: 5},
		{Op: asm.INC, R: asm.C},
		{Op: asm.HALF, R: asm.B},
		{Op: asm.PUT, R: asm.B},
		{Op: asm.PUT, R: asm.C},
		{Op: asm.HALT},
	}

	got := strings.Fields(runProg(t, code, "7"))

	if len(got) != 2 || got[0] != "3" || got[1] != "1" {
		t.Errorf("7 -> %v, want [3 1]", got)
	}
}

func TestLoadStore(t *testing.T) {
	// M[2] <- 42 via B, then read it back into C
	code := []asm.Resolved{
		{Op: asm.SUB, R: asm.A, S: asm.A},
		{Op: asm.INC, R: asm.A}, {Op: asm.INC, R: asm.A},
		{Op: asm.GET, R: asm.B},
		{Op: asm.STORE, R: asm.B},
		{Op: asm.LOAD, R: asm.C},
		{Op: asm.PUT, R: asm.C},
		{Op: asm.HALT},
	}

	if got := runProg(t, code, "42"); got != "42" {
		t.Errorf("memory round trip: %v, want 42", got)
	}
}

func TestNegativeInputRejected(t *testing.T) {
	code := []asm.Resolved{
		{Op: asm.GET, R: asm.B},
		{Op: asm.HALT},
	}

	m := New()

	err := m.Run(context.Background(), code, strings.NewReader("-4"), &bytes.Buffer{})
	if err == nil {
		t.Errorf("negative input accepted")
	}
}

func TestStepBudget(t *testing.T) {
	code := []asm.Resolved{
		{Op: asm.JUMP, Arg: 0},
	}

	m := New()
	m.MaxSteps = 100

	err := m.Run(context.Background(), code, strings.NewReader(""), &bytes.Buffer{})
	if err == nil {
		t.Errorf("infinite loop not cut off")
	}
}
