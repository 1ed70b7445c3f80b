package asm

import (
	"strings"
	"testing"
)

func TestLabelsResolveToIndices(t *testing.T) {
	p := New()

	p.Label("start")
	p.Emit1(GET, B)
	p.Branch(JZERO, B, "end")
	p.Emit1(DEC, B)
	p.Branch(JUMP, 0, "start")
	p.Label("end")
	p.Label("alias") // several labels may share an index
	p.Emit(HALT)

	code, err := p.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if code[1].Arg != 4 {
		t.Errorf("JZERO target %v, want 4", code[1].Arg)
	}

	if code[3].Arg != 0 {
		t.Errorf("JUMP target %v, want 0", code[3].Arg)
	}
}

func TestUnresolvedLabel(t *testing.T) {
	p := New()
	p.Branch(JUMP, 0, "nowhere")

	if _, err := p.Resolve(); err == nil {
		t.Errorf("unresolved label accepted")
	}
}

func TestRenderAndParseBack(t *testing.T) {
	p := New()

	p.Label("top")
	p.Emit2(SUB, B, B)
	p.Emit1(INC, B)
	p.Emit2(COPY, C, B)
	p.Branch(JODD, C, "top")
	p.Emit(HALT)

	text, err := p.Render(false)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	code, err := ParseText(text)
	if err != nil {
		t.Fatalf("parse back: %v\n%s", err, text)
	}

	if len(code) != p.Len() {
		t.Fatalf("length after round trip: %v, want %v", len(code), p.Len())
	}

	if code[3].Op != JODD || code[3].Arg != 0 {
		t.Errorf("jump after round trip: %+v", code[3])
	}
}

func TestRenderDebug(t *testing.T) {
	p := New()

	p.Label("top")
	p.Emit1(GET, B)
	p.CommentLast("read x")
	p.Emit(HALT)

	text, err := p.Render(true)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	s := string(text)

	if !strings.Contains(s, "# top:") {
		t.Errorf("label comment missing:\n%s", s)
	}

	if !strings.Contains(s, "# read x") {
		t.Errorf("inline comment missing:\n%s", s)
	}

	plain, err := p.Render(false)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if strings.Contains(string(plain), "#") {
		t.Errorf("comments leaked into plain output:\n%s", plain)
	}
}
