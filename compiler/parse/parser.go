package parse

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/ast"
	"github.com/kleczkowski/kompilator/compiler/diag"
)

type (
	parser struct {
		lx   *lexer
		tok  Token
		sink *diag.Sink
	}
)

// Parse builds the syntax tree, accumulating syntax errors in the
// sink. The tree is usable only if the sink stays clean.
func Parse(ctx context.Context, text []byte, sink *diag.Sink) *ast.Program {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "parse", "size", len(text))
	defer tr.Finish()

	p := &parser{
		lx:   newLexer(text, sink),
		sink: sink,
	}

	p.next()

	prg := p.parseProgram()

	tr.Printw("parsed", "decls", len(prg.Decls), "cmds", len(prg.Body), "errors", sink.Errors())

	return prg
}

func (p *parser) next() {
	p.tok = p.lx.Next()
}

func (p *parser) at(kw string) bool {
	return p.tok.Kind == Keyword && p.tok.Text == kw
}

func (p *parser) eat(kw string) bool {
	if !p.at(kw) {
		return false
	}

	p.next()

	return true
}

func (p *parser) want(kw string) {
	if !p.eat(kw) {
		p.sink.Errorf(p.tok.Pos, "expected %v, got %v", kw, p.describe())
	}
}

func (p *parser) wantKind(k Kind, what string) (t Token) {
	t = p.tok

	if p.tok.Kind != k {
		p.sink.Errorf(p.tok.Pos, "expected %v, got %v", what, p.describe())
		return t
	}

	p.next()

	return t
}

func (p *parser) describe() string {
	if p.tok.Kind == EOF {
		return "end of file"
	}

	return "'" + p.tok.Text + "'"
}

func (p *parser) parseProgram() *ast.Program {
	prg := &ast.Program{}

	if p.eat("DECLARE") {
		prg.Decls = p.parseDecls()
	}

	p.want("IN")

	prg.Body = p.parseCmds("END")

	p.want("END")

	if p.tok.Kind != EOF {
		p.sink.Errorf(p.tok.Pos, "trailing input after END")
	}

	return prg
}

func (p *parser) parseDecls() (decls []ast.Decl) {
	for p.tok.Kind == Ident {
		d := ast.Decl{Name: p.tok.Text, Pos: p.tok.Pos}
		p.next()

		if p.tok.Kind == LParen {
			p.next()

			d.IsArray = true
			d.Lo = p.parseBound()
			p.wantKind(Colon, "':'")
			d.Hi = p.parseBound()
			p.wantKind(RParen, "')'")
		}

		p.wantKind(Semi, "';'")

		decls = append(decls, d)
	}

	return decls
}

// parseBound reads a possibly negative array bound.
func (p *parser) parseBound() int64 {
	neg := false

	if p.tok.Kind == Minus {
		neg = true
		p.next()
	}

	t := p.wantKind(Num, "number")

	if neg {
		return -t.Num
	}

	return t.Num
}

func (p *parser) parseCmds(stop ...string) (cmds []ast.Cmd) {
	for {
		if p.tok.Kind == EOF {
			return cmds
		}

		for _, kw := range stop {
			if p.at(kw) {
				return cmds
			}
		}

		c, ok := p.parseCmd()
		if ok {
			cmds = append(cmds, c)
			continue
		}

		// resync after a bad command
		for p.tok.Kind != EOF && p.tok.Kind != Semi {
			stopped := false

			for _, kw := range stop {
				if p.at(kw) {
					stopped = true
				}
			}

			if stopped {
				break
			}

			p.next()
		}

		if p.tok.Kind == Semi {
			p.next()
		}
	}
}

func (p *parser) parseCmd() (ast.Cmd, bool) {
	pos := p.tok.Pos

	switch {
	case p.tok.Kind == Ident:
		target := p.parseRef()
		p.wantKind(Assign, "':='")
		e := p.parseExpr()
		p.wantKind(Semi, "';'")

		return ast.Assign{Target: target, E: e, Pos: pos}, true

	case p.eat("READ"):
		target := p.parseRef()
		p.wantKind(Semi, "';'")

		return ast.Read{Target: target, Pos: pos}, true

	case p.eat("WRITE"):
		v := p.parseValue()
		p.wantKind(Semi, "';'")

		return ast.Write{V: v, Pos: pos}, true

	case p.eat("IF"):
		c := p.parseCond()
		p.want("THEN")
		then := p.parseCmds("ELSE", "ENDIF")

		var els []ast.Cmd

		if p.eat("ELSE") {
			els = p.parseCmds("ENDIF")
		}

		p.want("ENDIF")

		return ast.If{C: c, Then: then, Else: els, Pos: pos}, true

	case p.eat("WHILE"):
		c := p.parseCond()
		p.want("DO")
		body := p.parseCmds("ENDWHILE")
		p.want("ENDWHILE")

		return ast.While{C: c, Body: body, Pos: pos}, true

	case p.eat("DO"):
		body, c := p.parseDoBody()
		p.want("ENDDO")

		return ast.DoWhile{Body: body, C: c, Pos: pos}, true

	case p.eat("FOR"):
		iter := p.wantKind(Ident, "iterator name")
		p.want("FROM")
		from := p.parseValue()

		down := false

		switch {
		case p.eat("TO"):
		case p.eat("DOWNTO"):
			down = true
		default:
			p.sink.Errorf(p.tok.Pos, "expected TO or DOWNTO, got %v", p.describe())
		}

		to := p.parseValue()
		p.want("DO")
		body := p.parseCmds("ENDFOR")
		p.want("ENDFOR")

		return ast.For{Iter: iter.Text, From: from, To: to, Down: down, Body: body, Pos: pos}, true
	}

	p.sink.Errorf(pos, "expected command, got %v", p.describe())

	return nil, false
}

// parseDoBody reads the body of a post-test loop up to its WHILE
// condition. A WHILE inside the body is ambiguous until the token
// after its condition: DO starts a nested loop, anything else makes
// it the terminating condition.
func (p *parser) parseDoBody() (cmds []ast.Cmd, c ast.Cond) {
	for {
		if p.tok.Kind == EOF || p.at("ENDDO") || p.at("END") {
			p.sink.Errorf(p.tok.Pos, "expected WHILE before %v", p.describe())
			return cmds, c
		}

		if p.at("WHILE") {
			pos := p.tok.Pos
			p.next()

			c = p.parseCond()

			if !p.eat("DO") {
				return cmds, c
			}

			body := p.parseCmds("ENDWHILE")
			p.want("ENDWHILE")

			cmds = append(cmds, ast.While{C: c, Body: body, Pos: pos})

			continue
		}

		cmd, ok := p.parseCmd()
		if ok {
			cmds = append(cmds, cmd)
			continue
		}

		for p.tok.Kind != EOF && p.tok.Kind != Semi && !p.at("ENDDO") && !p.at("WHILE") {
			p.next()
		}

		if p.tok.Kind == Semi {
			p.next()
		}
	}
}

func (p *parser) parseRef() ast.Ref {
	t := p.wantKind(Ident, "identifier")

	r := ast.Ref{Name: t.Text, Pos: t.Pos}

	if p.tok.Kind != LParen {
		return r
	}

	p.next()

	r.HasIndex = true
	idx := p.parseValue()
	r.Index = &idx

	p.wantKind(RParen, "')'")

	return r
}

func (p *parser) parseValue() ast.Value {
	if p.tok.Kind == Num {
		v := ast.Value{IsNum: true, Num: p.tok.Num, Pos: p.tok.Pos}
		p.next()

		return v
	}

	r := p.parseRef()

	return ast.Value{Ref: r, Pos: r.Pos}
}

func (p *parser) parseExpr() ast.Expr {
	pos := p.tok.Pos
	l := p.parseValue()

	var op byte

	switch p.tok.Kind {
	case Plus:
		op = '+'
	case Minus:
		op = '-'
	case Star:
		op = '*'
	case Slash:
		op = '/'
	case Percent:
		op = '%'
	default:
		return ast.Expr{L: l, Pos: pos}
	}

	p.next()

	r := p.parseValue()

	return ast.Expr{Op: op, L: l, R: r, Pos: pos}
}

func (p *parser) parseCond() ast.Cond {
	pos := p.tok.Pos
	l := p.parseValue()

	rel := ""

	switch p.tok.Kind {
	case Eq:
		rel = "="
	case Ne:
		rel = "!="
	case Lt:
		rel = "<"
	case Gt:
		rel = ">"
	case Le:
		rel = "<="
	case Ge:
		rel = ">="
	default:
		p.sink.Errorf(p.tok.Pos, "expected comparison, got %v", p.describe())
		return ast.Cond{Rel: "=", L: l, R: l, Pos: pos}
	}

	p.next()

	r := p.parseValue()

	return ast.Cond{Rel: rel, L: l, R: r, Pos: pos}
}
