package compiler

import (
	"context"
	"os"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler/back"
	"github.com/kleczkowski/kompilator/compiler/diag"
	"github.com/kleczkowski/kompilator/compiler/front"
	"github.com/kleczkowski/kompilator/compiler/ir"
	"github.com/kleczkowski/kompilator/compiler/opt"
	"github.com/kleczkowski/kompilator/compiler/parse"
)

// CompileFile compiles a source file into a text assembly file.
// Diagnostics stream to stdout; any recorded error fails the run.
func CompileFile(ctx context.Context, name, out string, debug bool) (err error) {
	text, err := os.ReadFile(name)
	if err != nil {
		return errors.Wrap(err, "read source")
	}

	tlog.SpanFromContext(ctx).Printw("read source", "name", name, "size", len(text))

	sink := diag.New(name, os.Stdout)

	obj, err := Compile(ctx, text, sink, debug)
	if err != nil {
		return err
	}

	err = os.WriteFile(out, obj, 0o644)
	if err != nil {
		return errors.Wrap(err, "write output")
	}

	return nil
}

// Compile runs the full pipeline over source text: parse, lower,
// optimize, emit, render. The sink is validated at each phase
// boundary.
func Compile(ctx context.Context, text []byte, sink *diag.Sink, debug bool) (obj []byte, err error) {
	p, err := BuildIR(ctx, text, sink)
	if err != nil {
		return nil, err
	}

	a, err := back.New().Compile(ctx, p, sink)
	if err != nil {
		return nil, errors.Wrap(err, "emit")
	}

	if err = sink.Err(); err != nil {
		return nil, errors.Wrap(err, "emit")
	}

	obj, err = a.Render(debug)
	if err != nil {
		return nil, errors.Wrap(err, "render")
	}

	return obj, nil
}

// BuildIR stops the pipeline after optimization; the ir subcommand
// and tests use it.
func BuildIR(ctx context.Context, text []byte, sink *diag.Sink) (*ir.Program, error) {
	prg := parse.Parse(ctx, text, sink)

	if err := sink.Err(); err != nil {
		return nil, errors.Wrap(err, "parse")
	}

	p, err := front.Lower(ctx, prg, sink)
	if err != nil {
		return nil, errors.Wrap(err, "lower")
	}

	if err = sink.Err(); err != nil {
		return nil, errors.Wrap(err, "check")
	}

	if err = opt.Optimize(ctx, p); err != nil {
		return nil, errors.Wrap(err, "optimize")
	}

	return p, nil
}
