package main

import (
	"context"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/kleczkowski/kompilator/compiler"
	"github.com/kleczkowski/kompilator/compiler/asm"
	"github.com/kleczkowski/kompilator/compiler/diag"
	"github.com/kleczkowski/kompilator/compiler/ir"
	"github.com/kleczkowski/kompilator/compiler/vm"
)

func main() {
	app := &cli.Command{
		Name:        "kompilator",
		Description: "compile programs for the register machine",
		Action:      compileAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("debug", false, "annotate output with labels and emitter notes"),
		},
		Commands: []*cli.Command{{
			Name:        "run",
			Description: "execute an assembled program on the reference machine",
			Action:      runAct,
			Args:        cli.Args{},
		}, {
			Name:        "ir",
			Description: "dump the optimized intermediate representation",
			Action:      irAct,
			Args:        cli.Args{},
		}},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func compileAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	if len(c.Args) != 2 {
		return errors.New("usage: kompilator <source> <output> [--debug]")
	}

	return compiler.CompileFile(ctx, c.Args[0], c.Args[1], c.Bool("debug"))
}

func runAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		text, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		code, err := asm.ParseText(text)
		if err != nil {
			return errors.Wrap(err, "parse %v", a)
		}

		m := vm.New()

		err = m.Run(ctx, code, os.Stdin, os.Stdout)
		if err != nil {
			return errors.Wrap(err, "run %v", a)
		}

		tlog.SpanFromContext(ctx).Printw("finished", "name", a, "steps", m.Steps)
	}

	return nil
}

func irAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		text, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		sink := diag.New(a, os.Stdout)

		var p *ir.Program

		p, err = compiler.BuildIR(ctx, text, sink)
		if err != nil {
			return errors.Wrap(err, "build %v", a)
		}

		_, err = os.Stdout.Write(p.Dump())
		if err != nil {
			return errors.Wrap(err, "dump %v", a)
		}
	}

	return nil
}
