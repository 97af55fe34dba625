// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Driver for running the post-register-allocation lowering passes
// (permutation lowering and constraint assurance) over compiled Go
// test fixtures, outside of the full test/main.go pipeline.
package main

import (
	"context"
	"fmt"
	"os"

	"go/ast"

	"golang.org/x/sync/errgroup"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/s48/transform/cps"
	"github.com/s48/transform/front"
)

func main() {
	app := &cli.Command{
		Name:   "lower",
		Flags:  []*cli.Flag{},
		Action: lowerAction,
		Commands: []*cli.Command{
			{Name: "lower", Flags: lowerFlags(), Action: lowerAction},
			{Name: "assure", Flags: lowerFlags(), Action: assureAction},
			{Name: "dump", Flags: lowerFlags(), Action: dumpAction},
		},
	}

	if err := cli.Run(app, os.Args, os.Environ()); err != nil {
		tlog.Printw("lower failed", "err", err)
		os.Exit(1)
	}
}

func lowerFlags() []*cli.Flag {
	return []*cli.Flag{
		cli.NewFlag("go", "", "Go source file under test/ to load"),
		cli.NewFlag("func", "", "only process this function"),
	}
}

// loadProcs parses the requested Go source file and returns the
// lowered-eligible procedures it defines (functions, after running
// the front end's own simplification and register allocation).
func loadProcs(ctx context.Context, c *cli.Command) ([]*cps.CallNodeT, error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "lower: load")
	defer tr.Finish()

	cps.DefinePrimops()

	goFile := c.String("go")
	goFunc := c.String("func")
	source := "test/" + goFile + ".go"
	in, err := os.ReadFile(source)
	if err != nil {
		return nil, errors.Wrap(err, "reading %s", source)
	}

	parsedFile := front.ParseFile(source, in, "test", "./...")

	procs := []*cps.CallNodeT{}
	for _, rawDecl := range parsedFile.AstFile.Decls {
		decl, ok := rawDecl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		if goFunc != "" && goFunc != decl.Name.Name {
			continue
		}
		proc := front.MakeTopLevelForm(decl, parsedFile, front.BindingsT{})
		front.SimplifyTopLevel(proc)
		cps.AllocateRegisters(proc)
		procs = append(procs, proc)
	}
	tr.Printw("loaded", "count", len(procs))
	return procs, nil
}

// lowerAction runs permutation lowering over every procedure in the
// requested file concurrently -- procedures share no mutable state
// beyond the read-only primop table and register classes, so each
// proc's pass runs in its own goroutine under one errgroup.
func lowerAction(c *cli.Command) error {
	ctx := context.Background()
	procs, err := loadProcs(ctx, c)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, proc := range procs {
		proc := proc
		group.Go(func() error {
			tr, _ := tlog.SpawnFromContextAndWrap(gctx, "lower: proc", "name", proc.Name)
			defer tr.Finish()
			liveness := cps.ComputeLiveness(proc)
			cps.LowerNodesAfterRA(proc, liveness)
			return nil
		})
	}
	return group.Wait()
}

func assureAction(c *cli.Command) error {
	ctx := context.Background()
	procs, err := loadProcs(ctx, c)
	if err != nil {
		return err
	}
	for _, proc := range procs {
		tr, _ := tlog.SpawnFromContextAndWrap(ctx, "assure: proc", "name", proc.Name)
		cps.AssureConstraints(proc)
		tr.Finish()
	}
	return nil
}

func dumpAction(c *cli.Command) error {
	ctx := context.Background()
	procs, err := loadProcs(ctx, c)
	if err != nil {
		return err
	}
	for _, proc := range procs {
		fmt.Println("----", proc.Name)
		cps.PpCps(proc)
	}
	return nil
}
