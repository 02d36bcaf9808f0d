package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint"
	"github.com/zeroechelon/blueprint/dispatch/local"
	"github.com/zeroechelon/blueprint/dispatch/remote"
	"github.com/zeroechelon/blueprint/executor"
	"github.com/zeroechelon/blueprint/generator"
	"github.com/zeroechelon/blueprint/internal/fswatch"
	"github.com/zeroechelon/blueprint/parser"
	"github.com/zeroechelon/blueprint/runstore"
	"github.com/zeroechelon/blueprint/validator"
)

type command struct {
	stdout io.Writer
	stderr io.Writer
}

func (c *command) errorf(format string, args ...any) int {
	fmt.Fprintf(c.stderr, format+"\n", args...)
	return exitFail
}

// flags creates a flag set that reports to stderr and accepts --config.
func (c *command) flags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	configPath := fs.String("config", "", "Path to config file")
	return fs, configPath
}

// parseArgs parses flags placed before or after positional arguments.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// =============================================================================
// parse
// =============================================================================

func (c *command) parse(args []string) int {
	fs, _ := c.flags("parse")
	verbose := fs.Bool("v", false, "List every task")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitFail
	}
	if len(pos) != 1 {
		return c.errorf("usage: blueprint parse <file> [-v]")
	}

	doc, err := parser.ParseFile(pos[0])
	if err != nil {
		var perrs parser.ParseErrors
		if errors.As(err, &perrs) {
			for _, pe := range perrs {
				fmt.Fprintln(c.stderr, pe.Error())
			}
			return c.errorf("%d parse error(s)", len(perrs))
		}
		return c.errorf("parse failed: %v", err)
	}

	fmt.Fprintf(c.stdout, "%s: %d tasks, %d refs, %.0f%% complete\n",
		doc.Title(), len(doc.Tasks), len(doc.Refs), doc.Progress())
	if *verbose {
		for _, t := range doc.Tasks {
			line := fmt.Sprintf("  %-8s %-12s %s", t.ID, t.Status, t.Name)
			if deps := t.AllDependencies(); len(deps) > 0 {
				line += " <- " + strings.Join(deps, ", ")
			}
			if t.RequiresHuman() {
				line += " [human]"
			}
			fmt.Fprintln(c.stdout, line)
		}
	}
	return exitOK
}

// =============================================================================
// validate
// =============================================================================

func (c *command) validate(args []string) int {
	fs, configPath := c.flags("validate")
	watch := fs.Bool("watch", false, "Re-validate when files change")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitFail
	}
	if len(pos) != 1 {
		return c.errorf("usage: blueprint validate <file> [--watch]")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, configPathOrDefault(*configPath))
	if err != nil {
		return c.errorf("Failed to load config: %v", err)
	}
	defer a.close()

	comp, err := a.compiler()
	if err != nil {
		return c.errorf("%v", err)
	}

	compiled, code := c.check(ctx, comp, pos[0])
	if !*watch {
		return code
	}

	w, err := fswatch.New(watchPaths(pos[0], compiled), fswatch.WithLogger(a.logger))
	if err != nil {
		return c.errorf("watch: %v", err)
	}
	fmt.Fprintln(c.stdout, "watching for changes, press Ctrl+C to stop")
	_ = w.Run(ctx, func(events []fswatch.Event) {
		for _, ev := range events {
			a.logger.Info("document changed", zap.String("path", ev.Path), zap.Stringer("op", ev.Op))
		}
		fmt.Fprintln(c.stdout)
		compiled, _ = c.check(ctx, comp, pos[0])
		if err := w.SetPaths(watchPaths(pos[0], compiled)); err != nil {
			a.logger.Warn("failed to update watched files", zap.Error(err))
		}
	})
	return exitOK
}

func watchPaths(path string, compiled *blueprint.Compilation) []string {
	if files := compiled.LinkedFiles(); len(files) > 0 {
		return files
	}
	return []string{path}
}

// check compiles path and prints the findings.
func (c *command) check(ctx context.Context, comp *blueprint.Compiler, path string) (*blueprint.Compilation, int) {
	compiled, err := comp.CompileFile(ctx, path)
	if compiled == nil {
		var perrs parser.ParseErrors
		if errors.As(err, &perrs) {
			for _, pe := range perrs {
				fmt.Fprintln(c.stdout, pe.Error())
			}
		} else {
			fmt.Fprintln(c.stdout, err.Error())
		}
		return nil, exitFail
	}
	printFindings(c.stdout, compiled.Validation)

	switch {
	case err != nil && !errors.Is(err, blueprint.ErrNotExecutable):
		fmt.Fprintf(c.stdout, "%s: %v\n", path, err)
		return compiled, exitFail
	case !compiled.Executable():
		fmt.Fprintf(c.stdout, "%s: not executable (%d error(s), %d warning(s))\n",
			path, len(compiled.Validation.Errors()), len(compiled.Validation.Warnings()))
		return compiled, exitFail
	case compiled.Validation.NeedsAcknowledgment():
		fmt.Fprintf(c.stdout, "%s: executable, interface warnings need --ack-warnings\n", path)
	default:
		fmt.Fprintf(c.stdout, "%s: valid (%d tasks, %d tiers)\n", path, compiled.Plan.TaskCount(), len(compiled.Plan.Tiers))
	}
	return compiled, exitOK
}

func printFindings(w io.Writer, res *validator.Result) {
	for _, f := range res.Errors() {
		fmt.Fprintf(w, "error: %s\n", f.Error())
	}
	for _, f := range res.Warnings() {
		fmt.Fprintf(w, "warning: %s\n", f.Error())
	}
}

// =============================================================================
// plan
// =============================================================================

func (c *command) plan(args []string) int {
	fs, configPath := c.flags("plan")
	asJSON := fs.Bool("json", false, "Print the plan as JSON")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitFail
	}
	if len(pos) != 1 {
		return c.errorf("usage: blueprint plan <file> [--json]")
	}

	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, configPathOrDefault(*configPath))
	if err != nil {
		return c.errorf("Failed to load config: %v", err)
	}
	defer a.close()

	comp, err := a.compiler()
	if err != nil {
		return c.errorf("%v", err)
	}
	compiled, code := c.compileQuiet(ctx, comp, pos[0])
	if code != exitOK {
		return code
	}

	if *asJSON {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(compiled.Plan); err != nil {
			return c.errorf("encode plan: %v", err)
		}
		return exitOK
	}
	fmt.Fprint(c.stdout, compiled.Plan.Summary())
	return exitOK
}

// compileQuiet compiles path and prints findings only when it cannot run.
func (c *command) compileQuiet(ctx context.Context, comp *blueprint.Compiler, path string) (*blueprint.Compilation, int) {
	compiled, err := comp.CompileFile(ctx, path)
	if err == nil {
		return compiled, exitOK
	}
	var perrs parser.ParseErrors
	if errors.As(err, &perrs) {
		for _, pe := range perrs {
			fmt.Fprintln(c.stderr, pe.Error())
		}
		return nil, exitFail
	}
	if compiled != nil && compiled.Validation != nil {
		printFindings(c.stderr, compiled.Validation)
	}
	return nil, c.errorf("%s: %v", path, err)
}

// =============================================================================
// execute
// =============================================================================

func (c *command) execute(args []string) int {
	fs, configPath := c.flags("execute")
	dryRun := fs.Bool("dry-run", false, "Simulate dispatch")
	ack := fs.String("ack", "", "Comma separated task ids whose checkpoints are pre-acknowledged")
	ackWarnings := fs.Bool("ack-warnings", false, "Start despite interface warnings")
	failFast := fs.Bool("fail-fast", false, "Cancel in-flight tasks after the first failure")
	maxConcurrency := fs.Int("max-concurrency", -1, "Bound outstanding dispatches, 0 is unbounded")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitFail
	}
	if len(pos) != 1 {
		return c.errorf("usage: blueprint execute <file> [--dry-run] [--ack T1,T2] [--ack-warnings]")
	}

	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, configPathOrDefault(*configPath))
	if err != nil {
		return c.errorf("Failed to load config: %v", err)
	}
	defer a.close()

	if *ackWarnings {
		a.cfg.Executor.AcknowledgeWarnings = true
	}
	if *failFast {
		a.cfg.Executor.FailFast = true
	}
	if *maxConcurrency >= 0 {
		a.cfg.Executor.MaxConcurrency = *maxConcurrency
	}

	comp, err := a.compiler()
	if err != nil {
		return c.errorf("%v", err)
	}
	compiled, code := c.compileQuiet(ctx, comp, pos[0])
	if code != exitOK {
		return code
	}

	d, err := a.dispatcher(ctx, *dryRun)
	if err != nil {
		return c.errorf("%v", err)
	}
	acknowledger, err := a.acknowledger()
	if err != nil {
		return c.errorf("%v", err)
	}
	store, err := a.runStore()
	if err != nil {
		return c.errorf("%v", err)
	}

	ex, err := a.executor(d, acknowledger, comp.Validator(),
		executor.WithPreAcknowledged(splitIDs(*ack)...),
		executor.WithObserver(func(ev executor.Event) {
			line := fmt.Sprintf("[%s] %s -> %s", ev.TaskID, ev.From, ev.To)
			if ev.Reason != "" {
				line += ": " + ev.Reason
			}
			fmt.Fprintln(c.stdout, line)
		}),
	)
	if err != nil {
		return c.errorf("%v", err)
	}

	if *dryRun {
		fmt.Fprintln(c.stdout, "dry run: commands are not executed")
	}
	report, err := blueprint.Execute(ctx, compiled, ex, store)
	if report != nil {
		fmt.Fprint(c.stdout, report.Summary())
	}
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrUnacknowledgedWarnings):
			printFindings(c.stderr, compiled.Validation)
			return c.errorf("%v (rerun with --ack-warnings)", err)
		case report == nil:
			return c.errorf("execute: %v", err)
		default:
			fmt.Fprintf(c.stderr, "execute: %v\n", err)
		}
	}
	if report == nil || report.Outcome != executor.OutcomeComplete {
		return exitFail
	}
	return exitOK
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// =============================================================================
// generate
// =============================================================================

func (c *command) generate(args []string) int {
	fs, configPath := c.flags("generate")
	out := fs.String("o", "", "Output file")
	extra := fs.String("context", "", "Extra context for the generator")
	owner := fs.String("owner", "", "Owner hint")
	project := fs.String("project", "", "Project name hint")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitFail
	}
	goal := strings.TrimSpace(strings.Join(pos, " "))
	if goal == "" {
		return c.errorf("usage: blueprint generate <goal> [-o out.md]")
	}

	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, configPathOrDefault(*configPath))
	if err != nil {
		return c.errorf("Failed to load config: %v", err)
	}
	defer a.close()

	g, err := a.generator()
	if err != nil {
		return c.errorf("%v", err)
	}
	req := generator.Request{Goal: goal, Context: *extra, Owner: *owner, ProjectName: *project}
	data, doc, err := generator.Generate(ctx, g, req, a.cfg.Generator.MaxTasks)
	if err != nil {
		return c.errorf("%v", err)
	}

	if *out == "" {
		_, _ = c.stdout.Write(data)
		return exitOK
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return c.errorf("write %s: %v", *out, err)
	}
	fmt.Fprintf(c.stdout, "wrote %s: %d tasks\n", *out, len(doc.Tasks))
	return exitOK
}

// =============================================================================
// runs
// =============================================================================

func (c *command) runs(args []string) int {
	if len(args) == 0 {
		return c.errorf("usage: blueprint runs list [--limit N] | blueprint runs show <run-id>")
	}
	sub := args[0]
	fs, configPath := c.flags("runs " + sub)
	limit := fs.Int("limit", 20, "Maximum runs to list")
	asJSON := fs.Bool("json", false, "Print the full report as JSON")
	pos, err := parseArgs(fs, args[1:])
	if err != nil {
		return exitFail
	}

	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, configPathOrDefault(*configPath))
	if err != nil {
		return c.errorf("Failed to load config: %v", err)
	}
	defer a.close()

	store, err := a.runStore()
	if err != nil {
		return c.errorf("%v", err)
	}
	if store == nil {
		return c.errorf("run history is disabled, set run_store.backend")
	}

	switch sub {
	case "list":
		summaries, err := store.List(ctx, *limit)
		if err != nil {
			return c.errorf("list runs: %v", err)
		}
		for _, s := range summaries {
			fmt.Fprintln(c.stdout, s.String())
		}
		return exitOK
	case "show":
		if len(pos) != 1 {
			return c.errorf("usage: blueprint runs show <run-id>")
		}
		report, err := store.Get(ctx, pos[0])
		if errors.Is(err, runstore.ErrNotFound) {
			return c.errorf("run %s not found", pos[0])
		}
		if err != nil {
			return c.errorf("get run: %v", err)
		}
		if *asJSON {
			enc := json.NewEncoder(c.stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return c.errorf("encode report: %v", err)
			}
			return exitOK
		}
		fmt.Fprint(c.stdout, report.Summary())
		return exitOK
	}
	return c.errorf("unknown runs subcommand %q", sub)
}

// =============================================================================
// worker
// =============================================================================

func (c *command) worker(args []string) int {
	fs, configPath := c.flags("worker")
	addr := fs.String("addr", "", "Listen address, overrides dispatch.worker.addr")
	if _, err := parseArgs(fs, args); err != nil {
		return exitFail
	}

	ctx, stop := signalContext()
	defer stop()
	a, err := newApp(ctx, configPathOrDefault(*configPath))
	if err != nil {
		return c.errorf("Failed to load config: %v", err)
	}
	defer a.close()

	wc := a.cfg.Dispatch.Worker
	if *addr != "" {
		wc.Addr = *addr
	}
	if wc.Secret == "" {
		return c.errorf("dispatch.worker.secret is required")
	}

	backend := local.New(a.localConfig(), a.logger)
	a.closers = append(a.closers, func() error {
		backend.Close()
		return nil
	})
	hub := remote.NewServer(remote.ServerConfig{Secret: wc.Secret, Issuer: wc.Issuer}, backend, a.logger)
	if err := a.serve("worker", a.metrics.Middleware("/dispatch", hub), wc.Addr); err != nil {
		return c.errorf("%v", err)
	}
	a.logger.Info("worker ready", zap.String("addr", a.servers[len(a.servers)-1].Addr()), zap.String("version", Version))

	select {
	case <-ctx.Done():
	case err := <-a.servers[len(a.servers)-1].Errors():
		return c.errorf("worker stopped: %v", err)
	}
	return exitOK
}
