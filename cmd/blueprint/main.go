// =============================================================================
// blueprint CLI
// =============================================================================
// Compiles task documents into tiered plans and executes them.
//
// Usage:
//
//	blueprint parse plan.md -v               # parse and list tasks
//	blueprint validate plan.md --watch       # re-validate on every save
//	blueprint plan plan.md                   # show the tiered schedule
//	blueprint execute plan.md --dry-run      # run without side effects
//	blueprint generate "ship the api" -o plan.md
//	blueprint runs list                      # recorded runs
//	blueprint worker                         # serve a remote worker hub
//	blueprint version
// =============================================================================
package main

import (
	"fmt"
	"io"
	"os"
)

// Build information, set with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const (
	exitOK   = 0
	exitFail = 1
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches one CLI invocation and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitFail
	}

	cmd := &command{stdout: stdout, stderr: stderr}
	switch args[0] {
	case "parse":
		return cmd.parse(args[1:])
	case "validate":
		return cmd.validate(args[1:])
	case "plan":
		return cmd.plan(args[1:])
	case "execute":
		return cmd.execute(args[1:])
	case "generate":
		return cmd.generate(args[1:])
	case "runs":
		return cmd.runs(args[1:])
	case "worker":
		return cmd.worker(args[1:])
	case "version":
		printVersion(stdout)
		return exitOK
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitFail
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "blueprint %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `blueprint - task graph compiler and executor

Usage:
  blueprint <command> [options]

Commands:
  parse <file>        Parse a document and report syntax errors
  validate <file>     Run pre-flight validation
  plan <file>         Print the tiered execution plan
  execute <file>      Execute the plan
  generate <goal>     Generate a document from a goal
  runs list|show      Inspect recorded runs
  worker              Serve tasks to remote executors
  version             Show version information
  help                Show this help message

Common options:
  --config <path>     Configuration file (YAML), default blueprint.yaml

Options for 'parse':
  -v                  List every task

Options for 'validate':
  --watch             Re-validate when the document or its refs change

Options for 'plan':
  --json              Print the plan as JSON

Options for 'execute':
  --dry-run           Simulate dispatch instead of running commands
  --ack T1,T2         Pre-acknowledge human checkpoints
  --ack-warnings      Start despite interface warnings
  --fail-fast         Cancel in-flight tasks after the first failure
  --max-concurrency N Bound outstanding dispatches

Options for 'generate':
  -o <path>           Write the document to a file instead of stdout
  --context <text>    Extra context for the generator
  --owner <name>      Owner hint

Examples:
  blueprint validate plan.md
  blueprint execute plan.md --dry-run
  blueprint execute plan.md --ack T4 --config /etc/blueprint.yaml
  blueprint runs show 6f1c9a2e-...`)
}
