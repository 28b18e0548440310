// Command tunnelcheck verifies proxy tunnels from inside a default-deny
// network sandbox.
//
// Usage:
//
//	tunnelcheck run -config tunnelcheck.yaml [-report report.json]
//	tunnelcheck revert -run-id <id> | -all-stale
//	tunnelcheck notworkers <stats|export|import|expire|prune|forget|vacuum>
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/zhangyunhao116/tunnelcheck/report"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return report.ExitFatal
	}
	switch args[0] {
	case "run":
		return runCmd(args[1:], stdout, stderr)
	case "revert":
		return revertCmd(args[1:], stdout, stderr)
	case "notworkers":
		return notworkersCmd(args[1:], stdout, stderr)
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "tunnelcheck %s (%s)\n", version, commit)
		return report.ExitPass
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return report.ExitPass
	default:
		fmt.Fprintf(stderr, "tunnelcheck: unknown command %q\n\n", args[0])
		usage(stderr)
		return report.ExitFatal
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: tunnelcheck <command> [flags]

Commands:
  run          verify every configured target
  revert       remove isolation rules left by a crashed run
  notworkers   inspect and maintain the failure history
  version      print the version

Exit status: 0 all targets passed, 1 a target did not pass,
2 the harness could not run.

Run "tunnelcheck <command> -h" for the flags of a command.
`)
}
