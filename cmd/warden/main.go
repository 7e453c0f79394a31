package main

import (
	"fmt"
	"io"
	"os"

	"github.com/wardenlabs/warden/pkg/kernel"

	_ "github.com/lib/pq" // Postgres driver
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServe

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer()
	}

	switch args[1] {
	case "serve", "server":
		return startServer()
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "warden v%s\n", kernel.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%swarden kernel %s%s\n", ColorBold+ColorBlue, "v"+kernel.Version, ColorReset)
	fmt.Fprintf(w, "%sAgents swear. The ledger remembers.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "KERNEL")
	printCommand(w, "serve", "Run the warden node (default)")
	printCommand(w, "status", "Query a running node (--addr, --json)")

	printSection(w, "LEDGER & EVIDENCE")
	printCommand(w, "verify", "Verify the hash chain or an evidence pack (--pack)")
	printCommand(w, "export", "Export an evidence pack (--from, --to, --task)")

	printSection(w, "IDENTITY")
	printCommand(w, "keygen", "Generate an agent keypair and sign the policy oath")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
