package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "worker":
		return runWorkerNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- RUN VERBS ---
	case "run":
		return runTask(args)
	case "parallel":
		return runParallel(args)
	case "chain":
		return runChain(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: conductor version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("conductor %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "unknown"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`conductor - Orchestrator for RPC worker and ephemeral agent processes

Usage:
  conductor <noun> <action> [flags]
  conductor <verb> [flags] <task>...

Nouns:
  system    Service lifecycle
  worker    Long-lived RPC workers (via the API of a running service)
  config    Configuration checks

System Commands:
  system start      Start the service in foreground (API, NATS forwarding)
  system watch      Real-time monitoring TUI

Worker Commands:
  worker dispatch <name> <task>   Send a task to a worker, spawning it if needed
  worker list                     Show every worker and its state
  worker kill <name>              Stop a worker

Run Commands (local, no service required):
  run <task>                 Run one task in a fresh ephemeral process
  parallel <task>...         Run tasks concurrently with a limit
  chain <task>...            Run tasks in order; "{previous}" receives the prior output

Config Commands:
  config check      Validate configuration and print its BLAKE3 checksum

General:
  watch             Alias for system watch
  version           Show version information
  help              Show this help message

Use 'conductor <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runWorkerNoun(args []string) int {
	if len(args) < 1 {
		printWorkerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkerNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "dispatch":
		return runWorkerDispatch(actionArgs)
	case "list":
		return runWorkerList(actionArgs)
	case "kill":
		return runWorkerKill(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conductor system <action>")
	fmt.Fprintln(w, "Actions: start, watch")
}

func printWorkerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conductor worker <action> [--api URL] [--token TOKEN]")
	fmt.Fprintln(w, "Actions: dispatch <name> <task> [--agent NAME], list, kill <name> [--graceful]")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: conductor config <action>")
	fmt.Fprintln(w, "Actions: check [--config PATH]")
}

func printSystemStartHelp() {
	fmt.Println("Usage: conductor system start [--config PATH]")
	fmt.Println("Start the service in foreground. Holds the PID lock until stopped.")
}

func printWatchHelp() {
	fmt.Println("Usage: conductor watch [flags]")
	fmt.Println()
	fmt.Println("Real-time monitoring TUI. Shows service health, workers, runs and the event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api URL        Service API URL (default: http://127.0.0.1:8420)")
	fmt.Println("  --token TOKEN    API bearer token (or CONDUCTOR_API_TOKEN env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Navigate workers")
}
