// Command relayadmin exposes read-only diagnostics against a relayd
// deployment's on-disk state: a doctor report (config/state-store/file
// sanity) and an assignment report (channel-to-bot distribution).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/ccdocs/master-relay/internal/assign"
	"github.com/ccdocs/master-relay/internal/config"
	"github.com/ccdocs/master-relay/internal/doctor"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  doctor [-json]       Run diagnostic checks against the configured relay
  assign-report        Print the current channel-to-bot assignment summary

`, os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "assign-report":
		os.Exit(runAssignReportCommand(args[1:]))
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		// Continue with the zero-value config anyway: doctor's own
		// checks report exactly which pieces are missing.
	}

	diag := doctor.Run(ctx, cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding json: %v\n", err)
			return 1
		}
		return exitCodeFor(diag)
	}

	fmt.Printf("Relay Doctor Report (%s)\n", diag.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")
	for _, res := range diag.Results {
		fmt.Printf("[%s] %-22s: %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	return exitCodeFor(diag)
}

func exitCodeFor(diag doctor.Diagnosis) int {
	for _, res := range diag.Results {
		if res.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func runAssignReportCommand(args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	roster, err := config.LoadRoster(filepath.Join(cfg.DataDir, "bots.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading roster: %v\n", err)
		return 1
	}

	botIDs := make([]int, 0, len(cfg.Bots))
	names := make(map[int]string, len(cfg.Bots))
	for _, b := range cfg.Bots {
		botIDs = append(botIDs, b.BotIndex)
		names[b.BotIndex] = roster.NameFor(b.BotIndex, b.Name)
	}

	tbl := assign.New(filepath.Join(cfg.DataDir, "channel_assignment.json"), botIDs, nil)
	if err := tbl.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "error loading assignment table: %v\n", err)
		return 1
	}

	stats := tbl.Stats()
	fmt.Printf("Total assigned channels: %d\n", stats.TotalChannels)
	fmt.Println("---")

	sorted := make([]int, 0, len(stats.ChannelsPerBot))
	for id := range stats.ChannelsPerBot {
		sorted = append(sorted, id)
	}
	sort.Ints(sorted)
	for _, id := range sorted {
		fmt.Printf("%-20s (bot %d): %d channel(s)\n", names[id], id, stats.ChannelsPerBot[id])
	}

	return 0
}
