// Package doctor implements cmd/relayadmin's read-only diagnostic
// report: configuration sanity, state-store reachability, and bot
// socket-mode connectivity.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ccdocs/master-relay/internal/config"
	"github.com/ccdocs/master-relay/internal/queue"
	"github.com/ccdocs/master-relay/internal/state"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against cfg.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkBotIdentities,
		checkMasterChannels,
		checkDataDirWritable,
		checkStateStore,
		checkCategorizationFiles,
		checkQueueBacklog,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkBotIdentities(_ context.Context, cfg config.Config) CheckResult {
	if len(cfg.Bots) == 0 {
		return CheckResult{Name: "Bot Identities", Status: "FAIL", Message: "no bot identities configured"}
	}
	return CheckResult{
		Name:    "Bot Identities",
		Status:  "PASS",
		Message: fmt.Sprintf("%d bot identity(ies) configured", len(cfg.Bots)),
	}
}

func checkMasterChannels(_ context.Context, cfg config.Config) CheckResult {
	missing := 0
	for _, id := range []string{cfg.MasterChannels.Agent, cfg.MasterChannels.Apptbk, cfg.MasterChannels.ManagedAdmin, cfg.MasterChannels.StormAdmin} {
		if id == "" {
			missing++
		}
	}
	if missing > 0 {
		return CheckResult{Name: "Master Channels", Status: "FAIL", Message: fmt.Sprintf("%d of 4 master channel ids missing", missing)}
	}
	return CheckResult{Name: "Master Channels", Status: "PASS", Message: "all 4 master channel ids configured"}
}

func checkDataDirWritable(_ context.Context, cfg config.Config) CheckResult {
	if cfg.DataDir == "" {
		return CheckResult{Name: "Data Directory", Status: "SKIP", Message: "config missing"}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return CheckResult{Name: "Data Directory", Status: "FAIL", Message: fmt.Sprintf("cannot create %s: %v", cfg.DataDir, err)}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Data Directory", Status: "FAIL", Message: fmt.Sprintf("%s is not writable: %v", cfg.DataDir, err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Data Directory", Status: "PASS", Message: fmt.Sprintf("%s is writable", cfg.DataDir)}
}

func checkStateStore(ctx context.Context, cfg config.Config) CheckResult {
	if cfg.StateDBPath == "" {
		return CheckResult{Name: "State Store", Status: "SKIP", Message: "config missing"}
	}
	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return CheckResult{Name: "State Store", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	if _, _, err := store.GetString(ctx, "doctor:probe"); err != nil {
		return CheckResult{Name: "State Store", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "State Store", Status: "PASS", Message: fmt.Sprintf("%s opened and queryable", cfg.StateDBPath)}
}

// checkQueueBacklog reports how many forwarding jobs currently sit in
// the workers group's pending-entry list (delivered but not yet
// acked) — a large, growing backlog usually means every worker has
// crashed or is stuck, since a live worker acks within one retry
// envelope of picking a job up.
func checkQueueBacklog(ctx context.Context, cfg config.Config) CheckResult {
	if cfg.StateDBPath == "" {
		return CheckResult{Name: "Forwarding Queue Backlog", Status: "SKIP", Message: "config missing"}
	}
	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return CheckResult{Name: "Forwarding Queue Backlog", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	pending, err := store.PendingEntries(ctx, queue.StreamName, queue.GroupName, 0)
	if err != nil {
		return CheckResult{Name: "Forwarding Queue Backlog", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	if len(pending) == 0 {
		return CheckResult{Name: "Forwarding Queue Backlog", Status: "PASS", Message: "no pending (delivered-but-unacked) forwarding jobs"}
	}
	return CheckResult{
		Name:    "Forwarding Queue Backlog",
		Status:  "WARN",
		Message: fmt.Sprintf("%d forwarding job(s) delivered but not yet acked", len(pending)),
	}
}

func checkCategorizationFiles(_ context.Context, cfg config.Config) CheckResult {
	if cfg.DataDir == "" {
		return CheckResult{Name: "Categorization Files", Status: "SKIP", Message: "config missing"}
	}
	var missing []string
	for _, name := range []string{"channel_lists.json", "channel_assignment.json"} {
		if _, err := os.Stat(filepath.Join(cfg.DataDir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Categorization Files",
			Status:  "WARN",
			Message: fmt.Sprintf("%d file(s) not yet written", len(missing)),
			Detail:  fmt.Sprintf("missing: %v (populated by the scheduler's first discovery run)", missing),
		}
	}
	return CheckResult{Name: "Categorization Files", Status: "PASS", Message: "channel_lists.json and channel_assignment.json present"}
}
