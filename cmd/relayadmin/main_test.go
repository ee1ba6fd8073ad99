package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ccdocs/master-relay/internal/doctor"
)

func setCommonEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AGENT_MASTER_CHANNEL_ID", "C_AGENT")
	t.Setenv("APPTBK_MASTER_CHANNEL_ID", "C_APPTBK")
	t.Setenv("MANAGED_ADMIN_MASTER_CHANNEL_ID", "C_MANAGED")
	t.Setenv("STORM_ADMIN_MASTER_CHANNEL_ID", "C_STORM")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-1")
	t.Setenv("SLACK_APP_TOKEN", "xapp-1")
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	setCommonEnv(t)
	t.Setenv("RELAY_DATA_DIR", t.TempDir())

	code := runDoctorCommand(context.Background(), []string{"-json"})
	// A fresh data dir has no categorization files yet (WARN, not FAIL),
	// so this should still exit 0.
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestExitCodeFor_FailOnAnyFailedCheck(t *testing.T) {
	diag := doctor.Diagnosis{Results: []doctor.CheckResult{
		{Name: "a", Status: "PASS"},
		{Name: "b", Status: "FAIL"},
	}}
	if got := exitCodeFor(diag); got != 1 {
		t.Fatalf("expected exit code 1, got %d", got)
	}
}

func TestExitCodeFor_OKWhenNoFailures(t *testing.T) {
	diag := doctor.Diagnosis{Results: []doctor.CheckResult{
		{Name: "a", Status: "PASS"},
		{Name: "b", Status: "WARN"},
	}}
	if got := exitCodeFor(diag); got != 0 {
		t.Fatalf("expected exit code 0, got %d", got)
	}
}

func TestRunAssignReportCommand_ReportsFromPersistedTable(t *testing.T) {
	setCommonEnv(t)
	dataDir := t.TempDir()
	t.Setenv("RELAY_DATA_DIR", dataDir)

	assignmentJSON := `{"metadata":{"total_bots":1,"total_channels":1,"bot_ids":[1]},"assignments":{"C1":1}}`
	if err := os.WriteFile(filepath.Join(dataDir, "channel_assignment.json"), []byte(assignmentJSON), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if code := runAssignReportCommand(nil); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}
