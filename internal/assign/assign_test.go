package assign

import (
	"crypto/md5"
	"math/big"
	"path/filepath"
	"testing"
)

func TestHashChannelToBot_MatchesFullDigestModulo(t *testing.T) {
	channelID := "C0123456789"
	sum := md5.Sum([]byte(channelID))
	want := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(3)).Int64() + 1

	if got := hashChannelToBot(channelID, 3); int64(got) != want {
		t.Fatalf("hashChannelToBot = %d, want %d", got, want)
	}
}

func TestAssignChannels_StableAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel_assignment.json")
	tbl := New(path, []int{1, 2, 3}, nil)

	first, err := tbl.AssignChannels([]string{"C1", "C2", "C3"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	total := 0
	for _, chans := range first {
		total += len(chans)
	}
	if total != 3 {
		t.Fatalf("expected 3 channels assigned total, got %d", total)
	}

	second, err := tbl.AssignChannels([]string{"C1", "C2", "C3", "C4"})
	if err != nil {
		t.Fatalf("assign again: %v", err)
	}

	for bot, chans := range first {
		for _, ch := range chans {
			if !tbl.IsAssignedToBot(ch, bot) {
				t.Fatalf("channel %s reassigned away from bot %d across calls", ch, bot)
			}
		}
	}

	total = 0
	for _, chans := range second {
		total += len(chans)
	}
	if total != 4 {
		t.Fatalf("expected 4 channels assigned total after adding C4, got %d", total)
	}
}

func TestAssignChannels_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel_assignment.json")
	tbl := New(path, []int{1, 2}, nil)
	if _, err := tbl.AssignChannels([]string{"C1", "C2", "C3"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	reloaded := New(path, []int{1, 2}, nil)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, ch := range []string{"C1", "C2", "C3"} {
		found := false
		for bot := 1; bot <= 2; bot++ {
			if reloaded.IsAssignedToBot(ch, bot) {
				found = true
			}
		}
		if !found {
			t.Fatalf("channel %s missing from reloaded table", ch)
		}
	}
}

func TestForget_RemovesAssignment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel_assignment.json")
	tbl := New(path, []int{1}, nil)
	if _, err := tbl.AssignChannels([]string{"C1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !tbl.IsAssignedToBot("C1", 1) {
		t.Fatalf("expected C1 assigned to bot 1")
	}

	if err := tbl.Forget("C1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if tbl.IsAssignedToBot("C1", 1) {
		t.Fatalf("expected C1 no longer assigned after Forget")
	}

	reassigned, err := tbl.AssignChannels([]string{"C1"})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if len(reassigned[1]) != 1 {
		t.Fatalf("expected C1 reassigned fresh, got %+v", reassigned)
	}
}

func TestStats_CountsPerBot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel_assignment.json")
	tbl := New(path, []int{1, 2}, nil)
	if _, err := tbl.AssignChannels([]string{"C1", "C2", "C3", "C4"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	stats := tbl.Stats()
	if stats.TotalChannels != 4 {
		t.Fatalf("expected 4 total channels, got %d", stats.TotalChannels)
	}
	sum := 0
	for _, n := range stats.ChannelsPerBot {
		sum += n
	}
	if sum != 4 {
		t.Fatalf("expected per-bot counts to sum to 4, got %d", sum)
	}
}
