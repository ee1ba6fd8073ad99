package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ccdocs/master-relay/internal/assign"
	"github.com/ccdocs/master-relay/internal/categ"
	"github.com/ccdocs/master-relay/internal/categprovider"
)

type fakeDiscoverer struct {
	channelIDs []string
	err        error
}

func (f *fakeDiscoverer) DiscoverAdminChannels(ctx context.Context) ([]string, error) {
	return f.channelIDs, f.err
}

func TestRefresh_WritesCategorizationAndAssignsChannels(t *testing.T) {
	dir := t.TempDir()
	categCache := categ.New(filepath.Join(dir, "channel_lists.json"), nil)
	assignTbl := assign.New(filepath.Join(dir, "channel_assignment.json"), []int{1, 2}, nil)

	disc := &fakeDiscoverer{channelIDs: []string{"C1", "C2", "C3"}}
	provider := &categprovider.Fake{Lists: categprovider.Lists{
		ManagedAdmin: []string{"acme-admin"},
		StormAdmin:   []string{"beta-admin"},
		Ignored:      []string{"ccdocs-admin"},
	}}

	s := New(disc, provider, categCache, assignTbl, nil)
	if err := s.refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if got := categCache.Classify("acme-admin"); got != categ.ManagedAdmin {
		t.Fatalf("expected acme-admin to classify as managed_admin, got %q", got)
	}
	if got := categCache.Classify("beta-admin"); got != categ.StormAdmin {
		t.Fatalf("expected beta-admin to classify as storm_admin, got %q", got)
	}

	stats := assignTbl.Stats()
	if stats.TotalChannels != 3 {
		t.Fatalf("expected 3 assigned channels, got %d", stats.TotalChannels)
	}
}

func TestRefresh_DiscoveryErrorStopsBeforeProviderCall(t *testing.T) {
	dir := t.TempDir()
	categCache := categ.New(filepath.Join(dir, "channel_lists.json"), nil)
	assignTbl := assign.New(filepath.Join(dir, "channel_assignment.json"), []int{1}, nil)

	disc := &fakeDiscoverer{err: errTest}
	provider := &categprovider.Fake{Err: errTest}

	s := New(disc, provider, categCache, assignTbl, nil)
	if err := s.refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh to surface the discovery error")
	}
}

var errTest = &testError{"discovery failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
