package main

import "testing"

func TestArchivedCandidates_EmptyWhenUnset(t *testing.T) {
	t.Setenv("RELAY_ARCHIVE_CANDIDATES", "")
	if got := archivedCandidates(); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestArchivedCandidates_ParsesAndTrimsCommaList(t *testing.T) {
	t.Setenv("RELAY_ARCHIVE_CANDIDATES", "C1, C2 ,,C3")
	got := archivedCandidates()
	want := []string{"C1", "C2", "C3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestWorkerChild_NameIsUniquePerIndex(t *testing.T) {
	a := workerChild{index: 1}
	b := workerChild{index: 2}
	if a.Name() == b.Name() {
		t.Fatalf("expected distinct names, both got %q", a.Name())
	}
}
