package alertstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alerts.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleAlert(id string, sev Severity, cat Category, createdAt time.Time) Alert {
	return Alert{
		ID:        id,
		Severity:  sev,
		Category:  cat,
		Source:    "system_monitor",
		Message:   "cpu usage high",
		CreatedAt: createdAt,
		Status:    StatusActive,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTemp(t)
	a := sampleAlert("id-1", SeverityWarning, CategoryCPU, time.Now())
	if err := s.Insert(a); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Get("id-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected alert, got nil")
	}
	if got.Message != a.Message || got.Severity != a.Severity {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestInsertDuplicateIDRejected(t *testing.T) {
	s := openTemp(t)
	a := sampleAlert("dup", SeverityInfo, CategoryDisk, time.Now())
	if err := s.Insert(a); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.Insert(a); err == nil {
		t.Fatal("expected error on duplicate ID insert")
	}
}

func TestGetMissingReturnsNilNoError(t *testing.T) {
	s := openTemp(t)
	got, err := s.Get("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing alert, got %+v", got)
	}
}

func TestQueryExcludesDismissedByDefault(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	active := sampleAlert("a1", SeverityWarning, CategoryCPU, now)
	dismissed := sampleAlert("a2", SeverityWarning, CategoryCPU, now.Add(time.Second))
	dismissed.Status = StatusDismissed

	if err := s.Insert(active); err != nil {
		t.Fatalf("insert active: %v", err)
	}
	if err := s.Insert(dismissed); err != nil {
		t.Fatalf("insert dismissed: %v", err)
	}

	results, err := s.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a1" {
		t.Errorf("expected only active alert returned, got %+v", results)
	}

	withDismissed, err := s.Query(Filter{IncludeDismissed: true})
	if err != nil {
		t.Fatalf("Query includeDismissed: %v", err)
	}
	if len(withDismissed) != 2 {
		t.Errorf("expected both alerts with IncludeDismissed, got %d", len(withDismissed))
	}
}

func TestQueryOrderedDescendingByCreation(t *testing.T) {
	s := openTemp(t)
	base := time.Now()
	for i, id := range []string{"first", "second", "third"} {
		a := sampleAlert(id, SeverityInfo, CategoryCPU, base.Add(time.Duration(i)*time.Second))
		if err := s.Insert(a); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	results, err := s.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].ID != "third" || results[1].ID != "second" || results[2].ID != "first" {
		t.Errorf("expected descending chronological order, got %v", []string{results[0].ID, results[1].ID, results[2].ID})
	}
}

func TestQueryFilterBySeverityAndCategory(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	if err := s.Insert(sampleAlert("cpu-warn", SeverityWarning, CategoryCPU, now)); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(sampleAlert("mem-crit", SeverityCritical, CategoryMemory, now)); err != nil {
		t.Fatal(err)
	}

	results, err := s.Query(Filter{Category: CategoryMemory})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "mem-crit" {
		t.Errorf("expected only mem-crit, got %+v", results)
	}

	results, err = s.Query(Filter{Severity: SeverityWarning})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "cpu-warn" {
		t.Errorf("expected only cpu-warn, got %+v", results)
	}
}

func TestUpdateStatusStampsTimestampAndReindexes(t *testing.T) {
	s := openTemp(t)
	a := sampleAlert("ack-me", SeverityError, CategoryService, time.Now())
	if err := s.Insert(a); err != nil {
		t.Fatal(err)
	}

	at := time.Now()
	updated, err := s.UpdateStatus("ack-me", StatusAcknowledged, at)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != StatusAcknowledged {
		t.Errorf("expected status acknowledged, got %s", updated.Status)
	}
	if updated.AcknowledgedAt == nil || !updated.AcknowledgedAt.Equal(at) {
		t.Errorf("expected AcknowledgedAt stamped to %v, got %v", at, updated.AcknowledgedAt)
	}

	results, err := s.Query(Filter{Status: StatusActive})
	if err != nil {
		t.Fatalf("Query active: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no active alerts after acknowledge, got %d", len(results))
	}

	results, err = s.Query(Filter{Status: StatusAcknowledged})
	if err != nil {
		t.Fatalf("Query acknowledged: %v", err)
	}
	if len(results) != 1 || results[0].ID != "ack-me" {
		t.Errorf("expected ack-me in acknowledged index, got %+v", results)
	}
}

func TestUpdateStatusMissingReturnsError(t *testing.T) {
	s := openTemp(t)
	if _, err := s.UpdateStatus("nope", StatusAcknowledged, time.Now()); err == nil {
		t.Fatal("expected error for missing alert")
	}
}

func TestUpdateStatusBulkTransitionsAllMatching(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	for _, id := range []string{"b1", "b2", "b3"} {
		if err := s.Insert(sampleAlert(id, SeverityWarning, CategoryCPU, now)); err != nil {
			t.Fatal(err)
		}
	}

	updated, err := s.UpdateStatusBulk(StatusActive, StatusAcknowledged, now)
	if err != nil {
		t.Fatalf("UpdateStatusBulk: %v", err)
	}
	if len(updated) != 3 {
		t.Errorf("expected 3 alerts updated, got %d", len(updated))
	}

	remaining, err := s.Query(Filter{Status: StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected no active alerts remaining, got %d", len(remaining))
	}
}

func TestCountBySeverityExcludesDismissed(t *testing.T) {
	s := openTemp(t)
	now := time.Now()
	if err := s.Insert(sampleAlert("c1", SeverityCritical, CategoryCPU, now)); err != nil {
		t.Fatal(err)
	}
	dismissed := sampleAlert("c2", SeverityCritical, CategoryCPU, now)
	dismissed.Status = StatusDismissed
	if err := s.Insert(dismissed); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountBySeverity(StatusDismissed)
	if err != nil {
		t.Fatalf("CountBySeverity: %v", err)
	}
	if counts[SeverityCritical] != 1 {
		t.Errorf("expected 1 critical (dismissed excluded), got %d", counts[SeverityCritical])
	}
}

func TestDeleteOlderThanRemovesFromIndices(t *testing.T) {
	s := openTemp(t)
	old := sampleAlert("old", SeverityInfo, CategoryCPU, time.Now().Add(-48*time.Hour))
	recent := sampleAlert("recent", SeverityInfo, CategoryCPU, time.Now())
	if err := s.Insert(old); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(recent); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.DeleteOlderThan(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	results, err := s.Query(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "recent" {
		t.Errorf("expected only recent alert to remain, got %+v", results)
	}

	if got, err := s.Get("old"); err != nil || got != nil {
		t.Errorf("expected old alert fully removed, got %+v err=%v", got, err)
	}
}

func TestDedupKeyStableForIdenticalFields(t *testing.T) {
	a1 := sampleAlert("x1", SeverityWarning, CategoryCPU, time.Now())
	a2 := sampleAlert("x2", SeverityWarning, CategoryCPU, time.Now().Add(time.Hour))
	if a1.DedupKey() != a2.DedupKey() {
		t.Errorf("expected identical dedup keys for same category/severity/source/message, got %q vs %q", a1.DedupKey(), a2.DedupKey())
	}
}
