package fallback

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"exam-prep-server/record"
)

func testRecord(sessionID, userID, typ string, at time.Time) record.PracticeRecord {
	return record.PracticeRecord{
		SessionID:     sessionID,
		UserID:        userID,
		CanonicalType: typ,
		CategoryID:    2,
		CreatedAt:     at,
		Inputs:        []record.Input{{Label: "question", Content: "お題"}},
		Scores:        []record.Score{{Category: "logic", Value: 8.5, Max: 10}},
		Feedback:      &record.Feedback{Kind: record.FeedbackOverall, Content: "よく書けています"},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := testRecord("s1", "u1", "essay_practice", time.Now().UTC().Truncate(time.Second))
	if err := s.Write(rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadAll("u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}
	r := got[0]
	if r.SessionID != rec.SessionID || r.CanonicalType != rec.CanonicalType {
		t.Errorf("round trip mismatch: %+v", r)
	}
	if len(r.Inputs) != 1 || r.Inputs[0] != rec.Inputs[0] {
		t.Errorf("inputs not preserved: %+v", r.Inputs)
	}
	if len(r.Scores) != 1 || r.Scores[0] != rec.Scores[0] {
		t.Errorf("scores not preserved: %+v", r.Scores)
	}
	if r.Feedback == nil || *r.Feedback != *rec.Feedback {
		t.Errorf("feedback not preserved: %+v", r.Feedback)
	}
}

func TestListUnsyncedAndMarkSynced(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("s%d", i), "u1", "essay_practice", base.Add(time.Duration(i)*time.Second))
		if err := s.Write(rec); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := s.ListUnsynced()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 unsynced, got %d", len(pending))
	}
	// Oldest first so replay preserves write order.
	if pending[0].SessionID != "s0" || pending[2].SessionID != "s2" {
		t.Errorf("unexpected replay order: %s..%s", pending[0].SessionID, pending[2].SessionID)
	}

	if err := s.MarkSynced("s1"); err != nil {
		t.Fatal(err)
	}
	pending, err = s.ListUnsynced()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 unsynced after MarkSynced, got %d", len(pending))
	}
	for _, r := range pending {
		if r.SessionID == "s1" {
			t.Error("s1 should be synced")
		}
	}

	// Synced records are excluded from reads; the remote copy serves them.
	all, err := s.ReadAll("u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("ReadAll should skip synced records, got %d", len(all))
	}

	// MarkSynced is idempotent.
	if err := s.MarkSynced("s1"); err != nil {
		t.Errorf("second MarkSynced: %v", err)
	}
}

func TestReadAll_FilterByUserAndTypeKeys(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := s.Write(testRecord("s1", "u1", "essay_practice", now)); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(testRecord("s2", "u1", "interview_prep", now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(testRecord("s3", "u2", "essay_practice", now.Add(2*time.Second))); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadAll("u1", []string{"essay_practice", "小論文練習"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SessionID != "s1" {
		t.Errorf("filter mismatch: %+v", got)
	}

	// Newest first.
	all, err := s.ReadAll("u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].SessionID != "s2" {
		t.Errorf("expected newest first, got %+v", all)
	}
}

func TestDeleteByType_RemovesTombstonesToo(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := s.Write(testRecord("s1", "u1", "essay_practice", now)); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(testRecord("s2", "u1", "essay_practice", now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(testRecord("s3", "u1", "interview_prep", now.Add(2*time.Second))); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkSynced("s2"); err != nil {
		t.Fatal(err)
	}

	// Counts only the unsynced record; the synced tombstone is removed but
	// already accounted for remotely.
	deleted, err := s.DeleteByType("u1", []string{"essay_practice"})
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 counted deletion, got %d", deleted)
	}

	remaining, err := s.ReadAll("u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].CanonicalType != "interview_prep" {
		t.Errorf("unexpected remaining records: %+v", remaining)
	}

	// A deleted record must not reappear via the unsynced list either.
	pending, err := s.ListUnsynced()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range pending {
		if r.CanonicalType == "essay_practice" {
			t.Error("deleted type still pending replay")
		}
	}
}

func TestConcurrentWritesDifferentSessions(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := testRecord(fmt.Sprintf("c%d", i), "u1", "essay_practice", now.Add(time.Duration(i)*time.Millisecond))
			errs <- s.Write(rec)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent write failed: %v", err)
		}
	}
	got, err := s.ReadAll("u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("expected 10 records, got %d", len(got))
	}
}
