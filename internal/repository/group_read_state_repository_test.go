package repository

import (
	"testing"
	"time"
)

func TestUpsertMonotonicNeverRegresses(t *testing.T) {
	db := openTestDB(t)
	repo := NewGroupReadStateRepository(db)

	base := time.Unix(1_700_000_000, 0).UTC()

	// Local mark at t=100.
	if err := repo.UpsertMonotonic("group-1", "user-1", base.Add(100*time.Second), "srv-100"); err != nil {
		t.Fatalf("UpsertMonotonic failed: %v", err)
	}
	// Stale remote reconciliation arriving late with t=80.
	if err := repo.UpsertMonotonic("group-1", "user-1", base.Add(80*time.Second), "srv-80"); err != nil {
		t.Fatalf("stale UpsertMonotonic must not error: %v", err)
	}

	state, err := repo.Get("group-1", "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if state.LastReadAt.Unix() != base.Add(100*time.Second).Unix() {
		t.Errorf("last_read_at regressed to %v, want t=100", state.LastReadAt)
	}
	if state.LastReadMessageID != "srv-100" {
		t.Errorf("last_read_message_id = %q, want srv-100", state.LastReadMessageID)
	}

	// A genuinely newer mark still advances.
	if err := repo.UpsertMonotonic("group-1", "user-1", base.Add(120*time.Second), "srv-120"); err != nil {
		t.Fatalf("UpsertMonotonic failed: %v", err)
	}
	state, _ = repo.Get("group-1", "user-1")
	if state.LastReadMessageID != "srv-120" {
		t.Errorf("newer mark must win, got %q", state.LastReadMessageID)
	}
}

func TestUpsertMonotonicEqualTimestampKeepsStored(t *testing.T) {
	db := openTestDB(t)
	repo := NewGroupReadStateRepository(db)

	at := time.Unix(1_700_000_000, 0).UTC()
	repo.UpsertMonotonic("group-1", "user-1", at, "first")
	repo.UpsertMonotonic("group-1", "user-1", at, "second")

	state, err := repo.Get("group-1", "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if state.LastReadMessageID != "first" {
		t.Errorf("equal timestamp must not overwrite, got %q", state.LastReadMessageID)
	}
}

func TestEnsureForMemberIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	repo := NewGroupReadStateRepository(db)

	if err := repo.EnsureForMember("group-1", "user-1"); err != nil {
		t.Fatalf("EnsureForMember failed: %v", err)
	}

	// A later mark must survive a racing re-ensure.
	at := time.Unix(1_700_000_000, 0).UTC()
	repo.UpsertMonotonic("group-1", "user-1", at, "srv-1")
	if err := repo.EnsureForMember("group-1", "user-1"); err != nil {
		t.Fatalf("second EnsureForMember failed: %v", err)
	}

	state, err := repo.Get("group-1", "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if state.LastReadMessageID != "srv-1" {
		t.Errorf("re-ensure must not reset state, got %q", state.LastReadMessageID)
	}
}

func TestListForUserAndDelete(t *testing.T) {
	db := openTestDB(t)
	repo := NewGroupReadStateRepository(db)

	repo.EnsureForMember("group-1", "user-1")
	repo.EnsureForMember("group-2", "user-1")
	repo.EnsureForMember("group-1", "user-2")

	states, err := repo.ListForUser("user-1")
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states for user-1, got %d", len(states))
	}

	if err := repo.DeleteForMember("group-1", "user-1"); err != nil {
		t.Fatalf("DeleteForMember failed: %v", err)
	}
	states, _ = repo.ListForUser("user-1")
	if len(states) != 1 || states[0].GroupID != "group-2" {
		t.Errorf("expected only group-2 left, got %v", states)
	}
}

func TestEngineStateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewEngineStateRepository(db)

	got, err := repo.Get(StateKeyUnreadSnapshot)
	if err != nil {
		t.Fatalf("Get on missing key: %v", err)
	}
	if got != nil {
		t.Errorf("missing key must yield nil, got %v", got)
	}

	if err := repo.Set(StateKeyUnreadSnapshot, []byte("v1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := repo.Set(StateKeyUnreadSnapshot, []byte("v2")); err != nil {
		t.Fatalf("overwrite Set failed: %v", err)
	}

	got, err = repo.Get(StateKeyUnreadSnapshot)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Get = %q, want v2", got)
	}
}
