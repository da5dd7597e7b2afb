package readstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jsmcorp/bouge-sync/internal/budget"
	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/remote"
	"github.com/jsmcorp/bouge-sync/internal/repository"
	"github.com/jsmcorp/bouge-sync/internal/testutil"
)

type tokenFn func(ctx context.Context) (string, error)

func (f tokenFn) Token(ctx context.Context) (string, error) { return f(ctx) }

func staticToken(token string) tokenFn {
	return func(ctx context.Context) (string, error) { return token, nil }
}

type markCall struct {
	groupID       string
	lastMessageID string
	lastReadAt    time.Time
}

type fakeRPC struct {
	mu        sync.Mutex
	marks     []markCall
	aggregate []remote.RemoteReadState
}

func (f *fakeRPC) MarkGroupAsRead(ctx context.Context, token, groupID, userID, lastMessageID string, lastReadAt time.Time) error {
	f.mu.Lock()
	f.marks = append(f.marks, markCall{groupID, lastMessageID, lastReadAt})
	f.mu.Unlock()
	return nil
}

func (f *fakeRPC) GetAllUnreadCounts(ctx context.Context, token, userID string) ([]remote.RemoteReadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aggregate, nil
}

func (f *fakeRPC) markCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.marks)
}

type trackerFixture struct {
	tracker *Tracker
	states  *repository.GroupReadStateRepository
	msgs    *repository.MessageRepository
	state   *repository.EngineStateRepository
	rpc     *fakeRPC
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	db := testutil.OpenTestDB(t)
	f := &trackerFixture{
		states: repository.NewGroupReadStateRepository(db),
		msgs:   repository.NewMessageRepository(db),
		state:  repository.NewEngineStateRepository(db),
		rpc:    &fakeRPC{},
	}
	f.tracker = NewTracker("me", f.states, f.msgs, f.state, staticToken("tok"), f.rpc, budget.Default())
	return f
}

func seedMessage(t *testing.T, f *trackerFixture, id, groupID, senderID string, createdAt time.Time) {
	t.Helper()
	err := f.msgs.Upsert(&models.Message{
		ID: id, GroupID: groupID, SenderID: senderID, Content: "m",
		MessageType: models.TextMessage, DeliveryStatus: models.DeliverySent, CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestMarkReadIsImmediateLocally(t *testing.T) {
	f := newTrackerFixture(t)
	f.tracker.Increment("group-1")
	f.tracker.Increment("group-1")

	before := time.Now()
	if err := f.tracker.MarkRead(context.Background(), "group-1", "srv-5"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	// Local effects land before any network round-trip.
	if got := f.tracker.UnreadCount("group-1"); got != 0 {
		t.Errorf("unread count = %d, want 0 immediately", got)
	}
	state, err := f.states.Get("group-1", "me")
	if err != nil {
		t.Fatalf("read-state row missing: %v", err)
	}
	if state.LastReadMessageID != "srv-5" {
		t.Errorf("last_read_message_id = %q, want srv-5", state.LastReadMessageID)
	}
	if state.LastReadAt.Before(before.Add(-time.Second)) {
		t.Errorf("last_read_at = %v, want ~now", state.LastReadAt)
	}

	// The remote sync trails behind.
	testutil.Eventually(t, 3*time.Second, func() bool {
		return f.rpc.markCount() == 1
	}, "remote mark-read never fired")
}

func TestNoteMessageSkipsOwnSendsAndActiveGroup(t *testing.T) {
	f := newTrackerFixture(t)

	f.tracker.NoteMessage(models.Message{GroupID: "group-1", SenderID: "me"}, "")
	if got := f.tracker.UnreadCount("group-1"); got != 0 {
		t.Errorf("own send incremented unread count to %d", got)
	}

	f.tracker.NoteMessage(models.Message{GroupID: "group-1", SenderID: "user-2"}, "group-1")
	if got := f.tracker.UnreadCount("group-1"); got != 0 {
		t.Errorf("actively viewed group incremented unread count to %d", got)
	}

	f.tracker.NoteMessage(models.Message{GroupID: "group-1", SenderID: "user-2"}, "group-2")
	if got := f.tracker.UnreadCount("group-1"); got != 1 {
		t.Errorf("unread count = %d, want 1", got)
	}
}

func TestReconcileStaleRemoteKeepsLocalWatermark(t *testing.T) {
	f := newTrackerFixture(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	// Local mark at t=100; two unseen messages from others after it.
	f.states.UpsertMonotonic("group-1", "me", base.Add(100*time.Second), "srv-100")
	seedMessage(t, f, "srv-101", "group-1", "user-2", base.Add(101*time.Second))
	seedMessage(t, f, "srv-102", "group-1", "user-3", base.Add(102*time.Second))
	seedMessage(t, f, "srv-103", "group-1", "me", base.Add(103*time.Second)) // own send

	// The remote aggregate was taken against an older watermark.
	f.rpc.aggregate = []remote.RemoteReadState{
		{GroupID: "group-1", UnreadCount: 7, LastReadAt: base.Add(80 * time.Second), LastReadMessageID: "srv-80"},
	}

	if err := f.tracker.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	state, _ := f.states.Get("group-1", "me")
	if state.LastReadMessageID != "srv-100" {
		t.Errorf("stale remote regressed watermark to %q", state.LastReadMessageID)
	}
	// Count recomputed against the local watermark, not the stale remote 7.
	if got := f.tracker.UnreadCount("group-1"); got != 2 {
		t.Errorf("unread count = %d, want 2", got)
	}
}

func TestReconcileNewerRemoteWins(t *testing.T) {
	f := newTrackerFixture(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	f.states.UpsertMonotonic("group-1", "me", base.Add(100*time.Second), "srv-100")
	f.rpc.aggregate = []remote.RemoteReadState{
		{GroupID: "group-1", UnreadCount: 3, LastReadAt: base.Add(200 * time.Second), LastReadMessageID: "srv-200"},
		{GroupID: "group-2", UnreadCount: 1, LastReadAt: base.Add(50 * time.Second), LastReadMessageID: "srv-50"},
	}

	if err := f.tracker.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	state, _ := f.states.Get("group-1", "me")
	if state.LastReadMessageID != "srv-200" {
		t.Errorf("newer remote must win, got %q", state.LastReadMessageID)
	}
	if got := f.tracker.UnreadCount("group-1"); got != 3 {
		t.Errorf("group-1 unread = %d, want remote 3", got)
	}

	// A group with no local row adopts the remote state.
	if got := f.tracker.UnreadCount("group-2"); got != 1 {
		t.Errorf("group-2 unread = %d, want 1", got)
	}
	if _, err := f.states.Get("group-2", "me"); err != nil {
		t.Errorf("remote-only group must gain a local row: %v", err)
	}
}

func TestSyncMembershipSeedsAndPrunesRows(t *testing.T) {
	f := newTrackerFixture(t)

	f.tracker.SyncMembership([]string{"group-1", "group-2"})

	for _, groupID := range []string{"group-1", "group-2"} {
		if _, err := f.states.Get(groupID, "me"); err != nil {
			t.Errorf("member group %s has no read-state row: %v", groupID, err)
		}
	}

	// Re-running with the same membership is a no-op.
	f.tracker.SyncMembership([]string{"group-1", "group-2"})
	states, err := f.states.ListForUser("me")
	if err != nil {
		t.Fatalf("ListForUser failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("rows after repeated sync = %d, want 2", len(states))
	}

	// Leaving a group drops its row and its badge count.
	f.tracker.Increment("group-2")
	var zeroed []string
	f.tracker.OnUnreadChanged = func(groupID string, count int) {
		if count == 0 {
			zeroed = append(zeroed, groupID)
		}
	}
	f.tracker.SyncMembership([]string{"group-1"})

	states, _ = f.states.ListForUser("me")
	if len(states) != 1 || states[0].GroupID != "group-1" {
		t.Errorf("rows after leaving group-2 = %v, want only group-1", states)
	}
	if got := f.tracker.UnreadCount("group-2"); got != 0 {
		t.Errorf("left group kept unread count %d", got)
	}
	if len(zeroed) != 1 || zeroed[0] != "group-2" {
		t.Errorf("badge layer zeroed %v, want [group-2]", zeroed)
	}
}

func TestRebuildFromStoreCountsUnseenMessages(t *testing.T) {
	f := newTrackerFixture(t)
	base := time.Unix(1_700_000_000, 0).UTC()

	f.states.UpsertMonotonic("group-1", "me", base.Add(100*time.Second), "srv-100")
	// Rows written while the engine was not running (native push handler).
	seedMessage(t, f, "srv-101", "group-1", "user-2", base.Add(101*time.Second))
	seedMessage(t, f, "srv-102", "group-1", "me", base.Add(102*time.Second))
	seedMessage(t, f, "srv-103", "group-2", "user-2", base.Add(103*time.Second))

	f.tracker.RebuildFromStore([]string{"group-1", "group-2"})

	if got := f.tracker.UnreadCount("group-1"); got != 1 {
		t.Errorf("group-1 unread = %d, want 1", got)
	}
	if got := f.tracker.UnreadCount("group-2"); got != 1 {
		t.Errorf("group-2 unread = %d, want 1", got)
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	f := newTrackerFixture(t)
	f.tracker.Increment("group-1")
	f.tracker.Increment("group-1")
	f.tracker.Increment("group-2")

	// A new tracker over the same store simulates a process restart.
	reborn := NewTracker("me", f.states, f.msgs, f.state, staticToken("tok"), f.rpc, budget.Default())
	var notified []string
	reborn.OnUnreadChanged = func(groupID string, count int) { notified = append(notified, groupID) }
	reborn.LoadSnapshot()

	if got := reborn.UnreadCount("group-1"); got != 2 {
		t.Errorf("group-1 unread after restart = %d, want 2", got)
	}
	if got := reborn.UnreadCount("group-2"); got != 1 {
		t.Errorf("group-2 unread after restart = %d, want 1", got)
	}
	if len(notified) != 2 {
		t.Errorf("badge layer notified for %d groups, want 2", len(notified))
	}
}
