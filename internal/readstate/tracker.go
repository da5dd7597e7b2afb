// Package readstate maintains per-group unread counts and the last-read
// watermark. Marking read is immediate on view — a debounced mark is unsafe
// on mobile, where the viewing session can be torn down well inside any
// debounce window — and the remote sync trails behind, fire-and-forget.
package readstate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jsmcorp/bouge-sync/internal/budget"
	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/remote"
	"github.com/jsmcorp/bouge-sync/internal/repository"
	"github.com/vmihailenco/msgpack/v5"
)

// TokenSource is the slice of the session manager the remote sync needs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RPC is the slice of the remote client the tracker needs.
type RPC interface {
	MarkGroupAsRead(ctx context.Context, token, groupID, userID, lastMessageID string, lastReadAt time.Time) error
	GetAllUnreadCounts(ctx context.Context, token, userID string) ([]remote.RemoteReadState, error)
}

type Tracker struct {
	userID string

	states repository.GroupReadStateRepositoryInterface
	msgs   repository.MessageRepositoryInterface
	state  repository.EngineStateRepositoryInterface
	tokens TokenSource
	rpc    RPC
	budget budget.Budget

	mu     sync.RWMutex
	counts map[string]int

	// OnUnreadChanged fires on every count change for the UI badge layer.
	OnUnreadChanged func(groupID string, count int)
}

func NewTracker(
	userID string,
	states repository.GroupReadStateRepositoryInterface,
	msgs repository.MessageRepositoryInterface,
	state repository.EngineStateRepositoryInterface,
	tokens TokenSource,
	rpc RPC,
	b budget.Budget,
) *Tracker {
	return &Tracker{
		userID: userID,
		states: states,
		msgs:   msgs,
		state:  state,
		tokens: tokens,
		rpc:    rpc,
		budget: b,
		counts: make(map[string]int),
	}
}

// MarkRead records the read position locally right away (instant UI
// feedback, zero unread) and syncs the remote service in the background.
func (t *Tracker) MarkRead(ctx context.Context, groupID, messageID string) error {
	now := time.Now()
	if err := t.states.UpsertMonotonic(groupID, t.userID, now, messageID); err != nil {
		return err
	}

	t.setCount(groupID, 0)
	t.saveSnapshot()

	// Remote sync trails behind and never blocks the view path.
	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), t.budget.ReadSync)
		defer cancel()

		tokenCtx, tokenCancel := context.WithTimeout(syncCtx, t.budget.TokenWait)
		token, err := t.tokens.Token(tokenCtx)
		tokenCancel()
		if err != nil {
			log.Printf("readstate: remote mark-read %s skipped, no token: %v", groupID, err)
			return
		}
		if err := t.rpc.MarkGroupAsRead(syncCtx, token, groupID, t.userID, messageID, now); err != nil {
			log.Printf("readstate: remote mark-read %s failed: %v", groupID, err)
		}
	}()
	return nil
}

// NoteMessage counts an inbound message: the local user's own sends and
// messages for the actively viewed group never increment.
func (t *Tracker) NoteMessage(msg models.Message, activeGroupID string) {
	if msg.SenderID == t.userID || msg.GroupID == activeGroupID {
		return
	}
	t.Increment(msg.GroupID)
}

func (t *Tracker) Increment(groupID string) {
	t.mu.Lock()
	t.counts[groupID]++
	count := t.counts[groupID]
	t.mu.Unlock()
	t.notify(groupID, count)
	t.saveSnapshot()
}

// UnreadCounts returns a copy of the in-memory cache.
func (t *Tracker) UnreadCounts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

func (t *Tracker) UnreadCount(groupID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[groupID]
}

// Reconcile pulls the authoritative aggregate (bypassing the cache) and
// merges it. The remote value wins only when strictly newer than the local
// watermark; a stale background fetch must never clobber a read position
// the user just advanced.
func (t *Tracker) Reconcile(ctx context.Context) error {
	tokenCtx, tokenCancel := context.WithTimeout(ctx, t.budget.TokenWait)
	token, err := t.tokens.Token(tokenCtx)
	tokenCancel()
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.budget.Request)
	defer cancel()
	remoteStates, err := t.rpc.GetAllUnreadCounts(reqCtx, token, t.userID)
	if err != nil {
		return err
	}

	for _, rs := range remoteStates {
		local, err := t.states.Get(rs.GroupID, t.userID)
		if err == nil && !rs.LastReadAt.After(local.LastReadAt) {
			// Remote is stale or equal: keep local state, but recompute
			// the count from the store since the remote aggregate was
			// taken against an older watermark.
			count, cerr := t.msgs.CountSince(rs.GroupID, local.LastReadAt, t.userID)
			if cerr != nil {
				log.Printf("readstate: recount %s: %v", rs.GroupID, cerr)
				continue
			}
			t.setCount(rs.GroupID, int(count))
			continue
		}

		// Remote is strictly newer (or no local row exists yet): adopt it.
		// The repository upsert re-checks monotonicity, so a concurrent
		// local mark-read between Get and here still cannot be regressed.
		if err := t.states.UpsertMonotonic(rs.GroupID, t.userID, rs.LastReadAt, rs.LastReadMessageID); err != nil {
			log.Printf("readstate: reconcile upsert %s: %v", rs.GroupID, err)
			continue
		}
		t.setCount(rs.GroupID, rs.UnreadCount)
	}

	t.saveSnapshot()
	return nil
}

// SyncMembership aligns read-state rows with the current group membership:
// every member group gets its row seeded (idempotent, so concurrent
// initialization is harmless), and rows for groups the user has left are
// dropped along with their badge counts.
func (t *Tracker) SyncMembership(groupIDs []string) {
	member := make(map[string]struct{}, len(groupIDs))
	for _, groupID := range groupIDs {
		member[groupID] = struct{}{}
		if err := t.states.EnsureForMember(groupID, t.userID); err != nil {
			log.Printf("readstate: seed state for %s: %v", groupID, err)
		}
	}

	states, err := t.states.ListForUser(t.userID)
	if err != nil {
		log.Printf("readstate: list states: %v", err)
		return
	}
	pruned := false
	for _, state := range states {
		if _, ok := member[state.GroupID]; ok {
			continue
		}
		if err := t.states.DeleteForMember(state.GroupID, t.userID); err != nil {
			log.Printf("readstate: drop state for %s: %v", state.GroupID, err)
			continue
		}
		t.mu.Lock()
		_, had := t.counts[state.GroupID]
		delete(t.counts, state.GroupID)
		t.mu.Unlock()
		if had {
			t.notify(state.GroupID, 0)
		}
		pruned = true
	}
	if pruned {
		t.saveSnapshot()
	}
}

// RebuildFromStore recomputes counts from local rows alone. Run at engine
// start, it also folds in messages the native push handler wrote while the
// process was not running.
func (t *Tracker) RebuildFromStore(groupIDs []string) {
	for _, groupID := range groupIDs {
		var since time.Time
		if state, err := t.states.Get(groupID, t.userID); err == nil {
			since = state.LastReadAt
		}
		count, err := t.msgs.CountSince(groupID, since, t.userID)
		if err != nil {
			log.Printf("readstate: rebuild %s: %v", groupID, err)
			continue
		}
		t.setCount(groupID, int(count))
	}
	t.saveSnapshot()
}

// LoadSnapshot restores the badge counts persisted by the last process so
// the UI shows something sensible before the first reconcile.
func (t *Tracker) LoadSnapshot() {
	data, err := t.state.Get(repository.StateKeyUnreadSnapshot)
	if err != nil || data == nil {
		return
	}
	var snapshot map[string]int
	if err := msgpack.Unmarshal(data, &snapshot); err != nil {
		log.Printf("readstate: corrupt unread snapshot, ignoring: %v", err)
		return
	}
	t.mu.Lock()
	t.counts = snapshot
	t.mu.Unlock()
	for groupID, count := range snapshot {
		t.notify(groupID, count)
	}
}

func (t *Tracker) saveSnapshot() {
	t.mu.RLock()
	data, err := msgpack.Marshal(t.counts)
	t.mu.RUnlock()
	if err != nil {
		log.Printf("readstate: encode snapshot: %v", err)
		return
	}
	if err := t.state.Set(repository.StateKeyUnreadSnapshot, data); err != nil {
		log.Printf("readstate: persist snapshot: %v", err)
	}
}

func (t *Tracker) setCount(groupID string, count int) {
	t.mu.Lock()
	prev, had := t.counts[groupID]
	t.counts[groupID] = count
	t.mu.Unlock()
	if !had || prev != count {
		t.notify(groupID, count)
	}
}

func (t *Tracker) notify(groupID string, count int) {
	if t.OnUnreadChanged != nil {
		t.OnUnreadChanged(groupID, count)
	}
}
