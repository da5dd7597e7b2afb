// Package engine wires the sync components together and owns the routing
// of inbound messages: persist unconditionally, surface to the UI only for
// the actively viewed group, count as unread otherwise.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jsmcorp/bouge-sync/internal/budget"
	"github.com/jsmcorp/bouge-sync/internal/errs"
	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/outbox"
	"github.com/jsmcorp/bouge-sync/internal/push"
	"github.com/jsmcorp/bouge-sync/internal/readstate"
	"github.com/jsmcorp/bouge-sync/internal/realtime"
	"github.com/jsmcorp/bouge-sync/internal/remote"
	"github.com/jsmcorp/bouge-sync/internal/repository"
	"github.com/jsmcorp/bouge-sync/internal/session"
	"gorm.io/gorm"
)

type Config struct {
	DBPath      string
	BaseURL     string
	FeedURL     string
	APIKey      string
	UserID      string
	RecoveryKey string
	GroupIDs    []string

	Budget budget.Budget

	// OutboxInterval is the drain-loop cadence.
	OutboxInterval time.Duration
}

// Callbacks is the surface exposed to the UI layer.
type Callbacks struct {
	OnMessage                 func(groupID string, msg models.MessageResponse)
	OnUnreadCountChanged      func(groupID string, count int)
	OnConnectionStatusChanged func(status realtime.Status)
}

type Engine struct {
	cfg       Config
	callbacks Callbacks

	db       *gorm.DB
	messages repository.MessageRepositoryInterface
	states   repository.GroupReadStateRepositoryInterface

	sessions *session.Manager
	outbox   *outbox.Processor
	feed     *realtime.Manager
	pushes   *push.Pipeline
	tracker  *readstate.Tracker

	mu          sync.RWMutex
	activeGroup string
	groups      []string

	cancel context.CancelFunc
}

func New(cfg Config, callbacks Callbacks) (*Engine, error) {
	if cfg.Budget == (budget.Budget{}) {
		cfg.Budget = budget.Default()
	}
	// An inconsistent budget causes premature, spurious failures deep in
	// the send and ingestion paths; refuse to start on one.
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	if cfg.OutboxInterval == 0 {
		cfg.OutboxInterval = 2 * time.Second
	}

	db, err := repository.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open local store: %w", err)
	}

	messageRepo := repository.NewMessageRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	readStateRepo := repository.NewGroupReadStateRepository(db)
	deviceTokenRepo := repository.NewDeviceTokenRepository(db)
	engineStateRepo := repository.NewEngineStateRepository(db)

	sessions := session.NewManager(session.Config{
		UserID:         cfg.UserID,
		RecoveryKey:    cfg.RecoveryKey,
		PendingWait:    cfg.Budget.TokenWait,
		RefreshRequest: cfg.Budget.RefreshRequest,
	}, func() *remote.Client {
		return remote.NewClient(remote.Config{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Budget.Request,
		})
	})

	e := &Engine{
		cfg:       cfg,
		callbacks: callbacks,
		db:        db,
		messages:  messageRepo,
		states:    readStateRepo,
		sessions:  sessions,
		groups:    append([]string(nil), cfg.GroupIDs...),
	}

	e.outbox = outbox.NewProcessor(messageRepo, outboxRepo, deviceTokenRepo, sessions, clientProxy{sessions}, cfg.Budget)
	e.outbox.OnResolved = func(localID string, msg *models.Message) {
		// The optimistic row already rendered; re-surface with the
		// server id so the UI swaps it in place.
		e.surface(*msg)
	}
	e.outbox.OnFailed = func(localID string) {
		if msg, err := messageRepo.FindByID(localID); err == nil {
			e.surface(*msg)
		}
	}

	e.tracker = readstate.NewTracker(cfg.UserID, readStateRepo, messageRepo, engineStateRepo, sessions, clientProxy{sessions}, cfg.Budget)
	e.tracker.OnUnreadChanged = func(groupID string, count int) {
		if callbacks.OnUnreadCountChanged != nil {
			callbacks.OnUnreadCountChanged(groupID, count)
		}
	}

	e.pushes = push.NewPipeline(messageRepo, sessions, clientProxy{sessions}, cfg.Budget)
	e.pushes.OnIngested = func(msg models.Message) {
		e.route(msg)
	}

	e.feed = realtime.NewManager(realtime.Config{
		URL:       cfg.FeedURL,
		TokenWait: cfg.Budget.TokenWait,
	}, sessions)
	e.feed.OnMessage = func(msg models.Message) {
		// Persist unconditionally, then route.
		if err := messageRepo.Upsert(&msg); err != nil {
			log.Printf("engine: persist feed message %s: %v", msg.ID, err)
			return
		}
		e.route(msg)
	}
	e.feed.OnStatus = func(status realtime.Status) {
		if callbacks.OnConnectionStatusChanged != nil {
			callbacks.OnConnectionStatusChanged(status)
		}
	}
	e.feed.Resync = e.DeltaSync
	e.feed.SetGroups(e.groups)

	return e, nil
}

// Start boots the engine: restore unread badges, fold in anything the
// native push handler wrote while the process was down, then bring the
// background loops up.
func (e *Engine) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel

	e.tracker.LoadSnapshot()
	e.mu.RLock()
	groups := append([]string(nil), e.groups...)
	e.mu.RUnlock()
	e.tracker.SyncMembership(groups)
	e.tracker.RebuildFromStore(groups)

	e.sessions.Start(ctx)
	e.feed.Start(ctx)
	go e.outbox.Start(ctx, e.cfg.OutboxInterval)
}

func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.sessions.Close()
}

// SetSession seeds the authenticated session from the auth provider.
func (e *Engine) SetSession(s *models.Session) {
	e.sessions.SetSession(s)
}

// SetActiveGroup tells the engine which group the user is looking at.
func (e *Engine) SetActiveGroup(groupID string) {
	e.mu.Lock()
	e.activeGroup = groupID
	e.mu.Unlock()
}

// SetGroups recomputes the subscription filter on membership change and
// aligns the read-state rows with the new membership.
func (e *Engine) SetGroups(groupIDs []string) {
	e.mu.Lock()
	e.groups = append([]string(nil), groupIDs...)
	e.mu.Unlock()
	e.tracker.SyncMembership(groupIDs)
	e.feed.SetGroups(groupIDs)
}

// Send queues an outbound message and returns the optimistic id. The UI
// can render it immediately; the id is replaced once the server acks.
func (e *Engine) Send(input outbox.SendInput) (string, error) {
	if input.SenderID == "" {
		input.SenderID = e.cfg.UserID
	}
	return e.outbox.Enqueue(input)
}

// RetrySend requeues a message that exhausted its attempts.
func (e *Engine) RetrySend(localID string) error {
	return e.outbox.Retry(localID)
}

// OnPushEvent feeds a platform push payload into the ingestion pipeline.
func (e *Engine) OnPushEvent(ctx context.Context, payload push.Payload) error {
	return e.pushes.OnPushEvent(ctx, payload)
}

// MarkRead records that the user has viewed a group up to messageID.
func (e *Engine) MarkRead(ctx context.Context, groupID, messageID string) error {
	return e.tracker.MarkRead(ctx, groupID, messageID)
}

// UnreadCounts returns the per-group unread cache.
func (e *Engine) UnreadCounts() map[string]int {
	return e.tracker.UnreadCounts()
}

// Messages returns stored messages of a group in server-timestamp order,
// the only order the UI ever sees regardless of the arrival source.
func (e *Engine) Messages(groupID string, before time.Time, limit int) ([]models.Message, error) {
	return e.messages.FindGroupMessages(groupID, before, limit)
}

// ConnectionStatus reports the feed state.
func (e *Engine) ConnectionStatus() realtime.Status {
	return e.feed.CurrentStatus()
}

// Resume runs the app-resume reconciliation: close the message gap, then
// reconcile read state and unread counts against the authoritative remote.
func (e *Engine) Resume(ctx context.Context) {
	if err := e.DeltaSync(ctx); err != nil {
		log.Printf("engine: resume delta sync: %v", err)
	}
	if err := e.tracker.Reconcile(ctx); err != nil {
		log.Printf("engine: resume reconcile: %v", err)
	}
}

// DeltaSync backfills everything newer than the local high-water mark
// across all subscribed groups.
func (e *Engine) DeltaSync(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget.DeltaSync)
	defer cancel()

	tokenCtx, tokenCancel := context.WithTimeout(ctx, e.cfg.Budget.TokenWait)
	token, err := e.sessions.Token(tokenCtx)
	tokenCancel()
	if err != nil {
		return fmt.Errorf("engine: delta sync token: %w", err)
	}

	since, err := e.messages.LatestCreatedAt()
	if err != nil {
		return fmt.Errorf("engine: high-water mark: %w", err)
	}
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}

	messages, err := e.fetchSince(ctx, token, since)
	if err != nil && errors.Is(err, errs.ErrAuthExpired) {
		// One transparent refresh, then a single retry.
		if refreshed, rerr := e.sessions.Refresh(ctx); rerr == nil {
			messages, err = e.fetchSince(ctx, refreshed.AccessToken, since)
		}
	}
	if err != nil {
		return fmt.Errorf("engine: delta sync fetch: %w", err)
	}

	for i := range messages {
		if err := e.messages.Upsert(&messages[i]); err != nil {
			log.Printf("engine: delta sync upsert %s: %v", messages[i].ID, err)
			continue
		}
		e.route(messages[i])
	}
	return nil
}

func (e *Engine) fetchSince(ctx context.Context, token string, since time.Time) ([]models.Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.Budget.Request)
	defer cancel()
	return e.sessions.Client().GetMessagesSince(reqCtx, token, "", since, 500)
}

// route surfaces a persisted message: to the UI when its group is the one
// on screen, to the unread counter otherwise.
func (e *Engine) route(msg models.Message) {
	e.mu.RLock()
	active := e.activeGroup
	e.mu.RUnlock()

	if msg.GroupID == active {
		e.surface(msg)
		return
	}
	e.tracker.NoteMessage(msg, active)
}

func (e *Engine) surface(msg models.Message) {
	if e.callbacks.OnMessage != nil {
		e.callbacks.OnMessage(msg.GroupID, msg.ToResponse())
	}
}

// clientProxy forwards calls to whatever client handle the session manager
// currently owns, so a recreated handle is picked up transparently by the
// components holding the proxy.
type clientProxy struct {
	sessions *session.Manager
}

func (p clientProxy) SendMessage(ctx context.Context, token, idempotencyKey string, req remote.SendMessageRequest) (*models.Message, error) {
	return p.sessions.Client().SendMessage(ctx, token, idempotencyKey, req)
}

func (p clientProxy) TriggerFanout(ctx context.Context, token string, req remote.FanoutRequest) error {
	return p.sessions.Client().TriggerFanout(ctx, token, req)
}

func (p clientProxy) GetMessage(ctx context.Context, token, id string) (*models.Message, error) {
	return p.sessions.Client().GetMessage(ctx, token, id)
}

func (p clientProxy) GetMessagesSince(ctx context.Context, token, groupID string, since time.Time, limit int) ([]models.Message, error) {
	return p.sessions.Client().GetMessagesSince(ctx, token, groupID, since, limit)
}

func (p clientProxy) MarkGroupAsRead(ctx context.Context, token, groupID, userID, lastMessageID string, lastReadAt time.Time) error {
	return p.sessions.Client().MarkGroupAsRead(ctx, token, groupID, userID, lastMessageID, lastReadAt)
}

func (p clientProxy) GetAllUnreadCounts(ctx context.Context, token, userID string) ([]remote.RemoteReadState, error) {
	return p.sessions.Client().GetAllUnreadCounts(ctx, token, userID)
}
