// Package push ingests platform push events. A payload carrying the full
// message fields is written straight to the local store with no network
// work at all; an id-only payload falls back to a bounded fetch-by-id, and
// when even that fails (the push raced the remote commit, or the fetch
// timed out) the message is recovered by content via fetch-since-timestamp.
package push

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jsmcorp/bouge-sync/internal/budget"
	"github.com/jsmcorp/bouge-sync/internal/errs"
	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/repository"
)

// Payload is the push data map, mirroring what the fan-out sends:
// presence of Content selects the fast path.
type Payload struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	GroupID   string    `json:"group_id"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
	Content   *string   `json:"content,omitempty"`
	MsgType   string    `json:"msg_type,omitempty"`
	IsGhost   bool      `json:"is_ghost,omitempty"`
	Category  *string   `json:"category,omitempty"`
	ParentID  *string   `json:"parent_id,omitempty"`
	ImageURL  *string   `json:"image_url,omitempty"`
	GroupName string    `json:"group_name,omitempty"` // notification display only
}

// TokenSource is the slice of the session manager the fallback paths need.
// The fast path never touches it: push delivery already implies an
// authenticated addressee, and an auth round-trip here would only add
// latency and a place to hang.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (*models.Session, error)
}

// Fetcher is the slice of the remote client the fallback paths need.
type Fetcher interface {
	GetMessage(ctx context.Context, token, id string) (*models.Message, error)
	GetMessagesSince(ctx context.Context, token, groupID string, since time.Time, limit int) ([]models.Message, error)
}

type Pipeline struct {
	messages repository.MessageRepositoryInterface
	tokens   TokenSource
	fetcher  Fetcher
	budget   budget.Budget

	// recoveryWindow bounds how far back the fetch-since fallback looks
	// when the store has no high-water mark for the group yet.
	recoveryWindow time.Duration

	// OnIngested fires once per persisted message so the engine can route
	// it to the UI or the unread counter.
	OnIngested func(models.Message)
}

func NewPipeline(
	messages repository.MessageRepositoryInterface,
	tokens TokenSource,
	fetcher Fetcher,
	b budget.Budget,
) *Pipeline {
	return &Pipeline{
		messages:       messages,
		tokens:         tokens,
		fetcher:        fetcher,
		budget:         b,
		recoveryWindow: 24 * time.Hour,
	}
}

// OnPushEvent persists the pushed message. The whole ingestion is bounded
// by the PushIngest budget, which exceeds the sum of every inner bound
// (token wait + fetch-by-id + fetch-since + buffer) so the outer deadline
// never aborts an inner call that was about to succeed.
func (p *Pipeline) OnPushEvent(ctx context.Context, payload Payload) error {
	if payload.Type != "new_message" || payload.MessageID == "" || payload.GroupID == "" {
		log.Printf("push: ignoring payload type=%q message_id=%q", payload.Type, payload.MessageID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.budget.PushIngest)
	defer cancel()

	// Fast path: the payload already carries the full message.
	if payload.Content != nil {
		msg := payload.toMessage()
		if err := p.messages.Upsert(msg); err != nil {
			return fmt.Errorf("push: fast-path upsert %s: %w", payload.MessageID, err)
		}
		p.ingested(*msg)
		return nil
	}

	// Fallback 1: bounded REST fetch by id.
	tokenCtx, tokenCancel := context.WithTimeout(ctx, p.budget.TokenWait)
	token, err := p.tokens.Token(tokenCtx)
	tokenCancel()
	if err != nil {
		log.Printf("push: token unavailable, recovering %s by content: %v", payload.MessageID, err)
		return p.recoverSince(ctx, "", payload.GroupID)
	}

	msg, err := p.fetchByID(ctx, token, payload.MessageID)
	if err != nil && errors.Is(err, errs.ErrAuthExpired) {
		// One transparent refresh, then a single retry.
		if refreshed, rerr := p.tokens.Refresh(ctx); rerr == nil {
			token = refreshed.AccessToken
			msg, err = p.fetchByID(ctx, token, payload.MessageID)
		}
	}
	if err == nil {
		if err := p.messages.Upsert(msg); err != nil {
			return fmt.Errorf("push: fallback upsert %s: %w", msg.ID, err)
		}
		p.ingested(*msg)
		return nil
	}

	// Fallback 2: the id fetch failed — not found (the remote write had
	// not committed when the push went out) or timed out. Recover by
	// content instead of by identifier.
	log.Printf("push: fetch-by-id %s failed (%v), falling back to fetch-since", payload.MessageID, err)
	return p.recoverSince(ctx, token, payload.GroupID)
}

func (p *Pipeline) fetchByID(ctx context.Context, token, id string) (*models.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.budget.PushFetch)
	defer cancel()
	return p.fetcher.GetMessage(fetchCtx, token, id)
}

// recoverSince backfills the group from the local high-water mark.
func (p *Pipeline) recoverSince(ctx context.Context, token, groupID string) error {
	if token == "" {
		tokenCtx, cancel := context.WithTimeout(ctx, p.budget.TokenWait)
		t, err := p.tokens.Token(tokenCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("push: recover-since token: %w", err)
		}
		token = t
	}

	since, err := p.messages.LatestCreatedAt()
	if err != nil {
		return fmt.Errorf("push: high-water mark: %w", err)
	}
	if since.IsZero() {
		since = time.Now().Add(-p.recoveryWindow)
	}

	messages, err := p.fetchSince(ctx, token, groupID, since)
	if err != nil && errors.Is(err, errs.ErrAuthExpired) {
		if refreshed, rerr := p.tokens.Refresh(ctx); rerr == nil {
			messages, err = p.fetchSince(ctx, refreshed.AccessToken, groupID, since)
		}
	}
	if err != nil {
		return fmt.Errorf("push: fetch-since %s: %w", groupID, err)
	}

	for i := range messages {
		if err := p.messages.Upsert(&messages[i]); err != nil {
			log.Printf("push: recover upsert %s: %v", messages[i].ID, err)
			continue
		}
		p.ingested(messages[i])
	}
	return nil
}

func (p *Pipeline) fetchSince(ctx context.Context, token, groupID string, since time.Time) ([]models.Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.budget.Request)
	defer cancel()
	return p.fetcher.GetMessagesSince(reqCtx, token, groupID, since, 200)
}

func (p *Pipeline) ingested(msg models.Message) {
	if p.OnIngested != nil {
		p.OnIngested(msg)
	}
}

func (p *Payload) toMessage() *models.Message {
	msgType := models.MessageType(p.MsgType)
	if msgType == "" {
		msgType = models.TextMessage
	}
	content := ""
	if p.Content != nil {
		content = *p.Content
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &models.Message{
		ID:             p.MessageID,
		GroupID:        p.GroupID,
		SenderID:       p.SenderID,
		Content:        content,
		MessageType:    msgType,
		IsGhost:        p.IsGhost,
		Category:       p.Category,
		ParentID:       p.ParentID,
		ImageURL:       p.ImageURL,
		DeliveryStatus: models.DeliverySent,
		CreatedAt:      createdAt,
	}
}
