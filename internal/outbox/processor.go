// Package outbox drains the durable send queue. Sends are idempotent:
// the optimistic id doubles as the idempotency key of the remote upsert,
// so a crash between the remote write and the local acknowledgement only
// costs a harmless re-send.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jsmcorp/bouge-sync/internal/budget"
	"github.com/jsmcorp/bouge-sync/internal/errs"
	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/remote"
	"github.com/jsmcorp/bouge-sync/internal/repository"
)

// TokenSource is the slice of the session manager the processor needs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (*models.Session, error)
}

// Sender is the slice of the remote client the processor needs.
type Sender interface {
	SendMessage(ctx context.Context, token, idempotencyKey string, req remote.SendMessageRequest) (*models.Message, error)
	TriggerFanout(ctx context.Context, token string, req remote.FanoutRequest) error
}

// SendInput is one user send.
type SendInput struct {
	GroupID     string
	SenderID    string
	Content     string
	MessageType models.MessageType
	IsGhost     bool
	Category    *string
	ParentID    *string
	ImageURL    *string
}

type Processor struct {
	messages     repository.MessageRepositoryInterface
	queue        repository.OutboxRepositoryInterface
	deviceTokens repository.DeviceTokenRepositoryInterface
	tokens       TokenSource
	sender       Sender
	budget       budget.Budget

	maxAttempts    int
	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration

	// OnResolved fires after the optimistic id has been replaced by the
	// server id. OnFailed fires when an item exhausts its attempts.
	OnResolved func(localID string, msg *models.Message)
	OnFailed   func(localID string)
}

func NewProcessor(
	messages repository.MessageRepositoryInterface,
	queue repository.OutboxRepositoryInterface,
	deviceTokens repository.DeviceTokenRepositoryInterface,
	tokens TokenSource,
	sender Sender,
	b budget.Budget,
) *Processor {
	return &Processor{
		messages:       messages,
		queue:          queue,
		deviceTokens:   deviceTokens,
		tokens:         tokens,
		sender:         sender,
		budget:         b,
		maxAttempts:    5,
		baseRetryDelay: 2 * time.Second,
		maxRetryDelay:  60 * time.Second,
	}
}

// Enqueue writes the optimistic message row and the queue item, and
// returns the optimistic id. The UI can render the message immediately.
func (p *Processor) Enqueue(input SendInput) (string, error) {
	localID := uuid.New().String()
	now := time.Now()

	msg := &models.Message{
		ID:          localID,
		GroupID:     input.GroupID,
		SenderID:    input.SenderID,
		Content:     input.Content,
		MessageType: input.MessageType,
		IsGhost:     input.IsGhost,
		Category:    input.Category,
		ParentID:    input.ParentID,
		ImageURL:    input.ImageURL,
		CreatedAt:   now,
	}
	if msg.MessageType == "" {
		msg.MessageType = models.TextMessage
	}
	if err := p.messages.InsertOptimistic(msg); err != nil {
		return "", fmt.Errorf("outbox: optimistic insert: %w", err)
	}

	item := &models.OutboxItem{
		LocalID:     localID,
		GroupID:     input.GroupID,
		SenderID:    input.SenderID,
		Content:     input.Content,
		MessageType: msg.MessageType,
		IsGhost:     input.IsGhost,
		Category:    input.Category,
		ParentID:    input.ParentID,
		ImageURL:    input.ImageURL,
	}
	if err := p.queue.Enqueue(item); err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	return localID, nil
}

// Retry resets a failed item so the next pass picks it up again.
func (p *Processor) Retry(localID string) error {
	return p.queue.Requeue(localID)
}

// Start runs the drain loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ProcessOnce(ctx); err != nil {
				log.Printf("outbox: process pass: %v", err)
			}
		}
	}
}

// ProcessOnce drains everything currently due, best-effort.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	items, err := p.queue.Due(time.Now(), 50)
	if err != nil {
		return fmt.Errorf("outbox: fetch due: %w", err)
	}
	for i := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.processItem(ctx, &items[i])
	}
	return nil
}

// processItem runs one bounded send attempt. The outer Send budget must
// exceed token-wait + request + buffer; budget.Validate guarantees it, so
// the outer deadline can never cut off an inner operation that would have
// succeeded.
func (p *Processor) processItem(ctx context.Context, item *models.OutboxItem) {
	ctx, cancel := context.WithTimeout(ctx, p.budget.Send)
	defer cancel()

	tokenCtx, tokenCancel := context.WithTimeout(ctx, p.budget.TokenWait)
	token, err := p.tokens.Token(tokenCtx)
	tokenCancel()
	if err != nil {
		log.Printf("outbox: token unavailable for %s: %v", item.LocalID, err)
		p.scheduleRetry(item)
		return
	}

	if err := p.queue.MarkSending(item.LocalID); err != nil {
		log.Printf("outbox: mark sending %s: %v", item.LocalID, err)
		return
	}

	msg, err := p.send(ctx, token, item)
	if err != nil && errors.Is(err, errs.ErrAuthExpired) {
		// One transparent refresh, then a single re-send. The fan-out
		// below must use the rotated token too, or it 401s in turn.
		if refreshed, rerr := p.tokens.Refresh(ctx); rerr == nil {
			token = refreshed.AccessToken
			msg, err = p.send(ctx, token, item)
		}
	}
	if err != nil {
		log.Printf("outbox: send %s attempt %d failed: %v", item.LocalID, item.Attempts+1, err)
		p.scheduleRetry(item)
		return
	}

	// The server id replaces the optimistic id before anything downstream
	// can observe the message.
	if err := p.messages.ResolveOptimistic(item.LocalID, msg); err != nil {
		log.Printf("outbox: resolve %s -> %s: %v", item.LocalID, msg.ID, err)
		p.scheduleRetry(item)
		return
	}
	if err := p.queue.Delete(item.LocalID); err != nil {
		log.Printf("outbox: delete acked item %s: %v", item.LocalID, err)
	}

	p.fanout(ctx, token, item, msg)

	if p.OnResolved != nil {
		p.OnResolved(item.LocalID, msg)
	}
}

func (p *Processor) send(ctx context.Context, token string, item *models.OutboxItem) (*models.Message, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.budget.Request)
	defer cancel()
	return p.sender.SendMessage(reqCtx, token, item.LocalID, remote.SendMessageRequest{
		GroupID:     item.GroupID,
		SenderID:    item.SenderID,
		Content:     item.Content,
		MessageType: item.MessageType,
		IsGhost:     item.IsGhost,
		Category:    item.Category,
		ParentID:    item.ParentID,
		ImageURL:    item.ImageURL,
		CreatedAt:   item.CreatedAt,
	})
}

// fanout notifies the service with the server-authoritative id. Sending
// the optimistic id here would make every downstream fetch-by-id come back
// empty. Failures are logged only: the message itself is already acked.
func (p *Processor) fanout(ctx context.Context, token string, item *models.OutboxItem, msg *models.Message) {
	req := remote.FanoutRequest{
		MessageID: msg.ID,
		GroupID:   msg.GroupID,
		SenderID:  item.SenderID,
	}
	// Own active registrations ride along so the service skips the
	// sender's devices.
	if tokens, err := p.deviceTokens.ActiveForUser(item.SenderID); err == nil {
		for _, t := range tokens {
			req.Tokens = append(req.Tokens, t.Token)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.budget.Request)
	defer cancel()
	if err := p.sender.TriggerFanout(reqCtx, token, req); err != nil {
		log.Printf("outbox: fanout for %s failed: %v", msg.ID, err)
	}
}

func (p *Processor) scheduleRetry(item *models.OutboxItem) {
	attempts := item.Attempts + 1
	if attempts >= p.maxAttempts {
		if err := p.queue.MarkFailed(item.LocalID); err != nil {
			log.Printf("outbox: mark failed %s: %v", item.LocalID, err)
		}
		if err := p.messages.MarkFailed(item.LocalID); err != nil {
			log.Printf("outbox: mark message failed %s: %v", item.LocalID, err)
		}
		if p.OnFailed != nil {
			p.OnFailed(item.LocalID)
		}
		return
	}

	delay := p.baseRetryDelay << (attempts - 1)
	if delay > p.maxRetryDelay {
		delay = p.maxRetryDelay
	}
	next := time.Now().Add(delay)
	if err := p.queue.MarkAttempted(item.LocalID, attempts, &next); err != nil {
		log.Printf("outbox: mark attempted %s: %v", item.LocalID, err)
	}
}
