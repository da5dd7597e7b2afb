// Package session owns the single authenticated session and the single
// remote client handle. Every other component borrows tokens through
// Token and reaches the service through Client; nothing else constructs
// its own session or client.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jsmcorp/bouge-sync/internal/errs"
	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/remote"
)

// ClientFactory builds a fresh remote client handle. The manager calls it
// once at construction and again whenever corrupted-state recovery tears
// the handle down.
type ClientFactory func() *remote.Client

type Config struct {
	UserID      string
	RecoveryKey string

	// PendingWait bounds how long a caller waits on an in-flight refresh
	// before discarding the handle and starting over.
	PendingWait time.Duration
	// RefreshRequest bounds each refresh strategy leg.
	RefreshRequest time.Duration
	// ProactiveInterval is the background expiry-check cadence.
	ProactiveInterval time.Duration
	// ExpiryThreshold triggers a proactive refresh when the remaining
	// token lifetime drops below it.
	ExpiryThreshold time.Duration
	// MaxHardFailures is the consecutive-failure count that forces the
	// client handle to be rebuilt from scratch.
	MaxHardFailures int
}

func (c *Config) defaults() {
	if c.PendingWait == 0 {
		c.PendingWait = 5 * time.Second
	}
	if c.RefreshRequest == 0 {
		c.RefreshRequest = 10 * time.Second
	}
	if c.ProactiveInterval == 0 {
		c.ProactiveInterval = 5 * time.Minute
	}
	if c.ExpiryThreshold == 0 {
		c.ExpiryThreshold = 5 * time.Minute
	}
	if c.MaxHardFailures == 0 {
		c.MaxHardFailures = 3
	}
}

// refreshOp is the shared handle for one in-flight refresh. It doubles as
// the mutex between concurrent refreshers: whoever finds it set awaits it
// instead of starting a second refresh.
type refreshOp struct {
	done    chan struct{}
	session *models.Session
	err     error
}

type Manager struct {
	cfg     Config
	factory ClientFactory

	mu           sync.Mutex
	client       *remote.Client
	session      *models.Session
	pending      *refreshOp
	hardFailures int

	stopOnce sync.Once
	stop     chan struct{}
}

func NewManager(cfg Config, factory ClientFactory) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:     cfg,
		factory: factory,
		client:  factory(),
		stop:    make(chan struct{}),
	}
}

// Client returns the single live remote handle.
func (m *Manager) Client() *remote.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// SetSession seeds the session, normally once at bootstrap from the auth
// provider. Expiry missing from the payload is recovered from the JWT.
func (m *Manager) SetSession(s *models.Session) {
	if s != nil && s.ExpiresAt.IsZero() {
		s.ExpiresAt = tokenExpiry(s.AccessToken)
	}
	if s != nil && s.CachedAt.IsZero() {
		s.CachedAt = time.Now()
	}
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}

// Session returns the current session, which may already be expired.
func (m *Manager) Session() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Token is the best-effort accessor. An existing token is returned
// immediately even when expired: callers get a quick answer and the
// request-level 401 handling deals with staleness. Only a missing session
// waits, and that wait is bounded by the caller's context.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()

	if s != nil && s.AccessToken != "" {
		return s.AccessToken, nil
	}

	refreshed, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh obtains a fresh session. Concurrent callers coalesce onto one
// in-flight operation; each caller's wait on it is bounded by PendingWait
// so a hung refresh cannot deadlock every later caller.
func (m *Manager) Refresh(ctx context.Context) (*models.Session, error) {
	m.mu.Lock()
	op := m.pending
	if op == nil {
		op = &refreshOp{done: make(chan struct{})}
		m.pending = op
		go m.runRefresh(op)
	}
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.PendingWait)
	defer timer.Stop() // the losing leg must never fire after the winner returns

	select {
	case <-op.done:
		return op.session, op.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errs.ErrTimeout, ctx.Err())
	case <-timer.C:
		// The in-flight refresh hung. Drop the shared handle so the next
		// caller starts a fresh operation instead of queueing behind a
		// dead one.
		m.mu.Lock()
		if m.pending == op {
			m.pending = nil
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: refresh still in flight after %v", errs.ErrTimeout, m.cfg.PendingWait)
	}
}

// runRefresh executes the actual refresh: primary strategy (refresh-token
// grant), then secondary (session recovery) on failure. It is the only
// writer of m.session besides SetSession.
func (m *Manager) runRefresh(op *refreshOp) {
	m.mu.Lock()
	client := m.client
	current := m.session
	m.mu.Unlock()

	refreshToken := ""
	if current != nil {
		refreshToken = current.RefreshToken
	}

	session, err := m.refreshPrimary(client, refreshToken)
	if err != nil {
		log.Printf("session: primary refresh failed: %v", err)
		session, err = m.refreshSecondary(client)
	}

	m.mu.Lock()
	if err == nil {
		if session.ExpiresAt.IsZero() {
			session.ExpiresAt = tokenExpiry(session.AccessToken)
		}
		m.session = session
		m.hardFailures = 0
	} else {
		m.hardFailures++
		if m.hardFailures >= m.cfg.MaxHardFailures {
			// Corrupted-state recovery: rebuild the client handle from
			// scratch and start counting again.
			log.Printf("session: %d consecutive refresh failures, recreating client handle", m.hardFailures)
			m.client = m.factory()
			m.hardFailures = 0
		}
	}
	if m.pending == op {
		m.pending = nil
	}
	m.mu.Unlock()

	op.session = session
	op.err = err
	close(op.done)
}

func (m *Manager) refreshPrimary(client *remote.Client, refreshToken string) (*models.Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token cached", errs.ErrAuthExpired)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshRequest)
	defer cancel()
	return client.RefreshSession(ctx, refreshToken)
}

func (m *Manager) refreshSecondary(client *remote.Client) (*models.Session, error) {
	if m.cfg.UserID == "" || m.cfg.RecoveryKey == "" {
		return nil, fmt.Errorf("%w: no recovery credentials", errs.ErrAuthExpired)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshRequest)
	defer cancel()
	return client.RecoverSession(ctx, m.cfg.UserID, m.cfg.RecoveryKey)
}

// Start launches the proactive refresh loop: every ProactiveInterval the
// token expiry is inspected and a refresh kicks off when the remaining
// lifetime drops below ExpiryThreshold, so callers never observe an
// imminent-expiry token.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.ProactiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.mu.Lock()
				s := m.session
				m.mu.Unlock()
				if s == nil {
					continue
				}
				if s.ExpiresWithin(time.Now(), m.cfg.ExpiryThreshold) {
					if _, err := m.Refresh(ctx); err != nil {
						log.Printf("session: proactive refresh failed: %v", err)
					}
				}
			}
		}
	}()
}

func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// tokenExpiry pulls the exp claim without verifying the signature; the
// engine is a pure consumer of the token and only needs the timestamp.
func tokenExpiry(accessToken string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
