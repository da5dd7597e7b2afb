// Package realtime maintains the single multi-group change-feed
// subscription: reconnect with capped exponential backoff, a circuit
// breaker after repeated failures, and a watchdog that unmasks zombie
// connections whose heartbeats stay healthy while events silently stop.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jsmcorp/bouge-sync/internal/models"
)

// Status is the connection state exposed to the UI layer.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusCircuitOpen  Status = "circuit_open"
)

// Envelope is the wire format of the change feed.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event types on the feed.
const (
	EventMessageCreated = "message.created"
	EventSubscribed     = "subscribed"
)

// TokenSource is the slice of the session manager the subscription needs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	// URL of the change-feed websocket endpoint.
	URL string

	// TokenWait bounds token acquisition before a dial.
	TokenWait time.Duration

	// BaseBackoff doubles per consecutive failure up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// MaxRetries consecutive failures open the circuit for Cooldown.
	MaxRetries int
	Cooldown   time.Duration

	// PingInterval/PongWait drive the heartbeat; ZombieThreshold is how
	// long the feed may stay silent (with healthy heartbeats) before the
	// watchdog forces a reconnect. WatchdogInterval is the check cadence.
	PingInterval     time.Duration
	PongWait         time.Duration
	ZombieThreshold  time.Duration
	WatchdogInterval time.Duration
}

func (c *Config) defaults() {
	if c.TokenWait == 0 {
		c.TokenWait = 5 * time.Second
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	if c.Cooldown == 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 90 * time.Second
	}
	if c.ZombieThreshold == 0 {
		c.ZombieThreshold = 5 * time.Minute
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 30 * time.Second
	}
}

type Manager struct {
	cfg    Config
	tokens TokenSource

	mu            sync.Mutex
	writeMu       sync.Mutex
	status        Status
	groups        map[string]struct{}
	retryCount    int
	lastEvent     time.Time
	lastHeartbeat time.Time
	conn          *websocket.Conn
	zombieTripped bool

	// OnMessage receives every parsed feed message. OnStatus receives
	// state transitions. Resync is invoked after every successful
	// (re)connection and after a zombie teardown to close the gap since
	// the last known high-water mark.
	OnMessage func(models.Message)
	OnStatus  func(Status)
	Resync    func(ctx context.Context) error
}

func NewManager(cfg Config, tokens TokenSource) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:    cfg,
		tokens: tokens,
		status: StatusDisconnected,
		groups: make(map[string]struct{}),
	}
}

// Status returns the current connection state.
func (m *Manager) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetGroups recomputes the subscription filter. When connected, the new
// filter is pushed immediately; otherwise the next connect picks it up.
func (m *Manager) SetGroups(groupIDs []string) {
	m.mu.Lock()
	m.groups = make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		m.groups[id] = struct{}{}
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		if err := m.sendSubscribe(conn); err != nil {
			log.Printf("realtime: pushing new group filter: %v", err)
		}
	}
}

// Start runs the connection loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Manager) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			m.setStatus(StatusDisconnected)
			return
		}

		m.setStatus(StatusConnecting)
		err := m.connectAndServe(ctx)
		if ctx.Err() != nil {
			m.setStatus(StatusDisconnected)
			return
		}
		log.Printf("realtime: connection ended: %v", err)
		m.setStatus(StatusDisconnected)

		m.mu.Lock()
		m.retryCount++
		retry := m.retryCount
		m.mu.Unlock()

		if retry >= m.cfg.MaxRetries {
			// Too many consecutive failures: stop hammering the service
			// and hold until the cooldown elapses.
			m.setStatus(StatusCircuitOpen)
			log.Printf("realtime: circuit open after %d failures, cooling down %v", retry, m.cfg.Cooldown)
			select {
			case <-ctx.Done():
				m.setStatus(StatusDisconnected)
				return
			case <-time.After(m.cfg.Cooldown):
			}
			m.mu.Lock()
			m.retryCount = 0
			m.mu.Unlock()
			continue
		}

		delay := m.backoffDelay(retry)
		select {
		case <-ctx.Done():
			m.setStatus(StatusDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay returns base * 2^(attempt-1), capped.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.MaxBackoff {
			return m.cfg.MaxBackoff
		}
	}
	if delay > m.cfg.MaxBackoff {
		delay = m.cfg.MaxBackoff
	}
	return delay
}

func (m *Manager) connectAndServe(ctx context.Context) error {
	tokenCtx, cancel := context.WithTimeout(ctx, m.cfg.TokenWait)
	token, err := m.tokens.Token(tokenCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("realtime: token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	defer conn.Close()

	now := time.Now()
	m.mu.Lock()
	m.conn = conn
	m.retryCount = 0
	m.lastEvent = now
	m.lastHeartbeat = now
	m.zombieTripped = false
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		m.mu.Lock()
		m.lastHeartbeat = time.Now()
		m.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	if err := m.sendSubscribe(conn); err != nil {
		return fmt.Errorf("realtime: subscribe: %w", err)
	}

	m.setStatus(StatusConnected)

	// Close the gap opened while disconnected.
	if m.Resync != nil {
		go func() {
			if err := m.Resync(ctx); err != nil {
				log.Printf("realtime: delta sync after connect: %v", err)
			}
		}()
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	go m.pingLoop(serveCtx, conn)
	go m.watchdog(serveCtx, conn)

	return m.readLoop(conn)
}

func (m *Manager) sendSubscribe(conn *websocket.Conn) error {
	m.mu.Lock()
	groups := make([]string, 0, len(m.groups))
	for id := range m.groups {
		groups = append(groups, id)
	}
	m.mu.Unlock()
	sort.Strings(groups)

	payload, err := json.Marshal(map[string]interface{}{"group_ids": groups})
	if err != nil {
		return err
	}
	// Gorilla connections allow only one concurrent writer. SetGroups can
	// race the connect-time subscribe, so data writes are serialized here;
	// WriteControl in pingLoop is concurrency-safe on its own.
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(Envelope{Type: "subscribe", Payload: payload})
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("realtime: malformed envelope: %v", err)
			continue
		}

		switch env.Type {
		case EventMessageCreated:
			var msg models.Message
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("realtime: malformed message payload: %v", err)
				continue
			}
			m.mu.Lock()
			m.lastEvent = time.Now()
			m.zombieTripped = false
			m.mu.Unlock()
			if m.OnMessage != nil {
				m.OnMessage(msg)
			}
		case EventSubscribed:
			// subscription filter acknowledged
		default:
			log.Printf("realtime: ignoring event type %q", env.Type)
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Printf("realtime: ping failed: %v", err)
				return
			}
		}
	}
}

// watchdog detects zombie connections: heartbeats keep answering while the
// feed has delivered nothing for longer than the zombie threshold. That
// combination means the subscription is dead even though the transport
// looks healthy, so the connection is torn down; the reconnect path then
// runs the delta sync that backfills whatever the zombie swallowed.
func (m *Manager) watchdog(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			heartbeatFresh := time.Since(m.lastHeartbeat) < m.cfg.PingInterval*2
			eventsStale := time.Since(m.lastEvent) > m.cfg.ZombieThreshold
			tripped := m.zombieTripped
			connected := m.status == StatusConnected
			if connected && heartbeatFresh && eventsStale && !tripped {
				// Trip at most once per stale period; receipt of any real
				// event re-arms the watchdog.
				m.zombieTripped = true
				m.mu.Unlock()
				log.Printf("realtime: zombie connection detected (heartbeats fresh, no events for >%v), forcing reconnect", m.cfg.ZombieThreshold)
				conn.Close()
				return
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	if m.status == s {
		m.mu.Unlock()
		return
	}
	m.status = s
	m.mu.Unlock()
	if m.OnStatus != nil {
		m.OnStatus(s)
	}
}
