// Package testutil provides a fake message service for tests: the REST
// surface, the RPC endpoints and the websocket change feed the engine
// talks to, plus fixture helpers.
package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/remote"
)

const signingSecret = "test-secret-key-for-testing-only"

// Server is an in-process stand-in for the remote message service.
type Server struct {
	app  *fiber.App
	addr string

	mu           sync.Mutex
	userID       string
	accessToken  string
	refreshToken string
	refreshCalls int
	recoverCalls int
	failRefresh  int
	hangRefresh  time.Duration

	messages    map[string]*models.Message // by server id
	byIdemKey   map[string]string          // idempotency key -> server id
	failSends   int
	sendCalls   int
	fanouts     []remote.FanoutRequest
	readMarks   []ReadMark
	unread      []remote.RemoteReadState
	missingIDs  map[string]bool // ids whose GET returns 404
	fetchDelay  time.Duration
	nextID      int
	feedClients map[*websocket.Conn]bool
	subscribes  [][]string
}

// ReadMark records one mark_group_as_read call.
type ReadMark struct {
	GroupID       string    `json:"group_id"`
	UserID        string    `json:"user_id"`
	LastMessageID string    `json:"last_message_id"`
	LastReadAt    time.Time `json:"last_read_at"`
}

func NewServer(userID string) *Server {
	s := &Server{
		userID:      userID,
		messages:    make(map[string]*models.Message),
		byIdemKey:   make(map[string]string),
		missingIDs:  make(map[string]bool),
		feedClients: make(map[*websocket.Conn]bool),
		nextID:      1,
	}
	s.rotateTokens()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Post("/auth/refresh", s.handleRefresh)
	app.Post("/auth/recover", s.handleRecover)
	app.Post("/messages", s.authRequired, s.handleSend)
	app.Get("/messages/:id", s.authRequired, s.handleGetMessage)
	app.Get("/messages", s.authRequired, s.handleGetSince)
	app.Post("/rpc/mark_group_as_read", s.authRequired, s.handleMarkRead)
	app.Post("/rpc/get_all_unread_counts", s.authRequired, s.handleUnreadCounts)
	app.Post("/fanout", s.authRequired, s.handleFanout)

	app.Use("/feed", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/feed", websocket.New(s.handleFeed))

	s.app = app
	return s
}

// Start binds a loopback listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	go func() {
		_ = s.app.Listener(ln)
	}()
	return nil
}

func (s *Server) Stop() {
	_ = s.app.Shutdown()
}

func (s *Server) URL() string     { return "http://" + s.addr }
func (s *Server) FeedURL() string { return "ws://" + s.addr + "/feed" }

// AccessToken returns the currently valid bearer token.
func (s *Server) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// Session returns a session seeded with the current token pair.
func (s *Server) Session() *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.Session{
		UserID:       s.userID,
		AccessToken:  s.accessToken,
		RefreshToken: s.refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour),
		CachedAt:     time.Now(),
	}
}

// FailSends makes the next n send attempts return 503.
func (s *Server) FailSends(n int) {
	s.mu.Lock()
	s.failSends = n
	s.mu.Unlock()
}

// FailRefreshes makes the next n refresh attempts return 401.
func (s *Server) FailRefreshes(n int) {
	s.mu.Lock()
	s.failRefresh = n
	s.mu.Unlock()
}

// HangRefreshes delays every refresh response by d.
func (s *Server) HangRefreshes(d time.Duration) {
	s.mu.Lock()
	s.hangRefresh = d
	s.mu.Unlock()
}

// HideMessage makes GET /messages/:id return 404 for the given id.
func (s *Server) HideMessage(id string) {
	s.mu.Lock()
	s.missingIDs[id] = true
	s.mu.Unlock()
}

// DelayFetches delays fetch-by-id responses by d.
func (s *Server) DelayFetches(d time.Duration) {
	s.mu.Lock()
	s.fetchDelay = d
	s.mu.Unlock()
}

// SetUnread sets the authoritative aggregate returned by the RPC.
func (s *Server) SetUnread(states []remote.RemoteReadState) {
	s.mu.Lock()
	s.unread = states
	s.mu.Unlock()
}

// SeedMessage stores a message the fake service knows about.
func (s *Server) SeedMessage(msg models.Message) {
	s.mu.Lock()
	m := msg
	s.messages[m.ID] = &m
	s.mu.Unlock()
}

// Fanouts returns every recorded fan-out call.
func (s *Server) Fanouts() []remote.FanoutRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.FanoutRequest(nil), s.fanouts...)
}

// ReadMarks returns every recorded mark_group_as_read call.
func (s *Server) ReadMarks() []ReadMark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReadMark(nil), s.readMarks...)
}

// SendCalls returns how many send attempts arrived.
func (s *Server) SendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

// RefreshCalls returns how many refresh attempts arrived.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// RecoverCalls returns how many recovery attempts arrived.
func (s *Server) RecoverCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverCalls
}

// PushFeedEvent broadcasts a change-feed event to connected clients.
func (s *Server) PushFeedEvent(eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := map[string]interface{}{"type": eventType, "payload": json.RawMessage(data)}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.feedClients {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			delete(s.feedClients, conn)
		}
	}
	return nil
}

// FeedClientCount reports how many feed subscribers are connected.
func (s *Server) FeedClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feedClients)
}

func (s *Server) rotateTokens() {
	claims := jwt.MapClaims{
		"sub": s.userID,
		"exp": time.Now().Add(time.Hour).Unix(),
		"jti": uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(signingSecret))
	s.accessToken = signed
	s.refreshToken = uuid.New().String()
}

func (s *Server) authRequired(c *fiber.Ctx) error {
	s.mu.Lock()
	expected := "Bearer " + s.accessToken
	s.mu.Unlock()
	if c.Get("Authorization") != expected {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
	}
	return c.Next()
}

func (s *Server) handleRefresh(c *fiber.Ctx) error {
	s.mu.Lock()
	s.refreshCalls++
	hang := s.hangRefresh
	fail := s.failRefresh > 0
	if fail {
		s.failRefresh--
	}
	s.mu.Unlock()

	if hang > 0 {
		time.Sleep(hang)
	}
	if fail {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "refresh rejected"})
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad body"})
	}

	s.mu.Lock()
	if body.RefreshToken != s.refreshToken {
		s.mu.Unlock()
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unknown refresh token"})
	}
	s.rotateTokens()
	resp := fiber.Map{
		"user_id":       s.userID,
		"access_token":  s.accessToken,
		"refresh_token": s.refreshToken,
		"expires_at":    time.Now().Add(time.Hour),
	}
	s.mu.Unlock()
	return c.JSON(resp)
}

func (s *Server) handleRecover(c *fiber.Ctx) error {
	s.mu.Lock()
	s.recoverCalls++
	s.rotateTokens()
	resp := fiber.Map{
		"user_id":       s.userID,
		"access_token":  s.accessToken,
		"refresh_token": s.refreshToken,
		"expires_at":    time.Now().Add(time.Hour),
	}
	s.mu.Unlock()
	return c.JSON(resp)
}

func (s *Server) handleSend(c *fiber.Ctx) error {
	s.mu.Lock()
	s.sendCalls++
	if s.failSends > 0 {
		s.failSends--
		s.mu.Unlock()
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "try later"})
	}
	s.mu.Unlock()

	var req remote.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad body"})
	}

	key := c.Get("Idempotency-Key")
	s.mu.Lock()
	defer s.mu.Unlock()

	// The write is an upsert keyed by the idempotency key: re-sending a
	// partially acknowledged item returns the same server row.
	if id, ok := s.byIdemKey[key]; ok {
		return c.JSON(s.messages[id])
	}

	id := fmt.Sprintf("srv-%d", s.nextID)
	s.nextID++
	msg := &models.Message{
		ID:             id,
		GroupID:        req.GroupID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		IsGhost:        req.IsGhost,
		Category:       req.Category,
		ParentID:       req.ParentID,
		ImageURL:       req.ImageURL,
		DeliveryStatus: models.DeliverySent,
		CreatedAt:      time.Now(),
	}
	s.messages[id] = msg
	if key != "" {
		s.byIdemKey[key] = id
	}
	return c.JSON(msg)
}

func (s *Server) handleGetMessage(c *fiber.Ctx) error {
	s.mu.Lock()
	delay := s.fetchDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	id := c.Params("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missingIDs[id] {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	msg, ok := s.messages[id]
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found"})
	}
	return c.JSON(msg)
}

func (s *Server) handleGetSince(c *fiber.Ctx) error {
	groupID := c.Query("group_id")
	since, err := time.Parse(time.RFC3339Nano, c.Query("since"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad since"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Message, 0)
	for _, msg := range s.messages {
		if groupID != "" && msg.GroupID != groupID {
			continue
		}
		if !msg.CreatedAt.After(since) {
			continue
		}
		out = append(out, msg)
	}
	return c.JSON(out)
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	var mark ReadMark
	if err := c.BodyParser(&mark); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad body"})
	}
	s.mu.Lock()
	s.readMarks = append(s.readMarks, mark)
	s.mu.Unlock()
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handleUnreadCounts(c *fiber.Ctx) error {
	s.mu.Lock()
	states := append([]remote.RemoteReadState(nil), s.unread...)
	s.mu.Unlock()
	return c.JSON(states)
}

func (s *Server) handleFanout(c *fiber.Ctx) error {
	var req remote.FanoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad body"})
	}
	s.mu.Lock()
	s.fanouts = append(s.fanouts, req)
	s.mu.Unlock()
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Server) handleFeed(conn *websocket.Conn) {
	s.mu.Lock()
	s.feedClients[conn] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.feedClients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type    string `json:"type"`
			Payload struct {
				GroupIDs []string `json:"group_ids"`
			} `json:"payload"`
		}
		if json.Unmarshal(data, &env) == nil && env.Type == "subscribe" {
			s.mu.Lock()
			s.subscribes = append(s.subscribes, env.Payload.GroupIDs)
			s.mu.Unlock()
			_ = conn.WriteJSON(fiber.Map{"type": "subscribed"})
		}
	}
}

// Subscribes returns every subscription filter received on the feed.
func (s *Server) Subscribes() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.subscribes...)
}
