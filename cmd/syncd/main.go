package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jsmcorp/bouge-sync/internal/engine"
	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/realtime"
)

func splitGroups(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	baseURL := os.Getenv("BOUGE_API_URL")
	if baseURL == "" {
		log.Fatal("BOUGE_API_URL is required")
	}
	feedURL := os.Getenv("BOUGE_FEED_URL")
	if feedURL == "" {
		log.Fatal("BOUGE_FEED_URL is required")
	}
	userID := os.Getenv("BOUGE_USER_ID")
	if userID == "" {
		log.Fatal("BOUGE_USER_ID is required")
	}

	dbPath := os.Getenv("BOUGE_DB_PATH")
	if dbPath == "" {
		dbPath = "bouge-sync.db"
	}

	eng, err := engine.New(engine.Config{
		DBPath:      dbPath,
		BaseURL:     baseURL,
		FeedURL:     feedURL,
		APIKey:      os.Getenv("BOUGE_API_KEY"),
		UserID:      userID,
		RecoveryKey: os.Getenv("BOUGE_RECOVERY_KEY"),
		GroupIDs:    splitGroups(os.Getenv("BOUGE_GROUP_IDS")),
	}, engine.Callbacks{
		OnMessage: func(groupID string, msg models.MessageResponse) {
			log.Printf("message in %s from %s: %s", groupID, msg.SenderID, msg.Content)
		},
		OnUnreadCountChanged: func(groupID string, count int) {
			log.Printf("unread[%s] = %d", groupID, count)
		},
		OnConnectionStatusChanged: func(status realtime.Status) {
			log.Printf("connection: %s", status)
		},
	})
	if err != nil {
		log.Fatal("Failed to initialize sync engine:", err)
	}

	if access := os.Getenv("BOUGE_ACCESS_TOKEN"); access != "" {
		eng.SetSession(&models.Session{
			UserID:       userID,
			AccessToken:  access,
			RefreshToken: os.Getenv("BOUGE_REFRESH_TOKEN"),
			CachedAt:     time.Now(),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	log.Println("Sync engine started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	eng.Stop()
}
