package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jsmcorp/bouge-sync/internal/models"
	"github.com/jsmcorp/bouge-sync/internal/testutil"
)

type staticTokens struct {
	token string
}

func (s *staticTokens) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

func startServer(t *testing.T) *testutil.Server {
	t.Helper()
	srv := testutil.NewServer("user-1")
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start fake backend: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	m := NewManager(Config{BaseBackoff: time.Second, MaxBackoff: 30 * time.Second}, &staticTokens{})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // 32s capped
		{7, 30 * time.Second},
		{8, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := m.backoffDelay(tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConnectSubscribesAndDeliversMessages(t *testing.T) {
	srv := startServer(t)

	m := NewManager(Config{
		URL:         srv.FeedURL(),
		BaseBackoff: 50 * time.Millisecond,
	}, &staticTokens{token: "tok"})

	var mu sync.Mutex
	var received []models.Message
	var resyncs int
	m.OnMessage = func(msg models.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	}
	m.Resync = func(ctx context.Context) error {
		mu.Lock()
		resyncs++
		mu.Unlock()
		return nil
	}
	m.SetGroups([]string{"group-2", "group-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	testutil.Eventually(t, 3*time.Second, func() bool {
		return m.CurrentStatus() == StatusConnected
	}, "feed never connected")

	// The subscription filter went out sorted.
	subs := srv.Subscribes()
	if len(subs) != 1 || len(subs[0]) != 2 || subs[0][0] != "group-1" || subs[0][1] != "group-2" {
		t.Errorf("subscribe filter = %v, want sorted [group-1 group-2]", subs)
	}

	srv.PushFeedEvent(EventMessageCreated, models.Message{
		ID: "srv-1", GroupID: "group-1", SenderID: "user-2", Content: "hi",
	})

	testutil.Eventually(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, "feed message never delivered")

	mu.Lock()
	if received[0].ID != "srv-1" || received[0].GroupID != "group-1" {
		t.Errorf("received wrong message: %+v", received[0])
	}
	if resyncs != 1 {
		t.Errorf("resyncs = %d, want 1 (after connect)", resyncs)
	}
	mu.Unlock()
}

func TestSetGroupsPushesNewFilterWhileConnected(t *testing.T) {
	srv := startServer(t)

	m := NewManager(Config{URL: srv.FeedURL()}, &staticTokens{token: "tok"})
	m.SetGroups([]string{"group-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	testutil.Eventually(t, 3*time.Second, func() bool {
		return m.CurrentStatus() == StatusConnected
	}, "feed never connected")

	m.SetGroups([]string{"group-1", "group-3"})

	testutil.Eventually(t, 3*time.Second, func() bool {
		return len(srv.Subscribes()) == 2
	}, "new filter never pushed")

	subs := srv.Subscribes()
	last := subs[len(subs)-1]
	if len(last) != 2 || last[1] != "group-3" {
		t.Errorf("pushed filter = %v, want [group-1 group-3]", last)
	}
}

func TestConcurrentSetGroupsSerializeOnOneWriter(t *testing.T) {
	srv := startServer(t)

	m := NewManager(Config{URL: srv.FeedURL()}, &staticTokens{token: "tok"})
	m.SetGroups([]string{"group-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	testutil.Eventually(t, 3*time.Second, func() bool {
		return m.CurrentStatus() == StatusConnected
	}, "feed never connected")

	// Filter updates can arrive from any goroutine; the connection allows
	// only one concurrent writer, so these must all serialize cleanly.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.SetGroups([]string{"group-1", string(rune('a' + n))})
		}(i)
	}
	wg.Wait()

	testutil.Eventually(t, 3*time.Second, func() bool {
		return len(srv.Subscribes()) == 9 // connect-time filter + 8 updates
	}, "not every filter update arrived")

	if m.CurrentStatus() != StatusConnected {
		t.Errorf("status = %s, want connected after concurrent updates", m.CurrentStatus())
	}
}

func TestCircuitOpensAfterMaxRetries(t *testing.T) {
	// Nothing listens on this port.
	m := NewManager(Config{
		URL:         "ws://127.0.0.1:1/feed",
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		MaxRetries:  3,
		Cooldown:    time.Hour,
	}, &staticTokens{token: "tok"})

	var mu sync.Mutex
	var transitions []Status
	m.OnStatus = func(s Status) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	testutil.Eventually(t, 5*time.Second, func() bool {
		return m.CurrentStatus() == StatusCircuitOpen
	}, "circuit never opened")

	mu.Lock()
	defer mu.Unlock()
	var connectAttempts int
	for _, s := range transitions {
		if s == StatusConnecting {
			connectAttempts++
		}
	}
	if connectAttempts != 3 {
		t.Errorf("connect attempts before circuit open = %d, want 3", connectAttempts)
	}
}

func TestZombieWatchdogForcesReconnectAndResync(t *testing.T) {
	srv := startServer(t)

	m := NewManager(Config{
		URL:              srv.FeedURL(),
		BaseBackoff:      20 * time.Millisecond,
		PingInterval:     50 * time.Millisecond,
		PongWait:         time.Second,
		ZombieThreshold:  200 * time.Millisecond,
		WatchdogInterval: 25 * time.Millisecond,
	}, &staticTokens{token: "tok"})

	var mu sync.Mutex
	var resyncs int
	var disconnects int
	m.Resync = func(ctx context.Context) error {
		mu.Lock()
		resyncs++
		mu.Unlock()
		return nil
	}
	m.OnStatus = func(s Status) {
		if s == StatusDisconnected {
			mu.Lock()
			disconnects++
			mu.Unlock()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	// Heartbeats stay healthy (pings answered) while no events arrive:
	// the watchdog must tear the connection down and the reconnect path
	// must run the backfill.
	testutil.Eventually(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects >= 1 && resyncs >= 2
	}, "zombie teardown and reconnect never happened")
}
