package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oddslive/relay/internal/game"
	"github.com/oddslive/relay/internal/protocol"
)

// fakeConn is a scriptable push connection.
type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(payload []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	f.writes = append(f.writes, payload)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

func fastConfig() Config {
	return Config{
		PushURL:         "ws://unused",
		PollTimeout:     time.Second,
		PushBackoffBase: time.Millisecond,
		PushBackoffCap:  4 * time.Millisecond,
		PollBackoffBase: time.Millisecond,
		PollBackoffCap:  8 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPushBackoffSequence(t *testing.T) {
	b := backoff{base: time.Second, cap: 5 * time.Second}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := b.delay(i + 1); got != w {
			t.Errorf("push delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPollBackoffSequence(t *testing.T) {
	b := backoff{base: time.Second, cap: 30 * time.Second}
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.delay(i + 1); got != w {
			t.Errorf("poll delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestThreePushFailuresDegradeToPolling(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		time.Sleep(10 * time.Millisecond)
		frame, _ := protocol.EncodeBatch(nil)
		_, _ = w.Write(frame)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.PollURL = srv.URL
	cfg.InitialURL = srv.URL

	m := New(cfg, zap.NewNop())
	var dials int32
	m.dial = func(ctx context.Context) (pushConn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("connection refused")
	}

	go m.Run(context.Background())
	defer m.Close()

	waitFor(t, func() bool { return m.State() == StatePolling },
		"manager never entered polling")

	if got := atomic.LoadInt32(&dials); got != 3 {
		t.Errorf("expected exactly 3 push attempts, got %d", got)
	}

	// Polling is terminal for the session: no further push attempts.
	waitFor(t, func() bool { return atomic.LoadInt32(&polls) >= 2 },
		"poll loop not continuous")
	if got := atomic.LoadInt32(&dials); got != 3 {
		t.Errorf("push re-probed after degrading: %d attempts", got)
	}
}

func TestSuccessfulConnectionResetsFailureCounter(t *testing.T) {
	var polled int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polled, 1)
		frame, _ := protocol.EncodeBatch(nil)
		_, _ = w.Write(frame)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.PollURL = srv.URL
	cfg.InitialURL = srv.URL

	m := New(cfg, zap.NewNop())

	// Alternate failures with successes that immediately drop. Each
	// success resets the counter, so the budget is never exhausted.
	var dials int32
	m.dial = func(ctx context.Context) (pushConn, error) {
		n := atomic.AddInt32(&dials, 1)
		if n%2 == 0 {
			conn := newFakeConn()
			_ = conn.Close() // read fails straight away
			return conn, nil
		}
		return nil, errors.New("connection refused")
	}

	go m.Run(context.Background())
	defer m.Close()

	waitFor(t, func() bool { return atomic.LoadInt32(&dials) >= 10 },
		"manager stopped attempting push")

	if m.State() == StatePolling || atomic.LoadInt32(&polled) > 0 {
		t.Error("manager degraded to polling despite successes resetting the counter")
	}
}

func TestPushReconciliation(t *testing.T) {
	updates := make(chan game.Snapshot, 16)
	cfg := fastConfig()
	cfg.OnUpdate = func(s game.Snapshot) { updates <- s }

	m := New(cfg, zap.NewNop())
	conn := newFakeConn()
	m.dial = func(ctx context.Context) (pushConn, error) { return conn, nil }

	m.Subscribe([]string{"game1"})
	go m.Run(context.Background())
	defer m.Close()

	// The new connection carries the subscription set and a full fetch.
	waitFor(t, func() bool { return len(conn.written()) >= 2 },
		"subscription not re-sent on connect")
	var sub struct {
		Type    string   `json:"type"`
		GameIDs []string `json:"gameIds"`
	}
	if err := json.Unmarshal(conn.written()[0], &sub); err != nil {
		t.Fatal(err)
	}
	if sub.Type != protocol.TypeSubscribe || len(sub.GameIDs) != 1 || sub.GameIDs[0] != "game1" {
		t.Fatalf("unexpected first frame: %s", conn.written()[0])
	}

	// Initial state response seeds the entity cache.
	frame, _ := protocol.EncodeInitial([]game.Snapshot{
		{ID: "game1", HomeTeam: "Arsenal", AwayTeam: "Chelsea", HomeOdds: 2.30, AwayOdds: 2.80, DrawOdds: 3.20, LastUpdated: 1000},
	})
	conn.inbox <- frame
	<-updates

	// A delta patches only the fields it carries.
	odds := 2.50
	frame, _ = protocol.EncodeDelta(game.Delta{ID: "game1", LastUpdated: 2000, HomeOdds: &odds})
	conn.inbox <- frame
	<-updates

	snap, ok := m.Snapshot("game1")
	if !ok {
		t.Fatal("entity missing after reconciliation")
	}
	if snap.HomeOdds != 2.50 || snap.LastUpdated != 2000 {
		t.Errorf("delta not applied: %+v", snap)
	}
	if snap.AwayOdds != 2.80 || snap.HomeTeam != "Arsenal" {
		t.Errorf("absent fields must be untouched: %+v", snap)
	}
}

func TestDeltaForUnknownEntityIgnored(t *testing.T) {
	m := New(fastConfig(), zap.NewNop())

	odds := 2.50
	m.applyDelta(game.Delta{ID: "game9", LastUpdated: 1000, HomeOdds: &odds})

	if _, ok := m.Snapshot("game9"); ok {
		t.Error("a delta must never insert an unknown entity")
	}
}

func TestUnsubscribeEvictsEntityImmediately(t *testing.T) {
	m := New(fastConfig(), zap.NewNop())
	conn := newFakeConn()
	m.dial = func(ctx context.Context) (pushConn, error) { return conn, nil }

	m.Subscribe([]string{"game1"})
	go m.Run(context.Background())
	defer m.Close()

	waitFor(t, func() bool { return m.State() == StatePushConnected },
		"push never connected")

	m.applyInitial([]game.Snapshot{{ID: "game1", HomeOdds: 2.30}})
	m.Unsubscribe([]string{"game1"})

	if _, ok := m.Snapshot("game1"); ok {
		t.Error("unsubscribed entity must be evicted from the local cache")
	}

	waitFor(t, func() bool {
		for _, frame := range conn.written() {
			var env struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(frame, &env) == nil && env.Type == protocol.TypeUnsubscribe {
				return true
			}
		}
		return false
	}, "unsubscribe frame not sent on the active push transport")
}

func TestPollingAppliesBatchesAndContinues(t *testing.T) {
	updates := make(chan game.Snapshot, 16)

	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/initial", func(w http.ResponseWriter, r *http.Request) {
		frame, _ := protocol.EncodeInitial([]game.Snapshot{
			{ID: "game1", HomeTeam: "Arsenal", HomeOdds: 2.30, LastUpdated: 1000},
		})
		_, _ = w.Write(frame)
	})
	mux.HandleFunc("/v1/poll", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ClientID string   `json:"clientId"`
			GameIDs  []string `json:"gameIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" || req.GameIDs == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := atomic.AddInt32(&polls, 1)
		if n == 1 {
			odds := 2.50
			frame, _ := protocol.EncodeBatch([]game.Delta{{ID: "game1", LastUpdated: 2000, HomeOdds: &odds}})
			_, _ = w.Write(frame)
			return
		}
		time.Sleep(10 * time.Millisecond)
		frame, _ := protocol.EncodeBatch(nil)
		_, _ = w.Write(frame)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := fastConfig()
	cfg.PollURL = srv.URL + "/v1/poll"
	cfg.InitialURL = srv.URL + "/v1/initial"
	cfg.OnUpdate = func(s game.Snapshot) { updates <- s }

	m := New(cfg, zap.NewNop())
	m.dial = func(ctx context.Context) (pushConn, error) {
		return nil, errors.New("connection refused")
	}

	m.Subscribe([]string{"game1"})
	go m.Run(context.Background())
	defer m.Close()

	<-updates // initial fetch on entering polling
	<-updates // first poll batch

	snap, ok := m.Snapshot("game1")
	if !ok {
		t.Fatal("entity missing")
	}
	if snap.HomeOdds != 2.50 || snap.HomeTeam != "Arsenal" || snap.LastUpdated != 2000 {
		t.Errorf("batch not reconciled: %+v", snap)
	}

	// Empty batches keep the loop going without backoff.
	waitFor(t, func() bool { return atomic.LoadInt32(&polls) >= 3 },
		"poll loop did not continue after an empty batch")
}

func TestCloseDiscardsStateAndStopsWork(t *testing.T) {
	m := New(fastConfig(), zap.NewNop())
	conn := newFakeConn()
	m.dial = func(ctx context.Context) (pushConn, error) { return conn, nil }

	m.Subscribe([]string{"game1"})
	go m.Run(context.Background())

	waitFor(t, func() bool { return m.State() == StatePushConnected },
		"push never connected")
	m.applyInitial([]game.Snapshot{{ID: "game1", HomeOdds: 2.30}})

	m.Close()

	if _, ok := m.Snapshot("game1"); ok {
		t.Error("local entity cache must be discarded on teardown")
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected disconnected after teardown, got %v", m.State())
	}
	select {
	case <-conn.closed:
	default:
		t.Error("active transport must be closed on teardown")
	}
}
