// Package client maintains a viewing session's connection to the relay.
// It owns exactly one active transport (websocket push or HTTP long-poll),
// handles reconnect backoff and transport failover, and reconciles local
// game state from whichever transport is delivering.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/oddslive/relay/internal/game"
	"github.com/oddslive/relay/internal/protocol"
)

// State of the transport manager.
type State int

const (
	StateDisconnected State = iota
	StatePushConnected
	StatePolling
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StatePushConnected:
		return "push-connected"
	case StatePolling:
		return "polling"
	default:
		return "unknown"
	}
}

// pushFailureBudget is how many consecutive push failures are tolerated
// before the session degrades to polling for good.
const pushFailureBudget = 3

// Config locates the relay and bounds the retry behaviour. Zero durations
// take the defaults below.
type Config struct {
	// PushURL is the websocket endpoint, e.g. ws://host:8080/v1/ws.
	PushURL string
	// PollURL and InitialURL are the long-poll endpoints.
	PollURL    string
	InitialURL string

	// PollTimeout bounds one long-poll HTTP request client-side. It must
	// exceed the server's hold so the server, not the client, ends an
	// empty poll.
	PollTimeout time.Duration

	PushBackoffBase time.Duration
	PushBackoffCap  time.Duration
	PollBackoffBase time.Duration
	PollBackoffCap  time.Duration

	// OnUpdate, when set, is invoked after each entity reconciliation
	// with the entity's new full snapshot.
	OnUpdate func(game.Snapshot)
}

func (c *Config) applyDefaults() {
	if c.PollTimeout == 0 {
		c.PollTimeout = 35 * time.Second
	}
	if c.PushBackoffBase == 0 {
		c.PushBackoffBase = time.Second
	}
	if c.PushBackoffCap == 0 {
		c.PushBackoffCap = 5 * time.Second
	}
	if c.PollBackoffBase == 0 {
		c.PollBackoffBase = time.Second
	}
	if c.PollBackoffCap == 0 {
		c.PollBackoffCap = 30 * time.Second
	}
}

// backoff is a capped exponential delay: base doubled per consecutive
// failure, never exceeding cap.
type backoff struct {
	base time.Duration
	cap  time.Duration
}

func (b backoff) delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := b.base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= b.cap {
			return b.cap
		}
	}
	if d > b.cap {
		return b.cap
	}
	return d
}

// pushConn is the push transport as the manager sees it. The production
// implementation wraps a gorilla websocket connection.
type pushConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteMessage(payload []byte) error {
	return g.conn.WriteMessage(websocket.TextMessage, payload)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}

// Manager is the per-session transport state machine. Once a session has
// degraded to polling it never re-probes push: polling is correct, just
// heavier, and switching back mid-session risks duplicate delivery during
// the handover.
type Manager struct {
	cfg      Config
	logger   *zap.Logger
	clientID string

	dial       func(ctx context.Context) (pushConn, error)
	httpClient *http.Client

	mu       sync.Mutex
	state    State
	subs     map[string]struct{}
	entities map[string]game.Snapshot
	conn     pushConn

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		clientID:   uuid.New().String(),
		httpClient: &http.Client{},
		state:      StateDisconnected,
		subs:       make(map[string]struct{}),
		entities:   make(map[string]game.Snapshot),
		done:       make(chan struct{}),
	}
	m.dial = m.dialWebsocket
	return m
}

func (m *Manager) dialWebsocket(ctx context.Context) (pushConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.cfg.PushURL, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

// Run drives the state machine until the context is cancelled or Close is
// called. It starts in Disconnected and immediately attempts push.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.runCtx = ctx
	m.cancel = cancel
	m.mu.Unlock()

	defer close(m.done)
	defer m.teardown()

	pushBackoff := backoff{base: m.cfg.PushBackoffBase, cap: m.cfg.PushBackoffCap}

	pushFailures := 0
	for ctx.Err() == nil {
		connected, err := m.runPush(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			// Any successful connection resets the budget; this
			// failure is the first of a new run.
			pushFailures = 0
		}
		pushFailures++
		m.setState(StateDisconnected)

		if pushFailures >= pushFailureBudget {
			m.logger.Warn("push failure budget exhausted; degrading to polling for the rest of the session",
				zap.Int("failures", pushFailures),
				zap.Error(err),
			)
			m.runPolling(ctx)
			return
		}

		delay := pushBackoff.delay(pushFailures)
		m.logger.Info("push transport lost; reconnecting",
			zap.Int("failures", pushFailures),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// Close tears the session down: cancels pending timers, closes the active
// transport, and discards the local entity cache. Blocks until Run exits.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-m.done
}

// runPush dials the relay and, on success, services the connection until
// it fails. connected reports whether the dial succeeded, which resets the
// failure budget even if the connection drops later.
func (m *Manager) runPush(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := m.dial(dialCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("push connect: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StatePushConnected
	subs := m.subscriptionListLocked()
	m.mu.Unlock()

	m.logger.Info("push transport connected", zap.Strings("subscriptions", subs))

	// Close the socket when the session ends so the read loop unblocks.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	// Tear the transport down before the caller can start another one.
	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
	}()

	// The subscription set does not persist across connections; resend
	// it and re-fetch full state every time.
	if len(subs) > 0 {
		if err := m.sendSubscription(conn, subs); err != nil {
			return true, err
		}
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("push read: %w", err)
		}
		m.handleServerMessage(data)
	}
}

func (m *Manager) sendSubscription(conn pushConn, gameIDs []string) error {
	frame, err := protocol.EncodeSubscribe(gameIDs)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(frame); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	frame, err = protocol.EncodeInitialRequest(gameIDs)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(frame); err != nil {
		return fmt.Errorf("request initial state: %w", err)
	}
	return nil
}

// runPolling is the terminal fallback loop: long-poll, apply, repeat.
// Poll failures back off but never give up.
func (m *Manager) runPolling(ctx context.Context) {
	m.setState(StatePolling)
	m.logger.Info("polling transport active", zap.String("clientID", m.clientID))

	pollBackoff := backoff{base: m.cfg.PollBackoffBase, cap: m.cfg.PollBackoffCap}

	// A full fetch on entry heals whatever was missed between losing
	// push and the first poll.
	needInitial := true
	failures := 0
	for ctx.Err() == nil {
		var err error
		if needInitial {
			if err = m.fetchInitial(ctx, m.subscriptionList()); err == nil {
				needInitial = false
			}
		}
		if err == nil {
			err = m.pollOnce(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			delay := pollBackoff.delay(failures)
			m.logger.Warn("poll failed; backing off",
				zap.Int("failures", failures),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		failures = 0
	}
}

// pollOnce issues one long-poll request and applies the returned batch.
// An empty batch means "no news, poll again immediately".
func (m *Manager) pollOnce(ctx context.Context) error {
	payload, err := json.Marshal(struct {
		ClientID string   `json:"clientId"`
		GameIDs  []string `json:"gameIds"`
	}{ClientID: m.clientID, GameIDs: m.subscriptionList()})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	defer cancel()

	out, err := m.postEnvelope(reqCtx, m.cfg.PollURL, payload)
	if err != nil {
		return err
	}
	if out.Type != protocol.TypeBatch {
		return fmt.Errorf("unexpected poll response type %q", out.Type)
	}
	for _, d := range out.Deltas {
		m.applyDelta(d)
	}
	return nil
}

// fetchInitial requests full snapshots for the given games and replaces
// the local cache entries for the returned identifiers.
func (m *Manager) fetchInitial(ctx context.Context, gameIDs []string) error {
	if len(gameIDs) == 0 {
		return nil
	}
	payload, err := protocol.EncodeInitialRequest(gameIDs)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := m.postEnvelope(reqCtx, m.cfg.InitialURL, payload)
	if err != nil {
		return err
	}
	if out.Type != protocol.TypeInitial {
		return fmt.Errorf("unexpected initial response type %q", out.Type)
	}
	snaps, err := out.Snapshots()
	if err != nil {
		return err
	}
	m.applyInitial(snaps)
	return nil
}

func (m *Manager) postEnvelope(ctx context.Context, url string, payload []byte) (protocol.Outbound, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return protocol.Outbound{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return protocol.Outbound{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Outbound{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return protocol.Outbound{}, fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
	return protocol.DecodeOutbound(data)
}

// handleServerMessage reconciles one push frame into the local cache.
func (m *Manager) handleServerMessage(data []byte) {
	out, err := protocol.DecodeOutbound(data)
	if err != nil {
		m.logger.Warn("discarding malformed server message", zap.Error(err))
		return
	}

	switch out.Type {
	case protocol.TypeDelta:
		d, err := out.Delta()
		if err != nil {
			m.logger.Warn("discarding malformed delta", zap.Error(err))
			return
		}
		m.applyDelta(d)

	case protocol.TypeBatch:
		for _, d := range out.Deltas {
			m.applyDelta(d)
		}

	case protocol.TypeInitial:
		snaps, err := out.Snapshots()
		if err != nil {
			m.logger.Warn("discarding malformed initial state", zap.Error(err))
			return
		}
		m.applyInitial(snaps)

	case protocol.TypeError:
		m.logger.Warn("relay rejected a request", zap.String("message", out.Message))
	}
}

// applyDelta patches only the fields present in the delta. A delta for an
// identifier not in the local cache is ignored: a full fetch is the only
// sanctioned way to learn of a new entity.
func (m *Manager) applyDelta(d game.Delta) {
	m.mu.Lock()
	snap, ok := m.entities[d.ID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("ignoring delta for unknown entity", zap.String("id", d.ID))
		return
	}
	snap.Apply(d)
	m.entities[d.ID] = snap
	onUpdate := m.cfg.OnUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(snap)
	}
}

// applyInitial replaces the cache entries for every returned identifier.
func (m *Manager) applyInitial(snaps []game.Snapshot) {
	m.mu.Lock()
	for _, snap := range snaps {
		m.entities[snap.ID] = snap
	}
	onUpdate := m.cfg.OnUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		for _, snap := range snaps {
			onUpdate(snap)
		}
	}
}

// Subscribe adds games to the session's subscription set. The local set
// mutates immediately so any reconnection uses the latest set; when push
// is active the subscribe and a full fetch for the new games also go out
// now, and in polling the fetch happens inline (the next poll carries the
// updated set).
func (m *Manager) Subscribe(gameIDs []string) {
	m.mu.Lock()
	for _, id := range gameIDs {
		m.subs[id] = struct{}{}
	}
	conn := m.conn
	state := m.state
	ctx := m.runCtx
	m.mu.Unlock()

	if conn != nil {
		if err := m.sendSubscription(conn, gameIDs); err != nil {
			m.logger.Warn("sending subscribe", zap.Error(err))
		}
	} else if state == StatePolling && ctx != nil {
		if err := m.fetchInitial(ctx, gameIDs); err != nil {
			m.logger.Warn("fetching state for new subscription", zap.Error(err))
		}
	}
}

// Unsubscribe removes games from the subscription set and evicts them from
// the local cache; the entity is no longer displayed even though server-
// side fan-out removal may lag.
func (m *Manager) Unsubscribe(gameIDs []string) {
	m.mu.Lock()
	for _, id := range gameIDs {
		delete(m.subs, id)
		delete(m.entities, id)
	}
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		frame, err := protocol.EncodeUnsubscribe(gameIDs)
		if err == nil {
			err = conn.WriteMessage(frame)
		}
		if err != nil {
			m.logger.Warn("sending unsubscribe", zap.Error(err))
		}
	}
}

// State returns the machine's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the last known full state for one game.
func (m *Manager) Snapshot(id string) (game.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.entities[id]
	return snap, ok
}

// Entities returns the last known full state of every tracked game.
func (m *Manager) Entities() []game.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]game.Snapshot, 0, len(m.entities))
	for _, snap := range m.entities {
		out = append(out, snap)
	}
	return out
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) subscriptionList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscriptionListLocked()
}

func (m *Manager) subscriptionListLocked() []string {
	out := make([]string, 0, len(m.subs))
	for id := range m.subs {
		out = append(out, id)
	}
	return out
}

// teardown discards session state after Run exits.
func (m *Manager) teardown() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.entities = make(map[string]game.Snapshot)
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("session torn down", zap.String("clientID", m.clientID))
}

// sleep waits for d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
