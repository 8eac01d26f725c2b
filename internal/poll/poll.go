// Package poll is the fallback transport: a client that cannot hold a push
// connection issues long-poll requests that the relay holds open until a
// batch of deltas is ready or a bounded wait elapses. Deltas accrue in a
// per-client mailbox between requests.
package poll

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oddslive/relay/internal/game"
	"github.com/oddslive/relay/internal/protocol"
	"github.com/oddslive/relay/internal/registry"
)

// StateProvider answers initial full-state fetches.
type StateProvider interface {
	InitialState(gameIDs []string) []game.Snapshot
}

// Config bounds the transport.
type Config struct {
	// Wait is how long a poll request is held open with no deltas.
	Wait time.Duration
	// MailboxSize caps deltas buffered between polls; the oldest delta
	// is discarded on overflow so the freshest state wins.
	MailboxSize int
	// IdleHorizon is how long a mailbox may go without a poll before
	// the session is reaped.
	IdleHorizon time.Duration
}

// Handlers serves the long-poll and initial-state endpoints.
type Handlers struct {
	registry *registry.Registry
	state    StateProvider
	cfg      Config
	logger   *zap.Logger

	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

func NewHandlers(reg *registry.Registry, state StateProvider, cfg Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry:  reg,
		state:     state,
		cfg:       cfg,
		logger:    logger,
		mailboxes: make(map[string]*mailbox),
	}
}

// mailbox buffers deltas for one polling client between requests.
type mailbox struct {
	mu         sync.Mutex
	deltas     []game.Delta
	capacity   int
	overflowed bool
	notify     chan struct{}
	lastSeen   time.Time
}

func (m *mailbox) push(d game.Delta) {
	m.mu.Lock()
	if len(m.deltas) >= m.capacity {
		m.deltas = m.deltas[1:]
		m.overflowed = true
	}
	m.deltas = append(m.deltas, d)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// drain empties the mailbox and reports whether any delta was discarded
// on overflow since the previous drain.
func (m *mailbox) drain() ([]game.Delta, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.deltas
	m.deltas = nil
	lost := m.overflowed
	m.overflowed = false
	return out, lost
}

func (m *mailbox) touch() {
	m.mu.Lock()
	m.lastSeen = time.Now()
	m.mu.Unlock()
}

func (m *mailbox) idleSince(horizon time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastSeen) > horizon
}

// mailboxSink adapts a mailbox to the registry's sink. The bounded buffer
// never rejects a send, so polling sessions are only dropped by the reaper.
type mailboxSink struct {
	mb *mailbox
}

func (s *mailboxSink) Send(d game.Delta, _ []byte) bool {
	s.mb.push(d)
	return true
}

func (s *mailboxSink) Close() {}

type pollRequest struct {
	ClientID string    `json:"clientId"`
	GameIDs  *[]string `json:"gameIds"`
}

// Poll handles a long-poll request. The declared gameIds become the
// session's entire subscription set; the response is always a batch, empty
// when the wait elapsed with no news.
func (h *Handlers) Poll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed poll request: "+err.Error())
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "clientId is required")
		return
	}
	if req.GameIDs == nil {
		writeError(w, http.StatusBadRequest, "gameIds must be a list of game identifiers")
		return
	}

	mb := h.mailbox(req.ClientID)
	mb.touch()

	// Registering on every request refreshes the sink and restores the
	// session when the reaper raced a returning client: the reaper drops
	// the registry session after releasing the mailbox lock, so a client
	// resuming in that window holds a live mailbox with no session.
	h.registry.Register(req.ClientID, &mailboxSink{mb: mb})
	if err := h.registry.Replace(req.ClientID, *req.GameIDs); err != nil {
		// The reaper dropped the session between Register and Replace.
		h.registry.Register(req.ClientID, &mailboxSink{mb: mb})
		if err := h.registry.Replace(req.ClientID, *req.GameIDs); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	batch, lost := mb.drain()
	if len(batch) == 0 {
		timer := time.NewTimer(h.cfg.Wait)
		defer timer.Stop()

		select {
		case <-r.Context().Done():
			return
		case <-timer.C:
			// Bounded wait elapsed; empty batch tells the client
			// to poll again immediately.
		case <-mb.notify:
			batch, lost = mb.drain()
		}
	}
	mb.touch()

	if lost {
		// Deltas were discarded on overflow since the last poll, so
		// sparse patches would leave the client silently stale. Answer
		// with full deltas for the declared set instead.
		batch = fullResync(h.state.InitialState(*req.GameIDs))
	}

	frame, err := protocol.EncodeBatch(batch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, frame)
}

type initialRequest struct {
	GameIDs *[]string `json:"gameIds"`
}

// Initial answers a full-state fetch immediately.
func (h *Handlers) Initial(w http.ResponseWriter, r *http.Request) {
	var req initialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed initial request: "+err.Error())
		return
	}
	if req.GameIDs == nil {
		writeError(w, http.StatusBadRequest, "gameIds must be a list of game identifiers")
		return
	}

	frame, err := protocol.EncodeInitial(h.state.InitialState(*req.GameIDs))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, frame)
}

// fullResync turns snapshots into full deltas so the client replaces its
// entries rather than patching them.
func fullResync(snaps []game.Snapshot) []game.Delta {
	out := make([]game.Delta, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, game.Diff(snap, nil))
	}
	return out
}

// mailbox returns the client's mailbox, creating it on first contact.
func (h *Handlers) mailbox(clientID string) *mailbox {
	h.mu.Lock()
	defer h.mu.Unlock()

	if mb, ok := h.mailboxes[clientID]; ok {
		return mb
	}
	mb := &mailbox{
		capacity: h.cfg.MailboxSize,
		notify:   make(chan struct{}, 1),
		lastSeen: time.Now(),
	}
	h.mailboxes[clientID] = mb
	h.logger.Debug("poll session opened", zap.String("clientID", clientID))
	return mb
}

// Run reaps mailboxes whose client stopped polling. Call in a goroutine;
// returns when the context is cancelled.
func (h *Handlers) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.IdleHorizon / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reap()
		}
	}
}

func (h *Handlers) reap() {
	h.mu.Lock()
	var stale []string
	for id, mb := range h.mailboxes {
		if mb.idleSince(h.cfg.IdleHorizon) {
			stale = append(stale, id)
			delete(h.mailboxes, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.registry.Drop(id)
		h.logger.Debug("poll session reaped", zap.String("clientID", id))
	}
}

func writeJSON(w http.ResponseWriter, frame []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(frame)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(protocol.EncodeError(message))
}
