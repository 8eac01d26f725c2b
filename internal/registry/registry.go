// Package registry tracks which sessions are interested in which game
// channels. Sessions are keyed by an opaque identifier rather than a
// connection handle, so teardown is a map deletion with no ownership cycle
// between connections and their subscriptions.
package registry

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/oddslive/relay/internal/game"
)

// ErrUnknownSession is returned for operations on a session that was never
// registered or has already been dropped.
var ErrUnknownSession = errors.New("unknown session")

// Sink delivers broadcast payloads to one session. Send must not block: it
// returns false when the session cannot accept the message, and the registry
// drops the session so one slow consumer never delays the others. frame is
// the pre-encoded push frame shared across sessions; transports that batch
// use the decoded delta instead.
type Sink interface {
	Send(d game.Delta, frame []byte) bool
	Close()
}

type session struct {
	id       string
	sink     Sink
	channels map[string]struct{}
}

// Registry is the fan-out index: session → subscription set and
// channel → interested sessions. Answering "who wants channel C" costs
// time proportional to the interested set, not the session count.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	channels map[string]map[string]*session
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		channels: make(map[string]map[string]*session),
		logger:   logger,
	}
}

// Register creates a session with an empty subscription set. Registering an
// existing ID replaces its sink and keeps its subscriptions; the poll
// transport registers on every request to refresh its sink.
func (r *Registry) Register(sessionID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.sink = sink
		return
	}
	r.sessions[sessionID] = &session{
		id:       sessionID,
		sink:     sink,
		channels: make(map[string]struct{}),
	}
	r.logger.Debug("session registered", zap.String("sessionID", sessionID))
}

// Join adds the session to each channel's interest group. Joining a channel
// the session already joined is a no-op.
func (r *Registry) Join(sessionID string, gameIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}

	for _, id := range gameIDs {
		s.channels[id] = struct{}{}
		if r.channels[id] == nil {
			r.channels[id] = make(map[string]*session)
		}
		r.channels[id][sessionID] = s
	}

	r.logger.Debug("session joined channels",
		zap.String("sessionID", sessionID),
		zap.Strings("gameIDs", gameIDs),
	)
	return nil
}

// Leave removes the session from each channel's interest group. Leaving a
// channel the session never joined is a no-op.
func (r *Registry) Leave(sessionID string, gameIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}

	for _, id := range gameIDs {
		delete(s.channels, id)
		r.removeFromChannel(id, sessionID)
	}
	return nil
}

// Replace makes gameIDs the session's entire subscription set in one step.
// Polling sessions declare their full interest on every request, so the
// swap must not open a window where the session is subscribed to nothing.
func (r *Registry) Replace(sessionID string, gameIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}

	next := make(map[string]struct{}, len(gameIDs))
	for _, id := range gameIDs {
		next[id] = struct{}{}
		if _, joined := s.channels[id]; !joined {
			if r.channels[id] == nil {
				r.channels[id] = make(map[string]*session)
			}
			r.channels[id][sessionID] = s
		}
	}
	for id := range s.channels {
		if _, keep := next[id]; !keep {
			r.removeFromChannel(id, sessionID)
		}
	}
	s.channels = next
	return nil
}

// Drop removes the session from every channel it joined and discards its
// subscription set. Dropping an unknown session is a no-op.
func (r *Registry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(sessionID)
}

func (r *Registry) dropLocked(sessionID string) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	for id := range s.channels {
		r.removeFromChannel(id, sessionID)
	}
	delete(r.sessions, sessionID)
	r.logger.Debug("session dropped", zap.String("sessionID", sessionID))
}

func (r *Registry) removeFromChannel(channel, sessionID string) {
	if group, ok := r.channels[channel]; ok {
		delete(group, sessionID)
		if len(group) == 0 {
			delete(r.channels, channel)
		}
	}
}

// Broadcast delivers a delta to every session interested in the channel and
// returns the number of deliveries. Sessions whose sink rejects the message
// are dropped and closed. Sinks are snapshotted under the lock so a
// concurrent Register replacing a session's sink cannot race the sends.
func (r *Registry) Broadcast(channel string, d game.Delta, frame []byte) int {
	type target struct {
		id   string
		sink Sink
	}

	r.mu.RLock()
	group, ok := r.channels[channel]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	targets := make([]target, 0, len(group))
	for _, s := range group {
		targets = append(targets, target{id: s.id, sink: s.sink})
	}
	r.mu.RUnlock()

	sent := 0
	var stalled []target
	for _, t := range targets {
		if t.sink.Send(d, frame) {
			sent++
		} else {
			stalled = append(stalled, t)
		}
	}

	for _, t := range stalled {
		r.logger.Warn("dropping slow session",
			zap.String("sessionID", t.id),
			zap.String("channel", channel),
		)
		r.Drop(t.id)
		t.sink.Close()
	}
	return sent
}

// Subscribed reports whether the session is currently joined to the channel.
func (r *Registry) Subscribed(sessionID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group, ok := r.channels[channel]
	if !ok {
		return false
	}
	_, ok = group[sessionID]
	return ok
}

// Sessions returns the number of live sessions.
func (r *Registry) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
