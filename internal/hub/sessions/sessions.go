// Package sessions implements the session registry (C10): a process-wide
// map of client sessions plus the output-lock table that arbitrates which
// session currently owns which output. All cross-session invariants (lock
// transitions) are changed under one mutex, per spec.md §4.10/§9 "Session
// registry concurrency" — sub-second contention here is acceptable because
// session operations are vastly rarer than audio frames, the same
// trade-off the original Rust registry makes with its single std::Mutex.
package sessions

import (
	"errors"
	"sync"
	"time"

	"github.com/drgolem/audio-bridge/internal/hub/types"
	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("session-not-found")
	ErrNoOutput       = errors.New("no-output-selected")
	ErrLockMissing    = errors.New("output-lock-missing")
	ErrOutputInUse    = errors.New("output-in-use")
)

// OutputInUseError carries the id of the session currently holding the
// requested output, for a 409-with-detail response.
type OutputInUseError struct {
	OutputID      string
	HeldBySession string
}

func (e *OutputInUseError) Error() string { return "output-in-use" }
func (e *OutputInUseError) Is(target error) bool { return target == ErrOutputInUse }

const (
	minTTL     = 5 * time.Second
	maxTTL     = 5 * time.Minute
	defaultTTL = 30 * time.Second

	sweepInterval = 1 * time.Second
)

// Bind is a transition token returned by BindOutput, usable to roll back a
// bind if the caller's downstream select-output dispatch subsequently
// fails (mandatory per spec.md §4.14/§7).
type Bind struct {
	sessionID    string
	outputID     string
	priorOutput  string
	priorHolder  string // empty if the lock was previously free
	hadPriorLock bool
}

// Registry is the process-wide session table.
type Registry struct {
	mu sync.Mutex

	sessions map[string]*types.Session
	// byModeClient indexes sessions by (mode, client_id) for upsert.
	byModeClient map[string]string
	// outputLocks maps an output id to the session id currently holding it.
	outputLocks map[string]string

	stopSweep chan struct{}
}

// New constructs an empty registry and starts its lease sweeper.
func New() *Registry {
	r := &Registry{
		sessions:     make(map[string]*types.Session),
		byModeClient: make(map[string]string),
		outputLocks:  make(map[string]string),
		stopSweep:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the background lease sweeper.
func (r *Registry) Close() { close(r.stopSweep) }

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepExpired(time.Now())
		}
	}
}

func (r *Registry) sweepExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if now.Sub(s.LastSeen) > s.TTL {
			r.releaseOutputLocked(id)
			delete(r.byModeClient, modeClientKey(s.Mode, s.ClientID))
			delete(r.sessions, id)
		}
	}
}

func modeClientKey(mode, clientID string) string { return mode + "\x00" + clientID }

func clampTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return defaultTTL
	}
	if requested < minTTL {
		return minTTL
	}
	if requested > maxTTL {
		return maxTTL
	}
	return requested
}

// CreateOrRefresh upserts a session keyed by (mode, clientID): an existing
// session for that pair is refreshed in place (new name/owner/ttl applied,
// last_seen bumped); otherwise a new session with a random id is created.
func (r *Registry) CreateOrRefresh(name, mode, clientID, appVersion, owner string, ttl time.Duration) *types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := modeClientKey(mode, clientID)
	now := time.Now()
	clampedTTL := clampTTL(ttl)

	if id, ok := r.byModeClient[key]; ok {
		s := r.sessions[id]
		s.Name = name
		s.AppVersion = appVersion
		s.Owner = owner
		s.TTL = clampedTTL
		s.LastSeen = now
		return s.Clone()
	}

	s := &types.Session{
		ID:         uuid.NewString(),
		Name:       name,
		Mode:       mode,
		ClientID:   clientID,
		AppVersion: appVersion,
		Owner:      owner,
		CreatedAt:  now,
		LastSeen:   now,
		TTL:        clampedTTL,
	}
	r.sessions[s.ID] = s
	r.byModeClient[key] = s.ID
	return s.Clone()
}

// Get returns a copy of the session, or ErrNotFound.
func (r *Registry) Get(id string) (*types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// List returns copies of all sessions.
func (r *Registry) List() []*types.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// Heartbeat updates last_seen, heartbeat state, and optional battery level.
func (r *Registry) Heartbeat(id, state string, batteryPercent *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastSeen = time.Now()
	s.HeartbeatState = state
	if batteryPercent != nil {
		s.BatteryPercent = batteryPercent
	}
	return nil
}

// Delete releases any output lock held by id and removes the session.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	r.releaseOutputLocked(id)
	delete(r.byModeClient, modeClientKey(s.Mode, s.ClientID))
	delete(r.sessions, id)
	return nil
}

// BindOutput acquires the output lock for outputID on behalf of session id.
// If the lock is already held by a different session: force=false returns
// an *OutputInUseError naming the holder; force=true steals the lock
// (releasing, not deleting, the prior holder's session) and transfers it.
// The returned Bind can be passed to Rollback if a subsequent downstream
// select fails.
func (r *Registry) BindOutput(id, outputID string, force bool) (*Bind, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	bind := &Bind{sessionID: id, outputID: outputID, priorOutput: s.ActiveOutputID}

	if holder, held := r.outputLocks[outputID]; held && holder != id {
		if !force {
			return nil, &OutputInUseError{OutputID: outputID, HeldBySession: holder}
		}
		bind.hadPriorLock = true
		bind.priorHolder = holder
		if prev, ok := r.sessions[holder]; ok {
			prev.ActiveOutputID = ""
		}
		delete(r.outputLocks, outputID)
	}

	if s.ActiveOutputID != "" && s.ActiveOutputID != outputID {
		delete(r.outputLocks, s.ActiveOutputID)
	}

	r.outputLocks[outputID] = id
	s.ActiveOutputID = outputID
	return bind, nil
}

// Rollback undoes a BindOutput call: the session's previous output (if any)
// is restored, the new output's lock is released, and a force-stolen prior
// holder regains its lock.
func (r *Registry) Rollback(b *Bind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, held := r.outputLocks[b.outputID]; held && holder == b.sessionID {
		delete(r.outputLocks, b.outputID)
	}
	if s, ok := r.sessions[b.sessionID]; ok {
		s.ActiveOutputID = b.priorOutput
		if b.priorOutput != "" {
			r.outputLocks[b.priorOutput] = b.sessionID
		}
	}
	if b.hadPriorLock {
		r.outputLocks[b.outputID] = b.priorHolder
		if prev, ok := r.sessions[b.priorHolder]; ok {
			prev.ActiveOutputID = b.outputID
		}
	}
}

// ReleaseOutput releases id's output lock and clears its active output.
func (r *Registry) ReleaseOutput(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	r.releaseOutputLocked(id)
	return nil
}

func (r *Registry) releaseOutputLocked(id string) {
	s, ok := r.sessions[id]
	if !ok || s.ActiveOutputID == "" {
		return
	}
	if holder := r.outputLocks[s.ActiveOutputID]; holder == id {
		delete(r.outputLocks, s.ActiveOutputID)
	}
	s.ActiveOutputID = ""
}

// RequireBoundOutput returns the output id currently bound to id, or one of
// ErrNotFound / ErrNoOutput / ErrLockMissing.
func (r *Registry) RequireBoundOutput(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	if s.ActiveOutputID == "" {
		return "", ErrNoOutput
	}
	if holder, held := r.outputLocks[s.ActiveOutputID]; !held || holder != id {
		return "", ErrLockMissing
	}
	return s.ActiveOutputID, nil
}

// --- Queue operations ---

// QueueAddPaths appends paths to the session's queue tail.
func (r *Registry) QueueAddPaths(id string, paths []string) error {
	return r.mutateQueue(id, func(s *types.Session) {
		s.Queue = append(s.Queue, paths...)
	})
}

// QueueAddNextPaths inserts paths at the queue head, to play next.
func (r *Registry) QueueAddNextPaths(id string, paths []string) error {
	return r.mutateQueue(id, func(s *types.Session) {
		s.Queue = append(append([]string(nil), paths...), s.Queue...)
	})
}

// QueueRemovePath removes the first occurrence of path from the queue.
func (r *Registry) QueueRemovePath(id, path string) error {
	return r.mutateQueue(id, func(s *types.Session) {
		for i, p := range s.Queue {
			if p == path {
				s.Queue = append(s.Queue[:i], s.Queue[i+1:]...)
				return
			}
		}
	})
}

// QueueClear optionally clears the queue and/or history.
func (r *Registry) QueueClear(id string, clearQueue, clearHistory bool) error {
	return r.mutateQueue(id, func(s *types.Session) {
		if clearQueue {
			s.Queue = nil
		}
		if clearHistory {
			s.History = nil
		}
	})
}

// QueuePlayFrom moves path to the front of the queue (removing any prior
// occurrence first), for "play this one now, keep the rest queued".
func (r *Registry) QueuePlayFrom(id, path string) error {
	return r.mutateQueue(id, func(s *types.Session) {
		filtered := s.Queue[:0:0]
		for _, p := range s.Queue {
			if p != path {
				filtered = append(filtered, p)
			}
		}
		s.Queue = append([]string{path}, filtered...)
	})
}

// QueueNextPath pops the queue head into history and returns it, along
// with ok=false if the queue was empty.
func (r *Registry) QueueNextPath(id string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", false, ErrNotFound
	}
	if len(s.Queue) == 0 {
		return "", false, nil
	}
	next := s.Queue[0]
	s.Queue = s.Queue[1:]
	s.History = append(s.History, next)
	return next, true, nil
}

// QueuePreviousPath pushes the current path back onto the queue head and
// returns the previous history entry, with ok=false if history was empty.
func (r *Registry) QueuePreviousPath(id, current string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return "", false, ErrNotFound
	}
	if len(s.History) == 0 {
		return "", false, nil
	}
	prev := s.History[len(s.History)-1]
	s.History = s.History[:len(s.History)-1]
	if current != "" {
		s.Queue = append([]string{current}, s.Queue...)
	}
	return prev, true, nil
}

func (r *Registry) mutateQueue(id string, fn func(*types.Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	return nil
}
