// Package playback implements the session playback manager (C11): it
// wraps the output provider registry (C9) so that every command for
// session S is always dispatched to the output currently owned by S,
// never to whatever output happens to be globally active. Grounded on
// session_playback_manager.rs's SessionPlaybackError taxonomy and its
// play_path/status/pause_toggle/seek/stop dispatch pattern.
package playback

import (
	"context"
	"errors"
	"net/http"

	"github.com/drgolem/audio-bridge/internal/hub/outputs"
	"github.com/drgolem/audio-bridge/internal/hub/sessions"
	"github.com/drgolem/audio-bridge/internal/hub/types"
)

// ErrorKind names the session-playback failure taxonomy from spec.md
// §4.11, kept distinct from outputs.ErrorKind because a bind/registry
// failure and a provider dispatch failure are different layers.
type ErrorKind int

const (
	KindSessionNotFound ErrorKind = iota
	KindNoOutputSelected
	KindOutputLockMissing
	KindOutputInUse
	KindSelectFailed
	KindDispatchFailed
	KindStatusFailed
	KindCommandFailed
)

// SessionPlaybackError is the typed error surfaced by every manager
// operation, carrying enough to map onto a precise HTTP status at the
// request boundary (C13).
type SessionPlaybackError struct {
	Kind          ErrorKind
	Msg           string
	HeldBySession string // populated only for KindOutputInUse
}

func (e *SessionPlaybackError) Error() string { return e.Msg }

// HTTPStatus maps the error kind to a status code, grounded on
// session_playback_manager.rs's into_response() mapping.
func (e *SessionPlaybackError) HTTPStatus() int {
	switch e.Kind {
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindNoOutputSelected, KindOutputLockMissing:
		return http.StatusUnprocessableEntity
	case KindOutputInUse:
		return http.StatusConflict
	case KindSelectFailed, KindDispatchFailed, KindStatusFailed, KindCommandFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func wrapBindErr(err error) *SessionPlaybackError {
	var inUse *sessions.OutputInUseError
	switch {
	case errors.As(err, &inUse):
		return &SessionPlaybackError{Kind: KindOutputInUse, Msg: err.Error(), HeldBySession: inUse.HeldBySession}
	case errors.Is(err, sessions.ErrNotFound):
		return &SessionPlaybackError{Kind: KindSessionNotFound, Msg: err.Error()}
	case errors.Is(err, sessions.ErrNoOutput):
		return &SessionPlaybackError{Kind: KindNoOutputSelected, Msg: err.Error()}
	case errors.Is(err, sessions.ErrLockMissing):
		return &SessionPlaybackError{Kind: KindOutputLockMissing, Msg: err.Error()}
	default:
		return &SessionPlaybackError{Kind: KindCommandFailed, Msg: err.Error()}
	}
}

// Manager ties a session registry to the output provider registry.
type Manager struct {
	sessions *sessions.Registry
	outputs  *outputs.Registry
}

// New builds a Manager over the given registries.
func New(sessionReg *sessions.Registry, outputReg *outputs.Registry) *Manager {
	return &Manager{sessions: sessionReg, outputs: outputReg}
}

// SelectOutput binds outputID to sessionID (respecting the force flag) and
// then runs the common provider selection algorithm; a select failure
// rolls back the bind, per the mandatory rollback rule in spec.md §4.14/§7.
func (m *Manager) SelectOutput(ctx context.Context, sessionID, outputID string, force bool) error {
	bind, err := m.sessions.BindOutput(sessionID, outputID, force)
	if err != nil {
		return wrapBindErr(err)
	}

	prior := outputs.PriorState{}
	if err := m.outputs.SelectOutput(ctx, outputID, prior); err != nil {
		m.sessions.Rollback(bind)
		return &SessionPlaybackError{Kind: KindSelectFailed, Msg: err.Error()}
	}
	return nil
}

// ReleaseOutput releases sessionID's output lock.
func (m *Manager) ReleaseOutput(sessionID string) error {
	if err := m.sessions.ReleaseOutput(sessionID); err != nil {
		return wrapBindErr(err)
	}
	return nil
}

// PlayPath dispatches play to the output bound to sessionID. Per spec.md
// §4.11: cast gets a direct play; bridge resolves/sets the device first
// (handled inside BridgeProvider.Play, which always targets its own
// already-selected device); all kinds share the same dispatch call here
// since SelectOutput already pinned the concrete device.
func (m *Manager) PlayPath(ctx context.Context, sessionID, path string) error {
	outputID, err := m.sessions.RequireBoundOutput(sessionID)
	if err != nil {
		return wrapBindErr(err)
	}
	err = m.outputs.Dispatch(outputID, func(p outputs.OutputProvider) error {
		return p.Play(ctx, path, 0, false)
	})
	if err != nil {
		return &SessionPlaybackError{Kind: KindDispatchFailed, Msg: err.Error()}
	}
	return nil
}

// Status fetches status from the session's bound output, backfilling
// now_playing from the session's queue head when the provider reports
// nothing while not paused, and setting has_previous from session history.
func (m *Manager) Status(ctx context.Context, sessionID string) (types.StatusResponse, error) {
	outputID, err := m.sessions.RequireBoundOutput(sessionID)
	if err != nil {
		return types.StatusResponse{}, wrapBindErr(err)
	}

	var status types.StatusResponse
	err = m.outputs.Dispatch(outputID, func(p outputs.OutputProvider) error {
		parsed, perr := outputs.ParseOutputID(outputID)
		if perr != nil {
			return perr
		}
		s, serr := p.StatusForOutput(ctx, parsed)
		status = s
		return serr
	})
	if err != nil {
		return types.StatusResponse{}, &SessionPlaybackError{Kind: KindStatusFailed, Msg: err.Error()}
	}

	sess, serr := m.sessions.Get(sessionID)
	if serr == nil {
		if status.NowPlaying == "" && !status.Paused && len(sess.Queue) > 0 {
			status.NowPlaying = sess.Queue[0]
		}
		status.HasPrevious = len(sess.History) > 0
	}
	return status, nil
}

func (m *Manager) dispatchSimple(ctx context.Context, sessionID string, fn func(outputs.OutputProvider) error) error {
	outputID, err := m.sessions.RequireBoundOutput(sessionID)
	if err != nil {
		return wrapBindErr(err)
	}
	if err := m.outputs.Dispatch(outputID, fn); err != nil {
		return &SessionPlaybackError{Kind: KindCommandFailed, Msg: err.Error()}
	}
	return nil
}

// PauseToggle dispatches a pause/resume toggle to the session's bound output.
func (m *Manager) PauseToggle(ctx context.Context, sessionID string) error {
	return m.dispatchSimple(ctx, sessionID, func(p outputs.OutputProvider) error {
		return p.PauseToggle(ctx)
	})
}

// Seek dispatches a seek to the session's bound output.
func (m *Manager) Seek(ctx context.Context, sessionID string, ms uint64) error {
	return m.dispatchSimple(ctx, sessionID, func(p outputs.OutputProvider) error {
		return p.Seek(ctx, ms)
	})
}

// Stop dispatches a stop to the session's bound output.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	return m.dispatchSimple(ctx, sessionID, func(p outputs.OutputProvider) error {
		return p.Stop(ctx)
	})
}
