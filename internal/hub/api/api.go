// Package api implements the control server playback frontend (C13): a
// chi router exposing spec.md §6's REST surface, normalizing requests
// (path resolution against the library root, the "pending output" rule,
// queue-mode application) before dispatching into the session registry,
// playback manager, and output provider registry. Grounded on
// ManuGH-xg2g's cmd/+internal/api chi wiring (router setup, middleware
// chain, one handler function per route returning JSON) as the closest
// pack analogue to api/sessions.rs's axum handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/drgolem/audio-bridge/internal/hub/events"
	"github.com/drgolem/audio-bridge/internal/hub/library"
	"github.com/drgolem/audio-bridge/internal/hub/outputs"
	"github.com/drgolem/audio-bridge/internal/hub/playback"
	"github.com/drgolem/audio-bridge/internal/hub/sessions"
	"github.com/drgolem/audio-bridge/internal/hub/types"
)

// Server bundles every collaborator C13's handlers need.
type Server struct {
	log      zerolog.Logger
	lib      *library.Library
	sessions *sessions.Registry
	outputs  *outputs.Registry
	playback *playback.Manager
	bus      *events.Bus
	store    *events.Store

	router chi.Router
}

// New builds a Server and its chi router.
func New(log zerolog.Logger, lib *library.Library, sessionReg *sessions.Registry, outputReg *outputs.Registry, playbackMgr *playback.Manager, bus *events.Bus, store *events.Store) *Server {
	s := &Server{
		log:      log,
		lib:      lib,
		sessions: sessionReg,
		outputs:  outputReg,
		playback: playbackMgr,
		bus:      bus,
		store:    store,
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("request_id", "X-Request-Id"))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	})
	r.Use(middleware.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/library", s.handleLibraryList)
	r.Post("/library/rescan", s.handleLibraryRescan)

	r.Get("/outputs", s.handleOutputsList)
	r.Get("/outputs/{id}/status/stream", s.handleOutputStatusStream)
	r.Post("/outputs/select", s.handleOutputsSelect)

	r.Get("/providers", s.handleProvidersList)
	r.Get("/providers/{id}/outputs", s.handleProviderOutputs)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleSessionCreate)
		r.Get("/", s.handleSessionList)
		r.Get("/{id}", s.handleSessionGet)
		r.Post("/{id}/heartbeat", s.handleSessionHeartbeat)
		r.Post("/{id}/select-output", s.handleSessionSelectOutput)
		r.Post("/{id}/release-output", s.handleSessionReleaseOutput)
		r.Delete("/{id}", s.handleSessionDelete)
		r.Post("/{id}/play", s.handleSessionPlay)
		r.Post("/{id}/pause", s.handleSessionPause)
		r.Post("/{id}/seek", s.handleSessionSeek)
		r.Post("/{id}/stop", s.handleSessionStop)
		r.Get("/{id}/status", s.handleSessionStatus)
		r.Post("/{id}/queue", s.handleSessionQueueAdd)
		r.Post("/{id}/queue/next", s.handleSessionQueueNext)
		r.Post("/{id}/queue/previous", s.handleSessionQueuePrevious)
		r.Post("/{id}/queue/play-from", s.handleSessionQueuePlayFrom)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error         string `json:"error"`
	HeldBySession string `json:"held_by_session_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writePlaybackError maps a *playback.SessionPlaybackError (or a plain
// error) onto the precise status code spec.md §7 calls for.
func writePlaybackError(w http.ResponseWriter, err error) {
	var pbErr *playback.SessionPlaybackError
	if errors.As(err, &pbErr) {
		writeJSON(w, pbErr.HTTPStatus(), errorBody{Error: pbErr.Error(), HeldBySession: pbErr.HeldBySession})
		return
	}
	var provErr *outputs.ProviderError
	if errors.As(err, &provErr) {
		writeJSON(w, providerStatus(provErr.Kind), errorBody{Error: provErr.Error()})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func providerStatus(kind outputs.ErrorKind) int {
	switch kind {
	case outputs.KindNotFound:
		return http.StatusNotFound
	case outputs.KindConflict:
		return http.StatusConflict
	case outputs.KindUnavailable:
		return http.StatusBadGateway
	case outputs.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleLibraryList(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("dir")
	entries, err := s.lib.List(dir)
	if err != nil {
		if errors.Is(err, library.ErrOutsideRoot) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLibraryRescan(w http.ResponseWriter, r *http.Request) {
	entries, err := s.lib.Rescan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.bus.Publish(events.KindLibraryChanged, entries)
	writeJSON(w, http.StatusOK, map[string]int{"count": len(entries)})
}

func (s *Server) handleOutputsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.outputs.ListOutputs())
}

func (s *Server) handleOutputStatusStream(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()
	events.WriteSSE(w, r, ch)
}

type selectOutputRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleOutputsSelect(w http.ResponseWriter, r *http.Request) {
	var req selectOutputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.outputs.SelectOutput(r.Context(), req.ID, outputs.PriorState{}); err != nil {
		writePlaybackError(w, err)
		return
	}
	s.bus.RecordOutputSwitch()
	s.bus.Publish(events.KindOutputsChanged, nil)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleProvidersList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.outputs.ListProviders())
}

func (s *Server) handleProviderOutputs(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	out, err := s.outputs.OutputsForProvider(providerID)
	if err != nil {
		writePlaybackError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	Name       string `json:"name"`
	Mode       string `json:"mode"`
	ClientID   string `json:"client_id"`
	AppVersion string `json:"app_version"`
	Owner      string `json:"owner"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	sess := s.sessions.CreateOrRefresh(req.Name, req.Mode, req.ClientID, req.AppVersion, req.Owner, time.Duration(req.TTLSeconds)*time.Second)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writePlaybackError(w, wrapNotFound(err))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func wrapNotFound(err error) error {
	if errors.Is(err, sessions.ErrNotFound) {
		return &playback.SessionPlaybackError{Kind: playback.KindSessionNotFound, Msg: err.Error()}
	}
	return err
}

type heartbeatRequest struct {
	State          string `json:"state"`
	BatteryPercent *int   `json:"battery_percent"`
}

func (s *Server) handleSessionHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req heartbeatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.sessions.Heartbeat(id, req.State, req.BatteryPercent); err != nil {
		writePlaybackError(w, wrapNotFound(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

type selectSessionOutputRequest struct {
	OutputID string `json:"output_id"`
	Force    bool   `json:"force"`
}

func (s *Server) handleSessionSelectOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req selectSessionOutputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.playback.SelectOutput(r.Context(), id, req.OutputID, req.Force); err != nil {
		writePlaybackError(w, err)
		return
	}
	s.bus.RecordOutputSwitch()
	s.bus.Publish(events.KindOutputsChanged, nil)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSessionReleaseOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.playback.ReleaseOutput(id); err != nil {
		writePlaybackError(w, err)
		return
	}
	s.bus.Publish(events.KindOutputsChanged, nil)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessions.Delete(id); err != nil {
		writePlaybackError(w, wrapNotFound(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type playRequest struct {
	Path      string          `json:"path"`
	QueueMode types.QueueMode `json:"queue_mode"`
	OutputID  string          `json:"output_id"`
}

func (s *Server) handleSessionPlay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if _, err := s.lib.Resolve(req.Path); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch req.QueueMode {
	case types.QueueModeReplace:
		_ = s.sessions.QueueClear(id, true, false)
		_ = s.sessions.QueueAddPaths(id, []string{req.Path})
	case types.QueueModeAppend:
		_ = s.sessions.QueueAddPaths(id, []string{req.Path})
	default: // keep
		_ = s.sessions.QueuePlayFrom(id, req.Path)
	}

	if err := s.playback.PlayPath(r.Context(), id, req.Path); err != nil {
		writePlaybackError(w, err)
		return
	}
	s.bus.Publish(events.KindQueueChanged, nil)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSessionPause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.playback.PauseToggle(r.Context(), id); err != nil {
		writePlaybackError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type seekRequest struct {
	Ms uint64 `json:"ms"`
}

func (s *Server) handleSessionSeek(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.playback.Seek(r.Context(), id, req.Ms); err != nil {
		writePlaybackError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.playback.Stop(r.Context(), id); err != nil {
		writePlaybackError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.playback.Status(r.Context(), id)
	if err != nil {
		writePlaybackError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type queuePathsRequest struct {
	Paths []string `json:"paths"`
	Next  bool     `json:"next"`
}

func (s *Server) handleSessionQueueAdd(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req queuePathsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var err error
	if req.Next {
		err = s.sessions.QueueAddNextPaths(id, req.Paths)
	} else {
		err = s.sessions.QueueAddPaths(id, req.Paths)
	}
	if err != nil {
		writePlaybackError(w, wrapNotFound(err))
		return
	}
	s.bus.Publish(events.KindQueueChanged, nil)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSessionQueueNext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	next, ok, err := s.sessions.QueueNextPath(id)
	if err != nil {
		writePlaybackError(w, wrapNotFound(err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "queue is empty")
		return
	}
	if err := s.playback.PlayPath(r.Context(), id, next); err != nil {
		writePlaybackError(w, err)
		return
	}
	s.bus.Publish(events.KindQueueChanged, nil)
	writeJSON(w, http.StatusOK, map[string]string{"path": next})
}

func (s *Server) handleSessionQueuePrevious(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		writePlaybackError(w, wrapNotFound(err))
		return
	}
	current := ""
	if len(sess.Queue) > 0 {
		current = sess.Queue[0]
	}
	prev, ok, err := s.sessions.QueuePreviousPath(id, current)
	if err != nil {
		writePlaybackError(w, wrapNotFound(err))
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "history is empty")
		return
	}
	if err := s.playback.PlayPath(r.Context(), id, prev); err != nil {
		writePlaybackError(w, err)
		return
	}
	s.bus.Publish(events.KindQueueChanged, nil)
	writeJSON(w, http.StatusOK, map[string]string{"path": prev})
}

func (s *Server) handleSessionQueuePlayFrom(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := s.sessions.QueuePlayFrom(id, req.Path); err != nil {
		writePlaybackError(w, wrapNotFound(err))
		return
	}
	if err := s.playback.PlayPath(r.Context(), id, req.Path); err != nil {
		writePlaybackError(w, err)
		return
	}
	s.bus.Publish(events.KindQueueChanged, nil)
	w.WriteHeader(http.StatusOK)
}

// pollRemoteStatusLoop periodically polls the active output's status,
// reconciles it into the status store, and publishes a status-changed
// event whenever a visible field differs. Grounded on the original's
// reduce_remote_and_inputs call sites driving event emission.
func (s *Server) pollRemoteStatusLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			remote, err := s.outputs.StatusForActive(ctx)
			if err != nil {
				continue
			}
			if s.store.ReduceRemoteAndInputs(remote) {
				s.bus.Publish(events.KindStatusChanged, s.store.Snapshot())
			}
		}
	}
}

// StartStatusPolling launches the background remote-status poll loop.
func (s *Server) StartStatusPolling(ctx context.Context, interval time.Duration) {
	go s.pollRemoteStatusLoop(ctx, interval)
}
