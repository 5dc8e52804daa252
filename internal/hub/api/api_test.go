package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/drgolem/audio-bridge/internal/hub/events"
	"github.com/drgolem/audio-bridge/internal/hub/library"
	"github.com/drgolem/audio-bridge/internal/hub/outputs"
	"github.com/drgolem/audio-bridge/internal/hub/playback"
	"github.com/drgolem/audio-bridge/internal/hub/sessions"
	"github.com/drgolem/audio-bridge/internal/hub/types"
)

// stubProvider is a minimal OutputProvider double for driving the HTTP
// frontend end to end without any real bridge/cast/local transport.
type stubProvider struct {
	prefix    string
	selectErr error
}

func (s *stubProvider) ID() string                          { return s.prefix }
func (s *stubProvider) ListProviders() []types.ProviderInfo { return []types.ProviderInfo{{ID: s.prefix, Kind: s.prefix, Online: true}} }
func (s *stubProvider) ListOutputs() []types.OutputInfo {
	return []types.OutputInfo{{ID: s.prefix + "kitchen:1", ProviderID: s.prefix, Name: "DAC"}}
}
func (s *stubProvider) CanHandleOutputID(id string) bool {
	return len(id) >= len(s.prefix) && id[:len(s.prefix)] == s.prefix
}
func (s *stubProvider) CanHandleProviderID(id string) bool                            { return s.CanHandleOutputID(id) }
func (s *stubProvider) InjectActiveIfMissing(o []types.OutputInfo) []types.OutputInfo { return o }
func (s *stubProvider) EnsureActiveConnected(ctx context.Context) error               { return nil }
func (s *stubProvider) SelectOutput(ctx context.Context, parsed outputs.ParsedOutputID, prior outputs.PriorState) error {
	return s.selectErr
}
func (s *stubProvider) StatusForOutput(ctx context.Context, parsed outputs.ParsedOutputID) (types.StatusResponse, error) {
	return types.StatusResponse{}, nil
}
func (s *stubProvider) Play(ctx context.Context, path string, seekMs uint64, startPaused bool) error {
	return nil
}
func (s *stubProvider) PauseToggle(ctx context.Context) error     { return nil }
func (s *stubProvider) Seek(ctx context.Context, ms uint64) error { return nil }
func (s *stubProvider) Stop(ctx context.Context) error            { return nil }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "track.flac"), []byte("x"), 0o644))

	lib, err := library.New(root)
	require.NoError(t, err)

	sessionReg := sessions.New()
	t.Cleanup(sessionReg.Close)

	provider := &stubProvider{prefix: "bridge:"}
	outputReg := outputs.New(provider)
	playbackMgr := playback.New(sessionReg, outputReg)

	reg := prometheus.NewRegistry()
	bus := events.New(reg)
	store := events.NewStore()

	srv := New(zerolog.Nop(), lib, sessionReg, outputReg, playbackMgr, bus, store)
	return srv, root
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestLibraryListAndRescan(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/library?dir=.", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []types.LibraryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "track.flac", entries[0].Path)

	rec = doJSON(t, srv, http.MethodPost, "/library/rescan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLibraryListRejectsEscapingPath(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/library?dir=../../etc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutputsListAndSelect(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/outputs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/outputs/select", selectOutputRequest{ID: "bridge:kitchen:1"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProvidersListAndOutputs(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/providers/bridge:/outputs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func createSession(t *testing.T, srv *Server) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/sessions/", createSessionRequest{
		Name: "tui", Mode: "tui", ClientID: "client-1", AppVersion: "1.0", Owner: "me", TTLSeconds: 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	return sess.ID
}

func TestSessionCreateGetAndList(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/sessions/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestSessionGetMissingReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/sessions/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionSelectOutputConflictReturns409(t *testing.T) {
	srv, _ := newTestServer(t)
	idA := createSession(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/sessions/"+idA+"/select-output", selectSessionOutputRequest{OutputID: "bridge:kitchen:1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/sessions/", createSessionRequest{
		Name: "tui2", Mode: "tui", ClientID: "client-2", AppVersion: "1.0", Owner: "me2", TTLSeconds: 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sessB types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessB))

	rec = doJSON(t, srv, http.MethodPost, "/sessions/"+sessB.ID+"/select-output", selectSessionOutputRequest{OutputID: "bridge:kitchen:1"})
	require.Equal(t, http.StatusConflict, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, idA, body.HeldBySession)
}

func TestSessionPlayPauseSeekStopAndStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/select-output", selectSessionOutputRequest{OutputID: "bridge:kitchen:1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/play", playRequest{Path: "track.flac", QueueMode: types.QueueModeReplace})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/seek", seekRequest{Ms: 1000})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/sessions/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionPlayRejectsPathOutsideLibrary(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/play", playRequest{Path: "../../etc/passwd"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionQueueLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/queue", queuePathsRequest{Paths: []string{"a.flac", "b.flac"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/select-output", selectSessionOutputRequest{OutputID: "bridge:kitchen:1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/queue/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "a.flac", resp["path"])
}

func TestSessionDeleteReleasesLock(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/select-output", selectSessionOutputRequest{OutputID: "bridge:kitchen:1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/sessions/"+id, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	id2 := createSession(t, srv)
	rec = doJSON(t, srv, http.MethodPost, "/sessions/"+id2+"/select-output", selectSessionOutputRequest{OutputID: "bridge:kitchen:1"})
	require.Equal(t, http.StatusOK, rec.Code, "expected deleting the session to release its output lock")
}

func TestSessionHeartbeatUpdatesState(t *testing.T) {
	srv, _ := newTestServer(t)
	id := createSession(t, srv)

	battery := 80
	rec := doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/heartbeat", heartbeatRequest{State: "foreground", BatteryPercent: &battery})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sess types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.Equal(t, "foreground", sess.HeartbeatState)
	require.NotNil(t, sess.BatteryPercent)
	require.Equal(t, 80, *sess.BatteryPercent)
}

func TestStatusStreamRespondsWithSSEHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/outputs/bridge:kitchen:1/status/stream", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
