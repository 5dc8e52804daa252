package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drgolem/audio-bridge/internal/hub/outputs"
	"github.com/drgolem/audio-bridge/internal/hub/sessions"
	"github.com/drgolem/audio-bridge/internal/hub/types"
)

// stubProvider is a minimal OutputProvider stub for exercising the playback
// manager's dispatch and error-wrapping without any real transport.
type stubProvider struct {
	prefix     string
	selectErr  error
	dispatchErr error
	playCalls  int
	pauseCalls int
	seekCalls  int
	stopCalls  int
	status     types.StatusResponse
}

func (s *stubProvider) ID() string                          { return s.prefix }
func (s *stubProvider) ListProviders() []types.ProviderInfo { return nil }
func (s *stubProvider) ListOutputs() []types.OutputInfo     { return nil }
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
	return s.status, nil
}

func (s *stubProvider) Play(ctx context.Context, path string, seekMs uint64, startPaused bool) error {
	s.playCalls++
	return s.dispatchErr
}
func (s *stubProvider) PauseToggle(ctx context.Context) error {
	s.pauseCalls++
	return s.dispatchErr
}
func (s *stubProvider) Seek(ctx context.Context, ms uint64) error {
	s.seekCalls++
	return s.dispatchErr
}
func (s *stubProvider) Stop(ctx context.Context) error {
	s.stopCalls++
	return s.dispatchErr
}

func newTestManager(t *testing.T, provider *stubProvider) (*Manager, *sessions.Registry, string) {
	t.Helper()
	sessionReg := sessions.New()
	t.Cleanup(sessionReg.Close)
	outputReg := outputs.New(provider)
	mgr := New(sessionReg, outputReg)

	sess := sessionReg.CreateOrRefresh("tui", "tui", "client-1", "1.0", "owner", 30*time.Second)
	return mgr, sessionReg, sess.ID
}

func TestSelectOutputBindsAndSelects(t *testing.T) {
	provider := &stubProvider{prefix: "bridge:"}
	mgr, sessionReg, sessID := newTestManager(t, provider)

	if err := mgr.SelectOutput(context.Background(), sessID, "bridge:kitchen:1", false); err != nil {
		t.Fatalf("select output: %v", err)
	}

	bound, err := sessionReg.RequireBoundOutput(sessID)
	if err != nil || bound != "bridge:kitchen:1" {
		t.Fatalf("expected session bound to the output, got %q err=%v", bound, err)
	}
}

func TestSelectOutputRollsBackOnProviderFailure(t *testing.T) {
	provider := &stubProvider{prefix: "bridge:", selectErr: errors.New("bridge offline")}
	mgr, sessionReg, sessID := newTestManager(t, provider)

	err := mgr.SelectOutput(context.Background(), sessID, "bridge:kitchen:1", false)
	if err == nil {
		t.Fatal("expected select to fail")
	}
	var spErr *SessionPlaybackError
	if !errors.As(err, &spErr) || spErr.Kind != KindSelectFailed {
		t.Fatalf("expected KindSelectFailed, got %+v", err)
	}

	if _, err := sessionReg.RequireBoundOutput(sessID); !errors.Is(err, sessions.ErrNoOutput) {
		t.Fatalf("expected the failed select to roll back the bind, got %v", err)
	}
}

func TestSelectOutputConflictMapsToOutputInUse(t *testing.T) {
	provider := &stubProvider{prefix: "bridge:"}
	mgr, sessionReg, sessID := newTestManager(t, provider)

	other := sessionReg.CreateOrRefresh("tui2", "tui", "client-2", "1.0", "owner2", 30*time.Second)
	if _, err := sessionReg.BindOutput(other.ID, "bridge:kitchen:1", false); err != nil {
		t.Fatal(err)
	}

	err := mgr.SelectOutput(context.Background(), sessID, "bridge:kitchen:1", false)
	var spErr *SessionPlaybackError
	if !errors.As(err, &spErr) || spErr.Kind != KindOutputInUse {
		t.Fatalf("expected KindOutputInUse, got %+v", err)
	}
	if spErr.HeldBySession != other.ID {
		t.Fatalf("expected HeldBySession %s, got %s", other.ID, spErr.HeldBySession)
	}
	if spErr.HTTPStatus() != 409 {
		t.Fatalf("expected HTTP 409, got %d", spErr.HTTPStatus())
	}
}

func TestPlayPathWithoutBoundOutputFails(t *testing.T) {
	provider := &stubProvider{prefix: "bridge:"}
	mgr, _, sessID := newTestManager(t, provider)

	err := mgr.PlayPath(context.Background(), sessID, "a.flac")
	var spErr *SessionPlaybackError
	if !errors.As(err, &spErr) || spErr.Kind != KindNoOutputSelected {
		t.Fatalf("expected KindNoOutputSelected, got %+v", err)
	}
	if spErr.HTTPStatus() != 422 {
		t.Fatalf("expected HTTP 422, got %d", spErr.HTTPStatus())
	}
}

func TestPlayPauseSeekStopDispatchToSessionsOutput(t *testing.T) {
	provider := &stubProvider{prefix: "bridge:"}
	mgr, _, sessID := newTestManager(t, provider)

	if err := mgr.SelectOutput(context.Background(), sessID, "bridge:kitchen:1", false); err != nil {
		t.Fatal(err)
	}
	if err := mgr.PlayPath(context.Background(), sessID, "a.flac"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.PauseToggle(context.Background(), sessID); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Seek(context.Background(), sessID, 5000); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Stop(context.Background(), sessID); err != nil {
		t.Fatal(err)
	}

	if provider.playCalls != 1 || provider.pauseCalls != 1 || provider.seekCalls != 1 || provider.stopCalls != 1 {
		t.Fatalf("expected each dispatch exactly once, got %+v", provider)
	}
}

func TestStatusBackfillsFromQueueAndHistory(t *testing.T) {
	provider := &stubProvider{prefix: "bridge:", status: types.StatusResponse{}}
	mgr, sessionReg, sessID := newTestManager(t, provider)

	if err := mgr.SelectOutput(context.Background(), sessID, "bridge:kitchen:1", false); err != nil {
		t.Fatal(err)
	}
	if err := sessionReg.QueueAddPaths(sessID, []string{"next.flac"}); err != nil {
		t.Fatal(err)
	}

	status, err := mgr.Status(context.Background(), sessID)
	if err != nil {
		t.Fatal(err)
	}
	if status.NowPlaying != "next.flac" {
		t.Fatalf("expected now-playing backfilled from queue head, got %q", status.NowPlaying)
	}
	if status.HasPrevious {
		t.Fatal("expected has_previous false with empty history")
	}
}
