package outputs

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/drgolem/audio-bridge/pkg/protocol"
)

func newFakeBridge(t *testing.T, devices []bridgeDeviceInfo, status bridgeStatusResponse) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(devices)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/set-device", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// fakeStreamReceiver stands in for cmd/bridge.go's TCP listener + receiver
// (C4): it performs the prelude handshake and records every frame it
// receives, so bridgeWorker tests can assert on begin-file/file-chunk/
// end-file/pause/resume/next traffic without a real PortAudio device.
type fakeStreamReceiver struct {
	addr string

	mu     sync.Mutex
	frames []protocol.Frame
}

func newFakeStreamReceiver(t *testing.T) *fakeStreamReceiver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	r := &fakeStreamReceiver{addr: ln.Addr().String()}
	go r.acceptLoop(ln)
	return r
}

func (r *fakeStreamReceiver) acceptLoop(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	if err := protocol.ReadPrelude(conn); err != nil {
		return
	}
	if err := protocol.WritePrelude(conn); err != nil {
		return
	}
	for {
		f, err := protocol.ReadFrameHeader(conn)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.frames = append(r.frames, f)
		r.mu.Unlock()
	}
}

func (r *fakeStreamReceiver) snapshot() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Frame(nil), r.frames...)
}

func (r *fakeStreamReceiver) waitForFrames(t *testing.T, n int) []protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := r.snapshot(); len(frames) >= n {
			return frames
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, got %d", n, len(r.snapshot()))
	return nil
}

func TestBridgeProviderListOutputsToleratesUnreachableBridge(t *testing.T) {
	up := newFakeBridge(t, []bridgeDeviceInfo{{Index: 1, Name: "DAC", MaxChannels: 2, MinRateHz: 44100, MaxRateHz: 192000}}, bridgeStatusResponse{})

	p := NewBridgeProvider([]BridgeConfig{
		{ID: "kitchen", Name: "Kitchen", HTTPAddr: up.URL},
		{ID: "dead", Name: "Dead", HTTPAddr: "http://127.0.0.1:1"},
	})

	outs := p.ListOutputs()
	if len(outs) != 1 {
		t.Fatalf("expected exactly one output from the reachable bridge, got %d: %+v", len(outs), outs)
	}
	if outs[0].ID != "bridge:kitchen:1" {
		t.Fatalf("unexpected output id %q", outs[0].ID)
	}
}

func TestBridgeProviderSelectOutputStreamsAndReportsStatus(t *testing.T) {
	up := newFakeBridge(t,
		[]bridgeDeviceInfo{{Index: 1, Name: "DAC", MaxChannels: 2}},
		bridgeStatusResponse{Paused: false},
	)
	recv := newFakeStreamReceiver(t)

	tmp, err := os.CreateTemp(t.TempDir(), "track-*.flac")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmp.Write([]byte("fake flac bytes")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	p := NewBridgeProvider([]BridgeConfig{{ID: "kitchen", Name: "Kitchen", HTTPAddr: up.URL, StreamAddr: recv.addr}})

	parsed, err := ParseOutputID("bridge:kitchen:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SelectOutput(context.Background(), parsed, PriorState{}); err != nil {
		t.Fatalf("select output: %v", err)
	}

	if err := p.Play(context.Background(), tmp.Name(), 0, false); err != nil {
		t.Fatalf("play: %v", err)
	}

	frames := recv.waitForFrames(t, 3)
	if frames[0].Kind != protocol.KindBeginFile {
		t.Fatalf("expected begin-file first, got %v", frames[0].Kind)
	}
	if frames[len(frames)-1].Kind != protocol.KindEndFile {
		t.Fatalf("expected end-file last, got %v", frames[len(frames)-1].Kind)
	}

	status, err := p.StatusForOutput(context.Background(), parsed)
	if err != nil {
		t.Fatalf("status for output: %v", err)
	}
	if status.NowPlaying != tmp.Name() {
		t.Fatalf("expected now-playing from the worker, got %q", status.NowPlaying)
	}
}

func TestBridgeProviderPauseToggleSendsFrame(t *testing.T) {
	up := newFakeBridge(t, []bridgeDeviceInfo{{Index: 1, Name: "DAC", MaxChannels: 2}}, bridgeStatusResponse{})
	recv := newFakeStreamReceiver(t)
	p := NewBridgeProvider([]BridgeConfig{{ID: "kitchen", Name: "Kitchen", HTTPAddr: up.URL, StreamAddr: recv.addr}})

	parsed, err := ParseOutputID("bridge:kitchen:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SelectOutput(context.Background(), parsed, PriorState{}); err != nil {
		t.Fatal(err)
	}
	if err := p.PauseToggle(context.Background()); err != nil {
		t.Fatalf("pause toggle: %v", err)
	}

	frames := recv.waitForFrames(t, 1)
	if frames[0].Kind != protocol.KindPause {
		t.Fatalf("expected a pause frame, got %v", frames[0].Kind)
	}
}

func TestBridgeProviderSeekFailsWithoutActiveBridge(t *testing.T) {
	p := NewBridgeProvider(nil)
	if err := p.Seek(context.Background(), 5000); err == nil {
		t.Fatal("expected seek with no active bridge to fail")
	}
}

func TestBridgeProviderSeekSendsFrame(t *testing.T) {
	up := newFakeBridge(t, []bridgeDeviceInfo{{Index: 1, Name: "DAC", MaxChannels: 2}}, bridgeStatusResponse{})
	recv := newFakeStreamReceiver(t)
	p := NewBridgeProvider([]BridgeConfig{{ID: "kitchen", Name: "Kitchen", HTTPAddr: up.URL, StreamAddr: recv.addr}})

	parsed, err := ParseOutputID("bridge:kitchen:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SelectOutput(context.Background(), parsed, PriorState{}); err != nil {
		t.Fatal(err)
	}
	if err := p.Seek(context.Background(), 7500); err != nil {
		t.Fatalf("seek: %v", err)
	}

	frames := recv.waitForFrames(t, 1)
	if frames[0].Kind != protocol.KindSeek {
		t.Fatalf("expected a seek frame, got %v", frames[0].Kind)
	}
	ms, err := protocol.DecodeSeek(frames[0].Payload)
	if err != nil {
		t.Fatalf("decode seek payload: %v", err)
	}
	if ms != 7500 {
		t.Fatalf("expected seek target 7500, got %d", ms)
	}

	status, err := p.StatusForOutput(context.Background(), parsed)
	if err != nil {
		t.Fatalf("status for output: %v", err)
	}
	if status.ElapsedMs != 7500 {
		t.Fatalf("expected optimistic elapsed_ms 7500, got %d", status.ElapsedMs)
	}
}

func TestBridgeProviderSelectOutputFailsWhenOffline(t *testing.T) {
	p := NewBridgeProvider([]BridgeConfig{{ID: "kitchen", Name: "Kitchen", HTTPAddr: "http://127.0.0.1:1"}})

	parsed, err := ParseOutputID("bridge:kitchen:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SelectOutput(context.Background(), parsed, PriorState{}); err == nil {
		t.Fatal("expected select-output against an unreachable bridge to fail")
	}
}

func TestBridgeProviderInjectActiveIfMissing(t *testing.T) {
	up := newFakeBridge(t, nil, bridgeStatusResponse{})
	p := NewBridgeProvider([]BridgeConfig{{ID: "kitchen", Name: "Kitchen", HTTPAddr: up.URL}})

	parsed, err := ParseOutputID("bridge:kitchen:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SelectOutput(context.Background(), parsed, PriorState{}); err != nil {
		t.Fatal(err)
	}

	injected := p.InjectActiveIfMissing(nil)
	if len(injected) != 1 || injected[0].ID != "bridge:kitchen:1" {
		t.Fatalf("expected the active output to be injected, got %+v", injected)
	}
}

func TestBridgeProviderCanHandle(t *testing.T) {
	p := NewBridgeProvider(nil)
	if !p.CanHandleOutputID("bridge:kitchen:1") {
		t.Fatal("expected to handle a bridge output id")
	}
	if p.CanHandleOutputID("cast:livingroom") {
		t.Fatal("expected to not handle a cast output id")
	}
	if !p.CanHandleProviderID("bridge:kitchen") {
		t.Fatal("expected to handle a bridge provider id")
	}
}

func TestBridgeProviderClientTimeoutConfigured(t *testing.T) {
	p := NewBridgeProvider(nil)
	if p.client.Timeout != 2*time.Second {
		t.Fatalf("expected a 2s client timeout, got %v", p.client.Timeout)
	}
}
