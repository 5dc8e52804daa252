package outputs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drgolem/audio-bridge/internal/hub/types"
)

// BridgeConfig is one statically-configured remote bridge host.
type BridgeConfig struct {
	ID         string
	Name       string
	HTTPAddr   string // e.g. "http://10.0.0.5:7701", the control surface (devices/status/set-device)
	StreamAddr string // e.g. "10.0.0.5:7700", the framed-protocol listener audio is pushed to
}

type bridgeDeviceInfo struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	MaxChannels    int    `json:"max_channels"`
	MinRateHz      uint32 `json:"min_rate_hz"`
	MaxRateHz      uint32 `json:"max_rate_hz"`
}

type bridgeSetDeviceRequest struct {
	DeviceIndex int `json:"device_index"`
}

type bridgeStatusResponse struct {
	NowPlaying string `json:"now_playing,omitempty"`
	Paused     bool   `json:"paused"`
	ElapsedMs  uint64 `json:"elapsed_ms"`
	DurationMs *uint64 `json:"duration_ms,omitempty"`
}

// BridgeProvider implements OutputProvider for networked audio-bridge
// hosts, each reachable over a small HTTP control surface
// (GET /devices, POST /set-device, GET /status) plus the framed streaming
// protocol (pkg/protocol) a per-bridge bridgeWorker uses to push audio and
// pause/resume/stop commands directly to the bridge's spooling receiver
// (C4) - the Go counterpart of the original's spawn_bridge_worker /
// connect_loop. Grounded on output_providers/bridge_provider.rs:
// ensure_active_connected's bounded reconnect wait,
// build_outputs_from_bridges_with_failures's per-bridge device listing
// with partial-failure tolerance, short_device_id for display,
// normalize_supported_rates for capability filtering; and src/bridge.rs
// for the worker itself.
type BridgeProvider struct {
	client *http.Client

	mu           sync.RWMutex
	bridges      []BridgeConfig
	activeID     string // bridge id of the currently selected device's bridge
	activeDevice int
	online       bool
	workers      map[string]*bridgeWorker // bridge id -> its streaming worker
}

// NewBridgeProvider constructs a provider over the given statically
// configured bridges (discovery of additional bridges is out of scope for
// this repo's core; bridges are supplied via hub config).
func NewBridgeProvider(bridges []BridgeConfig) *BridgeProvider {
	return &BridgeProvider{
		client:  &http.Client{Timeout: 2 * time.Second},
		bridges: bridges,
		workers: make(map[string]*bridgeWorker),
	}
}

// workerFor lazily creates the streaming worker for a bridge, keeping it
// around across selections so returning to a previously used bridge
// doesn't pay a fresh dial.
func (p *BridgeProvider) workerFor(bridgeID string) *bridgeWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[bridgeID]
	if ok {
		return w
	}
	b, _ := p.bridgeByIDLocked(bridgeID)
	w = newBridgeWorker(b.StreamAddr)
	p.workers[bridgeID] = w
	return w
}

func (p *BridgeProvider) ID() string { return "bridge" }

func (p *BridgeProvider) ListProviders() []types.ProviderInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.ProviderInfo, 0, len(p.bridges))
	for _, b := range p.bridges {
		out = append(out, types.ProviderInfo{
			ID:     "bridge:" + b.ID,
			Kind:   "bridge",
			Online: p.online && p.activeID == b.ID,
		})
	}
	return out
}

func (p *BridgeProvider) bridgeByID(id string) (BridgeConfig, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bridgeByIDLocked(id)
}

// bridgeByIDLocked assumes the caller already holds p.mu.
func (p *BridgeProvider) bridgeByIDLocked(id string) (BridgeConfig, bool) {
	for _, b := range p.bridges {
		if b.ID == id {
			return b, true
		}
	}
	return BridgeConfig{}, false
}

// ListOutputs lists every device on every configured bridge, tolerating
// per-bridge failures (a bridge that doesn't answer its /devices call is
// simply omitted, not fatal to the whole listing).
func (p *BridgeProvider) ListOutputs() []types.OutputInfo {
	p.mu.RLock()
	bridges := append([]BridgeConfig(nil), p.bridges...)
	p.mu.RUnlock()

	var out []types.OutputInfo
	seenNames := map[string]int{}
	for _, b := range bridges {
		devices, err := p.fetchDevices(context.Background(), b)
		if err != nil {
			continue
		}
		for _, d := range devices {
			outputID := fmt.Sprintf("bridge:%s:%d", b.ID, d.Index)
			name := d.Name
			if seenNames[d.Name] > 0 {
				name = fmt.Sprintf("%s [%s] (%s)", d.Name, b.Name, types.ShortDeviceID(outputID))
			}
			seenNames[d.Name]++

			caps := types.OutputCapabilities{Channels: uint16(d.MaxChannels)}
			if rates, ok := types.NormalizeSupportedRates(d.MinRateHz, d.MaxRateHz); ok {
				caps.SupportedRates = &rates
			}
			out = append(out, types.OutputInfo{
				ID:           outputID,
				Name:         name,
				ProviderID:   "bridge:" + b.ID,
				Capabilities: caps,
				Online:       true,
			})
		}
	}
	return out
}

func (p *BridgeProvider) CanHandleOutputID(id string) bool {
	return len(id) > 7 && id[:7] == "bridge:"
}

func (p *BridgeProvider) CanHandleProviderID(providerID string) bool {
	return len(providerID) > 7 && providerID[:7] == "bridge:"
}

// InjectActiveIfMissing adds the currently-active bridge output to the
// listing (marked offline) if a transient device-list failure caused it to
// drop out, so clients don't see the selected output vanish from /outputs.
func (p *BridgeProvider) InjectActiveIfMissing(out []types.OutputInfo) []types.OutputInfo {
	p.mu.RLock()
	activeID, activeDevice, online := p.activeID, p.activeDevice, p.online
	p.mu.RUnlock()
	if activeID == "" {
		return out
	}
	wantID := fmt.Sprintf("bridge:%s:%d", activeID, activeDevice)
	for _, o := range out {
		if o.ID == wantID {
			return out
		}
	}
	return append(out, types.OutputInfo{
		ID:         wantID,
		Name:       wantID,
		ProviderID: "bridge:" + activeID,
		Online:     online,
	})
}

func (p *BridgeProvider) EnsureActiveConnected(ctx context.Context) error {
	p.mu.RLock()
	online, activeID := p.online, p.activeID
	p.mu.RUnlock()
	if online {
		return nil
	}
	if activeID == "" {
		return newErr(KindUnavailable, "no active output selected")
	}
	b, ok := p.bridgeByID(activeID)
	if !ok {
		return newErr(KindUnavailable, "active bridge not found")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := p.fetchDevices(ctx, b); err == nil {
			p.mu.Lock()
			p.online = true
			p.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return newErr(KindUnavailable, "bridge offline: %v", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
	return newErr(KindUnavailable, "bridge offline")
}

func (p *BridgeProvider) SelectOutput(ctx context.Context, parsed ParsedOutputID, _ PriorState) error {
	b, ok := p.bridgeByID(parsed.GroupID)
	if !ok {
		return newErr(KindNotFound, "unknown bridge %q", parsed.GroupID)
	}
	var deviceIndex int
	if _, err := fmt.Sscanf(parsed.DeviceID, "%d", &deviceIndex); err != nil {
		return newErr(KindBadRequest, "malformed device id %q", parsed.DeviceID)
	}

	req := bridgeSetDeviceRequest{DeviceIndex: deviceIndex}
	if err := p.post(ctx, b, "/set-device", req, nil); err != nil {
		return newErr(KindUnavailable, "set-device on bridge %q: %v", b.ID, err)
	}

	p.mu.Lock()
	prevID := p.activeID
	var prevWorker *bridgeWorker
	if prevID != "" && prevID != b.ID {
		prevWorker = p.workers[prevID]
	}
	p.activeID = b.ID
	p.activeDevice = deviceIndex
	p.online = true
	p.mu.Unlock()

	if prevWorker != nil {
		prevWorker.quit()
	}
	p.workerFor(b.ID)
	return nil
}

func (p *BridgeProvider) activeBridge() (BridgeConfig, error) {
	p.mu.RLock()
	id := p.activeID
	p.mu.RUnlock()
	b, ok := p.bridgeByID(id)
	if !ok {
		return BridgeConfig{}, newErr(KindUnavailable, "no active bridge")
	}
	return b, nil
}

// StatusForOutput merges the remote bridge's HTTP status (underrun counters
// today, device-scoped) with the streaming worker's own view of now-playing
// state, which arrives over the wire as track-info/playback-pos frames
// rather than a second HTTP round trip.
func (p *BridgeProvider) StatusForOutput(ctx context.Context, parsed ParsedOutputID) (types.StatusResponse, error) {
	b, ok := p.bridgeByID(parsed.GroupID)
	if !ok {
		return types.StatusResponse{}, newErr(KindNotFound, "unknown bridge %q", parsed.GroupID)
	}
	status := p.workerFor(b.ID).snapshot()
	status.OutputID = fmt.Sprintf("bridge:%s:%s", b.ID, parsed.DeviceID)

	var resp bridgeStatusResponse
	if err := p.get(ctx, b, "/status", &resp); err == nil {
		status.Paused = resp.Paused
	}
	return status, nil
}

func (p *BridgeProvider) Play(ctx context.Context, path string, seekMs uint64, startPaused bool) error {
	b, err := p.activeBridge()
	if err != nil {
		return err
	}
	return p.workerFor(b.ID).play(ctx, path, seekMs, startPaused)
}

func (p *BridgeProvider) PauseToggle(ctx context.Context) error {
	b, err := p.activeBridge()
	if err != nil {
		return err
	}
	return p.workerFor(b.ID).pauseToggle(ctx)
}

func (p *BridgeProvider) Seek(ctx context.Context, ms uint64) error {
	b, err := p.activeBridge()
	if err != nil {
		return err
	}
	return p.workerFor(b.ID).seek(ctx, ms)
}

func (p *BridgeProvider) Stop(ctx context.Context) error {
	p.mu.RLock()
	activeID := p.activeID
	p.mu.RUnlock()
	if activeID == "" {
		return nil
	}
	return p.workerFor(activeID).stop(ctx)
}

func (p *BridgeProvider) fetchDevices(ctx context.Context, b BridgeConfig) ([]bridgeDeviceInfo, error) {
	var devices []bridgeDeviceInfo
	if err := p.get(ctx, b, "/devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (p *BridgeProvider) get(ctx context.Context, b BridgeConfig, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.HTTPAddr+path, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge %s returned %d", b.ID, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (p *BridgeProvider) post(ctx context.Context, b BridgeConfig, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.HTTPAddr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge %s returned %d", b.ID, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
