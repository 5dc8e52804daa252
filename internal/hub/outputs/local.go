package outputs

import (
	"context"
	"fmt"
	"sync"

	"github.com/drgolem/audio-bridge/internal/bridge/decode"
	"github.com/drgolem/audio-bridge/internal/bridge/device"
	"github.com/drgolem/audio-bridge/internal/hub/types"
	"github.com/drgolem/audio-bridge/pkg/queue"
	"github.com/drgolem/audio-bridge/pkg/resample"
	"github.com/drgolem/audio-bridge/pkg/source"
)

// LocalDevice is one PortAudio device reachable directly from the hub
// server's own process, addressed as local:<local-id>:<device-id>.
type LocalDevice struct {
	LocalID     string
	DeviceIndex int
	Name        string
	MaxChannels int
	SampleRate  float64
}

// LocalProvider plays directly to a device attached to the hub server's own
// host, reusing the bridge's decode -> resample -> device callback core
// (C5-C7) without any network hop. Grounded on local_provider.rs, which the
// original describes as sharing the bridge's playback core minus the
// transport.
type LocalProvider struct {
	devices []LocalDevice

	mu     sync.Mutex
	out    *device.Output
	active *LocalDevice
	cancel func()

	path          string // currently playing file, kept so Seek can restart decode at it
	baseFrames    uint64 // device-rate frame offset the current playback started at
	frameBaseline uint64 // out.PlayedFrames() value captured when the current playback started
}

// NewLocalProvider constructs a provider over the given locally attached
// devices.
func NewLocalProvider(devices []LocalDevice) *LocalProvider {
	return &LocalProvider{devices: devices}
}

func (p *LocalProvider) ID() string { return "local" }

func (p *LocalProvider) ListProviders() []types.ProviderInfo {
	return []types.ProviderInfo{{ID: "local", Kind: "local", Online: true}}
}

func (p *LocalProvider) ListOutputs() []types.OutputInfo {
	out := make([]types.OutputInfo, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, types.OutputInfo{
			ID:           fmt.Sprintf("local:%s:%d", d.LocalID, d.DeviceIndex),
			Name:         d.Name,
			ProviderID:   "local",
			Capabilities: types.OutputCapabilities{Channels: uint16(d.MaxChannels)},
			Online:       true,
		})
	}
	return out
}

func (p *LocalProvider) CanHandleOutputID(id string) bool {
	return len(id) > 6 && id[:6] == "local:"
}

func (p *LocalProvider) CanHandleProviderID(providerID string) bool { return providerID == "local" }

func (p *LocalProvider) InjectActiveIfMissing(out []types.OutputInfo) []types.OutputInfo { return out }

func (p *LocalProvider) EnsureActiveConnected(ctx context.Context) error { return nil }

func (p *LocalProvider) findDevice(parsed ParsedOutputID) (LocalDevice, error) {
	for _, d := range p.devices {
		if d.LocalID == parsed.GroupID && fmt.Sprintf("%d", d.DeviceIndex) == parsed.DeviceID {
			return d, nil
		}
	}
	return LocalDevice{}, newErr(KindNotFound, "unknown local device %q:%q", parsed.GroupID, parsed.DeviceID)
}

func (p *LocalProvider) SelectOutput(ctx context.Context, parsed ParsedOutputID, _ PriorState) error {
	d, err := p.findDevice(parsed)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out != nil {
		p.out.Close()
		p.out = nil
	}
	out, err := device.New(d.DeviceIndex, 1024, d.MaxChannels, d.SampleRate)
	if err != nil {
		return newErr(KindInternal, "open local device %q: %v", d.Name, err)
	}
	p.out = out
	p.active = &d
	return nil
}

func (p *LocalProvider) Play(ctx context.Context, path string, seekMs uint64, startPaused bool) error {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if out == nil {
		return newErr(KindUnavailable, "no local device selected")
	}

	p.mu.Lock()
	p.path = path
	p.mu.Unlock()

	p.startPlayback(out, path, seekMs)
	if startPaused {
		out.ClearSource()
	}
	return nil
}

// startPlayback launches decode(C5)->resample(C6) against path starting
// seekMs into the track and wires the resulting queue into out, cancelling
// whatever playback was previously in flight. Shared by Play and Seek so a
// mid-track seek restarts the pipeline the same way a fresh Play does.
func (p *LocalProvider) startPlayback(out *device.Output, path string, seekMs uint64) {
	ext := extOf(path)
	progress := source.NewProgress()
	progress.MarkDone() // the whole file already exists; nothing to wait on

	cancelled := make(chan struct{})
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = func() { close(cancelled) }
	p.baseFrames = seekMs * uint64(out.SampleRate()) / 1000
	p.frameBaseline = out.PlayedFrames()
	p.mu.Unlock()

	go func() {
		err := decode.RunSeek(ext, path, progress, func() bool {
			select {
			case <-cancelled:
				return true
			default:
				return false
			}
		}, seekMs, func(f decode.Format) *queue.SampleQueue {
			srcQueue := queue.New("local-decode-out", f.Channels, f.SampleRate*2)
			dstQueue := queue.New("local-resample-out", f.Channels, 1<<15)
			r := resample.New(f.SampleRate, int(out.SampleRate()), f.Channels)
			go resample.RunPipeline(r, srcQueue, dstQueue)
			out.SetSource(dstQueue, f.Channels)
			return srcQueue
		})
		_ = err
	}()
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return ""
}

func (p *LocalProvider) PauseToggle(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.out == nil {
		return newErr(KindUnavailable, "no local device selected")
	}
	p.out.ClearSource()
	return nil
}

func (p *LocalProvider) Seek(ctx context.Context, ms uint64) error {
	p.mu.Lock()
	out := p.out
	path := p.path
	p.mu.Unlock()
	if out == nil {
		return newErr(KindUnavailable, "no local device selected")
	}
	if path == "" {
		return newErr(KindBadRequest, "nothing playing to seek")
	}
	p.startPlayback(out, path, ms)
	return nil
}

func (p *LocalProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.out != nil {
		p.out.ClearSource()
	}
	return nil
}

func (p *LocalProvider) StatusForOutput(ctx context.Context, parsed ParsedOutputID) (types.StatusResponse, error) {
	p.mu.Lock()
	out := p.out
	baseFrames := p.baseFrames
	frameBaseline := p.frameBaseline
	p.mu.Unlock()
	if out == nil {
		return types.StatusResponse{}, newErr(KindUnavailable, "no local device selected")
	}
	playedSinceStart := out.PlayedFrames() - frameBaseline
	elapsedMs := (baseFrames + playedSinceStart) * 1000 / uint64(max1(int(out.SampleRate())))
	return types.StatusResponse{
		ElapsedMs: elapsedMs,
	}, nil
}

func max1(v int) int {
	if v <= 0 {
		return 1
	}
	return v
}
