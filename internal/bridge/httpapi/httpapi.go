// Package httpapi implements the bridge host's small HTTP control surface
// (GET /devices, GET /status, POST /set-device), the counterpart the hub
// server's BridgeProvider (internal/hub/outputs) polls and drives.
// Play/pause/seek/stop do not live here: they travel over the framed
// streaming protocol (pkg/protocol) the hub's bridgeWorker speaks directly
// to this bridge's receiver/controller (C4/C8), the same way the original
// keeps transport control off its HTTP surface. Grounded on
// bridge_provider.rs's expectations of what a bridge exposes, and styled
// after ManuGH-xg2g's chi router setup on the one other pack repo that
// serves HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/drgolem/audio-bridge/internal/bridge/device"
	"github.com/go-chi/chi/v5"

	"github.com/drgolem/go-portaudio/portaudio"
)

type deviceInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	MaxChannels int    `json:"max_channels"`
	MinRateHz   uint32 `json:"min_rate_hz"`
	MaxRateHz   uint32 `json:"max_rate_hz"`
}

type statusResponse struct {
	Paused     bool   `json:"paused"`
	ElapsedMs  uint64 `json:"elapsed_ms"`
	Underruns  uint64 `json:"underrun_events"`
}

// Server serves the bridge's control surface over the given always-open
// device.Output.
type Server struct {
	out    *device.Output
	router chi.Router
}

// New builds the bridge HTTP control surface router.
func New(out *device.Output) *Server {
	s := &Server{out: out}
	r := chi.NewRouter()
	r.Get("/devices", s.handleListDevices)
	r.Get("/status", s.handleStatus)
	r.Post("/set-device", s.handleSetDevice)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	count, err := portaudio.GetDeviceCount()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]deviceInfo, 0, count)
	for i := 0; i < count; i++ {
		info, err := portaudio.GetDeviceInfo(i)
		if err != nil {
			continue
		}
		out = append(out, deviceInfo{
			Index:       i,
			Name:        info.Name,
			MaxChannels: info.MaxOutputChannels,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Underruns: s.out.UnderrunEvents(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleSetDevice(w http.ResponseWriter, r *http.Request) {
	// The device index is fixed at bridge-serve startup in this pass;
	// runtime device switching would require reopening the PortAudio
	// stream, which device.Output does not yet support mid-session.
	http.Error(w, "runtime device switching is not supported", http.StatusNotImplemented)
}

