// Package types holds the data shapes shared across the hub server's
// session registry, output providers, playback manager, and HTTP frontend
// (C9-C13), so no package needs to import another package's internals just
// to read a struct field.
package types

import "time"

// QueueMode controls how a /play request affects a session's queue.
type QueueMode string

const (
	QueueModeKeep    QueueMode = "keep"
	QueueModeReplace QueueMode = "replace"
	QueueModeAppend  QueueMode = "append"
)

// SupportedRates is a provider-advertised sample-rate capability range.
type SupportedRates struct {
	MinHz uint32 `json:"min_hz"`
	MaxHz uint32 `json:"max_hz"`
}

// NormalizeSupportedRates drops a rate range that cannot possibly be real:
// zero bounds, an inverted range, or an unbounded max. Returns ok=false when
// the range should be omitted from a listing entirely.
func NormalizeSupportedRates(minHz, maxHz uint32) (SupportedRates, bool) {
	if minHz == 0 || maxHz == 0 || maxHz < minHz || maxHz == ^uint32(0) {
		return SupportedRates{}, false
	}
	return SupportedRates{MinHz: minHz, MaxHz: maxHz}, true
}

// OutputCapabilities describes what a device can do, surfaced to clients
// choosing between outputs.
type OutputCapabilities struct {
	Channels       uint16          `json:"channels"`
	SupportedRates *SupportedRates `json:"supported_rates,omitempty"`
	BitrateKbps    *uint32         `json:"bitrate_kbps,omitempty"`
}

// EstimateBitrateKbps derives a rough bitrate estimate from a file size and
// known duration; returns ok=false when either input is missing or zero.
func EstimateBitrateKbps(fileSizeBytes int64, durationMs uint64) (uint32, bool) {
	if fileSizeBytes <= 0 || durationMs == 0 {
		return 0, false
	}
	kbps := (fileSizeBytes * 8 * 1000) / int64(durationMs) / 1000
	if kbps <= 0 {
		return 0, false
	}
	return uint32(kbps), true
}

// OutputInfo describes one selectable output exposed by a provider.
type OutputInfo struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	ProviderID   string             `json:"provider_id"`
	Capabilities OutputCapabilities `json:"capabilities"`
	Online       bool               `json:"online"`
}

// ShortDeviceID truncates an over-long id for display, keeping enough of
// both ends to stay recognizable: ids over 48 characters become
// "head[:32]...tail[-12:]".
func ShortDeviceID(id string) string {
	const maxLen = 48
	if len(id) <= maxLen {
		return id
	}
	return id[:32] + "..." + id[len(id)-12:]
}

// ProviderInfo describes one output provider kind.
type ProviderInfo struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Online bool   `json:"online"`
}

// StatusResponse is the unified now-playing snapshot returned by
// GET /outputs/{id}/status and backed into session status.
type StatusResponse struct {
	OutputID    string  `json:"output_id,omitempty"`
	NowPlaying  string  `json:"now_playing,omitempty"`
	Paused      bool    `json:"paused"`
	ElapsedMs   uint64  `json:"elapsed_ms"`
	DurationMs  *uint64 `json:"duration_ms,omitempty"`
	HasPrevious bool    `json:"has_previous"`
	SourceCodec string  `json:"source_codec,omitempty"`
	Resampled   bool    `json:"resampled"`
}

// LibraryEntry is one file or directory entry under the library root.
type LibraryEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// Session is one registered client session (TUI instance, cast sender,
// browser tab) tracked by the session registry (C10).
type Session struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Mode           string    `json:"mode"`
	ClientID       string    `json:"client_id"`
	AppVersion     string    `json:"app_version,omitempty"`
	Owner          string    `json:"owner,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastSeen       time.Time `json:"last_seen"`
	TTL            time.Duration `json:"-"`
	HeartbeatState string    `json:"heartbeat_state,omitempty"`
	BatteryPercent *int      `json:"battery_percent,omitempty"`
	ActiveOutputID string    `json:"active_output_id,omitempty"`

	Queue   []string `json:"queue"`
	History []string `json:"history"`
}

// Clone returns a deep-enough copy safe to hand out of the registry's lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Queue = append([]string(nil), s.Queue...)
	c.History = append([]string(nil), s.History...)
	return &c
}
