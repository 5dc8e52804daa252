// Package outputs implements the output provider interface (C9): a sealed
// set of provider kinds (bridge, cast, local) behind one interface, plus
// the selection algorithm common to all of them. Grounded on
// output_providers/{bridge,cast,local}_provider.rs and output_controller.rs
// from the original Rust hub server: each provider variant owns its own
// worker/transport, dispatched through this package rather than a single
// mutable global dispatcher, per spec.md §9 "Dynamic dispatch between
// providers".
package outputs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drgolem/audio-bridge/internal/hub/types"
)

// ErrorKind classifies a provider failure the way spec.md §7 names error
// kinds semantically rather than by Go type.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota
	KindConflict
	KindUnavailable
	KindBadRequest
	KindInternal
)

// ProviderError is returned by every OutputProvider operation that can fail.
type ProviderError struct {
	Kind ErrorKind
	Msg  string
}

func (e *ProviderError) Error() string { return e.Msg }

func newErr(kind ErrorKind, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ParsedOutputID is an output id split into its provider kind and
// addressing components, per the grammar in spec.md §6:
// "bridge:<bridge-id>:<device-id>" | "cast:<device-id>" | "local:<local-id>:<device-id>",
// with an optional ":pending" suffix marking an unresolved output.
type ParsedOutputID struct {
	Kind      string // "bridge", "cast", "local"
	GroupID   string // bridge-id or local-id; empty for cast
	DeviceID  string
	Pending   bool
}

// ParseOutputID validates and splits an output id string.
func ParseOutputID(id string) (ParsedOutputID, error) {
	pending := false
	if strings.HasSuffix(id, ":pending") {
		pending = true
		id = strings.TrimSuffix(id, ":pending")
	}
	parts := strings.Split(id, ":")
	switch {
	case len(parts) == 2 && parts[0] == "cast":
		return ParsedOutputID{Kind: "cast", DeviceID: parts[1], Pending: pending}, nil
	case len(parts) == 3 && (parts[0] == "bridge" || parts[0] == "local"):
		return ParsedOutputID{Kind: parts[0], GroupID: parts[1], DeviceID: parts[2], Pending: pending}, nil
	default:
		return ParsedOutputID{}, newErr(KindBadRequest, "malformed output id %q", id)
	}
}

// PriorState captures the in-flight now-playing state of a session's
// previous output, to be replayed on the new output after a switch (step 3
// and 8 of the selection algorithm).
type PriorState struct {
	HasTrack  bool
	Path      string
	ElapsedMs uint64
	Paused    bool
}

// OutputProvider is the sealed interface every provider kind implements.
// Context is threaded through every async operation so the HTTP frontend
// can bound how long it waits on a slow bridge/cast transport.
type OutputProvider interface {
	ID() string
	ListProviders() []types.ProviderInfo
	ListOutputs() []types.OutputInfo
	CanHandleOutputID(id string) bool
	CanHandleProviderID(providerID string) bool
	InjectActiveIfMissing(outputs []types.OutputInfo) []types.OutputInfo
	EnsureActiveConnected(ctx context.Context) error
	SelectOutput(ctx context.Context, parsed ParsedOutputID, prior PriorState) error
	StatusForOutput(ctx context.Context, parsed ParsedOutputID) (types.StatusResponse, error)
	Play(ctx context.Context, path string, seekMs uint64, startPaused bool) error
	PauseToggle(ctx context.Context) error
	Seek(ctx context.Context, ms uint64) error
	Stop(ctx context.Context) error
}

// Registry dispatches output ids to the provider that can handle them and
// runs the common selection algorithm (spec.md §4.9).
type Registry struct {
	mu        sync.RWMutex
	providers []OutputProvider

	activeProviderID string
	activeOutputID   string
}

// New builds a registry over the given providers, in priority order for
// ties (there should be none, since ids are disjoint by prefix).
func New(providers ...OutputProvider) *Registry {
	return &Registry{providers: providers}
}

func (r *Registry) providerFor(id string) (OutputProvider, error) {
	for _, p := range r.providers {
		if p.CanHandleOutputID(id) {
			return p, nil
		}
	}
	return nil, newErr(KindNotFound, "no provider handles output id %q", id)
}

// ListProviders aggregates provider listings across all providers.
func (r *Registry) ListProviders() []types.ProviderInfo {
	var out []types.ProviderInfo
	for _, p := range r.providers {
		out = append(out, p.ListProviders()...)
	}
	return out
}

// ListOutputs aggregates output listings across all providers, including
// the active output injected if a provider's own inventory lost track of it.
func (r *Registry) ListOutputs() []types.OutputInfo {
	var out []types.OutputInfo
	for _, p := range r.providers {
		out = append(out, p.InjectActiveIfMissing(p.ListOutputs())...)
	}
	return out
}

// OutputsForProvider lists outputs exposed by one named provider.
func (r *Registry) OutputsForProvider(providerID string) ([]types.OutputInfo, error) {
	for _, p := range r.providers {
		if p.CanHandleProviderID(providerID) {
			return p.ListOutputs(), nil
		}
	}
	return nil, newErr(KindNotFound, "unknown provider %q", providerID)
}

// ActiveOutputID returns the currently selected output id, if any.
func (r *Registry) ActiveOutputID() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeOutputID, r.activeOutputID != ""
}

// SelectOutput implements the eight-step selection algorithm common to all
// providers (spec.md §4.9): validate, resolve, capture prior state, stop
// the previous pipeline (switching workers if the provider changed),
// switch device, update shared state, ensure the new provider is
// connected within a bounded wait, then replay any prior now-playing.
func (r *Registry) SelectOutput(ctx context.Context, outputID string, prior PriorState) error {
	parsed, err := ParseOutputID(outputID)
	if err != nil {
		return err
	}
	if parsed.Pending {
		return newErr(KindBadRequest, "output %q is pending and cannot be selected", outputID)
	}

	newProvider, err := r.providerFor(outputID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	prevOutputID := r.activeOutputID
	r.mu.Unlock()

	if prevOutputID != "" {
		if prevProvider, perr := r.providerFor(prevOutputID); perr == nil {
			_ = prevProvider.Stop(ctx)
		}
	}

	if err := newProvider.SelectOutput(ctx, parsed, prior); err != nil {
		return err
	}

	r.mu.Lock()
	r.activeProviderID = newProvider.ID()
	r.activeOutputID = outputID
	r.mu.Unlock()

	boundCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := newProvider.EnsureActiveConnected(boundCtx); err != nil {
		return err
	}

	if prior.HasTrack {
		if err := newProvider.Play(ctx, prior.Path, prior.ElapsedMs, prior.Paused); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch runs fn against the provider currently bound to outputID.
func (r *Registry) Dispatch(outputID string, fn func(OutputProvider) error) error {
	p, err := r.providerFor(outputID)
	if err != nil {
		return err
	}
	return fn(p)
}

var ErrNoActiveOutput = errors.New("no active output selected")

// StatusForActive fetches status from whichever provider currently holds
// the active output, or ErrNoActiveOutput if none is selected.
func (r *Registry) StatusForActive(ctx context.Context) (types.StatusResponse, error) {
	r.mu.RLock()
	outputID := r.activeOutputID
	r.mu.RUnlock()
	if outputID == "" {
		return types.StatusResponse{}, ErrNoActiveOutput
	}
	parsed, err := ParseOutputID(outputID)
	if err != nil {
		return types.StatusResponse{}, err
	}
	p, err := r.providerFor(outputID)
	if err != nil {
		return types.StatusResponse{}, err
	}
	return p.StatusForOutput(ctx, parsed)
}
