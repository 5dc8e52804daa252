// Package library implements the path-resolution and listing surface C13
// relies on: it resolves client-supplied relative paths against the
// library root, rejecting anything that escapes it, and lists directory
// entries on demand. Grounded on library.rs's scan_library/canonicalize
// root-confinement check; full metadata probing/indexing (TrackMeta,
// CoverArt, musicbrainz lookups) is explicitly out of core scope per
// spec.md §6 "Metadata read endpoints ... treated as external collaborator".
package library

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drgolem/audio-bridge/internal/hub/types"
)

// ErrOutsideRoot is returned when a resolved path would escape the root.
var ErrOutsideRoot = fmt.Errorf("path escapes library root")

// Library resolves and lists paths under a fixed root directory.
type Library struct {
	root string
}

// New builds a Library rooted at root, which must already exist.
func New(root string) (*Library, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve library root %q: %w", root, err)
	}
	return &Library{root: resolved}, nil
}

// Root returns the resolved absolute library root.
func (l *Library) Root() string { return l.root }

// Resolve joins a client-supplied relative path against the root and
// rejects the result if it would land outside the root (e.g. via "..").
func (l *Library) Resolve(relPath string) (string, error) {
	joined := filepath.Join(l.root, relPath)
	rel, err := filepath.Rel(l.root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return joined, nil
}

// List returns the immediate entries of dir (relative to the root).
func (l *Library) List(relDir string) ([]types.LibraryEntry, error) {
	dir, err := l.Resolve(relDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]types.LibraryEntry, 0, len(entries))
	for _, e := range entries {
		rel, err := filepath.Rel(l.root, filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, types.LibraryEntry{Path: rel, IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

var audioExts = map[string]bool{
	".mp3": true, ".flac": true, ".wav": true, ".ogg": true,
}

// Rescan walks the whole library root and returns every audio file found,
// relative to the root; used by POST /library/rescan to refresh cached
// listings (the metadata side-effects scan_library_with_meta performs in
// the original are out of core scope here).
func (l *Library) Rescan() ([]types.LibraryEntry, error) {
	var out []types.LibraryEntry
	err := filepath.WalkDir(l.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !audioExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return nil
		}
		out = append(out, types.LibraryEntry{Path: rel, IsDir: false})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
