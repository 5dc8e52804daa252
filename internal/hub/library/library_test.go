package library

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
}

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	mustMkdirAll(t, filepath.Dir(path))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveRejectsPathsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "a.flac"), []byte("x"))

	lib, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := lib.Resolve("a.flac"); err != nil {
		t.Fatalf("expected in-root path to resolve, got %v", err)
	}

	_, err = lib.Resolve("../outside.flac")
	if !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}

	_, err = lib.Resolve("sub/../../outside.flac")
	if !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot for nested escape, got %v", err)
	}
}

func TestListReturnsSortedImmediateEntries(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "b.flac"), []byte("x"))
	mustWriteFile(t, filepath.Join(root, "a.flac"), []byte("x"))
	mustMkdirAll(t, filepath.Join(root, "subdir"))

	lib, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	entries, err := lib.List(".")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Path != "a.flac" || entries[1].Path != "b.flac" || entries[2].Path != "subdir" {
		t.Fatalf("expected sorted entries, got %+v", entries)
	}
	if !entries[2].IsDir {
		t.Fatalf("expected subdir to be marked as a directory")
	}
}

func TestListRejectsEscapingDir(t *testing.T) {
	root := t.TempDir()
	mustMkdirAll(t, root)

	lib, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := lib.List("../../etc"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
}

func TestRescanFindsAudioFilesOnly(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "track1.mp3"), []byte("x"))
	mustWriteFile(t, filepath.Join(root, "nested", "track2.flac"), []byte("x"))
	mustWriteFile(t, filepath.Join(root, "cover.jpg"), []byte("x"))
	mustWriteFile(t, filepath.Join(root, "readme.txt"), []byte("x"))

	lib, err := New(root)
	if err != nil {
		t.Fatal(err)
	}

	entries, err := lib.Rescan()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audio entries, got %d: %+v", len(entries), entries)
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.Path] = true
	}
	if !seen["track1.mp3"] || !seen[filepath.Join("nested", "track2.flac")] {
		t.Fatalf("expected both audio files present, got %+v", entries)
	}
}
