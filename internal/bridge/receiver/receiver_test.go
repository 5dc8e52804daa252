package receiver

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/drgolem/audio-bridge/pkg/protocol"
)

func dialPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return c, <-acceptCh
}

func TestBeginFileCreatesSessionImmediately(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()

	spoolDir := t.TempDir()
	sessions, err := RunOneClient(server, spoolDir)
	if err != nil {
		t.Fatal(err)
	}

	if err := protocol.WritePrelude(client); err != nil {
		t.Fatal(err)
	}
	if err := protocol.ReadPrelude(client); err != nil {
		t.Fatal(err)
	}
	if err := protocol.WriteFrame(client, protocol.KindBeginFile, protocol.EncodeBeginFile("flac")); err != nil {
		t.Fatal(err)
	}

	select {
	case sess := <-sessions:
		if sess.Ext != "flac" {
			t.Fatalf("expected ext flac, got %q", sess.Ext)
		}
		if _, err := os.Stat(sess.Path); err != nil {
			t.Fatalf("spool file not created: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session not emitted in time")
	}
}

func TestFileChunksAdvanceProgress(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()

	spoolDir := t.TempDir()
	sessions, err := RunOneClient(server, spoolDir)
	if err != nil {
		t.Fatal(err)
	}
	protocol.WritePrelude(client)
	protocol.ReadPrelude(client)
	protocol.WriteFrame(client, protocol.KindBeginFile, protocol.EncodeBeginFile("wav"))

	sess := <-sessions
	protocol.WriteFrame(client, protocol.KindFileChunk, []byte("abcdef"))

	deadline := time.After(time.Second)
	for sess.Progress.BytesWritten() < 6 {
		select {
		case <-deadline:
			t.Fatal("progress did not advance in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNextHardCutsBackToIdle(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()

	spoolDir := t.TempDir()
	sessions, err := RunOneClient(server, spoolDir)
	if err != nil {
		t.Fatal(err)
	}
	protocol.WritePrelude(client)
	protocol.ReadPrelude(client)

	protocol.WriteFrame(client, protocol.KindBeginFile, protocol.EncodeBeginFile("mp3"))
	first := <-sessions
	protocol.WriteFrame(client, protocol.KindNext, nil)

	protocol.WriteFrame(client, protocol.KindBeginFile, protocol.EncodeBeginFile("flac"))
	second := <-sessions

	time.Sleep(50 * time.Millisecond)
	if !first.Cancelled() {
		t.Fatal("expected first session to be cancelled after next")
	}
	if second.Ext != "flac" {
		t.Fatalf("expected second session ext flac, got %q", second.Ext)
	}
}

func TestImplicitBeginFileHardCutsAndStartsNewSession(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()

	spoolDir := t.TempDir()
	sessions, err := RunOneClient(server, spoolDir)
	if err != nil {
		t.Fatal(err)
	}
	protocol.WritePrelude(client)
	protocol.ReadPrelude(client)

	protocol.WriteFrame(client, protocol.KindBeginFile, protocol.EncodeBeginFile("mp3"))
	first := <-sessions

	// No Next this time: begin-file arrives directly, an implicit hard cut.
	protocol.WriteFrame(client, protocol.KindBeginFile, protocol.EncodeBeginFile("wav"))

	select {
	case second := <-sessions:
		if second.Ext != "wav" {
			t.Fatalf("expected implicit-cut session ext wav, got %q", second.Ext)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("implicit begin-file did not start a new session")
	}

	time.Sleep(50 * time.Millisecond)
	if !first.Cancelled() {
		t.Fatal("expected first session cancelled by implicit cut")
	}
}

func TestConnectionCloseCancelsSession(t *testing.T) {
	client, server := dialPair(t)

	spoolDir := t.TempDir()
	sessions, err := RunOneClient(server, spoolDir)
	if err != nil {
		t.Fatal(err)
	}
	protocol.WritePrelude(client)
	protocol.ReadPrelude(client)
	protocol.WriteFrame(client, protocol.KindBeginFile, protocol.EncodeBeginFile("flac"))
	sess := <-sessions

	client.Close()

	deadline := time.After(time.Second)
	for !sess.Progress.IsDone() {
		select {
		case <-deadline:
			t.Fatal("session not marked done after connection close")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !sess.Cancelled() {
		t.Fatal("expected session cancelled after connection close")
	}
}

func TestCleanupTempFilesRemovesOnlySpoolFiles(t *testing.T) {
	dir := t.TempDir()
	spoolFile := dir + "/audio-bridge-stream-123.bin"
	otherFile := dir + "/keep-me.txt"
	if err := os.WriteFile(spoolFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(otherFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CleanupTempFiles(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(spoolFile); !os.IsNotExist(err) {
		t.Fatal("expected spool file to be removed")
	}
	if _, err := os.Stat(otherFile); err != nil {
		t.Fatal("expected non-spool file to survive cleanup")
	}
}
