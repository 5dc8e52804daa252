package sessions

import (
	"errors"
	"testing"
	"time"
)

func TestCreateOrRefreshUpsertsByModeClient(t *testing.T) {
	r := New()
	defer r.Close()

	a := r.CreateOrRefresh("kitchen", "tui", "client-1", "1.0", "alice", 30*time.Second)
	b := r.CreateOrRefresh("kitchen-renamed", "tui", "client-1", "1.1", "alice", 30*time.Second)

	if a.ID != b.ID {
		t.Fatalf("expected refresh to reuse session id, got %s and %s", a.ID, b.ID)
	}
	if b.Name != "kitchen-renamed" {
		t.Fatalf("expected refreshed name, got %q", b.Name)
	}

	c := r.CreateOrRefresh("office", "tui", "client-2", "1.0", "bob", 30*time.Second)
	if c.ID == a.ID {
		t.Fatalf("expected a distinct client_id to create a new session")
	}
}

func TestCreateOrRefreshClampsTTL(t *testing.T) {
	r := New()
	defer r.Close()

	tooShort := r.CreateOrRefresh("n", "tui", "c1", "1.0", "o", time.Second)
	if tooShort.TTL != minTTL {
		t.Fatalf("expected TTL clamped to min %v, got %v", minTTL, tooShort.TTL)
	}

	tooLong := r.CreateOrRefresh("n", "tui", "c2", "1.0", "o", time.Hour)
	if tooLong.TTL != maxTTL {
		t.Fatalf("expected TTL clamped to max %v, got %v", maxTTL, tooLong.TTL)
	}

	zero := r.CreateOrRefresh("n", "tui", "c3", "1.0", "o", 0)
	if zero.TTL != defaultTTL {
		t.Fatalf("expected zero TTL to use default %v, got %v", defaultTTL, zero.TTL)
	}
}

func TestBindOutputConflictWithoutForce(t *testing.T) {
	r := New()
	defer r.Close()

	s1 := r.CreateOrRefresh("n1", "tui", "c1", "1.0", "o", 30*time.Second)
	s2 := r.CreateOrRefresh("n2", "tui", "c2", "1.0", "o", 30*time.Second)

	if _, err := r.BindOutput(s1.ID, "bridge:kitchen:dac0", false); err != nil {
		t.Fatalf("first bind should succeed: %v", err)
	}

	_, err := r.BindOutput(s2.ID, "bridge:kitchen:dac0", false)
	var inUse *OutputInUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("expected *OutputInUseError, got %v", err)
	}
	if inUse.HeldBySession != s1.ID {
		t.Fatalf("expected holder %s, got %s", s1.ID, inUse.HeldBySession)
	}
	if !errors.Is(err, ErrOutputInUse) {
		t.Fatalf("expected errors.Is to match ErrOutputInUse")
	}
}

func TestBindOutputForceSteals(t *testing.T) {
	r := New()
	defer r.Close()

	s1 := r.CreateOrRefresh("n1", "tui", "c1", "1.0", "o", 30*time.Second)
	s2 := r.CreateOrRefresh("n2", "tui", "c2", "1.0", "o", 30*time.Second)

	if _, err := r.BindOutput(s1.ID, "bridge:kitchen:dac0", false); err != nil {
		t.Fatalf("first bind should succeed: %v", err)
	}

	if _, err := r.BindOutput(s2.ID, "bridge:kitchen:dac0", true); err != nil {
		t.Fatalf("forced bind should succeed: %v", err)
	}

	got1, err := r.Get(s1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got1.ActiveOutputID != "" {
		t.Fatalf("expected stolen-from session to lose its active output, got %q", got1.ActiveOutputID)
	}

	bound, err := r.RequireBoundOutput(s2.ID)
	if err != nil {
		t.Fatalf("expected s2 to hold the output: %v", err)
	}
	if bound != "bridge:kitchen:dac0" {
		t.Fatalf("unexpected bound output %q", bound)
	}
}

func TestRollbackRestoresPriorState(t *testing.T) {
	r := New()
	defer r.Close()

	s1 := r.CreateOrRefresh("n1", "tui", "c1", "1.0", "o", 30*time.Second)
	s2 := r.CreateOrRefresh("n2", "tui", "c2", "1.0", "o", 30*time.Second)

	if _, err := r.BindOutput(s1.ID, "bridge:kitchen:dac0", false); err != nil {
		t.Fatal(err)
	}

	bind, err := r.BindOutput(s2.ID, "bridge:kitchen:dac0", true)
	if err != nil {
		t.Fatal(err)
	}

	r.Rollback(bind)

	got2, err := r.Get(s2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got2.ActiveOutputID != "" {
		t.Fatalf("expected s2's bind to be undone, got %q", got2.ActiveOutputID)
	}

	bound, err := r.RequireBoundOutput(s1.ID)
	if err != nil {
		t.Fatalf("expected s1 to regain its lock after rollback: %v", err)
	}
	if bound != "bridge:kitchen:dac0" {
		t.Fatalf("unexpected restored output %q", bound)
	}
}

func TestRequireBoundOutputErrors(t *testing.T) {
	r := New()
	defer r.Close()

	if _, err := r.RequireBoundOutput("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	s := r.CreateOrRefresh("n", "tui", "c1", "1.0", "o", 30*time.Second)
	if _, err := r.RequireBoundOutput(s.ID); !errors.Is(err, ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput, got %v", err)
	}
}

func TestQueueOperations(t *testing.T) {
	r := New()
	defer r.Close()

	s := r.CreateOrRefresh("n", "tui", "c1", "1.0", "o", 30*time.Second)

	if err := r.QueueAddPaths(s.ID, []string{"a.flac", "b.flac"}); err != nil {
		t.Fatal(err)
	}
	if err := r.QueueAddNextPaths(s.ID, []string{"urgent.flac"}); err != nil {
		t.Fatal(err)
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"urgent.flac", "a.flac", "b.flac"}
	if !equalStrings(got.Queue, want) {
		t.Fatalf("expected queue %v, got %v", want, got.Queue)
	}

	next, ok, err := r.QueueNextPath(s.ID)
	if err != nil || !ok {
		t.Fatalf("expected next path, err=%v ok=%v", err, ok)
	}
	if next != "urgent.flac" {
		t.Fatalf("expected urgent.flac, got %s", next)
	}

	prev, ok, err := r.QueuePreviousPath(s.ID, next)
	if err != nil || !ok {
		t.Fatalf("expected a previous path from history, err=%v ok=%v", err, ok)
	}
	_ = prev
}

func TestQueuePlayFromDedupes(t *testing.T) {
	r := New()
	defer r.Close()

	s := r.CreateOrRefresh("n", "tui", "c1", "1.0", "o", 30*time.Second)
	if err := r.QueueAddPaths(s.ID, []string{"a.flac", "b.flac", "c.flac"}); err != nil {
		t.Fatal(err)
	}
	if err := r.QueuePlayFrom(s.ID, "b.flac"); err != nil {
		t.Fatal(err)
	}

	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"b.flac", "a.flac", "c.flac"}
	if !equalStrings(got.Queue, want) {
		t.Fatalf("expected queue %v, got %v", want, got.Queue)
	}
}

func TestSweepExpiredReleasesLockAndDeletesSession(t *testing.T) {
	r := New()
	defer r.Close()

	s := r.CreateOrRefresh("n", "tui", "c1", "1.0", "o", minTTL)
	if _, err := r.BindOutput(s.ID, "bridge:kitchen:dac0", false); err != nil {
		t.Fatal(err)
	}

	r.sweepExpired(time.Now().Add(2 * minTTL))

	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected session to be swept away, got err=%v", err)
	}

	other := r.CreateOrRefresh("n2", "tui", "c2", "1.0", "o", 30*time.Second)
	if _, err := r.BindOutput(other.ID, "bridge:kitchen:dac0", false); err != nil {
		t.Fatalf("expected the lock to have been released by the sweep: %v", err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
