package api_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pkt.systems/gridlock/api"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("lock: %w", api.Errorf(api.KindServerRejected, "lock", "already locked by %s", "bob"))
	if !errors.Is(err, api.ErrServerRejected) {
		t.Fatalf("expected ErrServerRejected match")
	}
	if errors.Is(err, api.ErrNotConnected) {
		t.Fatalf("unexpected ErrNotConnected match")
	}
	if got := api.KindOf(err); got != api.KindServerRejected {
		t.Fatalf("KindOf = %q", got)
	}
	if got := api.ServerMessage(err); got != "already locked by bob" {
		t.Fatalf("ServerMessage = %q", got)
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := api.Wrap(api.KindNetworkUnreachable, "connect", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	want := "gridlock: network_unreachable (connect): connection refused"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if api.KindOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty kind for foreign errors")
	}
}

func TestLockAcquired(t *testing.T) {
	l := api.Lock{Time: 1700000000.5}
	got := l.Acquired()
	if got.Unix() != 1700000000 || got.Nanosecond() != 500000000 {
		t.Fatalf("Acquired = %v", got)
	}
}

func TestGridInfoAge(t *testing.T) {
	acquired := time.Unix(1700000000, 0).UTC()
	info := api.GridInfo{Computer: "hostA", Username: "alice", Acquired: acquired}
	if got := info.Age(acquired.Add(3 * time.Minute)); got != "3 minutes ago" {
		t.Fatalf("Age = %q", got)
	}
	if got := (api.GridInfo{}).Age(acquired); got != "" {
		t.Fatalf("unlocked Age = %q", got)
	}
}
