package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	svc, err := New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestAcquireMigrationVMGrantsUncontendedLock(t *testing.T) {
	svc := newTestService(t)

	lease, err := svc.AcquireMigrationVM(context.Background(), "vm1", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("AcquireMigrationVM() error = %v", err)
	}
	if lease == nil {
		t.Fatal("AcquireMigrationVM() returned nil lease with nil error")
	}
}

func TestAcquireMigrationVMTimesOutWhileHeld(t *testing.T) {
	svc := newTestService(t)

	lease, err := svc.AcquireMigrationVM(context.Background(), "vm1", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("first AcquireMigrationVM() error = %v", err)
	}
	defer lease.Release(context.Background())

	_, err = svc.AcquireMigrationVM(context.Background(), "vm1", time.Minute, 250*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("second AcquireMigrationVM() error = %v, want ErrTimeout", err)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	svc := newTestService(t)

	lease, err := svc.AcquireMigrationVM(context.Background(), "vm1", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("AcquireMigrationVM() error = %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	if _, err := svc.AcquireMigrationVM(context.Background(), "vm1", time.Minute, time.Second); err != nil {
		t.Fatalf("AcquireMigrationVM() after release error = %v, want to succeed", err)
	}
}

func TestReleaseCannotStealANewerHoldersLock(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	svc, err := New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	// Simulate a lease whose TTL already expired and was reacquired by a
	// different holder: the stale lease's token no longer matches the key.
	stale, err := svc.AcquireMigrationVM(context.Background(), "vm1", 50*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("AcquireMigrationVM() error = %v", err)
	}
	mr.FastForward(100 * time.Millisecond) // miniredis TTLs only advance on FastForward

	fresh, err := svc.AcquireMigrationVM(context.Background(), "vm1", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("reacquire after expiry error = %v", err)
	}

	if err := stale.Release(context.Background()); err != nil {
		t.Fatalf("stale Release() error = %v", err)
	}

	// The fresh holder's lock must still be held: releasing the stale lease
	// must not have deleted it.
	if _, err := svc.AcquireMigrationVM(context.Background(), "vm1", time.Minute, 100*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("AcquireMigrationVM() after stale release error = %v, want ErrTimeout (fresh lease must still hold)", err)
	}

	fresh.Release(context.Background())
}
