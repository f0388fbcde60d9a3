package server

import (
	"testing"
	"time"
)

func TestLockoutTripsAtThreshold(t *testing.T) {
	lockout := NewEntityLockout(LimitConfig{MaxFailures: 3, FailureWindow: "1m", LockoutFor: "1m"})

	if lockout.RecordFailure("alice") {
		t.Fatal("first failure must not lock")
	}
	if lockout.RecordFailure("alice") {
		t.Fatal("second failure must not lock")
	}
	if !lockout.RecordFailure("alice") {
		t.Fatal("third failure must trip the lockout")
	}
	locked, until := lockout.Locked("alice")
	if !locked {
		t.Fatal("entity must be locked")
	}
	if !until.After(time.Now()) {
		t.Fatalf("locked_until must be in the future, got %v", until)
	}
}

func TestLockoutSuccessClearsFailures(t *testing.T) {
	lockout := NewEntityLockout(LimitConfig{MaxFailures: 2, FailureWindow: "1m", LockoutFor: "1m"})

	lockout.RecordFailure("alice")
	lockout.RecordSuccess("alice")
	if lockout.RecordFailure("alice") {
		t.Fatal("failure count must reset after a success")
	}
}

func TestLockoutIsPerEntity(t *testing.T) {
	lockout := NewEntityLockout(LimitConfig{MaxFailures: 1, FailureWindow: "1m", LockoutFor: "1m"})

	lockout.RecordFailure("alice")
	if locked, _ := lockout.Locked("bob"); locked {
		t.Fatal("bob must not be affected by alice's failures")
	}
}

func TestLockoutUnknownEntity(t *testing.T) {
	lockout := NewEntityLockout(DefaultServerConfig().Limits)
	if locked, _ := lockout.Locked("nobody"); locked {
		t.Fatal("unknown entity must not be locked")
	}
}
