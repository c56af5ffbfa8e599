package shardclient

import (
	"testing"
	"time"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := NewBreaker(3, 2, time.Minute, time.Second)
	if !b.Allow() || b.State() != "closed" {
		t.Fatal("expected closed breaker to allow")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 2, time.Minute, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != "closed" {
		t.Fatal("should still be closed below threshold")
	}
	b.RecordFailure()
	if b.State() != "open" {
		t.Fatal("expected open after reaching failure threshold")
	}
	if b.Allow() {
		t.Fatal("open breaker within cooldown must reject")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(1, 1, time.Minute, 10*time.Millisecond)
	b.RecordFailure()
	if b.State() != "open" {
		t.Fatal("expected open")
	}
	time.Sleep(20 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("expected probe to be allowed past cooldown")
	}
	if b.State() != "half_open" {
		t.Fatal("expected half_open after cooldown elapses")
	}
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b := NewBreaker(1, 2, time.Minute, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow() // transitions to half-open
	b.RecordSuccess()
	if b.State() != "half_open" {
		t.Fatal("one success below threshold should remain half_open")
	}
	b.RecordSuccess()
	if b.State() != "closed" {
		t.Fatal("expected closed after reaching success threshold")
	}
}

func TestBreaker_FailureWhileHalfOpenReopens(t *testing.T) {
	b := NewBreaker(1, 2, time.Minute, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.RecordFailure()
	if b.State() != "open" {
		t.Fatal("expected failure during half_open to reopen the breaker")
	}
}

func TestBreaker_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	b := NewBreaker(3, 2, 15*time.Millisecond, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(30 * time.Millisecond) // both failures age out of the window
	b.RecordFailure()
	if b.State() != "closed" {
		t.Fatal("expected stale failures outside the sliding window to be dropped, not accumulate toward the threshold")
	}
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != "open" {
		t.Fatal("expected three failures inside the window to reach the threshold")
	}
}
