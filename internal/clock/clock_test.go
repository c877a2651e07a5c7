package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresDueWaiters(t *testing.T) {
	f := NewFake()
	short := f.After(time.Second)
	long := f.After(time.Minute)

	f.Advance(2 * time.Second)
	select {
	case <-short:
	default:
		t.Fatal("1s waiter did not fire after 2s advance")
	}
	select {
	case <-long:
		t.Fatal("1m waiter fired early")
	default:
	}

	f.Advance(time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("1m waiter did not fire")
	}
}

func TestFakeNowAndSince(t *testing.T) {
	f := NewFake()
	start := f.Now()
	f.Advance(90 * time.Second)
	if got := f.Since(start); got != 90*time.Second {
		t.Fatalf("Since = %s, want 90s", got)
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	f := NewFake()
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}
