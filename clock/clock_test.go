package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(10 * time.Minute)
	if f.Waiters() != 1 {
		t.Fatalf("waiters = %d, want 1", f.Waiters())
	}

	f.Advance(5 * time.Minute)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	f.Advance(5 * time.Minute)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(10 * time.Minute)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("did not fire at deadline")
	}
	if f.Waiters() != 0 {
		t.Errorf("waiters = %d after firing, want 0", f.Waiters())
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeBlockUntil(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.After(time.Second)
	}()
	if !f.BlockUntil(1, time.Second) {
		t.Fatal("BlockUntil timed out")
	}
	if f.BlockUntil(2, 20*time.Millisecond) {
		t.Fatal("BlockUntil(2) should time out")
	}
}
