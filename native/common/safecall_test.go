package common

import (
	"errors"
	"testing"
	"time"
)

func TestSafeCallValuePassesResultThrough(t *testing.T) {
	out, err := SafeCallValue(time.Second, func() (int, error) {
		return 42, nil
	})
	if err != nil || out != 42 {
		t.Fatalf("got %d (%v), want 42", out, err)
	}
}

func TestSafeCallValueWrapsCalleeErrors(t *testing.T) {
	_, err := SafeCallValue(time.Second, func() (int, error) {
		return 0, errors.New("model said no")
	})
	if !errors.Is(err, ErrFault) {
		t.Fatalf("got %v, want a fault wrapping the callee's error", err)
	}
}

func TestSafeCallValueContainsPanics(t *testing.T) {
	_, err := SafeCallValue(time.Second, func() (int, error) {
		panic("boom")
	})
	if !errors.Is(err, ErrFault) {
		t.Fatalf("got %v, want ErrFault", err)
	}
}

func TestSafeCallValueEnforcesBudget(t *testing.T) {
	start := time.Now()
	_, err := SafeCallValue(20*time.Millisecond, func() (int, error) {
		time.Sleep(2 * time.Second)
		return 1, nil
	})
	if !errors.Is(err, ErrFault) {
		t.Fatalf("got %v, want ErrFault", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("caller blocked %v, the budget must bound the wait", elapsed)
	}
}

func TestSafeCallRunsPlainActions(t *testing.T) {
	ran := false
	if err := SafeCall(time.Second, func() error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Fatalf("action ran=%v err=%v", ran, err)
	}
}
