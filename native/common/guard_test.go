package common

import (
	"errors"
	"testing"
)

func TestGuardNilViewAllows(t *testing.T) {
	if err := Guard(nil, "lending"); err != nil {
		t.Fatalf("expected nil view to allow, got %v", err)
	}
}

func TestGuardReportsPausedName(t *testing.T) {
	pauses := PauseSet{"borrow": true}
	if err := Guard(pauses, "lending", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := Guard(pauses, "lending", "borrow")
	if !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err.Error() != "module paused: borrow" {
		t.Fatalf("unexpected message: %s", err)
	}
}
