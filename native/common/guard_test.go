package common

import (
	"errors"
	"testing"

	coreerrors "vaultchain/core/errors"
)

func TestGuard(t *testing.T) {
	if err := Guard(nil, "treasury/fiUSD"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	pauses := NewPauses()
	if err := Guard(pauses, "treasury/fiUSD"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pauses.SetPaused("Treasury/fiUSD", true)
	err := Guard(pauses, "treasury/fiusd")
	if !errors.Is(err, ErrModulePaused) || !errors.Is(err, coreerrors.ErrState) {
		t.Fatalf("expected paused state error, got %v", err)
	}
	if len(pauses.Paused()) != 1 {
		t.Fatalf("expected one paused module")
	}
	pauses.SetPaused("treasury/fiUSD", false)
	if err := Guard(pauses, "treasury/fiUSD"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
}
