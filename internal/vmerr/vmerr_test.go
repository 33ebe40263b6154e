package vmerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Toasterson/vm-manager/internal/vmerr"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := vmerr.Wrap(vmerr.KindVMMSpawnFailed, cause, "spawning qemu for %s", "web")

	if !vmerr.Is(err, vmerr.KindVMMSpawnFailed) {
		t.Errorf("Is(%v, KindVMMSpawnFailed) = false, want true", err)
	}
	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(err), cause)
	}
	if err.Help() == "" {
		t.Error("Help() is empty, want recovery hint")
	}
}

func TestIsFalseForOtherKind(t *testing.T) {
	err := vmerr.New(vmerr.KindVMNotFound, "no such vm")
	if vmerr.Is(err, vmerr.KindInvalidState) {
		t.Error("Is matched an unrelated Kind")
	}
}

func TestIsThroughFmtWrap(t *testing.T) {
	base := vmerr.New(vmerr.KindIPDiscoveryTimeout, "no address found")
	wrapped := fmt.Errorf("guest_ip: %w", base)
	if !vmerr.Is(wrapped, vmerr.KindIPDiscoveryTimeout) {
		t.Error("Is did not see through fmt.Errorf wrapping")
	}
}
