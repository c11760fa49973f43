package common

import (
	"errors"
	"testing"
)

func TestGuardBlocksPausedModule(t *testing.T) {
	sb := NewSwitchboard()
	if err := Guard(sb, "lending"); err != nil {
		t.Fatalf("running module blocked: %v", err)
	}

	sb.Pause("lending")
	if err := Guard(sb, "lending"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(sb, "auction"); err != nil {
		t.Fatalf("unrelated module blocked: %v", err)
	}

	sb.Resume("lending")
	if err := Guard(sb, "lending"); err != nil {
		t.Fatalf("resumed module blocked: %v", err)
	}
}

func TestGuardNilView(t *testing.T) {
	if err := Guard(nil, "lending"); err != nil {
		t.Fatalf("nil view must pass: %v", err)
	}
	var sb *Switchboard
	if err := Guard(sb, "lending"); err != nil {
		t.Fatalf("nil switchboard must pass: %v", err)
	}
}
