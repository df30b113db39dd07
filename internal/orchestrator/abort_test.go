package orchestrator

import (
	"context"
	"testing"
)

func TestAbortRegistryCancelInvokesOnce(t *testing.T) {
	r := NewAbortRegistry()

	calls := 0
	r.Register("c1", func() { calls++ })

	r.Cancel("c1")
	r.Cancel("c1")
	r.Cancel("c1")

	if calls != 1 {
		t.Errorf("cancel invoked %d times, want 1", calls)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after cancel", r.Len())
	}
}

func TestAbortRegistryCancelUnknownIsNoop(t *testing.T) {
	r := NewAbortRegistry()
	r.Cancel("nope")
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestAbortRegistryReregisterReplaces(t *testing.T) {
	r := NewAbortRegistry()

	var first, second bool
	r.Register("c1", func() { first = true })
	r.Register("c1", func() { second = true })

	r.Cancel("c1")

	if first {
		t.Error("replaced handle was invoked")
	}
	if !second {
		t.Error("current handle was not invoked")
	}
}

func TestAbortRegistryUnregisterDoesNotCancel(t *testing.T) {
	r := NewAbortRegistry()

	ctx, cancel := context.WithCancel(t.Context())
	r.Register("c1", cancel)
	r.Unregister("c1")

	if ctx.Err() != nil {
		t.Error("unregister cancelled the context")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
	r.Cancel("c1")
	if ctx.Err() != nil {
		t.Error("cancel after unregister reached the context")
	}
}
