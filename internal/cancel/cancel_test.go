package cancel

import "testing"

func TestWatchCancelIsCancelled(t *testing.T) {
	r := New()
	ch := r.Watch("run-1")
	if r.IsCancelled("run-1") {
		t.Fatalf("expected not cancelled before Cancel()")
	}
	r.Cancel("run-1")
	select {
	case <-ch:
	default:
		t.Fatalf("expected channel to be closed after Cancel()")
	}
	if !r.IsCancelled("run-1") {
		t.Fatalf("expected IsCancelled to report true after Cancel()")
	}
}

func TestCancelUnknownRunIsNoop(t *testing.T) {
	r := New()
	r.Cancel("never-watched")
	if r.IsCancelled("never-watched") {
		t.Fatalf("expected unwatched run to report not cancelled")
	}
}

func TestDoubleCancelDoesNotPanic(t *testing.T) {
	r := New()
	r.Watch("run-1")
	r.Cancel("run-1")
	r.Cancel("run-1")
}

func TestForgetRemovesEntry(t *testing.T) {
	r := New()
	r.Watch("run-1")
	r.Forget("run-1")
	if r.IsCancelled("run-1") {
		t.Fatalf("expected forgotten run to report not cancelled")
	}
}
