package timer

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clocktown/townsync/internal/types"
)

type captureFanout struct {
	updates chan State
}

func newCaptureFanout() *captureFanout {
	return &captureFanout{updates: make(chan State, 16)}
}

func (f *captureFanout) TimerUpdated(_ types.GameID, st State) {
	f.updates <- st
}

// helper: receive one broadcast with a timeout so tests never hang
func recvState(t *testing.T, ch <-chan State, within time.Duration) State {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(within):
		t.Fatalf("timed out waiting for timer broadcast")
		return State{} // unreachable
	}
}

func recvNoState(t *testing.T, ch <-chan State, within time.Duration) {
	t.Helper()
	select {
	case st := <-ch:
		t.Fatalf("expected no broadcast within %v, got %+v", within, st)
	case <-time.After(within):
		// good
	}
}

func TestStartOrEdit_BroadcastsRunning(t *testing.T) {
	f := newCaptureFanout()
	c := NewCoordinator(zap.NewNop(), f)

	st := c.StartOrEdit("g1", time.Second, "nomination")

	if st.Status != StatusRunning {
		t.Fatalf("want Running, got %v", st.Status)
	}
	if st.End == nil || st.Label != "nomination" {
		t.Fatalf("unexpected state %+v", st)
	}

	got := recvState(t, f.updates, 100*time.Millisecond)
	if got.Status != StatusRunning || got.End == nil || !got.End.Equal(*st.End) {
		t.Fatalf("broadcast mismatch: %+v", got)
	}
}

func TestCancel_PreventsFinishedBroadcast(t *testing.T) {
	f := newCaptureFanout()
	c := NewCoordinator(zap.NewNop(), f)

	c.StartOrEdit("g1", 10*time.Millisecond, "")
	c.Cancel("g1")

	running := recvState(t, f.updates, 100*time.Millisecond)
	if running.Status != StatusRunning {
		t.Fatalf("want Running first, got %v", running.Status)
	}
	cancelled := recvState(t, f.updates, 100*time.Millisecond)
	if cancelled.Status != StatusCancelled || cancelled.End != nil {
		t.Fatalf("want Cancelled with nil end, got %+v", cancelled)
	}

	// even if the completion already woke, its generation is dead
	recvNoState(t, f.updates, 100*time.Millisecond)
}

func TestStartOrEdit_SupersedesPendingGeneration(t *testing.T) {
	f := newCaptureFanout()
	c := NewCoordinator(zap.NewNop(), f)

	c.StartOrEdit("g1", 10*time.Millisecond, "")
	second := c.StartOrEdit("g1", 200*time.Millisecond, "")

	_ = recvState(t, f.updates, 100*time.Millisecond) // Running #1
	_ = recvState(t, f.updates, 100*time.Millisecond) // Running #2

	finished := recvState(t, f.updates, 500*time.Millisecond)
	if finished.Status != StatusFinished {
		t.Fatalf("want Finished, got %+v", finished)
	}
	if finished.End == nil || !finished.End.Equal(*second.End) {
		t.Fatalf("Finished must carry the second generation's end, got %+v", finished)
	}

	// exactly one Finished
	recvNoState(t, f.updates, 150*time.Millisecond)
}

func TestInstantTimer_RunningThenFinishedInOrder(t *testing.T) {
	f := newCaptureFanout()
	c := NewCoordinator(zap.NewNop(), f)

	c.StartOrEdit("g1", 0, "instant")

	running := recvState(t, f.updates, 100*time.Millisecond)
	finished := recvState(t, f.updates, 500*time.Millisecond)

	if running.Status != StatusRunning || finished.Status != StatusFinished {
		t.Fatalf("want Running then Finished, got %v then %v", running.Status, finished.Status)
	}
	if !finished.ServerNow.After(running.ServerNow) {
		t.Fatalf("Finished.ServerNow must be after Running.ServerNow")
	}
	if finished.End == nil || running.End == nil || !finished.End.Equal(*running.End) {
		t.Fatalf("both broadcasts must carry the same generation end")
	}
}

func TestGet_SynthesizesNoneAndRefreshesNow(t *testing.T) {
	f := newCaptureFanout()
	c := NewCoordinator(zap.NewNop(), f)

	none := c.Get("unknown")
	if none.Status != StatusNone || none.End != nil {
		t.Fatalf("want synthesized None, got %+v", none)
	}

	st := c.StartOrEdit("g1", time.Minute, "")
	got := c.Get("g1")
	if got.Status != StatusRunning {
		t.Fatalf("want Running, got %v", got.Status)
	}
	if got.ServerNow.Before(st.ServerNow) {
		t.Fatalf("Get must refresh ServerNow")
	}

	// Get must not mutate the stored entry
	again := c.Get("g1")
	if again.End == nil || !again.End.Equal(*st.End) {
		t.Fatalf("stored generation changed: %+v", again)
	}
}

func TestRemove_StopsPendingWithoutBroadcast(t *testing.T) {
	f := newCaptureFanout()
	c := NewCoordinator(zap.NewNop(), f)

	c.StartOrEdit("g1", 20*time.Millisecond, "")
	_ = recvState(t, f.updates, 100*time.Millisecond)

	c.Remove("g1")
	recvNoState(t, f.updates, 150*time.Millisecond)

	if got := c.Get("g1"); got.Status != StatusNone {
		t.Fatalf("want None after remove, got %v", got.Status)
	}
}
