package metrics

import (
	"context"
	"testing"
	"time"
)

func TestCollectorsRegisterWithoutPanic(t *testing.T) {
	c, reg := NewCollectors()
	c.ActiveConnections.Set(3)
	c.RelayedPackets.WithLabelValues("voice").Inc()

	h := Handler(reg)
	if h == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestRunSummaryLogStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		RunSummaryLog(ctx, 5*time.Millisecond, func() Snapshot {
			calls++
			return Snapshot{}
		})
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSummaryLog did not stop after cancel")
	}
	if calls == 0 {
		t.Fatal("expected at least one summary tick")
	}
}
