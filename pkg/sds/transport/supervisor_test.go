package transport

import (
	"context"
	"testing"

	"github.com/fieldmesh/sds/pkg/sds/clock"
)

func TestSupervisorConnectAndLWT(t *testing.T) {
	ft := NewFake()
	clk := clock.NewMock(0)
	sup := NewSupervisor(ft, clk, "own")

	if err := sup.Connect(context.Background(), ConnectOptions{Host: "broker"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sup.State() != StateReady {
		t.Fatalf("state = %v, want Ready", sup.State())
	}
	if ft.PublishCountTo("sds/lwt/own") != 1 {
		t.Fatalf("expected one lwt registration publish, got %d", len(ft.Published))
	}
	if !ft.Published[0].Retained {
		t.Error("lwt registration must be retained")
	}
}

func TestSupervisorBackoffAndReconnect(t *testing.T) {
	ft := NewFake()
	clk := clock.NewMock(0)
	sup := NewSupervisor(ft, clk, "own")
	sup.Connect(context.Background(), ConnectOptions{Host: "broker"})

	sup.HandleDisconnect()
	if sup.State() != StateBackoff {
		t.Fatalf("state = %v, want Backoff", sup.State())
	}

	resubCalled := false
	// Too early: backoff has not elapsed yet.
	sup.Tick(context.Background(), 500, func() error { resubCalled = true; return nil })
	if sup.State() != StateBackoff {
		t.Fatal("should still be in backoff before interval elapses")
	}

	sup.Tick(context.Background(), 1000, func() error { resubCalled = true; return nil })
	if sup.State() != StateReady {
		t.Fatalf("state = %v, want Ready after successful reconnect", sup.State())
	}
	if !resubCalled {
		t.Fatal("expected re-subscribe hook to be called on reconnect")
	}
	if sup.ReconnectCount() != 1 {
		t.Fatalf("reconnect count = %d, want 1", sup.ReconnectCount())
	}
}

func TestSupervisorBackoffDoublesOnRepeatedFailure(t *testing.T) {
	ft := NewFake()
	clk := clock.NewMock(0)
	sup := NewSupervisor(ft, clk, "own")
	sup.Connect(context.Background(), ConnectOptions{Host: "broker"})
	sup.HandleDisconnect()

	var errs []error
	sup.SetErrorCallback(func(e error) { errs = append(errs, e) })

	ft.FailNextConnect()
	sup.Tick(context.Background(), 1000, nil)
	if sup.State() != StateBackoff {
		t.Fatal("should remain in backoff after failed reconnect")
	}
	if len(errs) != 1 {
		t.Fatalf("expected error callback on failure, got %d calls", len(errs))
	}
	if sup.backoffMS != 2000 {
		t.Fatalf("backoff = %d, want 2000 after doubling", sup.backoffMS)
	}
}

func TestSupervisorShutdownPublishesGracefulLWT(t *testing.T) {
	ft := NewFake()
	clk := clock.NewMock(0)
	sup := NewSupervisor(ft, clk, "own")
	sup.Connect(context.Background(), ConnectOptions{Host: "broker"})

	if err := sup.Shutdown(context.Background(), 5000); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sup.State() != StateUninitialized {
		t.Fatalf("state = %v, want Uninitialized after shutdown", sup.State())
	}
	if ft.Connected() {
		t.Fatal("expected transport disconnected after shutdown")
	}
	if ft.PublishCountTo("sds/lwt/own") != 2 {
		t.Fatalf("expected connect-time + shutdown-time lwt publishes, got %d", ft.PublishCountTo("sds/lwt/own"))
	}
}
