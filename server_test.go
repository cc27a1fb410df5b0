package tabmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/tabmux/mcpapi"
	"pkt.systems/tabmux/schema"
)

func TestServerStopDrainsBroker(t *testing.T) {
	srv, err := New(ServerConfig{API: mcpapi.Config{Addr: "127.0.0.1:0"}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	broker := srv.(*brokerServer)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-broker.ctx.Done():
	default:
		t.Fatalf("expected server context to be canceled")
	}
	if _, err := broker.corr.Execute(context.Background(), "tab-1", "click", nil, time.Second); !errors.Is(err, schema.ErrShuttingDown) {
		t.Fatalf("Execute after Stop = %v, want shutdown refusal", err)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("Wait after Stop: %v", err)
	}
}

func TestServerStartTwiceRejected(t *testing.T) {
	srv, err := New(ServerConfig{API: mcpapi.Config{Addr: "127.0.0.1:0"}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = srv.Stop(context.Background()) }()
	if err := srv.Start(ctx); err == nil {
		t.Fatalf("second Start succeeded, want rejection")
	}
}
