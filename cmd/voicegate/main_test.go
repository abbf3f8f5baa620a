package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/evara-health/voicegate/pkg/gateway/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunService_LoadConfigError(t *testing.T) {
	t.Parallel()
	deps := defaultServiceDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	err := runService(context.Background(), testLogger(), deps)
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("err=%v", err)
	}
}

func TestRunService_MissingDeps(t *testing.T) {
	t.Parallel()
	if err := runService(context.Background(), testLogger(), serviceDeps{}); err == nil {
		t.Fatalf("expected error for empty deps")
	}
}

func TestRunService_SignalShutdown(t *testing.T) {
	var sigCh chan<- os.Signal
	notified := make(chan struct{})

	deps := defaultServiceDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{
			Addr:                "127.0.0.1:0",
			OpenAIAPIKey:        "sk-test",
			SweepInterval:       time.Minute,
			MaxConversationAge:  time.Minute,
			EmergencyMainNumber: "+911140001911",
			MainHospitalNumber:  "+911140001000",
			ShutdownGracePeriod: time.Second,
		}, nil
	}
	deps.signalNotify = func(c chan<- os.Signal, _ ...os.Signal) {
		sigCh = c
		close(notified)
	}
	deps.signalStop = func(chan<- os.Signal) {}

	done := make(chan error, 1)
	go func() { done <- runService(context.Background(), testLogger(), deps) }()

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatalf("signal handler never registered")
	}
	sigCh <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("service did not stop after signal")
	}
}

func TestBuildHTTPServer(t *testing.T) {
	t.Parallel()
	cfg := config.Config{Addr: ":8080", ReadHeaderTimeout: 10 * time.Second}
	srv := buildHTTPServer(cfg, nil)
	if srv.Addr != ":8080" || srv.ReadHeaderTimeout != 10*time.Second {
		t.Fatalf("srv=%+v", srv)
	}
}
