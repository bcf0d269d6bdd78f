package pool

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestLaunchedWorkerSurvivesCallerContext(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}
	l := &ExecLauncher{Binary: "/bin/cat"}

	ctx, cancel := context.WithCancel(context.Background())
	h, err := l.Launch(ctx, "acct")
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	cancel()

	waited := make(chan error, 1)
	go func() { waited <- h.Wait() }()

	// Cancelling the launch context (an expired HTTP request, typically)
	// must not take the worker down with it.
	select {
	case err := <-waited:
		t.Fatalf("worker exited on context cancel: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	// cat exits cleanly once its stdin closes.
	h.Stdin().Close()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		h.Kill()
		t.Fatal("worker did not exit after stdin close")
	}
}

func TestLaunchRejectsCancelledContext(t *testing.T) {
	l := &ExecLauncher{Binary: "/bin/cat"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Launch(ctx, "acct"); err == nil {
		t.Fatal("want error launching with cancelled context")
	}
}
