//nolint:testpackage // internal testing of context key helpers
package execctx

import (
	"context"
	"testing"
	"time"
)

func TestWithJobInfo(t *testing.T) {
	t.Parallel()

	ctx := WithJobInfo(context.Background(), JobInfo{
		Job:     "hello_2.10-2",
		Session: "sess-1",
		Backend: "direct",
	})

	if got := JobFromContext(ctx); got != "hello_2.10-2" {
		t.Errorf("expected job hello_2.10-2, got %s", got)
	}

	if got := SessionFromContext(ctx); got != "sess-1" {
		t.Errorf("expected session sess-1, got %s", got)
	}
}

func TestWithStage(t *testing.T) {
	t.Parallel()

	ctx := WithStage(context.Background(), "install-deps")

	if got := StageFromContext(ctx); got != "install-deps" {
		t.Errorf("expected stage install-deps, got %s", got)
	}

	if got := StageFromContext(context.Background()); got != "" {
		t.Errorf("expected empty stage on bare context, got %s", got)
	}
}

func TestSemaphoreAcquireRelease(t *testing.T) {
	t.Parallel()

	sem := NewSemaphore(1)

	if !sem.TryAcquire() {
		t.Fatal("expected first TryAcquire to succeed")
	}

	if sem.TryAcquire() {
		t.Fatal("expected second TryAcquire to fail at capacity 1")
	}

	sem.Release()

	if sem.Available() != 1 {
		t.Fatalf("expected 1 available slot after release, got %d", sem.Available())
	}
}

func TestSemaphoreAcquireRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	sem := NewSemaphore(1)
	sem.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := sem.Acquire(ctx); err == nil {
		t.Fatal("expected Acquire to fail once the context deadline is exceeded")
	}
}

func TestFilteredEnvDropsUnlistedVariables(t *testing.T) {
	t.Parallel()

	ctx := ExecutionContext{
		Env: map[string]string{
			"PATH":            "/usr/bin",
			"DEB_BUILD_OPTIONS": "nocheck",
			"HOME":            "/home/buildd",
			"MALICIOUS_VAR":   "evil",
		},
		AllowList: DefaultAllowList(),
	}

	filtered := ctx.FilteredEnv()

	if _, ok := filtered["MALICIOUS_VAR"]; ok {
		t.Error("expected MALICIOUS_VAR to be filtered out")
	}

	for _, want := range []string{"PATH", "DEB_BUILD_OPTIONS", "HOME"} {
		if _, ok := filtered[want]; !ok {
			t.Errorf("expected %s to survive filtering", want)
		}
	}
}

func TestBuilderLayersPerCallOverrides(t *testing.T) {
	t.Parallel()

	defaults := ExecutionContext{
		Env:       map[string]string{"PATH": "/usr/bin"},
		AllowList: DefaultAllowList(),
	}

	built := NewBuilder(defaults).
		WithArgv("dpkg-buildpackage", "-b").
		WithEnv(map[string]string{"DEB_BUILD_OPTIONS": "nocheck"}).
		WithExtraAllow("^CUSTOM_VAR$").
		WithLeader(true).
		Build()

	if len(built.Argv) != 2 || built.Argv[0] != "dpkg-buildpackage" {
		t.Fatalf("unexpected argv: %v", built.Argv)
	}

	if built.Env["PATH"] != "/usr/bin" || built.Env["DEB_BUILD_OPTIONS"] != "nocheck" {
		t.Fatalf("expected layered env, got %v", built.Env)
	}

	if !built.Leader {
		t.Fatal("expected Leader to be set")
	}

	// The original defaults must not be mutated by the builder.
	if _, ok := defaults.Env["DEB_BUILD_OPTIONS"]; ok {
		t.Fatal("builder mutated shared defaults map")
	}
}

func TestWorkerPoolSubmitAndShutdown(t *testing.T) {
	t.Parallel()

	pool := NewWorkerPool(2)

	done := make(chan struct{})

	err := pool.Submit(context.Background(), func(context.Context) error {
		close(done)

		return nil
	})
	if err != nil {
		t.Fatalf("unexpected Submit error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted work never ran")
	}

	if err := pool.Shutdown(time.Second); err != nil {
		t.Fatalf("unexpected Shutdown error: %v", err)
	}

	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected Submit after Shutdown to fail")
	}
}
