package probe

import (
	"context"
	"testing"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()

	if err := Static(true, "").Check(ctx); err != nil {
		t.Fatalf("ok probe returned %v", err)
	}

	err := Static(false, "redis down").Check(ctx)
	if err == nil || err.Error() != "redis down" {
		t.Fatalf("err = %v, want redis down", err)
	}

	if err := Static(false, "").Check(ctx); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("err = %v, want unhealthy default", err)
	}
}

func TestMulti(t *testing.T) {
	ctx := context.Background()

	if err := Multi(Static(true, ""), nil, Static(true, "")).Check(ctx); err != nil {
		t.Fatalf("all-pass Multi returned %v", err)
	}

	err := Multi(Static(true, ""), Static(false, "first"), Static(false, "second")).Check(ctx)
	if err == nil || err.Error() != "first" {
		t.Fatalf("err = %v, want first failure", err)
	}
}

func TestAny(t *testing.T) {
	ctx := context.Background()

	if err := Any(Static(false, "down"), Static(true, "")).Check(ctx); err != nil {
		t.Fatalf("Any with one passing probe returned %v", err)
	}

	err := Any(Static(false, "a"), Static(false, "b")).Check(ctx)
	if err == nil || err.Error() != "b" {
		t.Fatalf("err = %v, want last failure", err)
	}

	if err := Any().Check(ctx); err == nil {
		t.Fatal("Any with no probes should fail")
	}
}

func TestShutdownGate(t *testing.T) {
	ctx := context.Background()
	var g ShutdownGate

	if err := g.Probe().Check(ctx); err != nil {
		t.Fatalf("fresh gate should pass, got %v", err)
	}

	g.Set("draining for deploy")
	err := g.Probe().Check(ctx)
	if err == nil || err.Error() != "draining for deploy" {
		t.Fatalf("err = %v, want drain reason", err)
	}

	g.Clear()
	if err := g.Probe().Check(ctx); err != nil {
		t.Fatalf("cleared gate should pass, got %v", err)
	}
}
