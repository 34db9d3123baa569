package config

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	t.Setenv("HOLD", "")
	d, err := Duration("HOLD", time.Hour)
	if err != nil || d != time.Hour {
		t.Fatalf("expected fallback, got %v %v", d, err)
	}

	t.Setenv("HOLD", "72h")
	d, err = Duration("HOLD", time.Hour)
	if err != nil || d != 72*time.Hour {
		t.Fatalf("expected 72h, got %v %v", d, err)
	}

	t.Setenv("HOLD", "soon")
	if _, err := Duration("HOLD", time.Hour); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestIntRejectsNonPositive(t *testing.T) {
	t.Setenv("BATCH", "0")
	if _, err := Int("BATCH", 10); err == nil {
		t.Fatal("expected error for zero")
	}
	t.Setenv("BATCH", "25")
	n, err := Int("BATCH", 10)
	if err != nil || n != 25 {
		t.Fatalf("expected 25, got %d %v", n, err)
	}
}

func TestBoolAndList(t *testing.T) {
	t.Setenv("FLAG", "Yes")
	if !Bool("FLAG", false) {
		t.Fatal("expected true")
	}
	t.Setenv("FLAG", "")
	if !Bool("FLAG", true) {
		t.Fatal("expected fallback")
	}

	t.Setenv("ORIGINS", " https://a.test, ,https://b.test ")
	got := List("ORIGINS")
	if len(got) != 2 || got[0] != "https://a.test" || got[1] != "https://b.test" {
		t.Fatalf("unexpected list: %#v", got)
	}
}
