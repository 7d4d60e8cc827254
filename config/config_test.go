package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Detection.Threshold != 0.5 {
		t.Errorf("default threshold = %f, want 0.5", cfg.Detection.Threshold)
	}
	if cfg.Events.Window != time.Minute {
		t.Errorf("default window = %v, want 1m", cfg.Events.Window)
	}
	if cfg.Events.MinShotGap != 2*time.Second {
		t.Errorf("default min shot gap = %v, want 2s", cfg.Events.MinShotGap)
	}
	if cfg.Alerts.Policy != AlertPerEvent {
		t.Errorf("default alert policy = %q, want %q", cfg.Alerts.Policy, AlertPerEvent)
	}

	set := cfg.WeaponClassSet()
	if !set["pistol"] || !set["knife"] {
		t.Errorf("default weapon classes missing from set: %v", set)
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	t.Setenv("CONFIDENCE_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range threshold")
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	t.Setenv("DETECTION_SAMPLE_POLICY", "adaptive")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown sample policy")
	}
}

func TestLoadParsesWeaponClassList(t *testing.T) {
	t.Setenv("WEAPON_CLASSES", "pistol,rifle,knife")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.Detection.WeaponClasses) != 3 {
		t.Fatalf("got %d weapon classes, want 3", len(cfg.Detection.WeaponClasses))
	}
	if !cfg.WeaponClassSet()["rifle"] {
		t.Error("rifle missing from weapon class set")
	}
}
