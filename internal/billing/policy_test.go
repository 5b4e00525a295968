package billing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/longhouse-sh/control-plane/internal/store"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	cases := map[store.SubscriptionState]store.DesiredState{
		store.SubNone:      store.DesiredAbsent,
		store.SubTrialing:  store.DesiredRunning,
		store.SubActive:    store.DesiredRunning,
		store.SubPastDue:   store.DesiredRunning,
		store.SubCancelled: store.DesiredAbsent,
	}
	for sub, want := range cases {
		if got := p.DesiredFor(sub); got != want {
			t.Errorf("DesiredFor(%s) = %s, want %s", sub, got, want)
		}
	}
}

func TestLoadPolicyOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("states:\n  past_due: absent\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.DesiredFor(store.SubPastDue); got != store.DesiredAbsent {
		t.Errorf("past_due override ignored, got %s", got)
	}
	// Unmentioned states keep their defaults.
	if got := p.DesiredFor(store.SubActive); got != store.DesiredRunning {
		t.Errorf("active default lost, got %s", got)
	}
}

func TestLoadPolicyRejectsUnknownState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("states:\n  bogus: running\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Error("expected error for unknown subscription state")
	}
}

func TestLoadPolicyEmptyPath(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.DesiredFor(store.SubActive); got != store.DesiredRunning {
		t.Errorf("expected defaults, got %s", got)
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]store.SubscriptionState{
		"trialing":           store.SubTrialing,
		"active":             store.SubActive,
		"past_due":           store.SubPastDue,
		"canceled":           store.SubCancelled,
		"unpaid":             store.SubCancelled,
		"incomplete_expired": store.SubCancelled,
		"something_else":     store.SubNone,
	}
	for raw, want := range cases {
		if got := NormalizeStatus(raw); got != want {
			t.Errorf("NormalizeStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}
