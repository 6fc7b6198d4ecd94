package hotcache

import (
	"context"
	"strings"
	"testing"
)

func TestKeyLayout(t *testing.T) {
	m := &RedisMirror{prefix: "pf"}

	got := m.key(42, "/events/7")
	if got != "pf:prediction:42:/events/7" {
		t.Errorf("key = %q, want %q", got, "pf:prediction:42:/events/7")
	}
}

func TestNewRedisMirror_RequiresAddress(t *testing.T) {
	_, err := NewRedisMirror(context.Background(), "", "pf")
	if err == nil {
		t.Fatal("expected error for empty address")
	}
	if !strings.Contains(err.Error(), "missing redis address") {
		t.Errorf("error = %q, want it to mention the missing address", err.Error())
	}
}
