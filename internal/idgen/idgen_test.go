package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("deal_")
	if !strings.HasPrefix(id, "deal_") || len(id) != len("deal_")+24 {
		t.Fatalf("unexpected id %q", id)
	}
	if WithPrefix("deal_") == id {
		t.Fatal("ids should not repeat")
	}
}

func TestHex(t *testing.T) {
	if got := Hex(32); len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
}
