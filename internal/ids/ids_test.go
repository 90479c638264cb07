package ids

import (
	"errors"
	"strings"
	"testing"

	"go.jetify.com/typeid"
)

func TestNewUsesTypeIDWhenGeneratorSucceeds(t *testing.T) {
	id := New("room")
	parsed, err := typeid.FromString(id)
	if err != nil {
		t.Fatalf("expected generated id to be parseable typeid, got %q: %v", id, err)
	}
	if got, want := parsed.Prefix(), "room"; got != want {
		t.Fatalf("unexpected generated id prefix: got %q want %q", got, want)
	}
}

func TestNewFallsBackToTimestampShapeWhenGeneratorFails(t *testing.T) {
	originalGenerator := generateTypeID
	t.Cleanup(func() {
		generateTypeID = originalGenerator
	})

	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	id := NewExecutionID()
	if !strings.HasPrefix(id, "exec-") {
		t.Fatalf("expected fallback id shape, got %q", id)
	}
}

func TestNewIDsAreUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := NewConnectionID()
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id generated: %q", id)
		}
		seen[id] = struct{}{}
	}
}
