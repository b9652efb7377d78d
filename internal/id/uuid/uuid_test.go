package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

func TestGeneratorNewIDPrefixedAndUnique(t *testing.T) {
	t.Parallel()

	gen := New("job-")
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	for _, id := range []string{id1, id2} {
		if !strings.HasPrefix(id, "job-") {
			t.Fatalf("expected job- prefix, got %s", id)
		}
		parsed, err := goUUID.Parse(strings.TrimPrefix(id, "job-"))
		if err != nil {
			t.Fatalf("%s not a valid UUID: %v", id, err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("expected version 7, got %d", parsed.Version())
		}
	}
}

func TestGeneratorIDsSortByCreation(t *testing.T) {
	t.Parallel()

	gen := New("")
	prev, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		next, err := gen.NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}
