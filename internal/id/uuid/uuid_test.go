package uuid

import (
	"sort"
	"testing"
	"time"

	goUUID "github.com/google/uuid"
)

func TestGeneratorIDsSortInCreationOrder(t *testing.T) {
	t.Parallel()

	gen := New()
	ids := make([]string, 0, 500)
	for i := 0; i < cap(ids); i++ {
		id, err := gen.NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		ids = append(ids, id)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("request IDs do not sort in creation order")
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			t.Fatalf("duplicate request ID %s", ids[i])
		}
	}
}

func TestGeneratorEmbedsCreationTime(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Millisecond)
	id, err := New().NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	after := time.Now().Add(time.Millisecond)

	parsed, err := goUUID.Parse(id)
	if err != nil {
		t.Fatalf("not a valid UUID: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	sec, nsec := parsed.Time().UnixTime()
	created := time.Unix(sec, nsec)
	if created.Before(before) || created.After(after) {
		t.Fatalf("embedded time %v outside [%v, %v]", created, before, after)
	}
}
