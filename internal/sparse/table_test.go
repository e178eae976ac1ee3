package sparse

import (
	"errors"
	"sort"
	"testing"
)

func TestPutRejectsLiveKey(t *testing.T) {
	tbl := New[string](4)
	if err := tbl.Put(7, "first"); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := tbl.Put(7, "second")
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	var keyErr *KeyError
	if !errors.As(err, &keyErr) || keyErr.Key != 7 {
		t.Fatalf("expected KeyError for 7, got %v", err)
	}
	if v, _ := tbl.Get(7); v != "first" {
		t.Fatalf("live value overwritten: %q", v)
	}
}

func TestRemoveThenReuse(t *testing.T) {
	tbl := New[int](0)
	for i := 1; i <= 3; i++ {
		if err := tbl.Put(i, i*10); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	v, err := tbl.Remove(2)
	if err != nil || v != 20 {
		t.Fatalf("remove: %v %v", v, err)
	}
	if _, err := tbl.Remove(2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if tbl.Contains(2) {
		t.Fatalf("key 2 still live")
	}
	if err := tbl.Put(2, 200); err != nil {
		t.Fatalf("reuse: %v", err)
	}
	keys := tbl.Keys()
	sort.Ints(keys)
	if len(keys) != 3 || keys[0] != 1 || keys[2] != 3 || tbl.Len() != 3 {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestRangeStops(t *testing.T) {
	tbl := New[int](0)
	for i := 0; i < 10; i++ {
		_ = tbl.Put(i, i)
	}
	seen := 0
	tbl.Range(func(int, int) bool {
		seen++
		return seen < 3
	})
	if seen != 3 {
		t.Fatalf("expected range to stop after 3, saw %d", seen)
	}
}
