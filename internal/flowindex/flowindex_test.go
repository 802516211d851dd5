package flowindex

import "testing"

func TestPutGetDelete(t *testing.T) {
	idx := New[string, int]()
	idx.Put("a", 1)
	v, ok := idx.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v", v, ok)
	}
	if _, ok := idx.Delete("a"); !ok {
		t.Fatal("expected Delete to report the removed entry")
	}
	if _, ok := idx.Delete("a"); ok {
		t.Fatal("second Delete of the same key must be a no-op (idempotent teardown)")
	}
}

func TestLenAndKeys(t *testing.T) {
	idx := New[int, string]()
	idx.Put(1, "x")
	idx.Put(2, "y")
	if idx.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", idx.Len())
	}
	keys := idx.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys() returned %d entries, want 2", len(keys))
	}
}
