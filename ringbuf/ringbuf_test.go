package ringbuf

import (
	"reflect"
	"testing"
)

func TestPushWithinCapacity(t *testing.T) {
	b := New[int](5)
	for _, x := range []int{1, 2, 3} {
		b.Push(x)
	}
	got := b.GetAll()
	want := []int{1, 2, 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetAll() = %v, want %v", got, want)
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
}

func TestWrapOverwritesOldest(t *testing.T) {
	// Mirrors scenario S6 from the spec: capacity 3, push a,b,c,d,e -> [c,d,e].
	b := New[string](3)
	for _, x := range []string{"a", "b", "c", "d", "e"} {
		b.Push(x)
	}
	got := b.GetAll()
	want := []string{"c", "d", "e"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetAll() = %v, want %v", got, want)
	}

	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len() after Clear() = %d, want 0", b.Len())
	}
	for _, x := range []string{"f", "g"} {
		b.Push(x)
	}
	got = b.GetAll()
	want = []string{"f", "g"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("GetAll() after Clear() = %v, want %v", got, want)
	}
}

func TestRoundTripLengths(t *testing.T) {
	// Invariant 7: for any push sequence of length k into a buffer of
	// capacity c, GetAll() returns exactly the last min(k,c) elements.
	const cap = 4
	for k := 0; k <= 10; k++ {
		b := New[int](cap)
		for i := 0; i < k; i++ {
			b.Push(i)
		}
		got := b.GetAll()
		wantLen := k
		if wantLen > cap {
			wantLen = cap
		}
		if len(got) != wantLen {
			t.Fatalf("k=%d: len(GetAll())=%d, want %d", k, len(got), wantLen)
		}
		for i, v := range got {
			wantVal := k - wantLen + i
			if v != wantVal {
				t.Fatalf("k=%d: GetAll()[%d]=%d, want %d", k, i, v, wantVal)
			}
		}
	}
}

func TestCapacityPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New(0) did not panic")
		}
	}()
	New[int](0)
}

func TestCap(t *testing.T) {
	b := New[byte](7)
	if b.Cap() != 7 {
		t.Fatalf("Cap() = %d, want 7", b.Cap())
	}
}
