package scheduler

import "testing"

func descriptors(n int) []PieceDescriptor {
	d := make([]PieceDescriptor, n)
	for i := range d {
		d[i] = PieceDescriptor{Index: i, Length: 1024}
	}
	return d
}

func allHave(int) bool { return true }

func TestTakeIsFIFO(t *testing.T) {
	s := New(descriptors(3))
	for want := 0; want < 3; want++ {
		got, ok := s.Take("sess", allHave)
		if !ok || got.Index != want {
			t.Fatalf("Take() = %v, %v, want index %d", got, ok, want)
		}
	}
	if _, ok := s.Take("sess", allHave); ok {
		t.Fatal("expected no more pending pieces")
	}
}

func TestTakeSkipsPiecesSessionLacks(t *testing.T) {
	s := New(descriptors(3))
	has := func(i int) bool { return i == 1 }
	got, ok := s.Take("sess", has)
	if !ok || got.Index != 1 {
		t.Fatalf("Take() = %v, %v, want index 1", got, ok)
	}
	// queue order for remaining pieces (0, 2) must be untouched.
	got, ok = s.Take("sess2", allHave)
	if !ok || got.Index != 0 {
		t.Fatalf("Take() = %v, %v, want index 0", got, ok)
	}
}

func TestReleaseFailGoesToFront(t *testing.T) {
	s := New(descriptors(3))
	s.Take("sess", allHave) // takes 0
	s.ReleaseFail(0)
	got, ok := s.Take("sess2", allHave)
	if !ok || got.Index != 0 {
		t.Fatalf("Take() after ReleaseFail = %v, %v, want index 0", got, ok)
	}
}

func TestDoneOnlyAfterAllReleaseOK(t *testing.T) {
	s := New(descriptors(2))
	if s.Done() {
		t.Fatal("expected not done with pending pieces")
	}
	p0, _ := s.Take("sess", allHave)
	p1, _ := s.Take("sess", allHave)
	s.ReleaseOK(p0.Index)
	if s.Done() {
		t.Fatal("expected not done with one piece still assigned")
	}
	s.ReleaseOK(p1.Index)
	if !s.Done() {
		t.Fatal("expected done once every piece is released OK")
	}
}
