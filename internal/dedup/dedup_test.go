package dedup

import "testing"

func TestSet_seenOrAdd(t *testing.T) {
	s, err := New(0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	dup, err := s.SeenOrAdd("abc")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("first insert should not be reported as duplicate")
	}

	dup, err = s.SeenOrAdd("abc")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("second insert of the same hash should be a duplicate")
	}

	dup, err = s.SeenOrAdd("xyz")
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("distinct hash should not be a duplicate")
	}
}

func TestSet_evictsPastCapacity(t *testing.T) {
	s, err := New(20)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 100; i++ {
		hash := string(rune('a' + i%26))
		if _, err := s.SeenOrAdd(hash + string(rune(i))); err != nil {
			t.Fatal(err)
		}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM hashes`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count > 40 {
		t.Errorf("expected eviction to keep the table roughly bounded, got %d rows", count)
	}
}
