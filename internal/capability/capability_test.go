package capability

import "testing"

func TestHasAndGrant(t *testing.T) {
	s := NewSet("drug-database:read")

	if !s.Has("drug-database:read") {
		t.Error("expected drug-database:read to be held")
	}
	if s.Has("patient-records:read") {
		t.Error("patient-records:read should not be held")
	}

	s.Grant("patient-records:read")
	if !s.Has("patient-records:read") {
		t.Error("granted capability should be held")
	}
}

func TestAllSorted(t *testing.T) {
	s := NewSet("b:op", "a:op", "c:op")

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 capabilities, got %d", len(all))
	}
	if all[0] != "a:op" || all[1] != "b:op" || all[2] != "c:op" {
		t.Errorf("expected sorted order, got %v", all)
	}
}

func TestSnapshotIndependence(t *testing.T) {
	s := NewSet("a:op")
	snap := s.Snapshot()

	s.Grant("b:op")
	if snap.Has("b:op") {
		t.Error("snapshot should not see grants made after it was taken")
	}
	if !snap.Has("a:op") {
		t.Error("snapshot should keep capabilities held at snapshot time")
	}
}

func TestNilSet(t *testing.T) {
	var s *Set
	if s.Has("a:op") {
		t.Error("nil set holds nothing")
	}
	if s.Len() != 0 {
		t.Error("nil set has zero length")
	}
	if s.Snapshot() == nil {
		t.Error("snapshot of nil set should be an empty set, not nil")
	}
}
