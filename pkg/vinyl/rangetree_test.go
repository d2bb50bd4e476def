package vinyl

import "testing"

func TestRangeTree_FindLocatesContainingRange(t *testing.T) {
	rt := NewRangeTree(1)
	left, right := rt.Split(rt.All()[0], []byte("m"), 2, 3)

	if got := rt.Find([]byte("a")); got != left {
		t.Errorf("expected key 'a' to fall in left range")
	}
	if got := rt.Find([]byte("z")); got != right {
		t.Errorf("expected key 'z' to fall in right range")
	}
	if err := rt.checkNoGaps(); err != nil {
		t.Errorf("expected no gaps after split: %v", err)
	}
}

func TestRangeTree_SplitPreservesSlicesByKey(t *testing.T) {
	rt := NewRangeTree(1)
	r := rt.All()[0]
	run := NewRun(1, "/tmp/run.data")
	lowSlice := NewSlice(1, run, []byte("a"), []byte("b"), 1)
	highSlice := NewSlice(2, run, []byte("x"), []byte("y"), 1)
	r.InsertSlice(lowSlice)
	r.InsertSlice(highSlice)

	left, right := rt.Split(r, []byte("m"), 2, 3)

	if len(left.Slices()) != 1 || left.Slices()[0] != lowSlice {
		t.Errorf("expected low slice to land in left range")
	}
	if len(right.Slices()) != 1 || right.Slices()[0] != highSlice {
		t.Errorf("expected high slice to land in right range")
	}
}

func TestRangeTree_CoalesceMergesNeighbors(t *testing.T) {
	rt := NewRangeTree(1)
	left, right := rt.Split(rt.All()[0], []byte("m"), 2, 3)
	run := NewRun(1, "/tmp/run.data")
	left.InsertSlice(NewSlice(1, run, []byte("a"), []byte("m"), 1))
	right.InsertSlice(NewSlice(2, run, []byte("m"), []byte("z"), 1))

	merged := rt.Coalesce(left, 4)

	if len(rt.All()) != 1 {
		t.Fatalf("expected 1 range after coalesce, got %d", len(rt.All()))
	}
	if len(merged.Slices()) != 2 {
		t.Errorf("expected merged range to carry both slices, got %d", len(merged.Slices()))
	}
	if err := rt.checkNoGaps(); err != nil {
		t.Errorf("expected no gaps after coalesce: %v", err)
	}
}

func TestRangeTree_IntersectingFindsOverlap(t *testing.T) {
	rt := NewRangeTree(1)
	left, right := rt.Split(rt.All()[0], []byte("m"), 2, 3)

	got := rt.Intersecting([]byte("a"), []byte("z"))
	if len(got) != 2 {
		t.Fatalf("expected both ranges to overlap [a,z), got %d", len(got))
	}
	if got[0] != left || got[1] != right {
		t.Errorf("expected ranges in key order")
	}
}

func TestRange_InsertSliceBeforePreservesPositionalOrder(t *testing.T) {
	r := NewRange(1, nil, nil)
	run := NewRun(1, "/tmp/run.data")
	first := NewSlice(1, run, []byte("a"), []byte("b"), 1)
	second := NewSlice(2, run, []byte("c"), []byte("d"), 1)
	r.InsertSlice(first)
	r.InsertSlice(second)

	inserted := NewSlice(3, run, []byte("e"), []byte("f"), 1)
	r.InsertSliceBefore(1, inserted)

	slices := r.Slices()
	if len(slices) != 3 || slices[0] != first || slices[1] != inserted || slices[2] != second {
		t.Errorf("expected [first, inserted, second], got different order")
	}
}

func TestRange_RemoveSliceRangeIsContiguous(t *testing.T) {
	r := NewRange(1, nil, nil)
	run := NewRun(1, "/tmp/run.data")
	var slices []*Slice
	for i := 0; i < 4; i++ {
		s := NewSlice(uint64(i), run, []byte("a"), []byte("b"), 1)
		slices = append(slices, s)
		r.InsertSlice(s)
	}

	r.RemoveSliceRange(1, 3)

	got := r.Slices()
	if len(got) != 2 || got[0] != slices[0] || got[1] != slices[3] {
		t.Errorf("expected [slice0, slice3] after removing [1,3), got different result")
	}
}
