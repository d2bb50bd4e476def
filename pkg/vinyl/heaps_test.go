package vinyl

import "testing"

func newTestTree(id uint64, name string) *LSMTree {
	return NewLSMTree(id, name, &KeyDef{Parts: []KeyPart{{FieldNo: 0}}}, Policy{MaxRunsPerLevel: 4}, id*100)
}

func TestDumpScheduler_NotDumpingFirst(t *testing.T) {
	s := NewDumpScheduler()
	a := newTestTree(1, "a")
	b := newTestTree(2, "b")
	a.SetDumping(true)

	s.Add(a)
	s.Add(b)

	if got := s.Peek(); got != b {
		t.Errorf("expected not-dumping tree b first, got %s", got.Name)
	}
}

func TestDumpScheduler_PinCountBreaksTie(t *testing.T) {
	s := NewDumpScheduler()
	a := newTestTree(1, "a")
	b := newTestTree(2, "b")
	a.Pin()

	s.Add(a)
	s.Add(b)

	if got := s.Peek(); got != b {
		t.Errorf("expected lower pin_count tree b first, got %s", got.Name)
	}
}

func TestDumpScheduler_GenerationBreaksTie(t *testing.T) {
	s := NewDumpScheduler()
	a := newTestTree(1, "a")
	b := newTestTree(2, "b")
	a.generation = 5

	s.Add(a)
	s.Add(b)

	if got := s.Peek(); got != b {
		t.Errorf("expected lower generation tree b first, got %s", got.Name)
	}
}

func TestDumpScheduler_SecondaryBeforePrimary(t *testing.T) {
	s := NewDumpScheduler()
	primary := newTestTree(1, "primary")
	secondary := newTestTree(2, "secondary")
	secondary.MarkSecondaryOf(primary)

	s.Add(primary)
	s.Add(secondary)

	if got := s.Peek(); got != secondary {
		t.Errorf("expected secondary index to sort before its primary, got %s", got.Name)
	}
}

func TestDumpScheduler_RemoveAndFix(t *testing.T) {
	s := NewDumpScheduler()
	a := newTestTree(1, "a")
	b := newTestTree(2, "b")
	s.Add(a)
	s.Add(b)

	s.Remove(a)
	if s.Len() != 1 {
		t.Fatalf("expected 1 tree after remove, got %d", s.Len())
	}

	a.generation = 99
	s.Fix(a) // a.dumpHeapIndex is -1 now, Fix must be a no-op, not a panic
}

func TestCompactScheduler_OrdersByPriorityDescending(t *testing.T) {
	s := NewCompactScheduler()

	low := NewRange(1, []byte("a"), []byte("b"))
	low.InsertSlice(NewSlice(1, NewRun(1, "/tmp/r1.run"), []byte("a"), []byte("b"), 0))

	high := NewRange(2, []byte("b"), []byte("c"))
	for i := uint64(0); i < 4; i++ {
		high.InsertSlice(NewSlice(10+i, NewRun(10+i, "/tmp/r.run"), []byte("b"), []byte("c"), 0))
	}

	s.Add(low, 4)  // 1 distinct run / 4 = 0.25
	s.Add(high, 4) // 4 distinct runs / 4 = 1.0

	if got := s.Peek(); got != high {
		t.Errorf("expected higher-priority range first, got id=%d priority=%f", got.ID, got.CompactPriority())
	}
}
