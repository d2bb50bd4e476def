package vinyl

// Slice references a contiguous sub-interval of a Run within one Range.
// Slices are the only way a run participates in reads; the
// scheduler never hands out slices to readers itself, but must track them
// precisely enough to know when a run becomes deletable and to preserve
// positional ordering across concurrent dumps and compactions.
type Slice struct {
	ID  uint64
	Run *Run

	Begin, End []byte // half-open [Begin, End) within Run's key range

	StatementCount int64

	// pins counts readers (outside this package's scope, but modeled so
	// compaction completion can wait them out before destroying a slice
	// that is still being read).
	pins int
}

// NewSlice allocates a Slice referencing run over [begin, end).
func NewSlice(id uint64, run *Run, begin, end []byte, stmtCount int64) *Slice {
	run.AddSliceRef()
	return &Slice{ID: id, Run: run, Begin: begin, End: end, StatementCount: stmtCount}
}

// Pin/Unpin bracket a reader's use of this slice's run, mirroring
// vy_slice_wait_pinned's counterpart on the write side.
func (s *Slice) Pin()   { s.pins++ }
func (s *Slice) Unpin() { s.pins-- }

// Pinned reports whether any reader currently holds this slice.
func (s *Slice) Pinned() bool { return s.pins > 0 }

// Delete releases this slice's reference on its run, returning true if the
// run became unreferenced as a result.
func (s *Slice) Delete() bool {
	return s.Run.RemoveSliceRef()
}
