package vinyl

// DeferredDeleteHandler receives (old, new) pairs when the write iterator
// shadows an older primary-index tuple with a newer version during
// compaction. Installed only for primary-index
// compaction tasks.
type DeferredDeleteHandler interface {
	Process(old, new *Statement)
}

// writeSource is one input feeding the merge — a sealed memtable's
// statement stream for a dump, or a slice's statement stream for a
// compaction.
type writeSource struct {
	stmts []*Statement
	pos   int
}

func (s *writeSource) peek() (*Statement, bool) {
	if s.pos >= len(s.stmts) {
		return nil, false
	}
	return s.stmts[s.pos], true
}

func (s *writeSource) advance() { s.pos++ }

// WriteIterator is a lazy, sorted, read-view-respecting merge of an
// ordered set of input sources. Beyond a flat k-way merge, it also
// compacts shadowed versions per the active read-view boundaries, drops
// pure deletes at the last level, and emits deferred-delete records for
// primary-index compaction.
type WriteIterator struct {
	kd         *KeyDef
	sources    []*writeSource
	views      *ReadViewSet
	isPrimary  bool
	isLastLvl  bool
	deferred   DeferredDeleteHandler

	started bool
	failed  bool
	err     error

	lastEmitted *Statement
}

// NewWriteIteratorForMemtables builds a dump's write iterator over the
// sealed memtables eligible for this dump round. No deferred-delete
// handler is ever installed here — those arise only on compaction.
func NewWriteIteratorForMemtables(kd *KeyDef, views *ReadViewSet, memtables []*Memtable) *WriteIterator {
	sources := make([]*writeSource, 0, len(memtables))
	for _, mt := range memtables {
		sources = append(sources, &writeSource{stmts: mt.Iterator()})
	}
	return &WriteIterator{kd: kd, sources: sources, views: views}
}

// NewWriteIteratorForSlices builds a compaction's write iterator over the
// range's selected slices, in in_range order.
func NewWriteIteratorForSlices(kd *KeyDef, views *ReadViewSet, slices []*Slice, isPrimary, isLastLevel bool, deferred DeferredDeleteHandler) (*WriteIterator, error) {
	sources := make([]*writeSource, 0, len(slices))
	for _, s := range slices {
		stmts, err := ReadSlice(s)
		if err != nil {
			return nil, err
		}
		sources = append(sources, &writeSource{stmts: stmts})
	}
	return &WriteIterator{
		kd: kd, sources: sources, views: views,
		isPrimary: isPrimary, isLastLvl: isLastLevel, deferred: deferred,
	}, nil
}

// Start must precede any calls to Next.
func (it *WriteIterator) Start() error {
	it.started = true
	return nil
}

// Next returns the next statement to append to the output run, applying
// LSM compaction semantics across shadowed versions, or (nil, false) when
// exhausted: a k-way merge with shadowing/read-view logic layered on top.
func (it *WriteIterator) Next() (*Statement, bool, error) {
	if !it.started {
		return nil, false, newTaskError("write_iterator", "", "", ErrWriteIteratorFailed)
	}
	if it.failed {
		return nil, false, it.err
	}

	for {
		stmt, idx := it.peekMin()
		if idx == -1 {
			return nil, false, nil
		}

		// Gather every source currently pointing at the same key so
		// duplicates can be shadowed together; collectGroup also advances
		// each source past the statements it captures.
		group := it.collectGroup(stmt)

		out, emit := it.resolveGroup(stmt, group)
		if !emit {
			continue
		}
		it.lastEmitted = out
		return out, true, nil
	}
}

// peekMin finds the source whose current statement sorts first.
func (it *WriteIterator) peekMin() (*Statement, int) {
	var min *Statement
	minIdx := -1
	for i, src := range it.sources {
		cand, ok := src.peek()
		if !ok {
			continue
		}
		if min == nil || StatementCompare(it.kd, cand, min) < 0 {
			min = cand
			minIdx = i
		}
	}
	return min, minIdx
}

// collectGroup consumes and returns every source statement with the same
// key as stmt, newest-LSN first.
func (it *WriteIterator) collectGroup(stmt *Statement) []*Statement {
	var group []*Statement
	for _, src := range it.sources {
		for {
			cand, ok := src.peek()
			if !ok || it.kd.Compare(cand.Key, stmt.Key) != 0 {
				break
			}
			group = append(group, cand)
			src.advance()
		}
	}
	sortStatementsByLSNDesc(group)
	return group
}

// resolveGroup applies the LSM shadowing rule: statements newer than the
// newest read view are always emitted individually by the caller's outer
// loop one at a time (handled by the group containing just one element in
// that regime); statements at or older than the oldest read view collapse
// to the newest version, converted to a pure delete if it is itself a
// delete and this is the last level.
func (it *WriteIterator) resolveGroup(stmt *Statement, group []*Statement) (*Statement, bool) {
	newestView := it.views.Newest()

	if newestView >= 0 && stmt.LSN > newestView {
		// Newer than any read view: every version must survive individually.
		return group[0], true
	}

	newest := group[0]
	it.emitDeferredDeletes(group)

	if it.isLastLvl && newest.Deleted {
		return nil, false
	}
	return newest, true
}

// emitDeferredDeletes reports every shadowed-but-not-newest pair in group
// to the installed handler, when this is a primary-index compaction —
// propagating the delete to secondary indexes whose ordering differs from
// the primary's.
func (it *WriteIterator) emitDeferredDeletes(group []*Statement) {
	if !it.isPrimary || it.deferred == nil || len(group) < 2 {
		return
	}
	newest := group[0]
	for _, older := range group[1:] {
		it.deferred.Process(older, newest)
	}
}

// Fail marks the iterator failed; subsequent Next calls return the error.
func (it *WriteIterator) Fail(err error) {
	it.failed = true
	it.err = err
}

// Stop releases per-call resources without discarding accumulated state.
func (it *WriteIterator) Stop() {}

// Close tears the iterator down for good.
func (it *WriteIterator) Close() {
	it.sources = nil
}

func sortStatementsByLSNDesc(stmts []*Statement) {
	// Small groups (one version per overlapping source); insertion sort
	// avoids pulling in sort.Slice's reflection overhead on the hot path.
	for i := 1; i < len(stmts); i++ {
		for j := i; j > 0 && stmts[j].LSN > stmts[j-1].LSN; j-- {
			stmts[j], stmts[j-1] = stmts[j-1], stmts[j]
		}
	}
}
