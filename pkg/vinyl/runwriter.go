package vinyl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
)

// RunWriter streams a sorted statement stream into a new immutable
// on-disk run, through an explicit create/start/append/commit state
// machine, so the coordinator can abort a partially-written run on
// failure without the writer having already returned a finished *Run.
type RunWriter struct {
	run    *Run
	file   *os.File
	writer *bufio.Writer
	bloom  *BloomFilter

	policy Policy

	minKey, maxKey []byte
	count          int64
	maxLSN         int64

	started   bool
	committed bool
}

// CreateRunWriter opens the backing file for a new run. The run itself
// starts life in the Prepared state; the metadata log record for it is
// written by the caller (coordinator) before or after this call.
func CreateRunWriter(run *Run, policy Policy, expectedStatements int) (*RunWriter, error) {
	f, err := os.Create(run.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: create run file %s: %v", ErrIO, run.Path, err)
	}
	return &RunWriter{
		run:    run,
		file:   f,
		writer: bufio.NewWriter(f),
		bloom:  NewBloomFilter(expectedStatements, policy.BloomFPR),
		policy: policy,
	}, nil
}

// Start must be called once before any AppendStmt, binding the writer to
// its single feeding iterator.
func (w *RunWriter) Start() error {
	if w.started {
		return fmt.Errorf("run writer %d already started", w.run.ID)
	}
	w.started = true
	return nil
}

// AppendStmt writes one statement's bytes to the page stream, updating the
// bloom filter, min/max key tracking, and dump-LSN accumulator. The
// cooperative yield every YieldLoops statements is the caller's
// responsibility (execDump/execCompact drive this loop); AppendStmt itself
// does no I/O wait beyond the buffered write.
func (w *RunWriter) AppendStmt(stmt *Statement) error {
	if !w.started {
		return fmt.Errorf("run writer %d: append before start", w.run.ID)
	}

	if err := writeStatement(w.writer, stmt); err != nil {
		return fmt.Errorf("%w: append to run %d: %v", ErrIO, w.run.ID, err)
	}

	w.bloom.Add(stmt.Key)
	if w.minKey == nil || bytesLess(stmt.Key, w.minKey) {
		w.minKey = stmt.Key
	}
	if w.maxKey == nil || bytesLess(w.maxKey, stmt.Key) {
		w.maxKey = stmt.Key
	}
	w.count++
	if stmt.LSN > w.maxLSN {
		w.maxLSN = stmt.LSN
	}
	return nil
}

// Commit durably flushes the file and records min/max keys, statement
// count, and dump-LSN on the Run — durability is achieved here, before
// the metadata log's create_run record is what actually makes the run
// visible.
func (w *RunWriter) Commit() (*Run, error) {
	if err := w.writer.Flush(); err != nil {
		return nil, fmt.Errorf("%w: flush run %d: %v", ErrIO, w.run.ID, err)
	}
	if err := w.file.Sync(); err != nil {
		return nil, fmt.Errorf("%w: sync run %d: %v", ErrIO, w.run.ID, err)
	}
	// Footer: bloom filter length-prefixed, then crc32 of the whole footer.
	bloomData := w.bloom.MarshalBinary()
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(bloomData))); err == nil {
		_, _ = w.writer.Write(bloomData)
		checksum := crc32.ChecksumIEEE(bloomData)
		_ = binary.Write(w.writer, binary.LittleEndian, checksum)
		_ = w.writer.Flush()
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("%w: close run %d: %v", ErrIO, w.run.ID, err)
	}

	w.committed = true
	w.run.Commit(w.minKey, w.maxKey, w.count, w.maxLSN)
	return w.run, nil
}

// Abort removes any partial file. Called when execute/complete fails
// before Commit.
func (w *RunWriter) Abort() error {
	if w.committed {
		return nil
	}
	_ = w.file.Close()
	if err := os.Remove(w.run.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove aborted run file %s: %v", ErrIO, w.run.Path, err)
	}
	return nil
}

// Count returns the number of statements appended so far.
func (w *RunWriter) Count() int64 { return w.count }

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// writeStatement frames one statement as [KeyLen:4][Key][ValLen:4][Val][LSN:8][Deleted:1].
func writeStatement(w *bufio.Writer, stmt *Statement) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(stmt.Key))); err != nil {
		return err
	}
	if _, err := w.Write(stmt.Key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(stmt.Value))); err != nil {
		return err
	}
	if _, err := w.Write(stmt.Value); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, stmt.LSN); err != nil {
		return err
	}
	deleted := byte(0)
	if stmt.Deleted {
		deleted = 1
	}
	return w.WriteByte(deleted)
}
