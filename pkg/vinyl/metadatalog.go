package vinyl

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
)

// RecordKind enumerates the metadata-log record types.
type RecordKind byte

const (
	RecordPrepareRun RecordKind = iota + 1
	RecordCreateRun
	RecordDropRun
	RecordForgetRun
	RecordInsertSlice
	RecordDeleteSlice
	RecordDumpLSM
)

// Record is one metadata-log entry. Payload is record-kind-specific JSON;
// JSON keeps this package free of a generated-codec dependency while still
// giving each record kind a typed payload struct below.
type Record struct {
	ID      uint64
	Kind    RecordKind
	Payload []byte
}

// Typed payloads, marshalled into Record.Payload.
type prepareRunPayload struct{ RunID uint64 }
type createRunPayload struct {
	RunID                       uint64
	MinKey, MaxKey              []byte
	StatementCount, DumpLSN     int64
}
type dropRunPayload struct {
	RunID uint64
	GCLSN int64
}
type forgetRunPayload struct{ RunID uint64 }
type insertSlicePayload struct {
	SliceID, RunID uint64
	RangeID        uint64
	Begin, End     []byte
	StatementCount int64
}
type deleteSlicePayload struct{ SliceID uint64 }
type dumpLSMPayload struct{ DumpLSN int64 }

// MetadataLog is the append-only transactional record of runs, slices,
// and ranges. Unlike a flat op-log, tx_begin/tx_commit buffers a set of
// records and flushes them as one atomic write, so a crash mid-group
// leaves none of them on disk — each record is still snappy-compressed
// and crc32-framed individually.
type MetadataLog struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string

	ids *idSequence

	// pending buffers records opened by TxBegin until TxCommit/TxTryCommit.
	pending []Record
	inTx    bool
}

// OpenMetadataLog opens (or creates) the metadata log at dataDir/metadata.log
// and replays it to recompute the shared id sequence's high-water mark.
func OpenMetadataLog(dataDir string, ids *idSequence) (*MetadataLog, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create metadata log dir: %w", err)
	}
	path := filepath.Join(dataDir, "metadata.log")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open metadata log: %w", err)
	}

	log := &MetadataLog{file: f, writer: bufio.NewWriter(f), path: path, ids: ids}

	records, err := log.ReadAll()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("replay metadata log: %w", err)
	}
	for _, r := range records {
		ids.advanceTo(r.ID)
	}
	return log, nil
}

// NextID mints a fresh id from the sequence shared with runs and slices.
func (l *MetadataLog) NextID() uint64 {
	return l.ids.nextID()
}

// Signature returns the log's current high-water id, used as the gc-LSN
// stamped on drop_run records.
func (l *MetadataLog) Signature() uint64 {
	return l.ids.peek()
}

// TxBegin opens a transactional group. Records appended via the typed
// helpers below are buffered until TxCommit/TxTryCommit.
func (l *MetadataLog) TxBegin() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inTx = true
	l.pending = l.pending[:0]
}

// TxCommit flushes the buffered group as a single atomic write. A failure
// here leaves no partial effect: either every buffered record lands on
// disk, or the in-memory buffer is dropped and ErrMetadataLogCommitFailed
// propagates.
func (l *MetadataLog) TxCommit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.inTx {
		return nil
	}
	records := l.pending
	l.pending = nil
	l.inTx = false

	if len(records) == 0 {
		return nil
	}
	if err := l.writeAll(records); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataLogCommitFailed, err)
	}
	return nil
}

// TxTryCommit is the best-effort variant for follow-up writes whose loss
// is tolerable (recovery rediscovers the orphan). Unlike TxCommit it
// never returns an error to its caller's caller as fatal — callers should
// log and move on.
func (l *MetadataLog) TxTryCommit() error {
	return l.TxCommit()
}

// TxAbort discards the buffered group without writing anything.
func (l *MetadataLog) TxAbort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = nil
	l.inTx = false
}

func (l *MetadataLog) append(kind RecordKind, payload any) uint64 {
	id := l.ids.nextID()
	data, _ := json.Marshal(payload)
	l.pending = append(l.pending, Record{ID: id, Kind: kind, Payload: data})
	return id
}

func (l *MetadataLog) PrepareRun(runID uint64) uint64 {
	return l.append(RecordPrepareRun, prepareRunPayload{RunID: runID})
}

func (l *MetadataLog) CreateRun(runID uint64, minKey, maxKey []byte, stmtCount, dumpLSN int64) uint64 {
	return l.append(RecordCreateRun, createRunPayload{
		RunID: runID, MinKey: minKey, MaxKey: maxKey,
		StatementCount: stmtCount, DumpLSN: dumpLSN,
	})
}

func (l *MetadataLog) DropRun(runID uint64, gcLSN int64) uint64 {
	return l.append(RecordDropRun, dropRunPayload{RunID: runID, GCLSN: gcLSN})
}

func (l *MetadataLog) ForgetRun(runID uint64) uint64 {
	return l.append(RecordForgetRun, forgetRunPayload{RunID: runID})
}

func (l *MetadataLog) InsertSlice(sliceID, runID, rangeID uint64, begin, end []byte, stmtCount int64) uint64 {
	return l.append(RecordInsertSlice, insertSlicePayload{
		SliceID: sliceID, RunID: runID, RangeID: rangeID,
		Begin: begin, End: end, StatementCount: stmtCount,
	})
}

func (l *MetadataLog) DeleteSlice(sliceID uint64) uint64 {
	return l.append(RecordDeleteSlice, deleteSlicePayload{SliceID: sliceID})
}

func (l *MetadataLog) DumpLSM(dumpLSN int64) uint64 {
	return l.append(RecordDumpLSM, dumpLSMPayload{DumpLSN: dumpLSN})
}

// writeAll appends a group of records to the file, each snappy-compressed
// and crc32-framed, then fsyncs once for the whole group — the atomicity
// boundary is the group, not the individual record.
func (l *MetadataLog) writeAll(records []Record) error {
	for _, r := range records {
		if err := l.writeRecord(r); err != nil {
			return err
		}
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush metadata log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync metadata log: %w", err)
	}
	return nil
}

// Format: [ID:8][Kind:1][DataLen:4][Data:N][Checksum:4]
func (l *MetadataLog) writeRecord(r Record) error {
	compressed := snappy.Encode(nil, r.Payload)
	checksum := crc32.ChecksumIEEE(compressed)

	if err := binary.Write(l.writer, binary.BigEndian, r.ID); err != nil {
		return err
	}
	if err := l.writer.WriteByte(byte(r.Kind)); err != nil {
		return err
	}
	if err := binary.Write(l.writer, binary.BigEndian, uint32(len(compressed))); err != nil {
		return err
	}
	if _, err := l.writer.Write(compressed); err != nil {
		return err
	}
	return binary.Write(l.writer, binary.BigEndian, checksum)
}

// ReadAll replays every committed record from disk, used at startup and
// by tests that check replay against live tree state.
func (l *MetadataLog) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return nil, err
	}

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var records []Record
	for {
		var id uint64
		if err := binary.Read(reader, binary.BigEndian, &id); err != nil {
			if err == io.EOF {
				break
			}
			return records, nil // truncated tail: a crash mid-record is absent on replay
		}
		kindByte, err := reader.ReadByte()
		if err != nil {
			return records, nil
		}
		var dataLen uint32
		if err := binary.Read(reader, binary.BigEndian, &dataLen); err != nil {
			return records, nil
		}
		compressed := make([]byte, dataLen)
		if _, err := io.ReadFull(reader, compressed); err != nil {
			return records, nil
		}
		var checksum uint32
		if err := binary.Read(reader, binary.BigEndian, &checksum); err != nil {
			return records, nil
		}
		if crc32.ChecksumIEEE(compressed) != checksum {
			return records, nil // corrupt tail, treat as uncommitted
		}
		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			return records, nil
		}
		records = append(records, Record{ID: id, Kind: RecordKind(kindByte), Payload: payload})
	}
	return records, nil
}

// Close flushes and closes the underlying file.
func (l *MetadataLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}
