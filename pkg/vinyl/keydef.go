package vinyl

import "bytes"

// KeyPart describes one field of a composite key.
type KeyPart struct {
	FieldNo  int
	Nullable bool
	Desc     bool // descending sort order for this part
}

// KeyDef is the comparison/key definition an LSM tree uses to order
// statements. Alter (schema change) may mutate the LSM tree's own KeyDef
// concurrently with a worker running a task; tasks therefore carry their
// own deep copy, released at task destruction.
type KeyDef struct {
	Parts []KeyPart
}

// Clone deep-copies the definition so a worker's copy can never observe a
// concurrent alter on the LSM tree's live KeyDef.
func (kd *KeyDef) Clone() *KeyDef {
	if kd == nil {
		return nil
	}
	parts := make([]KeyPart, len(kd.Parts))
	copy(parts, kd.Parts)
	return &KeyDef{Parts: parts}
}

// Compare orders two keys according to this definition. Keys are stored
// pre-encoded as the comparable byte form of their parts — the on-disk
// page layout is opaque to this package, which only ever sees a key as a
// plain []byte already in comparable form and compares it with
// bytes.Compare.
func (kd *KeyDef) Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Statement is the unit the write iterator and run writer move around: a
// key, an optional value (nil for a pure delete/tombstone), an LSN, and
// whether it is a delete. It carries an explicit LSN rather than a
// wall-clock timestamp because compaction and dump ordering must follow
// the write-ahead log's LSN order, not local clocks.
type Statement struct {
	Key     []byte
	Value   []byte
	LSN     int64
	Deleted bool
}

// StatementCompare orders statements by key, then by LSN descending —
// newer versions of the same key sort first, so a merge pass can collapse
// shadowed versions by simply keeping the first statement seen per key.
func StatementCompare(kd *KeyDef, a, b *Statement) int {
	if c := kd.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.LSN > b.LSN:
		return -1
	case a.LSN < b.LSN:
		return 1
	default:
		return 0
	}
}
