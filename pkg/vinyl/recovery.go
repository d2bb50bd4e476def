package vinyl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RecoverOrphans scans dataDir for run files with no corresponding
// prepare_run or create_run record in the metadata log's replay and removes them —
// the file-side half of the crash-safety contract the metadata log
// establishes by only ever treating a record as real once it has been
// durably fsynced.
func RecoverOrphans(dataDir string, mlog *MetadataLog) ([]string, error) {
	records, err := mlog.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: replay metadata log for recovery: %v", ErrIO, err)
	}

	known := make(map[uint64]bool)
	for _, r := range records {
		switch r.Kind {
		case RecordPrepareRun, RecordCreateRun:
			var id uint64
			if runID, ok := decodeRunID(r); ok {
				id = runID
				known[id] = true
			}
		}
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list data dir %s: %v", ErrIO, dataDir, err)
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".run") {
			continue
		}
		id, ok := runIDFromFilename(e.Name())
		if !ok || known[id] {
			continue
		}
		path := filepath.Join(dataDir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("%w: remove orphan run %s: %v", ErrIO, path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// decodeRunID extracts the RunID field common to prepareRunPayload and
// createRunPayload without re-parsing the full typed payload, since
// recovery only needs the id.
func decodeRunID(r Record) (uint64, bool) {
	var partial struct{ RunID uint64 }
	if err := json.Unmarshal(r.Payload, &partial); err != nil {
		return 0, false
	}
	return partial.RunID, true
}

// runIDFromFilename parses the "%s-%020d.run" naming scheme RunPath
// produces, for matching on-disk files back to metadata-log run ids.
func runIDFromFilename(name string) (uint64, bool) {
	name = strings.TrimSuffix(name, ".run")
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return 0, false
	}
	var id uint64
	_, err := fmt.Sscanf(name[idx+1:], "%d", &id)
	if err != nil {
		return 0, false
	}
	return id, true
}
