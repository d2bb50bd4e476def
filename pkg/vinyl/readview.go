package vinyl

import "sort"

// ReadView is a snapshot boundary: a statement version at or below VLSN
// must remain visible to any reader holding this view.
type ReadView struct {
	VLSN int64
}

// ReadViewSet tracks the active read views the write iterator must
// respect while merging. It is owned by the transactional engine (an
// external collaborator) and handed to the write iterator by reference so
// newly opened/closed views are picked up without the scheduler needing
// to be told explicitly.
type ReadViewSet struct {
	views []*ReadView
}

// NewReadViewSet creates an empty set.
func NewReadViewSet() *ReadViewSet {
	return &ReadViewSet{}
}

// Open registers a new active read view.
func (s *ReadViewSet) Open(vlsn int64) *ReadView {
	v := &ReadView{VLSN: vlsn}
	s.views = append(s.views, v)
	sort.Slice(s.views, func(i, j int) bool { return s.views[i].VLSN < s.views[j].VLSN })
	return v
}

// Close removes a read view.
func (s *ReadViewSet) Close(v *ReadView) {
	for i, existing := range s.views {
		if existing == v {
			s.views = append(s.views[:i], s.views[i+1:]...)
			return
		}
	}
}

// Newest returns the highest VLSN among active views, or -1 if none.
func (s *ReadViewSet) Newest() int64 {
	if len(s.views) == 0 {
		return -1
	}
	return s.views[len(s.views)-1].VLSN
}

// Oldest returns the lowest VLSN among active views, or -1 if none.
func (s *ReadViewSet) Oldest() int64 {
	if len(s.views) == 0 {
		return -1
	}
	return s.views[0].VLSN
}
