package vinyl

import "fmt"

// checkDropped fails t with ErrLsmDropped if its tree was dropped after
// the task was constructed but before (or while) a worker executes it
//. Workers call this before starting
// I/O and once more before committing, the two points after which an
// abort would otherwise leave a half-written run.
func checkDropped(t *Task) error {
	if t.Tree.IsDropped() {
		return fmt.Errorf("%w: tree %s dropped mid-task", ErrLsmDropped, t.Tree.Name)
	}
	return nil
}

// abortTask fails the task with err and, if a run writer was already
// opened, removes its partial file so no orphan survives a mid-task
// abort.
func abortTask(t *Task, rw *RunWriter, err error) {
	t.Fail(err)
	if rw != nil {
		_ = rw.Abort()
	}
	if t.WriteIter != nil {
		t.WriteIter.Fail(err)
		t.WriteIter.Close()
	}
}

// outcomeLabel classifies a completed task for metric labeling: a
// benign drop is reported separately from a genuine failure so
// dashboards built on DumpsTotal/CompactionsTotal don't confuse normal
// teardown with something actionable.
func outcomeLabel(t *Task) string {
	switch {
	case !t.Failed:
		return "success"
	case isBenign(t.Err):
		return "dropped"
	default:
		return "failed"
	}
}
