package build

import (
	"github.com/sirupsen/logrus"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/artifact"
)

// JobTable is the in-memory store of active jobs, keyed by artifact
// basename (component C5). It is owned exclusively by the Queuer; nothing
// else mutates it.
type JobTable struct {
	idgen  *distbuild.IdentifierGenerator
	logger *logrus.Entry

	jobs map[string]*Job
	// order records basenames in creation order so NextQueued can return
	// the most recently queued job (LIFO dispatch among queued jobs).
	order []string
}

// NewJobTable creates an empty table whose jobs mint ids from idgen.
func NewJobTable(idgen *distbuild.IdentifierGenerator, logger *logrus.Entry) *JobTable {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &JobTable{
		idgen:  idgen,
		logger: logger,
		jobs:   make(map[string]*Job),
	}
}

// Get returns the job for basename, if any.
func (t *JobTable) Get(basename string) (*Job, bool) {
	j, ok := t.jobs[basename]
	return j, ok
}

// Exists reports whether a job for basename is present.
func (t *JobTable) Exists(basename string) bool {
	_, ok := t.jobs[basename]
	return ok
}

// Create inserts a new job for art, owned initially by initiatorID. The
// caller must have already checked !Exists(art.Basename).
func (t *JobTable) Create(art artifact.Artifact, initiatorID string) *Job {
	job := newJob(t.idgen.Next(), art, initiatorID)
	t.jobs[art.Basename] = job
	t.order = append(t.order, art.Basename)
	return job
}

// Remove deletes job from the table. Removing a job that is no longer
// present is logged at warning level and otherwise a no-op.
func (t *JobTable) Remove(job *Job) {
	basename := job.Artifact.Basename
	if _, ok := t.jobs[basename]; !ok {
		t.logger.WithField("artifact", basename).Warn("tried to remove a job that doesn't exist")
		return
	}
	delete(t.jobs, basename)
	for i, b := range t.order {
		if b == basename {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// RemoveMany atomically removes every job for which predicate returns
// true.
func (t *JobTable) RemoveMany(predicate func(*Job) bool) {
	var doomed []*Job
	for _, j := range t.jobs {
		if predicate(j) {
			doomed = append(doomed, j)
		}
	}
	for _, j := range doomed {
		t.Remove(j)
	}
}

// NextQueued returns a job with AssignedWorker == nil, or false if none is
// queued. Selection is the most recently created still-queued job, an
// explicit LIFO policy, not arrival order.
func (t *JobTable) NextQueued() (*Job, bool) {
	for i := len(t.order) - 1; i >= 0; i-- {
		job := t.jobs[t.order[i]]
		if job != nil && job.AssignedWorker == nil {
			return job, true
		}
	}
	return nil, false
}

// All returns every job currently in the table, in creation order. The
// caller must not mutate the returned slice's backing jobs' identity (it
// may mutate job fields, just not rearrange the table).
func (t *JobTable) All() []*Job {
	out := make([]*Job, 0, len(t.order))
	for _, basename := range t.order {
		out = append(out, t.jobs[basename])
	}
	return out
}

// Len returns the number of jobs currently in the table.
func (t *JobTable) Len() int {
	return len(t.jobs)
}
