// Package build implements the Job Table (C5) and the Build Queuer (C6):
// the singleton state machine that deduplicates build requests into jobs
// and matches them to idle workers.
package build

import "github.com/baserock/distbuild/artifact"

//go:generate mockgen -package mocks -destination ../mocks/worker_handle.go github.com/baserock/distbuild/build WorkerHandle

// WorkerHandle is everything the Queuer and a Job need to know about a
// connected worker, without depending on the worker package (which
// depends on this one for Job and its events).
type WorkerHandle interface {
	// Name identifies the worker for progress events and logging.
	Name() string
}

// Job is the coordinator's deduplicated representation of "someone wants
// artifact X built".
type Job struct {
	// ID is unique, minted by the Job Table's identifier generator.
	ID string

	// Artifact is the immutable handle this job builds.
	Artifact artifact.Artifact

	// initiators preserves arrival order; membership is checked via the
	// set below so duplicates collapse silently.
	initiators []string
	initiatorSet map[string]struct{}

	// AssignedWorker is nil while the job is queued.
	AssignedWorker WorkerHandle

	// Running is true from the moment the assigned worker has accepted
	// the exec request.
	Running bool

	// Failed is true once the job's exec or caching stage has reported
	// failure.
	Failed bool
}

func newJob(id string, art artifact.Artifact, initiatorID string) *Job {
	j := &Job{
		ID:           id,
		Artifact:     art,
		initiatorSet: make(map[string]struct{}),
	}
	j.AddInitiator(initiatorID)
	return j
}

// AddInitiator adds id to the job's initiator set if not already present.
func (j *Job) AddInitiator(id string) {
	if _, ok := j.initiatorSet[id]; ok {
		return
	}
	j.initiatorSet[id] = struct{}{}
	j.initiators = append(j.initiators, id)
}

// RemoveInitiator removes id from the job's initiator set, if present.
func (j *Job) RemoveInitiator(id string) {
	if _, ok := j.initiatorSet[id]; !ok {
		return
	}
	delete(j.initiatorSet, id)
	for i, existing := range j.initiators {
		if existing == id {
			j.initiators = append(j.initiators[:i], j.initiators[i+1:]...)
			break
		}
	}
}

// HasInitiator reports whether id is in the job's initiator set.
func (j *Job) HasInitiator(id string) bool {
	_, ok := j.initiatorSet[id]
	return ok
}

// NumInitiators returns the current initiator-set size.
func (j *Job) NumInitiators() int {
	return len(j.initiators)
}

// Initiators returns a snapshot of the job's initiator set in arrival
// order. Callers must treat the result as read-only.
func (j *Job) Initiators() []string {
	out := make([]string, len(j.initiators))
	copy(out, j.initiators)
	return out
}
