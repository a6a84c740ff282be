package build

import "github.com/baserock/distbuild/artifact"

// BuildRequest is raised (source distbuild.SourceInitiator) when an
// initiator wants an artifact built.
type BuildRequest struct {
	Artifact    artifact.Artifact
	InitiatorID string
}

// CancelPending is raised (source distbuild.SourceInitiator) when an
// initiator is no longer interested in anything it previously requested.
type CancelPending struct {
	InitiatorID string
}

// Waiting is published (source distbuild.SourceWorkerConnection) when a
// job has been created or joined but no worker has started it yet.
type Waiting struct {
	InitiatorID string
	CacheKey    string
}

// StepStarted is published (source distbuild.SourceWorkerConnection) the
// moment a worker accepts a job's exec request.
type StepStarted struct {
	Initiators []string
	CacheKey   string
	WorkerName string
}

// StepAlreadyStarted is published (source distbuild.SourceWorkerConnection)
// when an initiator joins a job that is already running.
type StepAlreadyStarted struct {
	InitiatorID string
	CacheKey    string
	WorkerName  string
}

// NeedJob is published (source distbuild.SourceWorkerConnection) by a
// worker session that wants its next job.
type NeedJob struct {
	// Session is the requesting worker.
	Session WorkerHandle
	// LastJob is the job this worker just completed, or nil if this is
	// its first request.
	LastJob *Job
}

// HaveAJob is published directly to one worker session (source is that
// session itself) when the Queuer dispatches it a job.
type HaveAJob struct {
	Job *Job
}

// JobStarted is published (source distbuild.SourceWorkerConnection) by a
// worker session once it has sent the exec request for Job.
type JobStarted struct {
	Job *Job
}

// JobFinished is published (source distbuild.SourceWorkerConnection) by a
// worker session once a job's caching step has completed, successfully or
// not, so the Queuer can clear its Running flag. It is not published when
// the exec step fails or the build is cancelled.
type JobFinished struct {
	Job *Job
}

// JobFailed is published (source distbuild.SourceWorkerConnection) by a
// worker session once a job's exec or caching stage has failed.
type JobFailed struct {
	Job *Job
}

// JobSnapshot is a point-in-time, read-only view of one Job. It exists so
// that a status query answered from inside a Queuer handler can hand its
// caller something safe to read after the handler returns, without that
// caller ever touching the JobTable (or a live *Job) itself.
type JobSnapshot struct {
	ID         string
	Basename   string
	Initiators []string
	Running    bool
	Failed     bool
}

// StatusQuery is raised (source distbuild.SourceInitiator) to ask the
// Queuer for a snapshot of every job currently in its table. The Queuer
// is the Job Table's sole owner, so this is the only safe way for an
// external caller (the control surface's /status endpoint, say) to read
// it; the Queuer builds the snapshot and sends it on Reply from within
// its own handler before returning.
type StatusQuery struct {
	Reply chan<- []JobSnapshot
}
