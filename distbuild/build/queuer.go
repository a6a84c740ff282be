package build

import (
	"github.com/sirupsen/logrus"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/metrics"
)

// StateIdle is the Queuer's only state: it never blocks waiting for
// anything, it just reacts to whichever event arrives next.
const StateIdle distbuild.State = "idle"

type availableWorker struct {
	session WorkerHandle
}

// Queuer is the Build Queuer state machine (component C6): the singleton
// that owns the Job Table and the queue of idle workers, and matches jobs
// to workers.
type Queuer struct {
	*distbuild.Machine

	loop      *distbuild.EventLoop
	jobs      *JobTable
	available []availableWorker
	logger    *logrus.Entry
	metrics   *metrics.Queuer
}

// NewQueuer creates the Queuer and registers it on loop.
func NewQueuer(loop *distbuild.EventLoop, logger *logrus.Entry, m *metrics.Queuer) *Queuer {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if m == nil {
		m = metrics.NewQueuer(nil)
	}

	q := &Queuer{
		Machine: distbuild.NewMachine(StateIdle),
		loop:    loop,
		jobs:    NewJobTable(distbuild.NewIdentifierGenerator("job"), logger),
		logger:  logger,
		metrics: m,
	}

	q.AddTransitions(
		distbuild.Transition{From: StateIdle, Source: distbuild.SourceInitiator, Event: BuildRequest{}, To: StateIdle, Handle: q.handleBuildRequest},
		distbuild.Transition{From: StateIdle, Source: distbuild.SourceInitiator, Event: CancelPending{}, To: StateIdle, Handle: q.handleCancelPending},
		distbuild.Transition{From: StateIdle, Source: distbuild.SourceInitiator, Event: StatusQuery{}, To: StateIdle, Handle: q.handleStatusQuery},
		distbuild.Transition{From: StateIdle, Source: distbuild.SourceWorkerConnection, Event: NeedJob{}, To: StateIdle, Handle: q.handleNeedJob},
		distbuild.Transition{From: StateIdle, Source: distbuild.SourceWorkerConnection, Event: JobStarted{}, To: StateIdle, Handle: q.handleJobStarted},
		distbuild.Transition{From: StateIdle, Source: distbuild.SourceWorkerConnection, Event: JobFinished{}, To: StateIdle, Handle: q.handleJobFinished},
		distbuild.Transition{From: StateIdle, Source: distbuild.SourceWorkerConnection, Event: JobFailed{}, To: StateIdle, Handle: q.handleJobFailed},
	)
	loop.Register(q.Machine)
	return q
}

// Jobs exposes the underlying table for tests running on the same
// goroutine as the event loop they drive to quiescence. Anything reading
// job state from another goroutine (an HTTP status handler, say) must go
// through StatusQuery instead: the JobTable is the Queuer's alone, and
// nothing outside its own handlers may touch it concurrently.
func (q *Queuer) Jobs() *JobTable { return q.jobs }

func (q *Queuer) handleBuildRequest(_ interface{}, event interface{}) {
	req := event.(BuildRequest)

	q.logger.WithFields(logrus.Fields{
		"artifact":   req.Artifact.Basename,
		"initiator":  req.InitiatorID,
		"jobs":       q.jobs.Len(),
		"idleWorkers": len(q.available),
	}).Debug("handling build request")

	if job, ok := q.jobs.Get(req.Artifact.Basename); ok {
		job.AddInitiator(req.InitiatorID)

		var progress interface{}
		if job.Running {
			progress = StepAlreadyStarted{
				InitiatorID: req.InitiatorID,
				CacheKey:    req.Artifact.Source.CacheKey,
				WorkerName:  job.AssignedWorker.Name(),
			}
		} else {
			progress = Waiting{
				InitiatorID: req.InitiatorID,
				CacheKey:    req.Artifact.Source.CacheKey,
			}
		}
		q.loop.QueueEvent(distbuild.SourceWorkerConnection, progress)
		return
	}

	q.logger.WithField("artifact", req.Artifact.Name).Debug("creating job")
	job := q.jobs.Create(req.Artifact, req.InitiatorID)
	q.metrics.JobsCreated.Inc()
	q.metrics.QueueDepth.Set(float64(q.jobs.Len()))

	if len(q.available) > 0 {
		q.dispatch(job)
	} else {
		q.loop.QueueEvent(distbuild.SourceWorkerConnection, Waiting{
			InitiatorID: req.InitiatorID,
			CacheKey:    req.Artifact.Source.CacheKey,
		})
	}
}

func (q *Queuer) handleCancelPending(_ interface{}, event interface{}) {
	cancel := event.(CancelPending)

	q.jobs.RemoveMany(func(job *Job) bool {
		if !job.HasInitiator(cancel.InitiatorID) {
			return false
		}

		if job.NumInitiators() > 1 {
			q.logger.WithFields(logrus.Fields{
				"artifact": job.Artifact.Basename,
				"job":      job.ID,
			}).Debug("not removing job, other initiators want it")
			job.RemoveInitiator(cancel.InitiatorID)
			return false
		}

		if job.Running || job.Failed {
			q.logger.WithFields(logrus.Fields{
				"artifact": job.Artifact.Basename,
				"job":      job.ID,
			}).Debug("not removing running job, worker session owns teardown")
			return false
		}

		q.logger.WithFields(logrus.Fields{
			"artifact": job.Artifact.Basename,
			"job":      job.ID,
		}).Debug("removing queued job")
		q.metrics.JobsRemoved.Inc()
		return true
	})
	q.metrics.QueueDepth.Set(float64(q.jobs.Len()))
}

func (q *Queuer) handleNeedJob(_ interface{}, event interface{}) {
	need := event.(NeedJob)

	if need.LastJob != nil {
		q.logger.WithFields(logrus.Fields{
			"worker": need.Session.Name(),
			"job":    need.LastJob.ID,
		}).Debug("removing completed job")
		q.jobs.Remove(need.LastJob)
		q.metrics.JobsRemoved.Inc()
		q.metrics.QueueDepth.Set(float64(q.jobs.Len()))
	}

	q.available = append(q.available, availableWorker{session: need.Session})
	q.metrics.IdleWorkers.Set(float64(len(q.available)))

	if job, ok := q.jobs.NextQueued(); ok {
		q.dispatch(job)
	}
}

func (q *Queuer) handleJobStarted(_ interface{}, event interface{}) {
	event.(JobStarted).Job.Running = true
}

func (q *Queuer) handleJobFinished(_ interface{}, event interface{}) {
	event.(JobFinished).Job.Running = false
}

func (q *Queuer) handleJobFailed(_ interface{}, event interface{}) {
	event.(JobFailed).Job.Failed = true
}

// handleStatusQuery builds an immutable snapshot of every job in the
// table and sends it on the caller's reply channel. This is the only
// place a *Job's fields are read for that purpose, so an external status
// surface never has to touch the JobTable off the event loop.
func (q *Queuer) handleStatusQuery(_ interface{}, event interface{}) {
	query := event.(StatusQuery)

	jobs := q.jobs.All()
	snapshot := make([]JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		snapshot = append(snapshot, JobSnapshot{
			ID:         j.ID,
			Basename:   j.Artifact.Basename,
			Initiators: j.Initiators(),
			Running:    j.Running,
			Failed:     j.Failed,
		})
	}
	query.Reply <- snapshot
}

// dispatch pops the head of the available-worker FIFO and hands it job.
func (q *Queuer) dispatch(job *Job) {
	worker := q.available[0]
	q.available = q.available[1:]
	q.metrics.IdleWorkers.Set(float64(len(q.available)))

	job.AssignedWorker = worker.session
	q.metrics.JobsDispatched.Inc()

	q.logger.WithFields(logrus.Fields{
		"artifact": job.Artifact.Name,
		"worker":   worker.session.Name(),
	}).Debug("dispatching job")

	q.loop.QueueEvent(worker.session, HaveAJob{Job: job})
}
