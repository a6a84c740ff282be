package build_test

import (
	"context"
	"time"

	gc "gopkg.in/check.v1"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/build"
)

var _ = gc.Suite(new(QueuerTestSuite))

type QueuerTestSuite struct{}

// recorder captures, in delivery order, every event of the given types
// that arrives tagged with source.
type recorder struct {
	*distbuild.Machine
	events []interface{}
}

func newRecorder(loop *distbuild.EventLoop, source interface{}, eventTypes ...interface{}) *recorder {
	r := &recorder{Machine: distbuild.NewMachine(distbuild.NoState)}
	for _, et := range eventTypes {
		et := et
		r.AddTransitions(distbuild.Transition{
			From:   distbuild.NoState,
			Source: source,
			Event:  et,
			To:     distbuild.NoState,
			Handle: func(_ interface{}, event interface{}) {
				r.events = append(r.events, event)
			},
		})
	}
	loop.Register(r.Machine)
	return r
}

func runToQuiescence(c *gc.C, loop *distbuild.EventLoop) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	go func() {
		for !loop.Idle() {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	c.Assert(loop.Run(ctx), gc.IsNil)
}

func (s *QueuerTestSuite) TestDeduplicationAndJoinEmitWaitingTwice(c *gc.C) {
	// S2: two initiators ask for the same artifact before a worker
	// appears; exactly one job is created and each initiator gets its
	// own Waiting.
	loop := distbuild.NewEventLoop(nil)
	q := build.NewQueuer(loop, nil, nil)
	waiting := newRecorder(loop, distbuild.SourceWorkerConnection, build.Waiting{})

	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("a"), InitiatorID: "I1"})
	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("a"), InitiatorID: "I2"})
	runToQuiescence(c, loop)

	c.Assert(q.Jobs().Len(), gc.Equals, 1)
	job, ok := q.Jobs().Get("a")
	c.Assert(ok, gc.Equals, true)
	c.Assert(job.Initiators(), gc.DeepEquals, []string{"I1", "I2"})
	c.Assert(len(waiting.events), gc.Equals, 2)
}

func (s *QueuerTestSuite) TestDispatchToIdleWorkerAndJoinWhileRunning(c *gc.C) {
	// S1 front-half + S3: a worker is already idle, I1's request
	// dispatches immediately; I2 then joins the running job and gets
	// StepAlreadyStarted instead of Waiting.
	loop := distbuild.NewEventLoop(nil)
	q := build.NewQueuer(loop, nil, nil)

	worker := stubWorker{"w1"}
	haveAJob := newRecorder(loop, worker, build.HaveAJob{})
	stepAlready := newRecorder(loop, distbuild.SourceWorkerConnection, build.StepAlreadyStarted{})

	loop.QueueEvent(distbuild.SourceWorkerConnection, build.NeedJob{Session: worker})
	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("a"), InitiatorID: "I1"})
	runToQuiescence(c, loop)

	c.Assert(len(haveAJob.events), gc.Equals, 1)
	dispatched := haveAJob.events[0].(build.HaveAJob).Job
	c.Assert(dispatched.Artifact.Basename, gc.Equals, "a")
	c.Assert(dispatched.AssignedWorker, gc.Equals, build.WorkerHandle(worker))

	// the worker session would normally publish this itself once it
	// sends the exec-request
	loop.QueueEvent(distbuild.SourceWorkerConnection, build.JobStarted{Job: dispatched})
	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("a"), InitiatorID: "I2"})
	runToQuiescence(c, loop)

	c.Assert(dispatched.Running, gc.Equals, true)
	c.Assert(dispatched.Initiators(), gc.DeepEquals, []string{"I1", "I2"})
	c.Assert(len(stepAlready.events), gc.Equals, 1)
	got := stepAlready.events[0].(build.StepAlreadyStarted)
	c.Assert(got.InitiatorID, gc.Equals, "I2")
	c.Assert(got.WorkerName, gc.Equals, "w1")
}

func (s *QueuerTestSuite) TestPartialCancelKeepsJobAlive(c *gc.C) {
	// S4: cancelling one of two initiators on a running job only
	// removes that initiator; the job itself is untouched.
	loop := distbuild.NewEventLoop(nil)
	q := build.NewQueuer(loop, nil, nil)

	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("a"), InitiatorID: "I1"})
	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("a"), InitiatorID: "I2"})
	runToQuiescence(c, loop)

	job, _ := q.Jobs().Get("a")
	job.Running = true

	loop.QueueEvent(distbuild.SourceInitiator, build.CancelPending{InitiatorID: "I1"})
	runToQuiescence(c, loop)

	c.Assert(q.Jobs().Exists("a"), gc.Equals, true)
	c.Assert(job.Initiators(), gc.DeepEquals, []string{"I2"})
}

func (s *QueuerTestSuite) TestFullCancelOfQueuedJobRemovesIt(c *gc.C) {
	// S5: the sole initiator of a not-yet-dispatched job cancels; the
	// job disappears entirely and is never handed to a later worker.
	loop := distbuild.NewEventLoop(nil)
	q := build.NewQueuer(loop, nil, nil)

	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("a"), InitiatorID: "I1"})
	loop.QueueEvent(distbuild.SourceInitiator, build.CancelPending{InitiatorID: "I1"})
	runToQuiescence(c, loop)

	c.Assert(q.Jobs().Exists("a"), gc.Equals, false)

	worker := stubWorker{"w1"}
	haveAJob := newRecorder(loop, worker, build.HaveAJob{})
	loop.QueueEvent(distbuild.SourceWorkerConnection, build.NeedJob{Session: worker})
	runToQuiescence(c, loop)

	c.Assert(len(haveAJob.events), gc.Equals, 0)
}

func (s *QueuerTestSuite) TestCancelOfRunningSoleInitiatorLeavesJobForSession(c *gc.C) {
	// Cancel safety: a running, sole-initiator job is left for the
	// Worker Session to tear down, not removed here.
	loop := distbuild.NewEventLoop(nil)
	q := build.NewQueuer(loop, nil, nil)

	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("a"), InitiatorID: "I1"})
	runToQuiescence(c, loop)
	job, _ := q.Jobs().Get("a")
	job.Running = true

	loop.QueueEvent(distbuild.SourceInitiator, build.CancelPending{InitiatorID: "I1"})
	runToQuiescence(c, loop)

	c.Assert(q.Jobs().Exists("a"), gc.Equals, true)
}

func (s *QueuerTestSuite) TestNeedJobRemovesLastJobThenDispatchesNext(c *gc.C) {
	loop := distbuild.NewEventLoop(nil)
	q := build.NewQueuer(loop, nil, nil)

	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("a"), InitiatorID: "I1"})
	runToQuiescence(c, loop)
	finished, _ := q.Jobs().Get("a")

	loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{Artifact: art("b"), InitiatorID: "I2"})
	runToQuiescence(c, loop)

	worker := stubWorker{"w1"}
	haveAJob := newRecorder(loop, worker, build.HaveAJob{})
	loop.QueueEvent(distbuild.SourceWorkerConnection, build.NeedJob{Session: worker, LastJob: finished})
	runToQuiescence(c, loop)

	c.Assert(q.Jobs().Exists("a"), gc.Equals, false)
	c.Assert(len(haveAJob.events), gc.Equals, 1)
	c.Assert(haveAJob.events[0].(build.HaveAJob).Job.Artifact.Basename, gc.Equals, "b")
}

