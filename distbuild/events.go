package distbuild

// SourceKind tags a broadcast event with the logical channel/audience it
// is published on, a topic rather than necessarily its literal origin. A
// directed event (a self-raised transition, or the Queuer handing one
// specific session a job) instead uses that one machine's own pointer as
// its source so only it matches.
type SourceKind string

const (
	// SourceInitiator tags BuildRequest/CancelPending events raised on
	// behalf of a build initiator.
	SourceInitiator SourceKind = "initiator"

	// SourceWorkerConnection is the shared channel carrying both
	// worker-session-to-queuer traffic (NeedJob, JobStarted, JobFinished,
	// JobFailed) and queuer/session-to-observer progress broadcasts
	// (Waiting, StepStarted, StepAlreadyStarted, BuildOutput, Caching,
	// BuildFinished, BuildFailed). Any component that wants to observe build
	// progress for its initiators subscribes here and filters by event
	// type and initiator id.
	SourceWorkerConnection SourceKind = "worker-connection"

	// SourceBuildController tags BuildCancel events raised by the
	// external build-controller subsystem when an initiator loses
	// interest in a running job.
	SourceBuildController SourceKind = "build-controller"

	// SourceHelperRouter is the shared channel carrying helper requests
	// from worker sessions to the Helper Router, and helper results back
	// from the router to whichever session is waiting on them.
	SourceHelperRouter SourceKind = "helper-router"

	// SourceConnectionManager carries Reconnect events from a Worker
	// Session that lost its connection to whatever external component
	// supervises reconnection.
	SourceConnectionManager SourceKind = "connection-manager"
)

// BuildCancel is raised by an external build-controller subsystem to
// cancel one initiator's interest in a running job. Only a Worker Session
// in the building state reacts to it, and that session decides whether to
// tear down the build. The Build Queuer does not handle BuildCancel; a
// still-queued job is removed only through the separate CancelPending
// event.
type BuildCancel struct {
	InitiatorID string
}

// Reconnect asks an external connection manager to re-establish a worker
// connection after its framer reported Eof. The core never touches
// sockets itself; it only ever asks.
type Reconnect struct {
	// Worker identifies the session that lost its connection, for
	// logging and operator visibility.
	Worker interface{}
}

// ConnectionManager supervises worker connections on behalf of the core.
// The core's only interaction with it is to request a reconnect; actual
// socket handling lives entirely outside this package.
type ConnectionManager interface {
	Reconnect(worker interface{})
}

// CoordinatorContext holds the coordinator-process-wide state that would
// otherwise end up as package-level globals (a shared helper-request id
// generator, in particular). It is an explicit, caller-owned object with
// an explicit lifecycle: construct one per
// coordinator process and pass it to every Session so that
// helper-request ids never collide across workers.
type CoordinatorContext struct {
	// HelperRequestIDs mints ids for outgoing helper (artifact-cache)
	// requests. Shared across every worker session.
	HelperRequestIDs *IdentifierGenerator
}

// NewCoordinatorContext creates a fresh context for one coordinator
// process.
func NewCoordinatorContext() *CoordinatorContext {
	return &CoordinatorContext{HelperRequestIDs: NewIdentifierGenerator("helper")}
}
