package worker

import "github.com/baserock/distbuild/wire"

// The events below are broadcast on distbuild.SourceWorkerConnection for
// any external progress observer to filter by initiator id; they carry no
// state-machine meaning of their own. Internal events that drive a
// Session's own transitions are unexported further down this file and are
// always tagged with that Session's own pointer as their source, never
// broadcast, keeping "what the FSM reacts to" and "what the outside world
// sees" as two separate channels, since one QueueEvent call can only carry
// one source tag.

// BuildOutput is published once per exec-output frame received from a
// worker, tagged with the job's current initiator snapshot.
type BuildOutput struct {
	Initiators []string
	CacheKey   string
	Stream     string
	Data       []byte
}

// Caching is published when a Session enters the caching state, for
// observability.
type Caching struct {
	Initiators []string
	CacheKey   string
}

// BuildFinished is published once artifact caching completes successfully.
type BuildFinished struct {
	Response   wire.ExecResponse
	CacheKey   string
	Initiators []string
}

// BuildFailed is published when either the build itself or the subsequent
// caching step fails. Reason is empty for an outright build failure and
// describes the caching failure otherwise.
type BuildFailed struct {
	Response   wire.ExecResponse
	CacheKey   string
	Initiators []string
	Reason     string
}

// execSucceeded is self-raised once a zero-exit exec-response arrives; it
// drives the building -> caching transition.
type execSucceeded struct{}

// execFailed is self-raised once a non-zero-exit exec-response arrives, or
// once the caching helper request comes back with a non-200 status; it
// drives the transition back to idle.
type execFailed struct{}

// buildCancelled is self-raised after an exec-cancel is sent for the sole
// remaining initiator of a running job.
type buildCancelled struct{}

// cached is self-raised once the caching helper request comes back 200.
type cached struct{}
