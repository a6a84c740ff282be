// Package worker implements the Worker Session state machine (component
// C7): one instance per connected worker, driving that worker through
// idle -> building -> caching -> idle and translating between the wire
// protocol and the Build Queuer's events.
package worker

import (
	"fmt"
	"net"
	"strconv"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/artifact"
	"github.com/baserock/distbuild/build"
	"github.com/baserock/distbuild/helper"
	"github.com/baserock/distbuild/metrics"
	"github.com/baserock/distbuild/wire"
)

const (
	// StateIdle is entered on construction and re-entered after every
	// completed, failed, or cancelled build.
	StateIdle distbuild.State = "idle"
	// StateBuilding covers sending the exec-request through to receiving
	// the terminal exec-response.
	StateBuilding distbuild.State = "building"
	// StateCaching covers the post-build artifact-cache fetch request.
	StateCaching distbuild.State = "caching"
)

// Config bundles everything a Session needs to know about its surrounding
// coordinator deployment. One Config is shared by every Session in a
// coordinator process; the worker host used in cache URLs comes from the
// Session's own name, not from Config.
type Config struct {
	// WriteableCacheServer is the base URL of the cache server that
	// receives post-build artifact-fetch requests.
	WriteableCacheServer string
	// WorkerCachePort is the TCP port of this worker's own local cache
	// server, advertised to WriteableCacheServer so it can pull from it.
	WorkerCachePort int
	// WorkerCommand is the command name invoked on the worker per build.
	WorkerCommand string
}

// Session is the Worker Session state machine.
type Session struct {
	*distbuild.Machine

	loop    *distbuild.EventLoop
	conn    *wire.Conn
	coord   *distbuild.CoordinatorContext
	clock   clock.Clock
	logger  *logrus.Entry
	cfg     Config
	metrics *metrics.Worker

	name string

	assignedJob         *build.Job
	pendingHelperID     string
	pendingExecResponse wire.ExecResponse
}

// NewSession constructs a Session for a freshly accepted worker connection
// and registers it on loop. addr is the worker's remote address, used to
// derive its display Name. The caller must call Start once the Session is
// ready to begin receiving frames.
func NewSession(loop *distbuild.EventLoop, conn *wire.Conn, addr net.Addr, coord *distbuild.CoordinatorContext, clk clock.Clock, cfg Config, logger *logrus.Entry, m *metrics.Worker) *Session {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if m == nil {
		m = metrics.NewWorker(nil)
	}

	s := &Session{
		Machine: distbuild.NewMachine(StateIdle),
		loop:    loop,
		conn:    conn,
		coord:   coord,
		clock:   clk,
		cfg:     cfg,
		metrics: m,
		name:    deriveWorkerName(addr),
	}
	s.logger = logger.WithField("worker", s.name)

	s.AddTransitions(
		distbuild.Transition{From: StateIdle, Source: s, Event: wire.Eof{}, To: distbuild.NoState, Handle: s.handleEof},
		distbuild.Transition{From: StateIdle, Source: s, Event: build.HaveAJob{}, To: StateBuilding, Handle: s.handleHaveAJob},

		distbuild.Transition{From: StateBuilding, Source: s, Event: wire.Eof{}, To: distbuild.NoState, Handle: s.handleEof},
		distbuild.Transition{From: StateBuilding, Source: s, Event: wire.NewMessage{}, To: StateBuilding, Handle: s.handleNewMessage},
		distbuild.Transition{From: StateBuilding, Source: distbuild.SourceBuildController, Event: distbuild.BuildCancel{}, To: StateBuilding, Handle: s.handleBuildCancel},
		distbuild.Transition{From: StateBuilding, Source: s, Event: execFailed{}, To: StateIdle, Handle: s.handleReturnIdle},
		distbuild.Transition{From: StateBuilding, Source: s, Event: buildCancelled{}, To: StateIdle, Handle: s.handleReturnIdle},
		distbuild.Transition{From: StateBuilding, Source: s, Event: execSucceeded{}, To: StateCaching, Handle: s.handleRequestCaching},

		distbuild.Transition{From: StateCaching, Source: distbuild.SourceHelperRouter, Event: helper.Result{}, To: StateCaching, Handle: s.handleHelperResult},
		distbuild.Transition{From: StateCaching, Source: s, Event: cached{}, To: StateIdle, Handle: s.handleReturnIdle},
		distbuild.Transition{From: StateCaching, Source: s, Event: execFailed{}, To: StateIdle, Handle: s.handleReturnIdle},
	)
	loop.Register(s.Machine)
	return s
}

// Name implements build.WorkerHandle.
func (s *Session) Name() string { return s.name }

// Start wires the connection's frame events to this Session and asks the
// Queuer for its first job.
func (s *Session) Start() {
	s.conn.StartReading(s.loop, s)
	s.loop.QueueEvent(distbuild.SourceWorkerConnection, build.NeedJob{Session: s})
}

func deriveWorkerName(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	names, err := net.LookupAddr(host)
	if err != nil || len(names) == 0 {
		// Workers without PTR records are common enough in practice
		// that falling back to the bare address beats refusing the
		// connection outright.
		return net.JoinHostPort(host, port)
	}
	return fmt.Sprintf("%s:%s", names[0], port)
}

// handleHaveAJob starts a build on a freshly dispatched job.
func (s *Session) handleHaveAJob(_ interface{}, event interface{}) {
	job := event.(build.HaveAJob).Job
	s.assignedJob = job

	payload, err := artifact.Serialise(job.Artifact)
	if err != nil {
		s.logger.WithError(err).Error("failed to serialise artifact for exec-request")
		s.loop.QueueEvent(s, execFailed{})
		return
	}

	req := wire.ExecRequest{
		ID:            job.ID,
		Argv:          []string{s.cfg.WorkerCommand, job.Artifact.Name},
		StdinContents: payload,
	}
	if err := s.conn.Send(wire.TypeExecRequest, req); err != nil {
		s.logger.WithError(err).Warn("failed to send exec-request")
		return
	}

	s.metrics.BuildsStarted.Inc()
	s.loop.QueueEvent(distbuild.SourceWorkerConnection, build.JobStarted{Job: job})
	s.loop.QueueEvent(distbuild.SourceWorkerConnection, BuildOutputStarted(job, s.name))
}

// BuildOutputStarted builds the StepStarted progress event for a
// newly-dispatched job. Exported so tests can assert on it without
// duplicating field wiring.
func BuildOutputStarted(job *build.Job, workerName string) build.StepStarted {
	return build.StepStarted{
		Initiators: job.Initiators(),
		CacheKey:   job.Artifact.Source.CacheKey,
		WorkerName: workerName,
	}
}

// handleNewMessage dispatches an incoming wire frame by message type.
func (s *Session) handleNewMessage(_ interface{}, event interface{}) {
	msg := event.(wire.NewMessage).Msg

	switch msg.Type {
	case wire.TypeExecOutput:
		var out wire.ExecOutput
		if err := msg.Decode(&out); err != nil {
			s.logger.WithError(err).Warn("failed to decode exec-output, ignoring")
			return
		}
		job := s.assignedJob
		if job == nil {
			return
		}
		s.loop.QueueEvent(distbuild.SourceWorkerConnection, BuildOutput{
			Initiators: job.Initiators(),
			CacheKey:   job.Artifact.Source.CacheKey,
			Stream:     out.Stream,
			Data:       out.Data,
		})

	case wire.TypeExecResponse:
		var resp wire.ExecResponse
		if err := msg.Decode(&resp); err != nil {
			s.logger.WithError(err).Warn("failed to decode exec-response, ignoring")
			return
		}
		job := s.assignedJob
		if job == nil {
			return
		}

		if resp.Exit != 0 {
			s.logger.WithField("exit", resp.Exit).Warn("build failed")
			s.metrics.BuildsFailed.Inc()
			s.loop.QueueEvent(distbuild.SourceWorkerConnection, BuildFailed{
				Response:   resp,
				CacheKey:   job.Artifact.Source.CacheKey,
				Initiators: job.Initiators(),
			})
			s.loop.QueueEvent(distbuild.SourceWorkerConnection, build.JobFailed{Job: job})
			s.loop.QueueEvent(s, execFailed{})
			return
		}

		s.pendingExecResponse = resp
		s.loop.QueueEvent(s, execSucceeded{})

	default:
		s.logger.WithField("type", msg.Type).Debug("ignoring unrecognised worker message")
	}
}

// handleBuildCancel tears down the build if its sole initiator cancels.
func (s *Session) handleBuildCancel(_ interface{}, event interface{}) {
	cancel := event.(distbuild.BuildCancel)
	job := s.assignedJob
	if job == nil || !job.HasInitiator(cancel.InitiatorID) {
		return
	}

	sole := job.NumInitiators() == 1
	job.RemoveInitiator(cancel.InitiatorID)

	if !sole {
		return
	}

	if err := s.conn.Send(wire.TypeExecCancel, wire.ExecCancel{ID: job.ID}); err != nil {
		s.logger.WithError(err).Warn("failed to send exec-cancel")
	}
	s.loop.QueueEvent(s, buildCancelled{})
}

// handleRequestCaching kicks off the post-build artifact-cache fetch.
func (s *Session) handleRequestCaching(_ interface{}, _ interface{}) {
	job := s.assignedJob
	host, _, _ := net.SplitHostPort(s.name)
	if host == "" {
		host = s.name
	}

	url := cacheURL(s.cfg.WriteableCacheServer, host, s.cfg.WorkerCachePort, job.Artifact.Source.CacheKey, job.Artifact)
	s.pendingHelperID = s.coord.HelperRequestIDs.Next()

	s.metrics.CacheRequests.Inc()
	s.loop.QueueEvent(distbuild.SourceHelperRouter, helper.Request{Msg: helper.HTTPRequest{
		ID:     s.pendingHelperID,
		URL:    url,
		Method: "GET",
	}})
	s.loop.QueueEvent(distbuild.SourceWorkerConnection, Caching{
		Initiators: job.Initiators(),
		CacheKey:   job.Artifact.Source.CacheKey,
	})
}

// handleHelperResult reacts to the helper router's reply to this
// session's own cache-fetch request. Filters by msg.id == pendingHelperID;
// everything inside that filter, including the final JobFinished, is
// intentionally scoped to the matching id only, since an unscoped
// JobFinished would fire for every unrelated helper reply this session
// happens to observe.
func (s *Session) handleHelperResult(_ interface{}, event interface{}) {
	result := event.(helper.Result)
	if result.Msg.ID != s.pendingHelperID {
		return
	}

	job := s.assignedJob
	cacheKey := job.Artifact.Source.CacheKey
	initiators := job.Initiators()

	if result.Msg.Status == 200 {
		s.metrics.BuildsFinished.Inc()
		s.loop.QueueEvent(distbuild.SourceWorkerConnection, BuildFinished{
			Response:   s.pendingExecResponse,
			CacheKey:   cacheKey,
			Initiators: initiators,
		})
		s.loop.QueueEvent(distbuild.SourceWorkerConnection, build.JobFinished{Job: job})
		s.loop.QueueEvent(s, cached{})
		return
	}

	// JobFailed must be queued before BuildFailed: this ordering is
	// load-bearing, it keeps the Queuer from treating the job as
	// cancellable-while-idle and racing its removal against this
	// session's own teardown.
	s.metrics.BuildsFailed.Inc()
	s.loop.QueueEvent(distbuild.SourceWorkerConnection, build.JobFailed{Job: job})
	s.loop.QueueEvent(distbuild.SourceWorkerConnection, BuildFailed{
		Response:   s.pendingExecResponse,
		CacheKey:   cacheKey,
		Initiators: initiators,
		Reason:     "caching request failed with status " + strconv.Itoa(result.Msg.Status),
	})
	s.loop.QueueEvent(distbuild.SourceWorkerConnection, build.JobFinished{Job: job})
	s.loop.QueueEvent(s, execFailed{})
}

// handleReturnIdle is shared by every path back to idle: it clears
// per-build session state and asks the Queuer for the next job.
func (s *Session) handleReturnIdle(_ interface{}, _ interface{}) {
	job := s.assignedJob
	s.assignedJob = nil
	s.pendingHelperID = ""
	s.pendingExecResponse = wire.ExecResponse{}

	s.loop.QueueEvent(distbuild.SourceWorkerConnection, build.NeedJob{Session: s, LastJob: job})
}

// handleEof reacts to the worker dropping its connection.
func (s *Session) handleEof(_ interface{}, _ interface{}) {
	s.logger.Warn("worker connection lost")
	s.loop.QueueEvent(distbuild.SourceConnectionManager, distbuild.Reconnect{Worker: s})
}

var _ build.WorkerHandle = (*Session)(nil)
