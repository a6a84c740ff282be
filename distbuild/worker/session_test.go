package worker_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/artifact"
	"github.com/baserock/distbuild/build"
	"github.com/baserock/distbuild/helper"
	"github.com/baserock/distbuild/mocks"
	"github.com/baserock/distbuild/wire"
	"github.com/baserock/distbuild/worker"
)

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

func testArtifact() artifact.Artifact {
	return artifact.Artifact{
		Basename: "a",
		Name:     "a",
		Source:   artifact.Source{CacheKey: "cafef00d", Kind: artifact.KindStratum},
	}
}

// fakeWorkerPeer drives the "other end" of the wire protocol: it decodes
// one exec-request and replies with a single exec-output followed by an
// exec-response, the way a real worker agent would for a trivial build.
func fakeWorkerPeer(t *testing.T, conn net.Conn, exit int) {
	t.Helper()
	peerLoop := distbuild.NewEventLoop(nil)
	peer := distbuild.NewMachine(distbuild.NoState)
	wireConn := wire.NewConn(conn, nil)

	done := make(chan struct{})
	peer.AddTransitions(distbuild.Transition{
		From:   distbuild.NoState,
		Source: peer,
		Event:  wire.NewMessage{},
		To:     distbuild.NoState,
		Handle: func(_ interface{}, event interface{}) {
			msg := event.(wire.NewMessage).Msg
			if msg.Type != wire.TypeExecRequest {
				return
			}
			var req wire.ExecRequest
			if err := msg.Decode(&req); err != nil {
				t.Errorf("peer: decode exec-request: %v", err)
				return
			}
			_ = wireConn.Send(wire.TypeExecOutput, wire.ExecOutput{ID: req.ID, Stream: "stdout", Data: []byte("building\n")})
			_ = wireConn.Send(wire.TypeExecResponse, wire.ExecResponse{ID: req.ID, Exit: exit})
			close(done)
		},
	})
	peerLoop.Register(peer)
	wireConn.StartReading(peerLoop, peer)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
		}
		cancel()
	}()
	_ = peerLoop.Run(ctx)
}

func TestSessionHappyPathReachesBuildFinished(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	client := mocks.NewMockClient(ctrl)
	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(helper.HTTPResponse{Status: 200}, nil)

	loop := distbuild.NewEventLoop(nil)
	helper.NewRouter(loop, client, nil, nil)

	coordConn, workerConn := net.Pipe()
	defer coordConn.Close()
	defer workerConn.Close()

	go fakeWorkerPeer(t, workerConn, 0)

	wireConn := wire.NewConn(coordConn, nil)
	coordCtx := distbuild.NewCoordinatorContext()
	cfg := worker.Config{WriteableCacheServer: "http://cache.example", WorkerCachePort: 9090, WorkerCommand: "dobuild"}
	sess := worker.NewSession(loop, wireConn, nil, coordCtx, nil, cfg, nil, nil)

	finished := newRecorder(loop, distbuild.SourceWorkerConnection, worker.BuildFinished{})
	jobFinished := newRecorder(loop, distbuild.SourceWorkerConnection, build.JobFinished{})
	needJob := newRecorder(loop, distbuild.SourceWorkerConnection, build.NeedJob{})

	job := &build.Job{ID: "job-1", Artifact: testArtifact()}
	sess.Start()
	loop.QueueEvent(sess, build.HaveAJob{Job: job})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		for len(finished.events) == 0 {
			select {
			case <-ctx.Done():
				return
			default:
				time.Sleep(time.Millisecond)
			}
		}
		cancel()
	}()
	_ = loop.Run(ctx)

	if len(finished.events) != 1 {
		t.Fatalf("expected exactly one BuildFinished, got %d", len(finished.events))
	}
	if len(jobFinished.events) != 1 {
		t.Fatalf("expected exactly one JobFinished, got %d", len(jobFinished.events))
	}
	// NeedJob fires once on Start, and again once the session returns to idle.
	if len(needJob.events) != 2 {
		t.Fatalf("expected two NeedJob events, got %d", len(needJob.events))
	}
	if sess.State() != worker.StateIdle {
		t.Fatalf("expected session back in idle, got %q", sess.State())
	}
}
