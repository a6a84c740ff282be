// Command distbuild-worker-agent is the reference worker-side executor
// the coordinator core commands through the wire protocol. It connects
// to a coordinator, and for every exec-request it
// receives runs WorkerCommand as a subprocess, streaming its output back
// as exec-output frames and finishing with a single exec-response. It
// contains no scheduling logic of its own: the core decides what to
// build and when, this just does what it's told.
package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/wire"
)

var (
	appName = "distbuild-worker-agent"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSha,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "coordinator", EnvVar: "COORDINATOR_ADDR", Usage: "host:port of the coordinator's worker listener"},
		cli.BoolFlag{Name: "verbose-wire", EnvVar: "VERBOSE_WIRE", Usage: "log, at debug level, the type of every frame received from the coordinator"},
	}
	app.Action = runMain
	return app
}

func runMain(appCtx *cli.Context) error {
	addr := appCtx.String("coordinator")
	if addr == "" {
		return xerrors.Errorf("coordinator address must be specified with --coordinator")
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP)
		select {
		case <-sigCh:
			cancelFn()
		case <-ctx.Done():
		}
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return xerrors.Errorf("connecting to coordinator: %w", err)
	}

	wireLogger := logger
	if appCtx.Bool("verbose-wire") {
		wireLogger = logger.WithField("verbose-wire", true)
	}
	wireConn := wire.NewConn(conn, wireLogger)

	loop := distbuild.NewEventLoop(logger)
	a := newAgent(loop, wireConn, logger, appCtx.Bool("verbose-wire"))
	wireConn.StartReading(loop, a)

	return loop.Run(ctx)
}

const (
	agentStateIdle    distbuild.State = "idle"
	agentStateRunning distbuild.State = "running"
)

// agent is the worker-agent's own tiny state machine. Its transitions never
// change state, so it stays in agentStateIdle; the in-flight build, if
// any, is tracked by the running field instead.
type agent struct {
	*distbuild.Machine

	conn   *wire.Conn
	logger *logrus.Entry
	verbose bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	running string // job id of the in-flight build, if any
}

func newAgent(loop *distbuild.EventLoop, conn *wire.Conn, logger *logrus.Entry, verbose bool) *agent {
	a := &agent{
		Machine: distbuild.NewMachine(agentStateIdle),
		conn:    conn,
		logger:  logger,
		verbose: verbose,
	}
	a.AddTransitions(
		distbuild.Transition{From: agentStateIdle, Source: a, Event: wire.NewMessage{}, To: distbuild.NoState, Handle: a.handleMessage},
		distbuild.Transition{From: agentStateIdle, Source: a, Event: wire.Eof{}, To: distbuild.NoState, Handle: a.handleEof},
		distbuild.Transition{From: agentStateRunning, Source: a, Event: wire.NewMessage{}, To: distbuild.NoState, Handle: a.handleMessage},
		distbuild.Transition{From: agentStateRunning, Source: a, Event: wire.Eof{}, To: distbuild.NoState, Handle: a.handleEof},
	)
	loop.Register(a.Machine)
	return a
}

func (a *agent) handleEof(_ interface{}, _ interface{}) {
	a.logger.Warn("lost connection to coordinator")
}

func (a *agent) handleMessage(_ interface{}, event interface{}) {
	msg := event.(wire.NewMessage).Msg
	if a.verbose {
		a.logger.WithField("type", msg.Type).Debug("received frame from coordinator")
	}

	switch msg.Type {
	case wire.TypeExecRequest:
		var req wire.ExecRequest
		if err := msg.Decode(&req); err != nil {
			a.logger.WithError(err).Warn("failed to decode exec-request")
			return
		}
		go a.runBuild(req)

	case wire.TypeExecCancel:
		var cancel wire.ExecCancel
		if err := msg.Decode(&cancel); err != nil {
			a.logger.WithError(err).Warn("failed to decode exec-cancel")
			return
		}
		a.mu.Lock()
		if a.running == cancel.ID && a.cancel != nil {
			a.cancel()
		}
		a.mu.Unlock()

	default:
		a.logger.WithField("type", msg.Type).Debug("ignoring unrecognised coordinator message")
	}
}

// runBuild executes the requested command, streaming its combined output
// back as exec-output frames and finishing with exec-response. It is the
// only piece of this repository that actually runs a build; the
// coordinator core never does.
func (a *agent) runBuild(req wire.ExecRequest) {
	buildCtx, cancelFn := context.WithCancel(context.Background())
	a.mu.Lock()
	a.running = req.ID
	a.cancel = cancelFn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = ""
		a.cancel = nil
		a.mu.Unlock()
		cancelFn()
	}()

	if len(req.Argv) == 0 {
		a.sendResponse(req.ID, 127, "empty argv")
		return
	}

	cmd := exec.CommandContext(buildCtx, req.Argv[0], req.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(req.StdinContents)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.sendResponse(req.ID, 1, err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.sendResponse(req.ID, 1, err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		a.sendResponse(req.ID, 1, err.Error())
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go a.streamOutput(req.ID, "stdout", stdout, &wg)
	go a.streamOutput(req.ID, "stderr", stderr, &wg)
	wg.Wait()

	err = cmd.Wait()
	exit := 0
	msg := ""
	if err != nil {
		msg = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			exit = exitErr.ExitCode()
		} else {
			exit = 1
		}
	}
	a.sendResponse(req.ID, exit, msg)
}

func (a *agent) streamOutput(jobID, stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := bufio.NewReader(r)
	chunk := make([]byte, 4096)
	for {
		n, err := buf.Read(chunk)
		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			if sendErr := a.conn.Send(wire.TypeExecOutput, wire.ExecOutput{ID: jobID, Stream: stream, Data: data}); sendErr != nil {
				a.logger.WithError(sendErr).Warn("failed to send exec-output")
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *agent) sendResponse(jobID string, exit int, message string) {
	if err := a.conn.Send(wire.TypeExecResponse, wire.ExecResponse{ID: jobID, Exit: exit, Message: message}); err != nil {
		a.logger.WithError(err).Warn("failed to send exec-response")
	}
}
