// Command distbuild-coordinatord runs the build coordinator: the event
// loop, the Build Queuer, the Helper Router, and a TCP listener that
// accepts worker connections and hands each one off to a fresh Worker
// Session. A small HTTP control surface lets initiators submit and cancel
// build requests and exposes Prometheus metrics and pprof profiles.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"

	"github.com/baserock/distbuild"
	"github.com/baserock/distbuild/artifact"
	"github.com/baserock/distbuild/build"
	"github.com/baserock/distbuild/helper"
	"github.com/baserock/distbuild/internal/servicegroup"
	"github.com/baserock/distbuild/metrics"
	"github.com/baserock/distbuild/wire"
	"github.com/baserock/distbuild/worker"
)

var (
	appName = "distbuild-coordinatord"
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
		cli.IntFlag{Name: "worker-port", Value: 9700, EnvVar: "WORKER_PORT", Usage: "TCP port workers connect to"},
		cli.IntFlag{Name: "control-port", Value: 8080, EnvVar: "CONTROL_PORT", Usage: "HTTP port for submit/cancel/status and /metrics"},
		cli.IntFlag{Name: "pprof-port", Value: 6060, EnvVar: "PPROF_PORT", Usage: "The port for exposing pprof endpoints"},
		cli.StringFlag{Name: "writeable-cache-server", EnvVar: "WRITEABLE_CACHE_SERVER", Usage: "Base URL of the cache server that receives post-build fetch requests"},
		cli.IntFlag{Name: "worker-cache-port", Value: 9090, EnvVar: "WORKER_CACHE_PORT", Usage: "TCP port of each worker's local cache server"},
		cli.StringFlag{Name: "worker-command", Value: "morph-worker-build", EnvVar: "WORKER_COMMAND", Usage: "Command invoked on the worker per build"},
	}
	app.Action = runMain
	return app
}

// config bundles every flag-derived setting for the coordinator daemon,
// validated in one place before anything is wired up.
type config struct {
	WorkerPort           int
	ControlPort          int
	PprofPort            int
	WriteableCacheServer string
	WorkerCachePort      int
	WorkerCommand        string
}

func (cfg *config) validate() error {
	var err error
	if cfg.WriteableCacheServer == "" {
		err = multierror.Append(err, xerrors.Errorf("writeable cache server must be specified with --writeable-cache-server"))
	}
	if cfg.WorkerPort <= 0 {
		err = multierror.Append(err, xerrors.Errorf("worker port must be positive"))
	}
	if cfg.ControlPort <= 0 {
		err = multierror.Append(err, xerrors.Errorf("control port must be positive"))
	}
	if cfg.PprofPort <= 0 {
		err = multierror.Append(err, xerrors.Errorf("pprof port must be positive"))
	}
	if cfg.WorkerCachePort <= 0 {
		err = multierror.Append(err, xerrors.Errorf("worker cache port must be positive"))
	}
	if cfg.WorkerCommand == "" {
		err = multierror.Append(err, xerrors.Errorf("worker command must be specified with --worker-command"))
	}
	return err
}

func runMain(appCtx *cli.Context) error {
	cfg := config{
		WorkerPort:           appCtx.Int("worker-port"),
		ControlPort:          appCtx.Int("control-port"),
		PprofPort:            appCtx.Int("pprof-port"),
		WriteableCacheServer: appCtx.String("writeable-cache-server"),
		WorkerCachePort:      appCtx.Int("worker-cache-port"),
		WorkerCommand:        appCtx.String("worker-command"),
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	sessionCfg := worker.Config{
		WriteableCacheServer: cfg.WriteableCacheServer,
		WorkerCachePort:      cfg.WorkerCachePort,
		WorkerCommand:        cfg.WorkerCommand,
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	reg := prometheus.NewRegistry()
	queuerMetrics := metrics.NewQueuer(reg)
	workerMetrics := metrics.NewWorker(reg)
	helperMetrics := metrics.NewHelper(reg)

	loop := distbuild.NewEventLoop(logger)
	coordCtx := distbuild.NewCoordinatorContext()
	build.NewQueuer(loop, logger.WithField("component", "queuer"), queuerMetrics)
	helper.NewRouter(loop, &helper.HTTPClient{}, logger.WithField("component", "helper"), helperMetrics)
	newReconnectLogger(loop, logger.WithField("component", "connection-manager"))

	workerListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WorkerPort))
	if err != nil {
		return xerrors.Errorf("listening for workers: %w", err)
	}

	controlListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ControlPort))
	if err != nil {
		return xerrors.Errorf("listening for control traffic: %w", err)
	}

	pprofListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.PprofPort))
	if err != nil {
		return xerrors.Errorf("listening for pprof: %w", err)
	}

	group := servicegroup.Group{
		&eventLoopComponent{loop: loop},
		&workerAcceptor{
			listener: workerListener,
			loop:     loop,
			coordCtx: coordCtx,
			clk:      clock.WallClock,
			cfg:      sessionCfg,
			logger:   logger.WithField("component", "worker-listener"),
			metrics:  workerMetrics,
		},
		&httpComponent{name: "control-surface", listener: controlListener, handler: newControlRouter(loop, reg, logger)},
		&httpComponent{name: "pprof", listener: pprofListener, handler: http.DefaultServeMux},
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP)
		select {
		case s := <-sigCh:
			logger.WithField("signal", s.String()).Info("shutting down due to signal")
			cancelFn()
		case <-ctx.Done():
		}
	}()

	return group.Run(ctx)
}

// eventLoopComponent adapts *distbuild.EventLoop to servicegroup.Component.
type eventLoopComponent struct {
	loop *distbuild.EventLoop
}

func (c *eventLoopComponent) Name() string { return "event-loop" }
func (c *eventLoopComponent) Run(ctx context.Context) error {
	return c.loop.Run(ctx)
}

// httpComponent serves handler on listener until ctx is cancelled.
type httpComponent struct {
	name     string
	listener net.Listener
	handler  http.Handler
}

func (c *httpComponent) Name() string { return c.name }
func (c *httpComponent) Run(ctx context.Context) error {
	srv := &http.Server{Handler: c.handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(c.listener) }()
	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// reconnectLoggerState is the only state a reconnectLogger occupies.
const reconnectLoggerState distbuild.State = "idle"

// reconnectLogger is the minimal distbuild.ConnectionManager this daemon
// provides: supervising real worker reconnection is left to an external
// layer, so this just surfaces the event for an operator to act on and
// lets the orphaned job sit until they do.
type reconnectLogger struct {
	*distbuild.Machine
	logger *logrus.Entry
}

func newReconnectLogger(loop *distbuild.EventLoop, logger *logrus.Entry) *reconnectLogger {
	rl := &reconnectLogger{Machine: distbuild.NewMachine(reconnectLoggerState), logger: logger}
	rl.AddTransitions(distbuild.Transition{
		From:   reconnectLoggerState,
		Source: distbuild.SourceConnectionManager,
		Event:  distbuild.Reconnect{},
		To:     reconnectLoggerState,
		Handle: rl.handleReconnect,
	})
	loop.Register(rl.Machine)
	return rl
}

func (rl *reconnectLogger) handleReconnect(_ interface{}, event interface{}) {
	r := event.(distbuild.Reconnect)
	rl.logger.WithField("worker", r.Worker).Warn("worker session lost its connection; any in-flight job stays assigned until an operator intervenes")
}

var _ distbuild.ConnectionManager = (*reconnectLogger)(nil)

func (rl *reconnectLogger) Reconnect(worker interface{}) {
	rl.handleReconnect(nil, distbuild.Reconnect{Worker: worker})
}

// workerAcceptor accepts worker connections and spins up a Session per
// connection: one state machine per connected worker.
type workerAcceptor struct {
	listener net.Listener
	loop     *distbuild.EventLoop
	coordCtx *distbuild.CoordinatorContext
	clk      clock.Clock
	cfg      worker.Config
	logger   *logrus.Entry
	metrics  *metrics.Worker
}

func (a *workerAcceptor) Name() string { return "worker-listener" }

func (a *workerAcceptor) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return xerrors.Errorf("accepting worker connection: %w", err)
			}
		}

		wireConn := wire.NewConn(conn, a.logger)
		session := worker.NewSession(a.loop, wireConn, conn.RemoteAddr(), a.coordCtx, a.clk, a.cfg, a.logger, a.metrics)
		a.logger.WithField("worker", session.Name()).Info("worker connected")
		session.Start()
	}
}

// submitBody is the JSON body of a build-submission request.
type submitBody struct {
	Basename  string        `json:"basename"`
	Name      string        `json:"name"`
	CacheKey  string        `json:"cache_key"`
	Kind      artifact.Kind `json:"kind"`
	Artifacts []string      `json:"artifacts,omitempty"`
}

func newControlRouter(loop *distbuild.EventLoop, reg *prometheus.Registry, logger *logrus.Entry) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/build", func(w http.ResponseWriter, req *http.Request) {
		var body submitBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		initiatorID := uuid.NewString()
		loop.QueueEvent(distbuild.SourceInitiator, build.BuildRequest{
			Artifact: artifact.Artifact{
				Basename: body.Basename,
				Name:     body.Name,
				Source: artifact.Source{
					CacheKey:  body.CacheKey,
					Kind:      body.Kind,
					Artifacts: body.Artifacts,
				},
			},
			InitiatorID: initiatorID,
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"initiator_id": initiatorID})
	}).Methods(http.MethodPost)

	r.HandleFunc("/cancel/{initiator}", func(w http.ResponseWriter, req *http.Request) {
		initiatorID := mux.Vars(req)["initiator"]
		loop.QueueEvent(distbuild.SourceInitiator, build.CancelPending{InitiatorID: initiatorID})
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		reply := make(chan []build.JobSnapshot, 1)
		loop.QueueEvent(distbuild.SourceInitiator, build.StatusQuery{Reply: reply})

		select {
		case snapshot := <-reply:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(snapshot)
		case <-req.Context().Done():
			http.Error(w, "request cancelled", http.StatusServiceUnavailable)
		}
	}).Methods(http.MethodGet)

	return r
}
