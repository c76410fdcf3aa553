package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"simsync/server/internal/catalog"
	"simsync/server/internal/config"
	servernet "simsync/server/internal/net"
	"simsync/server/internal/net/ws"
	"simsync/server/internal/netplay"
	"simsync/server/internal/sim"
	"simsync/server/internal/store/sqlite"
	"simsync/server/internal/telemetry"
	"simsync/server/internal/world"
	"simsync/server/logging"
	loggingSinks "simsync/server/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

// Options carries process-level collaborators that are not read from the
// environment.
type Options struct {
	Logger telemetry.Logger
	// Listener overrides cfg.ListenAddr when set.
	Listener net.Listener
	// Ready is called once the host accepts connections.
	Ready func(addr string)
}

// Runtime bundles the observability plumbing shared by the host and follower
// binaries.
type Runtime struct {
	Logger    telemetry.Logger
	Router    *logging.Router
	Publisher logging.Publisher
	Metrics   *logging.Metrics
	closers   []io.Closer
}

// Deps returns engine dependencies publishing through the runtime.
func (r *Runtime) Deps() sim.Deps {
	return sim.Deps{
		Logger:    r.Logger,
		Metrics:   telemetry.WrapMetrics(r.Metrics),
		Publisher: r.Publisher,
		Clock:     logging.ClockFunc(time.Now),
	}
}

// Counters returns the simulation counters together with the router's own.
func (r *Runtime) Counters() map[string]uint64 {
	r.Router.Export(r.Metrics)
	return r.Metrics.Snapshot()
}

// Close flushes the router and releases sink files.
func (r *Runtime) Close(ctx context.Context) {
	if err := r.Router.Close(ctx); err != nil {
		r.Logger.Printf("failed to close logging router: %v", err)
	}
	for _, closer := range r.closers {
		closer.Close()
	}
}

// NewRuntime builds the logging router and its sinks. role tags log lines
// and events so host and follower output can be told apart.
func NewRuntime(cfg config.Config, logger telemetry.Logger, role string) (*Runtime, error) {
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	logger = telemetry.Prefixed(logger, role)
	logCfg := cfg.Logging()
	runtime := &Runtime{Logger: logger, Metrics: &logging.Metrics{}}

	var sinks []logging.NamedSink
	if logCfg.HasSink("console") {
		sinks = append(sinks, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logCfg.Console)})
	}
	if logCfg.HasSink("json") {
		var w io.Writer = os.Stdout
		if logCfg.JSON.FilePath != "" {
			file, err := os.OpenFile(logCfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open json log %s: %w", logCfg.JSON.FilePath, err)
			}
			runtime.closers = append(runtime.closers, file)
			w = file
		}
		sinks = append(sinks, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(w, logCfg.JSON.FlushInterval)})
	}

	router, err := logging.NewRouter(logging.ClockFunc(time.Now), logCfg, sinks)
	if err != nil {
		for _, closer := range runtime.closers {
			closer.Close()
		}
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	runtime.Router = router
	runtime.Publisher = logging.WithFields(router, map[string]any{"role": role})
	return runtime, nil
}

// LoadContent reads the catalog and neighbourhood named by cfg. Both are
// optional; a missing catalog yields an empty one.
func LoadContent(cfg config.Config) (world.Content, error) {
	var content world.Content
	if cfg.CatalogPath != "" {
		items, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			return content, err
		}
		content.Catalog = items
	} else {
		empty, err := catalog.New(nil)
		if err != nil {
			return content, err
		}
		content.Catalog = empty
	}
	if cfg.NeighbourhoodPath != "" {
		hood, err := world.LoadNeighbourhood(cfg.NeighbourhoodPath)
		if err != nil {
			return content, err
		}
		content.Neighbourhood = hood
	}
	return content, nil
}

// Run hosts the authoritative simulation until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, opts Options) error {
	runtime, err := NewRuntime(cfg, opts.Logger, "host")
	if err != nil {
		return err
	}
	logger := runtime.Logger
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		runtime.Close(closeCtx)
	}()

	content, err := LoadContent(cfg)
	if err != nil {
		return err
	}

	reports, err := sqlite.Open(cfg.ReportStorePath)
	if err != nil {
		return fmt.Errorf("open report store: %w", err)
	}
	defer reports.Close()

	st := world.New(cfg.World(), content)
	if st.NeedsSurroundings() {
		st.RestoreSurroundings()
	}
	engine := sim.NewEngine(st, cfg.Engine(), runtime.Deps())
	host := netplay.NewServer(engine, cfg.Loop(), cfg.Server(), reports)

	group, groupCtx := errgroup.WithContext(ctx)

	handler := servernet.NewHTTPHandler(host, servernet.HTTPHandlerConfig{
		Logger:   logger,
		Metrics:  runtime.Counters,
		TickRate: cfg.TickRate,
		Reports:  reports,
		Sessions: ws.NewHandler(host, ws.HandlerConfig{Logger: logger, Context: groupCtx}),
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	listener := opts.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
	}
	logger.Printf("server listening on %s", listener.Addr())
	if opts.Ready != nil {
		opts.Ready(listener.Addr().String())
	}

	group.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		err := host.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// RunFollower mirrors a remote host until ctx is cancelled or the reconnect
// budget runs out.
func RunFollower(ctx context.Context, cfg config.Config, opts Options) error {
	runtime, err := NewRuntime(cfg, opts.Logger, cfg.PeerName)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		runtime.Close(closeCtx)
	}()

	content, err := LoadContent(cfg)
	if err != nil {
		return err
	}

	logger := runtime.Logger
	hooks := netplay.FollowerHooks{
		OnStateChange: func(from, to netplay.PeerState) {
			logger.Printf("follower %s -> %s", from, to)
		},
		OnReject: func(reject netplay.Reject) {
			logger.Printf("host rejected command tag %d: %s", reject.Tag, reject.Reason)
		},
	}
	follower := netplay.NewFollower(content, cfg.Follower(), ws.Dialer(cfg.HostURL), hooks, runtime.Deps())
	logger.Printf("following %s as %q", cfg.HostURL, cfg.PeerName)
	err = follower.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
