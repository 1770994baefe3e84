package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"

	cfgpkg "github.com/rzbill/golem-oplog/internal/config"
	"github.com/rzbill/golem-oplog/internal/runtime"
	grpcserver "github.com/rzbill/golem-oplog/internal/server/grpc"
	httpserver "github.com/rzbill/golem-oplog/internal/server/http"
	logpkg "github.com/rzbill/golem-oplog/pkg/log"
)

type Options struct {
	DataDir  string
	GRPCAddr string
	HTTPAddr string
	Config   cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
}

// resolve fills unset addresses from the configuration.
func (o Options) resolve() Options {
	if o.GRPCAddr == "" {
		o.GRPCAddr = o.Config.Server.GRPCAddr
	}
	if o.HTTPAddr == "" {
		o.HTTPAddr = o.Config.Server.HTTPAddr
	}
	o.DataDir = cfgpkg.ResolveDataDir(o.DataDir, o.Config)
	return o
}

// processLogger builds the process-wide logger from cfg, falling back to a
// text logger at the configured level.
func processLogger(cfg logpkg.Config) logpkg.Logger {
	l, err := logpkg.ApplyConfig(&cfg)
	if err == nil {
		return l
	}
	lvl := logpkg.InfoLevel
	if parsed, e := logpkg.ParseLevel(cfg.Level); e == nil {
		lvl = parsed
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
}

// Run starts gRPC and HTTP servers and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	opts = opts.resolve()

	procLogger := opts.Logger
	if procLogger == nil {
		procLogger = processLogger(opts.Config.Log)
	}
	// Pebble writes through the standard library logger.
	logpkg.RedirectStdLog(procLogger)

	rt, err := runtime.Open(sctx, runtime.Options{
		DataDir: opts.DataDir,
		Config:  opts.Config,
		Logger:  procLogger,
		Tracing: true,
	})
	if err != nil {
		return errors.Wrap(err, "open runtime")
	}
	defer rt.Close()

	procLogger.Info("Starting oplogd server",
		logpkg.Str("grpc", opts.GRPCAddr),
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Str("data_dir", opts.DataDir),
		logpkg.Str("fsync", opts.Config.Fsync),
		logpkg.Str("blob_backend", opts.Config.Blob.Backend),
		logpkg.Str("tracing", opts.Config.Tracing.Exporter),
	)

	gsrv := grpcserver.New(rt, procLogger)
	hsrv := httpserver.New(rt, procLogger)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		serveErr error
	)
	fail := func(name string, err error) {
		procLogger.Error(name+" server error", logpkg.Err(err))
		mu.Lock()
		if serveErr == nil {
			serveErr = errors.Wrapf(err, "%s server", name)
		}
		mu.Unlock()
		stop()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := gsrv.ListenAndServe(sctx, opts.GRPCAddr); err != nil && sctx.Err() == nil {
			fail("grpc", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, opts.HTTPAddr); err != nil && sctx.Err() == nil {
			fail("http", err)
		}
	}()

	<-sctx.Done()
	// Stop the servers before the runtime closes the stores underneath them.
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	procLogger.Info("oplogd server stopped")
	return serveErr
}
