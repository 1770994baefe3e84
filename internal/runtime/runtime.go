package runtime

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/rzbill/golem-oplog/internal/blobstore"
	cfgpkg "github.com/rzbill/golem-oplog/internal/config"
	"github.com/rzbill/golem-oplog/internal/metadata"
	"github.com/rzbill/golem-oplog/internal/metrics"
	"github.com/rzbill/golem-oplog/internal/observability"
	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/internal/oplogstore"
	"github.com/rzbill/golem-oplog/internal/publicoplog"
	"github.com/rzbill/golem-oplog/internal/status"
	pebblestore "github.com/rzbill/golem-oplog/internal/storage/pebble"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Config  cfgpkg.Config
	Logger  log.Logger
	// Tracing installs the global tracer provider from Config.Tracing.
	Tracing bool
}

// Runtime wires storage, the oplog tiers and the read-side services for a
// single-node instance.
type Runtime struct {
	db       *pebblestore.DB
	blobs    blobstore.Store
	primary  *oplogstore.PrimaryService
	oplogs   *oplogstore.MultiLayerService
	public   *publicoplog.Service
	meta     *metadata.Store
	metrics  *metrics.Registry
	config   cfgpkg.Config
	log      log.Logger
	shutdown func(context.Context) error
}

// Open initializes storage and the oplog tiers and returns a Runtime.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dataDir := cfgpkg.ResolveDataDir(opts.DataDir, cfg)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dataDir)
	}
	logger := log.OrNop(opts.Logger)
	rt := &Runtime{
		config:   cfg,
		log:      logger.WithComponent("runtime"),
		metrics:  metrics.New(),
		shutdown: func(context.Context) error { return nil },
	}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	if opts.Tracing {
		shutdown, err := observability.InitTracing("oplogd", cfg.Tracing)
		if err != nil {
			return nil, errors.Wrap(err, "init tracing")
		}
		rt.shutdown = shutdown
	}

	mode, err := pebblestore.ParseFsyncMode(cfg.Fsync)
	if err != nil {
		return nil, err
	}
	rt.db, err = pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(dataDir, "store"),
		Fsync:   mode,
		Metrics: rt.metrics,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	rt.blobs, err = openBlobs(ctx, dataDir, cfg.Blob)
	if err != nil {
		return nil, err
	}

	rt.primary = oplogstore.NewPrimaryService(rt.db, rt.blobs, oplogstore.PrimaryOptions{
		MaxOperationsBeforeCommit: cfg.Oplog.MaxOperationsBeforeCommit,
		MaxPayloadSize:            cfg.Oplog.MaxPayloadSize,
		Logger:                    logger,
		Metrics:                   rt.metrics,
	})
	lower := make([]oplog.ArchiveService, 0, len(cfg.Oplog.ArchiveLayers))
	for _, name := range cfg.Oplog.ArchiveLayers {
		var layer oplog.ArchiveService
		switch name {
		case "compressed":
			layer, err = oplogstore.NewCompressedArchiveService(rt.db, cfg.Oplog.CompressionLevel, logger)
		case "blob":
			layer, err = oplogstore.NewBlobArchiveService(rt.blobs, cfg.Oplog.CompressionLevel, logger)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "archive layer %s", name)
		}
		lower = append(lower, layer)
	}
	rt.oplogs, err = oplogstore.NewMultiLayerService(rt.primary, lower, oplogstore.MultiLayerOptions{
		EntryCountLimit:                    cfg.Oplog.EntryCountLimit,
		MaxOperationsBeforeCommitEphemeral: cfg.Oplog.MaxOperationsBeforeCommitEphemeral,
		Logger:                             logger,
		Metrics:                            rt.metrics,
	})
	if err != nil {
		return nil, err
	}
	rt.public = publicoplog.NewService(rt.oplogs, logger)

	rt.meta, err = metadata.Open(cfg.MetadataPath(dataDir), logger)
	if err != nil {
		return nil, errors.Wrap(err, "open metadata")
	}

	rt.log.Info("runtime opened",
		log.Str("data_dir", dataDir),
		log.Str("blob_backend", cfg.Blob.Backend),
		log.Int("archive_layers", len(lower)),
	)
	ok = true
	return rt, nil
}

func openBlobs(ctx context.Context, dataDir string, cfg cfgpkg.BlobConfig) (blobstore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return blobstore.NewMemory(), nil
	case "s3":
		s, err := blobstore.NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, errors.Wrap(err, "connect s3")
		}
		return s, nil
	default:
		dir := cfg.Dir
		if dir == "" {
			dir = filepath.Join(dataDir, "blobs")
		}
		return blobstore.NewFS(dir)
	}
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	var errs []error
	if r.meta != nil {
		errs = append(errs, r.meta.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	errs = append(errs, r.shutdown(context.Background()))
	var combined error
	for _, err := range errs {
		if err != nil {
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return ctx.Err()
}

// Oplogs is the tiered oplog service.
func (r *Runtime) Oplogs() oplog.Service { return r.oplogs }

// Public is the user-facing oplog browser.
func (r *Runtime) Public() *publicoplog.Service { return r.public }

// Metadata is the worker metadata store.
func (r *Runtime) Metadata() *metadata.Store { return r.meta }

// Metrics is the Prometheus registry shared by the storage and oplog tiers.
func (r *Runtime) Metrics() *metrics.Registry { return r.metrics }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Status recomputes the status of a worker from its oplog and stores it in
// the metadata store.
func (r *Runtime) Status(ctx context.Context, owned oplog.OwnedWorkerID) (*status.Record, error) {
	return r.meta.RefreshStatus(ctx, owned, r.oplogs, r.config.Retry)
}

// Archive moves every entry of a worker's oplog to the coldest tier and
// returns the number of tier transfers performed.
func (r *Runtime) Archive(ctx context.Context, owned oplog.OwnedWorkerID) (int, error) {
	last, err := r.oplogs.GetLastIndex(ctx, owned)
	if err != nil {
		return 0, err
	}
	if last == oplog.NoneIndex {
		return 0, errors.Newf("no oplog for %s", owned)
	}
	h, err := r.oplogs.Open(ctx, owned, last, oplog.Durable)
	if err != nil {
		return 0, err
	}
	defer h.Close()
	steps, _, err := oplogstore.ArchiveAll(ctx, h)
	if err != nil {
		return steps, err
	}
	r.log.Info("oplog archived", log.WorkerID(owned), log.Int("steps", steps))
	return steps, nil
}

// Scan lists the workers of a component that have an oplog in any tier.
func (r *Runtime) Scan(ctx context.Context, projectID, componentID uuid.UUID, count uint64) ([]oplog.OwnedWorkerID, error) {
	var (
		out    []oplog.OwnedWorkerID
		cursor oplog.ScanCursor
	)
	for {
		next, ids, err := r.oplogs.ScanForComponent(ctx, projectID, componentID, cursor, count)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
		if next.IsFinished() {
			return out, nil
		}
		cursor = next
	}
}
