package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays OPLOG_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("OPLOG_DATA_DIR", &cfg.DataDir)
	str("OPLOG_FSYNC", &cfg.Fsync)

	integer("OPLOG_MAX_OPERATIONS_BEFORE_COMMIT", &cfg.Oplog.MaxOperationsBeforeCommit)
	integer("OPLOG_MAX_OPERATIONS_BEFORE_COMMIT_EPHEMERAL", &cfg.Oplog.MaxOperationsBeforeCommitEphemeral)
	integer("OPLOG_MAX_PAYLOAD_SIZE", &cfg.Oplog.MaxPayloadSize)
	integer("OPLOG_COMPRESSION_LEVEL", &cfg.Oplog.CompressionLevel)
	if v := os.Getenv("OPLOG_ENTRY_COUNT_LIMIT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Oplog.EntryCountLimit = n
		}
	}
	if v := os.Getenv("OPLOG_REPLICAS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			cfg.Oplog.Replicas = uint8(n)
		}
	}
	if v := os.Getenv("OPLOG_ARCHIVE_LAYERS"); v != "" {
		cfg.Oplog.ArchiveLayers = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Oplog.ArchiveLayers = append(cfg.Oplog.ArchiveLayers, p)
			}
		}
	}

	str("OPLOG_BLOB_BACKEND", &cfg.Blob.Backend)
	str("OPLOG_BLOB_DIR", &cfg.Blob.Dir)
	str("OPLOG_S3_ENDPOINT", &cfg.Blob.S3.Endpoint)
	str("OPLOG_S3_BUCKET", &cfg.Blob.S3.Bucket)
	str("OPLOG_S3_ACCESS_KEY", &cfg.Blob.S3.AccessKey)
	str("OPLOG_S3_SECRET_KEY", &cfg.Blob.S3.SecretKey)
	str("OPLOG_S3_PREFIX", &cfg.Blob.S3.Prefix)
	boolean("OPLOG_S3_SECURE", &cfg.Blob.S3.Secure)

	if v := os.Getenv("OPLOG_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Retry.MaxAttempts = uint32(n)
		}
	}
	if v := os.Getenv("OPLOG_RETRY_MIN_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.MinDelay = d
		}
	}
	if v := os.Getenv("OPLOG_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.MaxDelay = d
		}
	}

	str("OPLOG_GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("OPLOG_HTTP_ADDR", &cfg.Server.HTTPAddr)

	str("OPLOG_TRACING_EXPORTER", &cfg.Tracing.Exporter)
	str("OPLOG_TRACING_ENDPOINT", &cfg.Tracing.Endpoint)
	boolean("OPLOG_TRACING_INSECURE", &cfg.Tracing.Insecure)
	if v := os.Getenv("OPLOG_TRACING_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRatio = f
		}
	}

	str("OPLOG_METADATA_PATH", &cfg.Metadata.Path)
	str("OPLOG_LOG_LEVEL", &cfg.Log.Level)
	str("OPLOG_LOG_FORMAT", &cfg.Log.Format)
}
