package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Oplog.MaxOperationsBeforeCommit != 128 {
		t.Fatalf("max operations default")
	}
	if len(cfg.Oplog.ArchiveLayers) != 1 || cfg.Oplog.ArchiveLayers[0] != "compressed" {
		t.Fatalf("archive layers default: %v", cfg.Oplog.ArchiveLayers)
	}
	if cfg.Retry.MaxAttempts == 0 {
		t.Fatalf("retry default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "oplogd.json")
	data := []byte(`{"fsync":"never","oplog":{"maxOperationsBeforeCommit":32,"entryCountLimit":10,"archiveLayers":["compressed","blob"]},"blob":{"backend":"memory"}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Fsync != "never" {
		t.Fatalf("expected never")
	}
	if cfg.Oplog.MaxOperationsBeforeCommit != 32 || cfg.Oplog.EntryCountLimit != 10 {
		t.Fatalf("oplog section: %+v", cfg.Oplog)
	}
	if cfg.Oplog.MaxPayloadSize != Default().Oplog.MaxPayloadSize {
		t.Fatalf("unset fields keep defaults")
	}
	require.Equal(t, []string{"compressed", "blob"}, cfg.Oplog.ArchiveLayers)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "oplogd.yaml")
	data := []byte(`
dataDir: /tmp/oplogd
oplog:
  entryCountLimit: 50
blob:
  backend: s3
  s3:
    endpoint: localhost:9000
    bucket: oplogs
retry:
  maxAttempts: 7
  minDelay: 250ms
  multiplier: 2
server:
  httpAddr: ":9090"
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(file, data, 0644))
	cfg, err := Load(file)
	require.NoError(t, err)
	require.Equal(t, "/tmp/oplogd", cfg.DataDir)
	require.Equal(t, uint64(50), cfg.Oplog.EntryCountLimit)
	require.Equal(t, "oplogs", cfg.Blob.S3.Bucket)
	require.Equal(t, uint32(7), cfg.Retry.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.MinDelay)
	require.Equal(t, ":9090", cfg.Server.HTTPAddr)
	require.Equal(t, ":50051", cfg.Server.GRPCAddr)
	require.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMarshalRoundTripsThroughLoad(t *testing.T) {
	cfg := Default()
	cfg.Oplog.Replicas = 3
	file := filepath.Join(t.TempDir(), "oplogd.yml")
	b, err := Marshal(cfg, file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(file, b, 0644))
	got, err := Load(file)
	require.NoError(t, err)
	require.Equal(t, uint8(3), got.Oplog.Replicas)
	require.Equal(t, cfg.Retry, got.Retry)
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("OPLOG_FSYNC", "interval")
	t.Setenv("OPLOG_ENTRY_COUNT_LIMIT", "99")
	t.Setenv("OPLOG_ARCHIVE_LAYERS", "compressed, blob")
	t.Setenv("OPLOG_S3_SECURE", "true")
	t.Setenv("OPLOG_RETRY_MAX_DELAY", "3s")
	t.Setenv("OPLOG_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("OPLOG_MAX_PAYLOAD_SIZE", "not-a-number")
	FromEnv(&cfg)
	if cfg.Fsync != "interval" {
		t.Fatalf("env override fsync")
	}
	if cfg.Oplog.EntryCountLimit != 99 {
		t.Fatalf("env override entry count limit")
	}
	require.Equal(t, []string{"compressed", "blob"}, cfg.Oplog.ArchiveLayers)
	if !cfg.Blob.S3.Secure {
		t.Fatalf("env override bool")
	}
	if cfg.Retry.MaxDelay != 3*time.Second {
		t.Fatalf("env override duration")
	}
	if cfg.Tracing.SampleRatio != 0.25 {
		t.Fatalf("env override ratio")
	}
	if cfg.Oplog.MaxPayloadSize != Default().Oplog.MaxPayloadSize {
		t.Fatalf("invalid values are ignored")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"fsync", func(c *Config) { c.Fsync = "sometimes" }},
		{"commit batch", func(c *Config) { c.Oplog.MaxOperationsBeforeCommit = 0 }},
		{"entry limit", func(c *Config) { c.Oplog.EntryCountLimit = 0 }},
		{"no layers", func(c *Config) { c.Oplog.ArchiveLayers = nil }},
		{"unknown layer", func(c *Config) { c.Oplog.ArchiveLayers = []string{"tape"} }},
		{"blob backend", func(c *Config) { c.Blob.Backend = "ftp" }},
		{"s3 without bucket", func(c *Config) { c.Blob.Backend = "s3"; c.Blob.S3.Endpoint = "x" }},
		{"exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }},
		{"multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestMetadataPath(t *testing.T) {
	cfg := Default()
	require.Equal(t, filepath.Join("/data", "metadata.db"), cfg.MetadataPath("/data"))
	cfg.Metadata.Path = "/elsewhere/meta.db"
	require.Equal(t, "/elsewhere/meta.db", cfg.MetadataPath("/data"))
}
