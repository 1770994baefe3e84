package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rzbill/golem-oplog/internal/blobstore"
	"github.com/rzbill/golem-oplog/internal/observability"
	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir  string                      `json:"dataDir" yaml:"dataDir"`
	Fsync    string                      `json:"fsync" yaml:"fsync"`
	Oplog    OplogConfig                 `json:"oplog" yaml:"oplog"`
	Blob     BlobConfig                  `json:"blob" yaml:"blob"`
	Retry    oplog.RetryConfig           `json:"retry" yaml:"retry"`
	Server   ServerConfig                `json:"server" yaml:"server"`
	Tracing  observability.TracingConfig `json:"tracing" yaml:"tracing"`
	Metadata MetadataConfig              `json:"metadata" yaml:"metadata"`
	Log      log.Config                  `json:"log" yaml:"log"`
}

// OplogConfig sizes the oplog tiers.
type OplogConfig struct {
	MaxOperationsBeforeCommit          int `json:"maxOperationsBeforeCommit" yaml:"maxOperationsBeforeCommit"`
	MaxOperationsBeforeCommitEphemeral int `json:"maxOperationsBeforeCommitEphemeral" yaml:"maxOperationsBeforeCommitEphemeral"`
	MaxPayloadSize                     int `json:"maxPayloadSize" yaml:"maxPayloadSize"`
	// EntryCountLimit is the number of committed entries that triggers a
	// transfer out of the primary tier.
	EntryCountLimit uint64 `json:"entryCountLimit" yaml:"entryCountLimit"`
	// ArchiveLayers lists the lower tiers from hottest to coldest, each
	// "compressed" or "blob".
	ArchiveLayers    []string `json:"archiveLayers" yaml:"archiveLayers"`
	CompressionLevel int      `json:"compressionLevel" yaml:"compressionLevel"`
	Replicas         uint8    `json:"replicas" yaml:"replicas"`
}

// BlobConfig selects the blob sink used for payloads and blob archives.
type BlobConfig struct {
	// Backend is fs, s3 or memory.
	Backend string             `json:"backend" yaml:"backend"`
	Dir     string             `json:"dir" yaml:"dir"`
	S3      blobstore.S3Config `json:"s3" yaml:"s3"`
}

type ServerConfig struct {
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr"`
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`
}

type MetadataConfig struct {
	// Path of the SQLite database. Empty means <dataDir>/metadata.db.
	Path string `json:"path" yaml:"path"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Fsync: "always",
		Oplog: OplogConfig{
			MaxOperationsBeforeCommit:          128,
			MaxOperationsBeforeCommitEphemeral: 512,
			MaxPayloadSize:                     oplog.DefaultMaxPayloadSize,
			EntryCountLimit:                    1024,
			ArchiveLayers:                      []string{"compressed"},
			CompressionLevel:                   3,
			Replicas:                           1,
		},
		Blob:  BlobConfig{Backend: "fs"},
		Retry: oplog.DefaultRetryConfig(),
		Server: ServerConfig{
			GRPCAddr: ":50051",
			HTTPAddr: ":8080",
		},
		Tracing: observability.TracingConfig{Exporter: "none", SampleRatio: 1},
		Log:     log.Config{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Marshal renders cfg in the format implied by the file extension of path.
func Marshal(cfg Config, path string) ([]byte, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Fsync {
	case "", "always", "interval", "never":
	default:
		return fmt.Errorf("fsync: unknown mode %q", c.Fsync)
	}
	if c.Oplog.MaxOperationsBeforeCommit <= 0 {
		return fmt.Errorf("oplog.maxOperationsBeforeCommit must be positive")
	}
	if c.Oplog.MaxPayloadSize < 0 {
		return fmt.Errorf("oplog.maxPayloadSize must not be negative")
	}
	if c.Oplog.EntryCountLimit == 0 {
		return fmt.Errorf("oplog.entryCountLimit must be positive")
	}
	if len(c.Oplog.ArchiveLayers) == 0 {
		return fmt.Errorf("oplog.archiveLayers needs at least one layer")
	}
	for _, l := range c.Oplog.ArchiveLayers {
		if l != "compressed" && l != "blob" {
			return fmt.Errorf("oplog.archiveLayers: unknown layer %q", l)
		}
	}
	switch c.Blob.Backend {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Endpoint == "" || c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3 needs endpoint and bucket")
		}
	default:
		return fmt.Errorf("blob.backend: unknown backend %q", c.Blob.Backend)
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp", "otlphttp":
	default:
		return fmt.Errorf("tracing.exporter: unknown exporter %q", c.Tracing.Exporter)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	return nil
}

// MetadataPath resolves the SQLite path against dataDir.
func (c Config) MetadataPath(dataDir string) string {
	if c.Metadata.Path != "" {
		return c.Metadata.Path
	}
	return filepath.Join(dataDir, "metadata.db")
}
