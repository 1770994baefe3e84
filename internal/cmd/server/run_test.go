package serverrun

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/golem-oplog/internal/config"
	logpkg "github.com/rzbill/golem-oplog/pkg/log"
)

func TestOptionsResolve(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		wantGRPC string
		wantHTTP string
		wantDir  string
	}{
		{
			name:     "addresses from config",
			opts:     Options{DataDir: "/custom/data", Config: cfgpkg.Default()},
			wantGRPC: ":50051",
			wantHTTP: ":8080",
			wantDir:  "/custom/data",
		},
		{
			name:     "explicit addresses win",
			opts:     Options{DataDir: "/custom/data", GRPCAddr: ":1", HTTPAddr: ":2", Config: cfgpkg.Default()},
			wantGRPC: ":1",
			wantHTTP: ":2",
			wantDir:  "/custom/data",
		},
		{
			name: "data dir from config",
			opts: Options{Config: func() cfgpkg.Config {
				c := cfgpkg.Default()
				c.DataDir = "/from/config"
				return c
			}()},
			wantGRPC: ":50051",
			wantHTTP: ":8080",
			wantDir:  "/from/config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.opts.resolve()
			if got.GRPCAddr != tt.wantGRPC || got.HTTPAddr != tt.wantHTTP {
				t.Errorf("addresses = %s, %s", got.GRPCAddr, got.HTTPAddr)
			}
			if got.DataDir != tt.wantDir {
				t.Errorf("data dir = %s, expected %s", got.DataDir, tt.wantDir)
			}
		})
	}
}

func TestResolveDefaultDataDir(t *testing.T) {
	got := Options{Config: cfgpkg.Default()}.resolve()
	if got.DataDir == "" {
		t.Error("Expected DataDir to be set after fallback")
	}
	if !filepath.IsAbs(got.DataDir) && !filepath.HasPrefix(got.DataDir, "./") {
		t.Errorf("Expected DataDir to be absolute or start with ./, got %s", got.DataDir)
	}
}

func TestProcessLoggerFallsBack(t *testing.T) {
	if processLogger(logpkg.Config{Level: "debug", Format: "json"}) == nil {
		t.Fatal("nil logger for valid config")
	}
	if processLogger(logpkg.Config{Level: "debug", Format: "xml"}) == nil {
		t.Fatal("nil logger for invalid format")
	}
}

// TestRunIntegration starts both servers on ephemeral ports and stops them
// by cancelling the context.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := cfgpkg.Default()
	cfg.Fsync = "never"
	cfg.Blob.Backend = "memory"
	opts := Options{
		DataDir:  t.TempDir(),
		GRPCAddr: "127.0.0.1:0",
		HTTPAddr: "127.0.0.1:0",
		Config:   cfg,
		Logger:   logpkg.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := Run(ctx, opts); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	cfg := cfgpkg.Default()
	cfg.Fsync = "never"
	cfg.Blob.Backend = "memory"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = Run(ctx, Options{
		DataDir:  t.TempDir(),
		GRPCAddr: busy.Addr().String(),
		HTTPAddr: "127.0.0.1:0",
		Config:   cfg,
		Logger:   logpkg.Nop(),
	})
	if err == nil {
		t.Fatal("expected listen error")
	}
}
