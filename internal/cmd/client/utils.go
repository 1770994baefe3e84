package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rzbill/golem-oplog/internal/oplog"
)

// grpcAddrFromEnv returns the gRPC server address from OPLOG_GRPC or a default.
func grpcAddrFromEnv() string {
	if addr := os.Getenv("OPLOG_GRPC"); addr != "" {
		return addr
	}
	return "127.0.0.1:50051"
}

// dialGRPC connects to the oplogd gRPC endpoint with insecure transport for local/dev.
func dialGRPC() (*grpc.ClientConn, error) {
	return grpc.NewClient(grpcAddrFromEnv(), grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// workerURL addresses a worker resource of the HTTP API.
func workerURL(base string, owned oplog.OwnedWorkerID, suffix string) string {
	return fmt.Sprintf("%s/v1/projects/%s/components/%s/workers/%s%s",
		strings.TrimRight(base, "/"), owned.ProjectID, owned.WorkerID.ComponentID, url.PathEscape(owned.WorkerID.Name), suffix)
}

// parseWorker parses the single worker argument of a command.
func parseWorker(args []string) (oplog.OwnedWorkerID, error) {
	if len(args) != 1 {
		return oplog.OwnedWorkerID{}, fmt.Errorf("expected one worker id (project/component/name)")
	}
	return oplog.ParseOwnedWorkerID(args[0])
}

// call performs an HTTP request and decodes a JSON response into out when
// out is non-nil. Non-2xx responses become errors carrying the server message.
func call(ctx context.Context, method, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
