// Package grpcserver hosts the gRPC endpoint of oplogd: the standard
// grpc.health.v1 service fed by runtime health probes, and an oplog
// service whose messages are google.protobuf.Struct values. Server
// reflection is registered for grpcurl-style tooling.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{DataDir: "./data", Config: config.Default()})
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":50051")
package grpcserver
