// Package runtime wires storage, config, and services into a single-node
// oplog instance. It exposes Open/Close, health checks, and the operator
// helpers (status refresh, archiving, component scans) used by the servers.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{DataDir: "./data", Config: config.Default()})
//	defer rt.Close()
//	_ = rt.CheckHealth(ctx)
//	h, _ := rt.Oplogs().Create(ctx, owned, create, oplog.Durable)
//	_ = h.Add(ctx, entry)
//	_ = h.Commit(ctx, oplog.Always)
package runtime
