// Package httpserver provides the REST gateway of oplogd: health and
// Prometheus metrics, paged and searchable public oplogs with an SSE tail,
// worker status and metadata listings.
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{DataDir: "./data", Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
