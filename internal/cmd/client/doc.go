// Package client provides the client commands of the `oplogd` binary.
//
// The commands talk to the HTTP API of a running server, except for
// health, which uses the gRPC health service.
//
// # Address configuration
//
// The HTTP base URL is discovered by the embedding application via a
// BaseURLFunc; the standalone binary reads OPLOG_HTTP and defaults to
// http://127.0.0.1:8080. The gRPC address is read from OPLOG_GRPC
// (default 127.0.0.1:50051).
//
// Workers are addressed as PROJECT/COMPONENT/NAME, with UUIDs for the
// project and component.
//
// Usage
//
//	oplogd oplog get $W --count 20
//	oplogd oplog get $W --all
//	oplogd oplog search $W 'kind == "ImportedFunctionInvoked" && function == "http::fetch"'
//	oplogd oplog search $W timeout
//	oplogd oplog tail $W --from 100
//	oplogd oplog archive $W
//
//	oplogd worker status $W
//	oplogd worker list $PROJECT/$COMPONENT --filter "status=Failed"
//	oplogd worker delete $W --confirm
//
//	oplogd health --service oplog.v1.OplogService
package client
