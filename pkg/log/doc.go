// Package log is the structured logging facade used across oplogd.
//
// # Overview
//
// Components receive a Logger and attach their own context with With or
// WithComponent. Records flow through slog via a bridge handler into a
// Formatter (text or JSON) and one or more Outputs.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("oplog.primary"))
//	l.Info("oplog committed", log.Uint64("last_index", 42))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config (level, format, an
// optional file output, redacted keys and sampling).
//
// # Interop
//
// RedirectStdLog routes the standard library logger, which Pebble writes to,
// through a Logger.
package log
