// Structured logging, shared by all three engines.
//
// Logging is deliberately off the hot path: Search and Remove never log,
// and Add logs only when it triggers one of the events below. Only
// events that matter for operating the engine in production are
// recorded — splits, directory doublings, reconstructions, rehashes —
// mirroring the print() statements in original_source/app/engines's
// seqfile.py (bulk_load, _reconstruct) but as structured, leveled,
// disableable log records instead of stdout writes.
package stratum

import "go.uber.org/zap"

// noopLogger is used whenever Config.Logger is nil, so call sites never
// need a nil check.
var noopLogger = zap.NewNop()

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return noopLogger
	}
	return l
}
