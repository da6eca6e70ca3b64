package telemetry

import (
	"context"

	"goa.design/clue/log"
)

// clueLogger adapts goa.design/clue/log's context-scoped structured logger
// to the Logger interface. clue's log package keeps logger state on the
// context itself, so With returns a logger carrying extra baked-in fields
// that get merged into every call's key-values.
type clueLogger struct {
	extra []log.KV
}

// NewClueLogger returns a Logger backed by goa.design/clue/log. Callers must
// have already installed a clue logger on the context passed to Debug/Info/
// Warn/Error (via log.Context), matching clue's own convention of carrying
// the logger on the context rather than as an object.
func NewClueLogger() Logger { return &clueLogger{} }

func toFielders(extra []log.KV, fields []Field) []log.Fielder {
	fielders := make([]log.Fielder, 0, len(extra)+len(fields))
	for _, kv := range extra {
		fielders = append(fielders, kv)
	}
	for _, f := range fields {
		fielders = append(fielders, log.KV{K: f.Key, V: f.Value})
	}
	return fielders
}

func (l *clueLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	kvs := append([]log.Fielder{log.KV{K: log.MessageKey, V: msg}}, toFielders(l.extra, fields)...)
	log.Debug(ctx, kvs...)
}

func (l *clueLogger) Info(ctx context.Context, msg string, fields ...Field) {
	kvs := append([]log.Fielder{log.KV{K: log.MessageKey, V: msg}}, toFielders(l.extra, fields)...)
	log.Info(ctx, kvs...)
}

func (l *clueLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	kvs := append([]log.Fielder{log.KV{K: log.MessageKey, V: msg}}, toFielders(l.extra, fields)...)
	log.Warn(ctx, kvs...)
}

func (l *clueLogger) Error(ctx context.Context, msg string, err error, fields ...Field) {
	kvs := append([]log.Fielder{log.KV{K: log.MessageKey, V: msg}}, toFielders(l.extra, fields)...)
	log.Error(ctx, err, kvs...)
}

func (l *clueLogger) With(fields ...Field) Logger {
	extra := make([]log.KV, len(l.extra), len(l.extra)+len(fields))
	copy(extra, l.extra)
	for _, f := range fields {
		extra = append(extra, log.KV{K: f.Key, V: f.Value})
	}
	return &clueLogger{extra: extra}
}
