// Package blobctx threads a structured logger through a context.Context,
// the way handlers and background workers throughout this module pick up
// their logging fields without a global logger.
package blobctx

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

type loggerKey struct{}

// WithLogger returns a copy of ctx carrying logger as its logger.
func WithLogger(ctx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// WithFields returns a copy of ctx whose logger has the given fields merged
// in. If ctx carries no logger yet, the standard logger is used as a base.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, GetLogger(ctx).WithFields(fields))
}

// GetLogger returns the logger carried by ctx, or the standard logrus
// logger if none was attached.
func GetLogger(ctx context.Context) *logrus.Entry {
	if l, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return l
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// GetLoggerWithField is a convenience wrapper returning a logger with a
// single extra field, without modifying ctx.
func GetLoggerWithField(ctx context.Context, key string, value interface{}) *logrus.Entry {
	return GetLogger(ctx).WithField(key, fmt.Sprint(value))
}
