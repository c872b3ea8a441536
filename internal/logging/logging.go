// Package logging configures the process-wide logrus logger.
package logging

import (
	"context"
	"os"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/assetimport/internal/auth"
)

// Setup applies level and format ("text" or "json") to the standard logger.
func Setup(level, format string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", level)
	}
	logrus.SetLevel(parsed)
	logrus.SetOutput(os.Stderr)

	switch format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	return nil
}

type ctxKey struct{}

// ContextWithRequestID tags ctx so that FromContext includes the request id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// FromContext returns an entry carrying the request id and tenant scope found on ctx.
func FromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(logrus.StandardLogger())
	if ctx == nil {
		return entry
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		entry = entry.WithField("request_id", id)
	}
	if tenantID, ok := auth.TenantIDFromContext(ctx); ok {
		entry = entry.WithField("tenant_id", tenantID)
	}
	return entry.WithContext(ctx)
}
