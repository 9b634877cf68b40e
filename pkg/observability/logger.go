package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/platinummonkey/tenancy/pkg/contextkeys"
	"github.com/sirupsen/logrus"
)

// Log formats accepted by NewLogger
const (
	FormatJSON = "json"
	FormatText = "text"
)

// NewLogger creates the process logger. level is any logrus level name
// ("debug", "info", ...); format is FormatJSON or FormatText.
func NewLogger(level, format string, output io.Writer) (*logrus.Logger, error) {
	if output == nil {
		output = os.Stdout
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetOutput(output)
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	case FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return logger, nil
}

type loggerKey struct{}

// WithLogger stores a request-scoped logger in ctx
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// FromContext returns the request-scoped logger, falling back to base.
// Request and user ids found in ctx are attached as fields.
func FromContext(ctx context.Context, base *logrus.Logger) *logrus.Entry {
	entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry)
	if !ok {
		if base == nil {
			base = logrus.StandardLogger()
		}
		entry = logrus.NewEntry(base)
	}

	if requestID := contextkeys.GetRequestID(ctx); requestID != "" {
		entry = entry.WithField("request_id", requestID)
	}
	if userID := contextkeys.GetUserID(ctx); userID != 0 {
		entry = entry.WithField("user_id", userID)
	}
	return entry
}
