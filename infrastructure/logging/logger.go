// Package logging provides structured logging with trace ID support.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey ContextKey = "trace_id"
	// ServiceKey is the context key for service name.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with relay-specific fields and helpers.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance for the given service, level, and format
// ("json" or "text").
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, service: service}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables, defaulting to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext creates a logger entry carrying the service name and, if
// present, the request trace ID from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	return entry
}

// WithFields creates a logger entry with custom fields plus the service name.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from ctx, or "" if absent.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// LogChainEvent logs a decoded blockchain event reaching the dispatcher.
func (l *Logger) LogChainEvent(ctx context.Context, subID, eventName, txHash string, blockNumber uint64) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"sub_id":       subID,
		"event_name":   eventName,
		"tx_hash":      txHash,
		"block_number": blockNumber,
	}).Info("chain event matched")
}

// LogDeliveryOutcome logs the terminal or retry outcome of a delivery attempt.
func (l *Logger) LogDeliveryOutcome(ctx context.Context, deliveryID, webhookID, status string, attempts int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"delivery_id": deliveryID,
		"webhook_id":  webhookID,
		"status":      status,
		"attempts":    attempts,
	})
	if err != nil {
		entry.WithError(err).Warn("delivery attempt failed")
		return
	}
	entry.Info("delivery attempt resolved")
}

// LogConfigReload logs the outcome of a configuration hot-reload attempt.
func (l *Logger) LogConfigReload(ctx context.Context, path string, subscriptionCount int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"path":               path,
		"subscription_count": subscriptionCount,
	})
	if err != nil {
		entry.WithError(err).Error("config reload rejected")
		return
	}
	entry.Info("config reloaded")
}
