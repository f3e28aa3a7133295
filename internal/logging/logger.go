// Package logging provides structured logging with component/asset context.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// ComponentKey is the context key for the originating component (collector, analytics, buffer, upload, orchestrator).
	ComponentKey ContextKey = "component"
	// AssetKey is the context key for the asset name a log line pertains to.
	AssetKey ContextKey = "asset"
	// ServiceKey is the context key for the service name.
	ServiceKey ContextKey = "service"
)

// Logger wraps logrus.Logger with bridge-specific fields.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment variables.
// Defaults to "info" and "json" when unset.
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

// SetOutput sets the logger output.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// WithContext creates a new logger entry carrying component/asset values from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if component := ctx.Value(ComponentKey); component != nil {
		entry = entry.WithField("component", component)
	}
	if asset := ctx.Value(AssetKey); asset != nil {
		entry = entry.WithField("asset", asset)
	}
	return entry
}

// WithComponent creates a new logger entry scoped to a component.
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":   l.service,
		"component": component,
	})
}

// WithAsset creates a new logger entry scoped to a component and an asset.
func (l *Logger) WithAsset(component, asset string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":   l.service,
		"component": component,
		"asset":     asset,
	})
}

// WithFields creates a new logger entry with custom fields merged in.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry carrying an error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// Context helper functions

// WithComponentValue adds a component name to the context.
func WithComponentValue(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ComponentKey, component)
}

// GetComponent retrieves the component name from context.
func GetComponent(ctx context.Context) string {
	if component, ok := ctx.Value(ComponentKey).(string); ok {
		return component
	}
	return ""
}

// WithAssetValue adds an asset name to the context.
func WithAssetValue(ctx context.Context, asset string) context.Context {
	return context.WithValue(ctx, AssetKey, asset)
}

// GetAsset retrieves the asset name from context.
func GetAsset(ctx context.Context) string {
	if asset, ok := ctx.Value(AssetKey).(string); ok {
		return asset
	}
	return ""
}

// Structured logging helpers, matching the causes enumerated in the error handling design.

// LogConnectFailure logs a per-asset session connect failure.
func (l *Logger) LogConnectFailure(ctx context.Context, asset string, attempt int, delay time.Duration, err error) {
	l.WithAsset("collector", asset).WithFields(logrus.Fields{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"cause":    "connect_failure",
	}).WithError(err).Warn("asset connect attempt failed")
}

// LogQuarantine logs an asset being placed into quarantine after exhausting reconnect attempts.
func (l *Logger) LogQuarantine(ctx context.Context, asset string, attempts int) {
	l.WithAsset("collector", asset).WithFields(logrus.Fields{
		"attempts": attempts,
		"cause":    "quarantine",
	}).Error("asset quarantined after exhausting reconnect attempts")
}

// LogSubscribeFailure logs a per-tag subscribe failure that the session tolerates.
func (l *Logger) LogSubscribeFailure(ctx context.Context, asset, tag string, err error) {
	l.WithAsset("collector", asset).WithFields(logrus.Fields{
		"tag":   tag,
		"cause": "subscribe_failure",
	}).WithError(err).Warn("tag subscribe failed, continuing with reduced subscription set")
}

// LogBufferEviction logs a lossy size-cap eviction event.
func (l *Logger) LogBufferEviction(ctx context.Context, rowsEvicted int64, reason string) {
	l.WithComponent("buffer").WithFields(logrus.Fields{
		"rows_evicted": rowsEvicted,
		"reason":       reason,
		"cause":        "size_cap_eviction",
	}).Warn("buffer evicted rows under size-cap pressure")
}

// LogUploadFailure logs a failed batch upload attempt.
func (l *Logger) LogUploadFailure(ctx context.Context, batchID string, attempt int, err error) {
	l.WithComponent("upload").WithFields(logrus.Fields{
		"batch_id": batchID,
		"attempt":  attempt,
		"cause":    "remote_write_failure",
	}).WithError(err).Warn("batch upload attempt failed")
}

// LogUploadSuccess logs a successfully acknowledged batch upload.
func (l *Logger) LogUploadSuccess(ctx context.Context, batchID string, samples, analytics int, duration time.Duration) {
	l.WithComponent("upload").WithFields(logrus.Fields{
		"batch_id":       batchID,
		"samples":        samples,
		"analytics_rows": analytics,
		"duration_ms":    duration.Milliseconds(),
	}).Info("batch uploaded and acknowledged")
}

// LogHealthRollup logs the periodic health/maintenance loop summary.
func (l *Logger) LogHealthRollup(ctx context.Context, fields map[string]interface{}) {
	l.WithComponent("orchestrator").WithFields(fields).Info("health rollup")
}

// Fatal logs a fatal error and exits. Used only for startup failures (§7: configuration invalid,
// remote store credentials missing, buffer schema unopenable).
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Debug logs a debug message.
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(message)
}

// Global default logger, for packages that can't be handed one explicitly (e.g. driver glue).

var defaultLogger *Logger

// InitDefault initializes the default logger.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the default logger, constructing a basic fallback if uninitialized.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("edge-telemetry-bridge", "info", "json")
	}
	return defaultLogger
}

// FormatDuration renders a duration in milliseconds, for log-adjacent display code.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
