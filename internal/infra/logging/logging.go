// Package logging builds the logrus logger shared by ordersync components.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/coachpo/ordersync/internal/infra/config"
	"github.com/coachpo/ordersync/internal/infra/telemetry"
)

// New returns a logger configured from cfg. The returned closer releases file outputs.
func New(cfg config.LoggingConfig) (*logrus.Logger, func() error, error) {
	logger := logrus.New()
	logger.SetReportCaller(true)

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339Nano,
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	}

	out, closer := output(cfg)
	logger.SetOutput(out)
	logger.AddHook(&levelCounterHook{})
	return logger, closer, nil
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard().Logger
	}
	return logger.WithField("component", name)
}

// Discard returns an entry that drops everything. Used when callers pass no logger.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func parseLevel(raw string) (logrus.Level, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(trimmed)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("logging level: %w", err)
	}
	return level, nil
}

func output(cfg config.LoggingConfig) (io.Writer, func() error) {
	noop := func() error { return nil }
	switch strings.TrimSpace(cfg.Output) {
	case "", "stdout":
		return os.Stdout, noop
	case "stderr":
		return os.Stderr, noop
	}
	maxAge := cfg.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 7
	}
	rotator := &lumberjack.Logger{
		Filename:  cfg.Output,
		MaxSize:   100,
		MaxAge:    maxAge,
		Compress:  true,
		LocalTime: false,
	}
	return rotator, rotator.Close
}

var (
	logEventsOnce    sync.Once
	logEventsCounter metric.Int64Counter
)

// levelCounterHook counts warnings and errors per component.
type levelCounterHook struct{}

func (h *levelCounterHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *levelCounterHook) Fire(entry *logrus.Entry) error {
	logEventsOnce.Do(func() {
		counter, err := otel.Meter("logging").Int64Counter("ordersync_log_events_total",
			metric.WithDescription("Warnings and errors logged per component"),
			metric.WithUnit("{event}"))
		if err == nil {
			logEventsCounter = counter
		}
	})
	if logEventsCounter == nil {
		return nil
	}
	component, _ := entry.Data["component"].(string)
	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logEventsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("level", entry.Level.String()),
		attribute.String("component", component),
	))
	return nil
}
