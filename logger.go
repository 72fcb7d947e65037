package vaultkv

import (
	"log/slog"
	"os"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging sets up the global default logger with a TextHandler
// and configures the log level based on the VAULTKV_LOG_LEVEL environment
// variable. It defaults to Info level if not specified.
//
// This function should be called by the application at startup if it wants
// to use the default vaultkv logging configuration. Per SPEC_FULL.md
// section 9, this threshold is the only cross-session mutable state in the
// core: every session and the store share it.
func ConfigureLogging() {
	// Default to Info
	logLevel.Set(slog.LevelInfo)

	// Check environment variable for log level
	lvl := os.Getenv("VAULTKV_LOG_LEVEL")
	switch lvl {
	case "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "WARN":
		logLevel.Set(slog.LevelWarn)
	case "ERROR":
		logLevel.Set(slog.LevelError)
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel sets the logging level for the logger configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// slogSink is the default LogSink, forwarding to the global slog logger.
func slogSink(level LogLevel, message string, context map[string]any) {
	args := make([]any, 0, len(context)*2)
	for k, v := range context {
		args = append(args, k, v)
	}
	switch level {
	case LogTrace, LogDebug:
		slog.Debug(message, args...)
	case LogInfo:
		slog.Info(message, args...)
	case LogWarn:
		slog.Warn(message, args...)
	case LogError, LogFatal:
		slog.Error(message, args...)
	default:
		slog.Info(message, args...)
	}
}
