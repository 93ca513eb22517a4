// Package logger provides structured logging for collabsync
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with collabsync-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "collabsync").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// SessionLogger returns a logger scoped to one session
func (l *Logger) SessionLogger(sessionID string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "session").
			Str("session_id", sessionID).
			Logger(),
	}
}

// SyncLogger returns a logger for synchronization operations
func (l *Logger) SyncLogger(operation string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "sync").
			Str("operation", operation).
			Logger(),
	}
}

// TransportLogger returns a logger for transport operations
func (l *Logger) TransportLogger(remote string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "transport").
			Str("remote", remote).
			Logger(),
	}
}

// LogConflictResolution logs a conflict resolution outcome
func (l *Logger) LogConflictResolution(conflictType, strategy string, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "conflict").
		Str("type", conflictType).
		Str("strategy", strategy).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "conflict").
			Str("type", conflictType).
			Str("strategy", strategy).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("Conflict resolution completed")
}

// LogSyncMessage logs a processed synchronization message
func (l *Logger) LogSyncMessage(msgType, sessionID string, version uint64, err error) {
	event := l.zlog.Debug().
		Str("component", "sync").
		Str("type", msgType).
		Str("session_id", sessionID).
		Uint64("version", version)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "sync").
			Str("type", msgType).
			Str("session_id", sessionID).
			Uint64("version", version).
			Err(err)
	}

	event.Msg("Sync message processed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port int, journalPath string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("journal", journalPath).
		Msg("collabsync relay starting")
}

// LogServerReady logs when the relay is ready
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("collabsync relay ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("collabsync relay shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
