// Package logger provides structured logging for the blockdoc service
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with service-specific helpers
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

// ParseLevel maps a config level name to a zerolog level, defaulting to info
func ParseLevel(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
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
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "blockdoc").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Zerolog returns the underlying zerolog logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.zlog.Info().Msg(msg)
}

// Warn starts a warning event
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// Error starts an error event
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// DocLogger returns a logger scoped to one document
func (l *Logger) DocLogger(docID string) zerolog.Logger {
	return l.zlog.With().
		Str("component", "document").
		Str("doc_id", docID).
		Logger()
}

// StoreLogger returns a logger for persistence operations
func (l *Logger) StoreLogger(backend string) zerolog.Logger {
	return l.zlog.With().
		Str("component", "store").
		Str("backend", backend).
		Logger()
}

// LogGrpcRequest logs a completed gRPC request
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Str("component", "grpc").
		Str("method", method).
		Dur("duration_ms", duration).
		Msg("gRPC request completed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port int, backend string) {
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("storage", backend).
		Msg("blockdoc server starting")
}

// LogServerReady logs when server is ready
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("blockdoc server ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("blockdoc server shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = globalLogger.zlog
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
