package logger

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	RequestIDKey     contextKey = "request_id"
	UserIDKey        contextKey = "user_id"
	ServiceKey       contextKey = "service"
	SessionIDKey     contextKey = "session_id"
	ReservationIDKey contextKey = "reservation_id"
)

var contextFields = []contextKey{RequestIDKey, UserIDKey, ServiceKey, SessionIDKey, ReservationIDKey}

var defaultLogger *slog.Logger

func init() {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if os.Getenv("LOG_LEVEL") == "debug" {
		opts.Level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	defaultLogger = slog.New(handler)
}

func Default() *slog.Logger {
	return defaultLogger
}

// SetDefault swaps the package logger, mostly so tests can silence or capture output.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

func WithContext(ctx context.Context) *slog.Logger {
	logger := defaultLogger
	for _, key := range contextFields {
		if v := ctx.Value(key); v != nil {
			logger = logger.With(string(key), v)
		}
	}
	return logger
}

// WithSession returns a context carrying the booking session id for log enrichment.
func WithSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func WithReservation(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ReservationIDKey, id)
}

func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}
