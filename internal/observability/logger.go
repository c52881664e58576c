package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide structured logger. Fields are free-form maps so
// call sites stay terse; zap does the encoding.
type Logger struct {
	base *zap.Logger
}

func NewLogger() *Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		levelFromEnv(),
	)
	return &Logger{base: zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))}
}

func levelFromEnv() zapcore.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.base.Info(message, zapFields(fields)...)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.base.Warn(message, zapFields(fields)...)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.base.Error(message, zapFields(fields)...)
}

func (l *Logger) Sync() {
	_ = l.base.Sync()
}

func zapFields(fields map[string]any) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
