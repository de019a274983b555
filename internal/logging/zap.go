package logging

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a *zap.Logger to Logger.
//
// The leading "[component] " namespace prefix, if present, is moved into a
// structured "component" field so log pipelines can filter on it.
type ZapLogger struct {
	z            *zap.SugaredLogger
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewZapLogger wraps z. A nil z yields a no-op zap logger.
func NewZapLogger(z *zap.Logger) *ZapLogger {
	if z == nil {
		z = zap.NewNop()
	}
	return &ZapLogger{z: z.WithOptions(zap.AddCallerSkip(2)).Sugar()}
}

// NewProductionZapLogger builds a JSON zap logger with the given level.
func NewProductionZapLogger(level Level) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build zap logger: %w", err)
	}
	return NewZapLogger(z), nil
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (l *ZapLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}

// splitComponent strips a leading "[name] " prefix from msg.
func splitComponent(msg string) (component, rest string) {
	if !strings.HasPrefix(msg, "[") {
		return "", msg
	}
	end := strings.Index(msg, "] ")
	if end < 0 {
		return "", msg
	}
	return msg[1:end], msg[end+2:]
}

func (l *ZapLogger) log(fn func(string, ...any), format string, args []any) {
	component, msg := splitComponent(fmt.Sprintf(format, args...))
	if component == "" {
		fn(msg)
		return
	}
	fn(msg, "component", component)
}

// Errorf implements Logger.
func (l *ZapLogger) Errorf(format string, args ...any) { l.log(l.z.Errorw, format, args) }

// Warnf implements Logger.
func (l *ZapLogger) Warnf(format string, args ...any) { l.log(l.z.Warnw, format, args) }

// Infof implements Logger.
func (l *ZapLogger) Infof(format string, args ...any) { l.log(l.z.Infow, format, args) }

// Debugf implements Logger.
func (l *ZapLogger) Debugf(format string, args ...any) { l.log(l.z.Debugw, format, args) }

// Fatalf logs at error level with fatal=true and calls the fatal handler.
// zap's own Fatal exits the process, which an embedded engine must not do.
func (l *ZapLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	component, rest := splitComponent(msg)
	kv := []any{"fatal", true}
	if component != "" {
		kv = append(kv, "component", component)
	}
	l.z.Errorw(rest, kv...)

	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}
