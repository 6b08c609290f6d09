package obs

import (
	"os"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
	base  atomic.Pointer[zap.Logger]
)

func init() {
	base.Store(newLogger())
}

func newLogger() *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stdout), level)
	return zap.New(core)
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zap.DebugLevel)
		return
	}
	level.SetLevel(zap.InfoLevel)
}

// Logger returns the logger backing Info, Error and Debug.
func Logger() *zap.Logger { return base.Load() }

// SetLogger replaces the backing logger and returns a func restoring the previous one.
func SetLogger(l *zap.Logger) (restore func()) {
	prev := base.Swap(l)
	return func() { base.Store(prev) }
}

type Fields map[string]any

func (f Fields) zap() []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}

func Info(msg string, f Fields)  { Logger().Info(msg, f.zap()...) }
func Error(msg string, f Fields) { Logger().Error(msg, f.zap()...) }
func Debug(msg string, f Fields) { Logger().Debug(msg, f.zap()...) }
