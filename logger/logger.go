// Package logger builds the process-wide zap logger: console encoding onto a rotating
// file, optionally teed to stdout.
package logger

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type stdoutWriteSyncer struct{}

func (stdoutWriteSyncer) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (stdoutWriteSyncer) Sync() error {
	return nil
}

var levelMap = map[string]zapcore.Level{
	"debug":  zapcore.DebugLevel,
	"info":   zapcore.InfoLevel,
	"warn":   zapcore.WarnLevel,
	"error":  zapcore.ErrorLevel,
	"dpanic": zapcore.DPanicLevel,
	"panic":  zapcore.PanicLevel,
	"fatal":  zapcore.FatalLevel,
}

// ParseLevel maps a level name to its zap level; unknown names mean info.
func ParseLevel(lvl string) zapcore.Level {
	if level, ok := levelMap[lvl]; ok {
		return level
	}
	return zapcore.InfoLevel
}

func TimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05.000"))
}

// NewZapLogger writes to dir/name, rotating at maxLogfileSize megabytes and keeping files
// for maxAge days. An empty dir logs to stdout only.
func NewZapLogger(name string, dir string, level string, maxLogfileSize int, maxAge int, enableLogStdout bool) *zap.Logger {
	var syncers []zapcore.WriteSyncer
	if dir != "" {
		syncers = append(syncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:  filepath.Join(dir, name),
			MaxSize:   maxLogfileSize,
			MaxAge:    maxAge,
			LocalTime: true,
		}))
	}
	if enableLogStdout || dir == "" {
		syncers = append(syncers, stdoutWriteSyncer{})
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.EncodeTime = TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoder),
		zap.CombineWriteSyncers(syncers...),
		zap.NewAtomicLevelAt(ParseLevel(level)),
	)
	return zap.New(core, zap.AddCaller())
}

var (
	initOnce      sync.Once
	zapLogger     = zap.NewNop()
	sugaredLogger = zapLogger.Sugar()
)

// InitLogger installs the process logger. Only the first call has an effect.
func InitLogger(logger *zap.Logger) {
	initOnce.Do(func() {
		zapLogger = logger
		sugaredLogger = zapLogger.Sugar()
	})
}

func GetLogger() *zap.Logger {
	return zapLogger
}

func GetSugar() *zap.SugaredLogger {
	return sugaredLogger
}
