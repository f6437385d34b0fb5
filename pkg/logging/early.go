package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EarlyLog reports problems found before the configured logger exists, such as an unreadable
// config file. Lines are console encoded on stderr.
type EarlyLog struct {
	log *zap.SugaredLogger
}

func NewEarlyLog() *EarlyLog {
	return newEarlyLog(zapcore.Lock(os.Stderr))
}

func newEarlyLog(w zapcore.WriteSyncer) *EarlyLog {
	enc := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), w, zapcore.InfoLevel)
	return &EarlyLog{log: zap.New(core).Sugar().With("phase", "startup")}
}

func (l *EarlyLog) Error(msg string, args ...interface{}) {
	l.log.Errorf(msg, args...)
}

func (l *EarlyLog) Warn(msg string, args ...interface{}) {
	l.log.Warnf(msg, args...)
}

func (l *EarlyLog) Info(msg string, args ...interface{}) {
	l.log.Infof(msg, args...)
}
