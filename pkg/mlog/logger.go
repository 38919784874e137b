package mlog

import (
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger *zap.Logger
var errorLogger *zap.Logger
var warnLogger *zap.Logger
var panicLogger *zap.Logger
var atom = zap.NewAtomicLevel()

var opts *Options

func Configure(op *Options) {
	atom.SetLevel(op.Level)
	opts = op

	loggerOpts := make([]zap.Option, 0)
	if opts.LineNum {
		loggerOpts = append(loggerOpts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	newCore := func(filename string, level zapcore.LevelEnabler) zapcore.Core {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   path.Join(opts.LogDir, filename),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
		return zapcore.NewCore(
			zapcore.NewJSONEncoder(newEncoderConfig()),
			zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), fileWriter),
			level,
		)
	}

	logger = zap.New(newCore("info.log", atom), loggerOpts...)
	warnLogger = zap.New(newCore("warn.log", zap.WarnLevel), loggerOpts...)
	errorLogger = zap.New(newCore("error.log", zap.ErrorLevel), loggerOpts...)
	panicLogger = zap.New(newCore("panic.log", zap.PanicLevel), append(loggerOpts, zap.AddStacktrace(zapcore.PanicLevel))...)
}

func Level() zapcore.Level {

	return opts.Level
}

func newEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "time",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "linenum",
		MessageKey:    "msg",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		EncodeCaller:  zapcore.FullCallerEncoder,
		EncodeName:    zapcore.FullNameEncoder,
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02T15:04:05.999999999-07:00"))
		},
		EncodeDuration: func(d time.Duration, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendInt64(int64(d) / 1000000)
		},
	}
}

func Info(msg string, fields ...zap.Field) {

	if logger == nil {
		Configure(NewOptions())
	}
	logger.Info(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {

	if logger == nil {
		Configure(NewOptions())
	}
	logger.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {

	if warnLogger == nil {
		Configure(NewOptions())
	}
	warnLogger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {

	if errorLogger == nil {
		Configure(NewOptions())
	}
	errorLogger.Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {

	if panicLogger == nil {
		Configure(NewOptions())
	}
	panicLogger.Fatal(msg, fields...)
}

func Panic(msg string, fields ...zap.Field) {

	if panicLogger == nil {
		Configure(NewOptions())
	}
	panicLogger.Panic(msg, fields...)
}

func Sync() error {
	if logger == nil {
		return nil
	}
	_ = logger.Sync()
	_ = warnLogger.Sync()
	_ = errorLogger.Sync()
	_ = panicLogger.Sync()
	return nil
}

// Log is the logging capability embedded by components.
type Log interface {
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)
	Panic(msg string, fields ...zap.Field)
}

// MLog prefixes every message with the component name.
type MLog struct {
	prefix string
}

func NewMLog(prefix string) *MLog {

	return &MLog{prefix: prefix}
}

func (t *MLog) format(msg string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(t.prefix)
	b.WriteString("] ")
	b.WriteString(msg)
	return b.String()
}

func (t *MLog) Info(msg string, fields ...zap.Field) {
	Info(t.format(msg), fields...)
}

func (t *MLog) Debug(msg string, fields ...zap.Field) {
	Debug(t.format(msg), fields...)
}

func (t *MLog) Warn(msg string, fields ...zap.Field) {
	Warn(t.format(msg), fields...)
}

func (t *MLog) Error(msg string, fields ...zap.Field) {
	Error(t.format(msg), fields...)
}

func (t *MLog) Fatal(msg string, fields ...zap.Field) {
	Fatal(t.format(msg), fields...)
}

func (t *MLog) Panic(msg string, fields ...zap.Field) {
	Panic(t.format(msg), fields...)
}
