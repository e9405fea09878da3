package logger

import (
	"time"

	"go.uber.org/zap"
)

type Option = zap.Option

var (
	AddCaller     = zap.AddCaller
	AddCallerSkip = zap.AddCallerSkip
	AddStacktrace = zap.AddStacktrace
	WithCaller    = zap.WithCaller
)

var (
	Skip       = zap.Skip
	Binary     = zap.Binary
	Bool       = zap.Bool
	ByteString = zap.ByteString
	Float64    = zap.Float64
	Int        = zap.Int
	Int64      = zap.Int64
	Uint       = zap.Uint
	Uint16     = zap.Uint16
	Uint32     = zap.Uint32
	Uint64     = zap.Uint64
	String     = zap.String
	Stringer   = zap.Stringer
	Time       = zap.Time
	Any        = zap.Any
	Err        = zap.Error
	NamedError = zap.NamedError
)

// Duration 以可读格式记录时长
func Duration(key string, d time.Duration) Field {
	return zap.Duration(key, d)
}

// With 返回附带固定字段的子日志器
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{l: l.l.With(fields...), al: l.al}
}

// Named 返回带名称的子日志器
func (l *Logger) Named(name string) *Logger {
	return &Logger{l: l.l.Named(name), al: l.al}
}

// Zap 返回底层zap日志器
func (l *Logger) Zap() *zap.Logger { return l.l }
