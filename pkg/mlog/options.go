package mlog

import "go.uber.org/zap/zapcore"

type Options struct {
	NodeId  uint64
	Level   zapcore.Level
	LogDir  string
	LineNum bool
}

func NewOptions() *Options {

	return &Options{}
}
