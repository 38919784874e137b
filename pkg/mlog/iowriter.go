package mlog

import (
	"io"
	"strings"
)

// ioWriter routes the output of libraries that only speak io.Writer
// (memberlist's internal logger) into the structured log.
type ioWriter struct {
	log Log
}

func NewIOWriter(log Log) io.Writer {
	return &ioWriter{log: log}
}

func (w *ioWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	switch {
	case strings.Contains(msg, "[ERR]"):
		w.log.Error(msg)
	case strings.Contains(msg, "[WARN]"):
		w.log.Warn(msg)
	case strings.Contains(msg, "[DEBUG]"):
		w.log.Debug(msg)
	default:
		w.log.Info(msg)
	}
	return len(p), nil
}
