package log

import (
	"bytes"
	"io"
)

type lineWriter struct {
	logger *Logger
}

// Writer returns an io.Writer that logs every written line at the Info
// level. It lets libraries logging through the standard "log" package
// (e.g. pogreb) share the structured logger.
func (l *Logger) Writer() io.Writer {
	return &lineWriter{logger: l}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		w.logger.Info(string(line))
	}
	return len(p), nil
}
