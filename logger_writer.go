package uws

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// writerLogger prints one line per entry to an io.Writer. Handy in tests and
// small tools where pulling in a full logging stack is overkill.
type writerLogger struct {
	mu     *sync.Mutex
	writer io.Writer
	fields map[string]any
}

// NewWriterLogger creates a logger that writes to the provided writer.
func NewWriterLogger(writer io.Writer) Logger {
	return &writerLogger{
		mu:     &sync.Mutex{},
		writer: writer,
		fields: make(map[string]any),
	}
}

func (l *writerLogger) WithField(key string, value any) Logger {
	next := &writerLogger{
		mu:     l.mu,
		writer: l.writer,
		fields: make(map[string]any, len(l.fields)+1),
	}
	for k, v := range l.fields {
		next.fields[k] = v
	}
	next.fields[key] = value
	return next
}

func (l *writerLogger) formatFields() string {
	if len(l.fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(" [")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, l.fields[k])
	}
	b.WriteString("]")
	return b.String()
}

func (l *writerLogger) log(level, msg string) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.writer, "[%s] %s%s: %s\n", timestamp, level, l.formatFields(), strings.TrimRight(msg, "\n"))
}

func (l *writerLogger) Debug(args ...any)                 { l.log("DEBUG", fmt.Sprint(args...)) }
func (l *writerLogger) Debugf(format string, args ...any) { l.log("DEBUG", fmt.Sprintf(format, args...)) }
func (l *writerLogger) Debugln(args ...any)               { l.log("DEBUG", fmt.Sprintln(args...)) }
func (l *writerLogger) Info(args ...any)                  { l.log("INFO", fmt.Sprint(args...)) }
func (l *writerLogger) Infof(format string, args ...any)  { l.log("INFO", fmt.Sprintf(format, args...)) }
func (l *writerLogger) Infoln(args ...any)                { l.log("INFO", fmt.Sprintln(args...)) }
func (l *writerLogger) Warn(args ...any)                  { l.log("WARN", fmt.Sprint(args...)) }
func (l *writerLogger) Warnf(format string, args ...any)  { l.log("WARN", fmt.Sprintf(format, args...)) }
func (l *writerLogger) Warnln(args ...any)                { l.log("WARN", fmt.Sprintln(args...)) }
func (l *writerLogger) Error(args ...any)                 { l.log("ERROR", fmt.Sprint(args...)) }
func (l *writerLogger) Errorf(format string, args ...any) { l.log("ERROR", fmt.Sprintf(format, args...)) }
func (l *writerLogger) Errorln(args ...any)               { l.log("ERROR", fmt.Sprintln(args...)) }
