// Package logger emits structured JSON audit events for the fleet's
// business-significant moments (spam verdicts, funnel conversions). Routine
// component chatter stays on the stdlib log package; this logger exists for
// lines an operator greps later, with PII redaction applied on the way out.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level is the entry severity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger writes one JSON object per entry. Redaction targets account phone
// numbers, session material, and proxy credentials; session blobs must never
// reach a log sink in clear form.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	redactPII bool
}

var std = &Logger{out: os.Stderr, level: INFO, redactPII: true}

// SetLevel sets the minimum severity the default logger emits.
func SetLevel(l Level) { std.level = l }

// SetRedactPII toggles redaction on the default logger. Off is for local
// debugging only.
func SetRedactPII(on bool) { std.redactPII = on }

// Debug emits a DEBUG entry with alternating key/value fields.
func Debug(msg string, fields ...interface{}) { std.emit(DEBUG, msg, fields) }

// Info emits an INFO entry with alternating key/value fields.
func Info(msg string, fields ...interface{}) { std.emit(INFO, msg, fields) }

// Warn emits a WARN entry with alternating key/value fields.
func Warn(msg string, fields ...interface{}) { std.emit(WARN, msg, fields) }

// Error emits an ERROR entry with alternating key/value fields.
func Error(msg string, fields ...interface{}) { std.emit(ERROR, msg, fields) }

func (l *Logger) emit(level Level, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, 3+len(fields)/2)
	entry["time"] = time.Now().UTC().Format(time.RFC3339)
	entry["level"] = level.String()
	entry["msg"] = msg

	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redactPII {
			val = redactField(key, val)
		}
		entry[key] = val
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	fmt.Fprintln(l.out, string(line))
	l.mu.Unlock()
}

var phonePattern = regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`)

func redactField(key, val string) string {
	key = strings.ToLower(key)
	// Session material and proxy credentials are never loggable, even partially.
	if strings.Contains(key, "session") || strings.Contains(key, "password") ||
		strings.Contains(key, "credential") || strings.Contains(key, "secret") {
		return "[redacted]"
	}
	if strings.Contains(key, "phone") {
		return RedactPhone(val)
	}
	// Phone numbers embedded in free-form values get masked too.
	return phonePattern.ReplaceAllStringFunc(val, RedactPhone)
}
