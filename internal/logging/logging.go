package logging

import (
	"io"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Level is the verbosity selected with -v.
type Level int

const (
	// LevelNormal shows INFO and above
	LevelNormal Level = iota
	// LevelVerbose shows DEBUG and above (-v)
	LevelVerbose
	// LevelTrace adds Strava HTTP headers and retry chatter (-vv)
	LevelTrace
)

const maxJSONLen = 2000

var currentLevel Level

// Logger is the process-wide logger. It discards until Setup runs.
var Logger = zerolog.New(io.Discard)

// secretKeys are key/value field names whose values never reach the log.
var secretKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"code":          true,
	"authorization": true,
}

// Setup points Logger at a console writer on stderr. Stdout stays free for
// the MCP stdio transport and CLI output.
func Setup(level Level) {
	SetupWithWriter(level, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// SetupWithWriter is Setup with a caller supplied sink.
func SetupWithWriter(level Level, w io.Writer) {
	currentLevel = level
	threshold := zerolog.InfoLevel
	if level >= LevelVerbose {
		threshold = zerolog.DebugLevel
	}
	Logger = zerolog.New(w).Level(threshold).With().Timestamp().Logger()
}

// ForModule returns a child logger tagged with the module identifier.
func ForModule(identifier string) zerolog.Logger {
	return Logger.With().Str("identifier", identifier).Logger()
}

func IsVerbose() bool {
	return currentLevel >= LevelVerbose
}

// IsTraceEnabled reports whether HTTP headers are logged.
func IsTraceEnabled() bool {
	return currentLevel >= LevelTrace
}

// ToJSON renders v for debug output, truncated to keep module payloads readable.
func ToJSON(v any) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "<marshal error>"
	}
	if len(b) > maxJSONLen {
		return string(b[:maxJSONLen]) + "...(truncated)"
	}
	return string(b)
}

// redactFields copies keysAndValues with secret values masked.
func redactFields(keysAndValues []any) []any {
	out := make([]any, len(keysAndValues))
	copy(out, keysAndValues)
	for i := 0; i+1 < len(out); i += 2 {
		if key, ok := out[i].(string); ok && secretKeys[strings.ToLower(key)] {
			out[i+1] = "[REDACTED]"
		}
	}
	return out
}

func emit(e *zerolog.Event, msg string, keysAndValues []any) {
	e.Fields(redactFields(keysAndValues)).Msg(msg)
}

// Info, Debug, Warn and Error log with slog-style key/value pairs.
func Info(msg string, keysAndValues ...any) {
	emit(Logger.Info(), msg, keysAndValues)
}

func Debug(msg string, keysAndValues ...any) {
	emit(Logger.Debug(), msg, keysAndValues)
}

func Warn(msg string, keysAndValues ...any) {
	emit(Logger.Warn(), msg, keysAndValues)
}

func Error(msg string, keysAndValues ...any) {
	emit(Logger.Error(), msg, keysAndValues)
}

// LeveledLogger adapts Logger to retryablehttp.LeveledLogger.
type LeveledLogger struct{}

func (l *LeveledLogger) Error(msg string, keysAndValues ...any) {
	emit(Logger.Error(), msg, keysAndValues)
}

func (l *LeveledLogger) Info(msg string, keysAndValues ...any) {
	emit(Logger.Debug(), msg, keysAndValues)
}

// Debug output from retryablehttp includes full URLs, so it only shows at trace.
func (l *LeveledLogger) Debug(msg string, keysAndValues ...any) {
	if IsTraceEnabled() {
		emit(Logger.Debug(), msg, keysAndValues)
	}
}

func (l *LeveledLogger) Warn(msg string, keysAndValues ...any) {
	emit(Logger.Warn(), msg, keysAndValues)
}

// CronLogger adapts Logger to cron.Logger. Scheduler chatter is debug only.
type CronLogger struct{}

func (l CronLogger) Info(msg string, keysAndValues ...any) {
	emit(Logger.Debug(), msg, keysAndValues)
}

func (l CronLogger) Error(err error, msg string, keysAndValues ...any) {
	emit(Logger.Error().Err(err), msg, keysAndValues)
}
