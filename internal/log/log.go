package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stderr, LevelInfo)
)

func newLogger(w io.Writer, l Level) zerolog.Logger {
	return zerolog.New(w).
		Level(zerologLevel(l)).
		With().
		Str("service", "calsync").
		Timestamp().
		Logger()
}

// ParseLevel maps a config string ("debug", "info", "error") to a Level.
// Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Level(zerologLevel(l))
}

// SetOutput redirects all log lines to w, keeping the current level.
// Tests use it to capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w, levelOf(logger.GetLevel()))
}

func Debug(msg string, kv ...any) {
	current().Debug().Fields(pairs(kv)).Msg(msg)
}

func Info(msg string, kv ...any) {
	current().Info().Fields(pairs(kv)).Msg(msg)
}

func Error(msg string, err error, kv ...any) {
	current().Error().Err(err).Fields(pairs(kv)).Msg(msg)
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

// pairs keeps only well-formed key/value pairs; a trailing odd value
// or a non-string key is dropped.
func pairs(kv []any) []any {
	out := make([]any, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		if _, ok := kv[i].(string); !ok {
			continue
		}
		out = append(out, kv[i], kv[i+1])
	}
	return out
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func levelOf(l zerolog.Level) Level {
	switch l {
	case zerolog.DebugLevel, zerolog.TraceLevel:
		return LevelDebug
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}
