// Package logging provides structured logging for the go-nvmft project
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// Logger wraps zerolog.Logger with controller-specific structured fields
type Logger struct {
	zlog   zerolog.Logger
	cntlID *uint16
	closer io.Closer
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo  LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn  LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError LogLevel = LogLevel(zerolog.ErrorLevel)
)

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a
// LogLevel. trace folds into debug, fatal and panic into error.
func ParseLevel(name string) (LogLevel, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
	switch lvl {
	case zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel, zerolog.ErrorLevel:
		return LogLevel(lvl), nil
	case zerolog.TraceLevel:
		return LevelDebug, nil
	default:
		return LevelError, nil
	}
}

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // write in the caller's goroutine; tests rely on it
	NoColor bool
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// ring size and poll interval of the non-blocking writer
const (
	diodeSize     = 1000
	diodeInterval = 10 * time.Millisecond
)

// NewLogger creates a new structured logger. Unless config.Sync is set,
// records pass through a lossy ring so controller hot paths never block
// on the output; dropped records are counted in a warning.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	out := config.Output
	var closer io.Closer
	if !config.Sync {
		dw := diode.NewWriter(out, diodeSize, diodeInterval, func(missed int) {
			fmt.Fprintf(os.Stderr, "logging: dropped %d records\n", missed)
		})
		out, closer = dw, dw
	}
	if config.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, NoColor: config.NoColor, TimeFormat: time.RFC3339Nano}
	}

	zlog := zerolog.New(out).With().Timestamp().Logger().Level(zerolog.Level(config.Level))
	return &Logger{zlog: zlog, closer: closer}
}

// Close flushes a non-blocking logger. Derived loggers share the writer,
// so only the root returned by NewLogger should be closed.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func (l *Logger) derive(ctx zerolog.Context) *Logger {
	return &Logger{zlog: ctx.Logger(), cntlID: l.cntlID}
}

// WithController returns a logger tagged with a controller ID
func (l *Logger) WithController(cntlID uint16) *Logger {
	derived := l.derive(l.zlog.With().Uint16("cntlid", cntlID))
	derived.cntlID = &cntlID
	return derived
}

func (l *Logger) WithHost(hostNQN string) *Logger {
	return l.derive(l.zlog.With().Str("hostnqn", hostNQN))
}

func (l *Logger) WithQueue(qid uint16) *Logger {
	return l.derive(l.zlog.With().Uint16("qid", qid))
}

func (l *Logger) WithCommand(cid uint16, opcode uint8) *Logger {
	return l.derive(l.zlog.With().Uint16("cid", cid).Uint8("opc", opcode))
}

func (l *Logger) WithError(err error) *Logger {
	return l.derive(l.zlog.With().Err(err))
}

// ControllerID returns the controller ID attached with WithController
func (l *Logger) ControllerID() (uint16, bool) {
	if l.cntlID == nil {
		return 0, false
	}
	return *l.cntlID, true
}

// emit writes msg with alternating key/value args. A trailing key without
// a value is logged under "!BADKEY" rather than dropped.
func emit(event *zerolog.Event, msg string, args []any) {
	if event == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		if i+1 == len(args) {
			event.Interface("!BADKEY", args[i])
			break
		}
		switch v := args[i+1].(type) {
		case error:
			event.AnErr(key, v)
		case fmt.Stringer:
			event.Stringer(key, v)
		default:
			event.Interface(key, v)
		}
	}
	event.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) { emit(l.zlog.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { emit(l.zlog.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { emit(l.zlog.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { emit(l.zlog.Error(), msg, args) }

// Printf-style variants
func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zlog.Error().Msgf(format, args...) }

// Package-level helpers log through Default()
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
