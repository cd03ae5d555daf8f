package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: &buf, Sync: true})

	logger.WithController(7).Info("enabled", "state", "enabled", "grace", 2*time.Second, "err", errors.New("boom"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	want := map[string]any{
		"level":   "info",
		"message": "enabled",
		"cntlid":  float64(7),
		"state":   "enabled",
		"grace":   "2s",
		"err":     "boom",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %v, want %v", k, rec[k], v)
		}
	}
}

func TestOddArguments(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.Info("odd", "key", "value", "dangling")
	output := buf.String()
	if !strings.Contains(output, "key=value") || !strings.Contains(output, "dangling") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestAsyncLoggerFlushesOnClose(t *testing.T) {
	var buf syncBuffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: &buf})

	for i := range 10 {
		logger.Info("record", "n", i)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if got := strings.Count(buf.String(), "\n"); got != 10 {
		t.Errorf("flushed %d records, want 10", got)
	}

	if err := Nop().Close(); err != nil {
		t.Errorf("Nop().Close() = %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	ctrlLogger := logger.WithController(42)
	ctrlLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "cntlid=42") {
		t.Errorf("Expected cntlid=42 in output, got: %s", output)
	}
	if id, ok := ctrlLogger.ControllerID(); !ok || id != 42 {
		t.Errorf("ControllerID() = %d, %v, want 42, true", id, ok)
	}

	buf.Reset()
	queueLogger := ctrlLogger.WithQueue(1)
	queueLogger.Info("queue message")

	output = buf.String()
	if !strings.Contains(output, "cntlid=42") {
		t.Errorf("Expected cntlid=42 in queue logger output, got: %s", output)
	}
	if !strings.Contains(output, "qid=1") {
		t.Errorf("Expected qid=1 in output, got: %s", output)
	}
	if id, ok := queueLogger.ControllerID(); !ok || id != 42 {
		t.Errorf("queue logger lost controller ID: %d, %v", id, ok)
	}

	if _, ok := logger.ControllerID(); ok {
		t.Error("root logger should not carry a controller ID")
	}
}

func TestLoggerWithCommand(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithHost("nqn.host").WithCommand(123, 0x06).Debug("processing command")

	output := buf.String()
	for _, want := range []string{"cid=123", "opc=6", "hostnqn=nqn.host"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output, got: %s", want, output)
		}
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithError(errors.New("test error")).Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Info("hidden")
	logger.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("Expected no output below warn level, got: %s", buf.String())
	}

	logger.Warnf("visible %d", 2)
	if !strings.Contains(buf.String(), "visible 2") {
		t.Errorf("Expected warn output, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		err  bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"error", LevelError, false},
		{"trace", LevelDebug, false},
		{"fatal", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.err {
				t.Fatalf("ParseLevel(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestNopLogger(t *testing.T) {
	l := Nop()
	l.Info("dropped", "k", "v")
	l.WithController(1).WithQueue(2).Error("dropped")
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(newTestLogger(&buf, LevelDebug))
	defer SetDefault(prev)

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("Expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("Expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("Expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("Expected error message, got: %s", buf.String())
	}
}
