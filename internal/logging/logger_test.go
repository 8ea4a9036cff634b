package logging

import (
	"sync"
	"testing"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingLogger) record(format string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, format)
}

func (r *recordingLogger) Debug(format string, args ...any) { r.record(format) }
func (r *recordingLogger) Info(format string, args ...any)  { r.record(format) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.record(format) }
func (r *recordingLogger) Error(format string, args ...any) { r.record(format) }

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", DEBUG},
		{"DEBUG", DEBUG},
		{"info", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"", INFO},
		{"bogus", INFO},
		{"  error  ", ERROR},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Error("OrNop(nil) must return a usable logger")
	}

	var typed *recordingLogger
	got := OrNop(typed)
	// Must not panic on a nil pointer wrapped in a non-nil interface.
	got.Info("hello")

	rec := &recordingLogger{}
	if OrNop(rec) != Logger(rec) {
		t.Error("OrNop must pass through a non-nil logger")
	}
}

func TestMulti(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}

	logger := Multi(a, nil, b)
	logger.Info("one")
	logger.Error("two")

	for name, rec := range map[string]*recordingLogger{"a": a, "b": b} {
		if len(rec.lines) != 2 {
			t.Errorf("%s: expected 2 lines, got %d", name, len(rec.lines))
		}
	}

	// A single non-nil logger is returned directly, not wrapped.
	if Multi(a) != Logger(a) {
		t.Error("Multi with one logger must return it unwrapped")
	}

	// All-nil input degrades to a nop logger.
	Multi(nil, nil).Info("dropped")
}
