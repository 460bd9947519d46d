package logger

import (
	"bytes"
	"strings"
	"testing"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	oldOutput := stdLogger.Writer()
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(oldOutput)

	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	tests := []struct {
		name          string
		level         LogLevel
		expectedLevel LogLevel
	}{
		{"set trace level", TRACE, TRACE},
		{"set debug level", DEBUG, DEBUG},
		{"set info level", INFO, INFO},
		{"set warn level", WARN, WARN},
		{"set error level", ERROR, ERROR},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.level)
			if GetLevel() != tt.expectedLevel {
				t.Errorf("SetLevel() = %v, want %v", GetLevel(), tt.expectedLevel)
			}
		})
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		name          string
		levelStr      string
		expectedLevel LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"debug level", "DEBUG", DEBUG},
		{"info level", "INFO", INFO},
		{"warn level", "WARN", WARN},
		{"warning alias", "warning", WARN},
		{"error level", "ERROR", ERROR},
		{"fatal level", "FATAL", FATAL},
		{"lowercase debug", "debug", DEBUG},
		{"mixed case warn", "WaRn", WARN},
		{"padded", " error ", ERROR},
		{"unknown level", "UNKNOWN", INFO},
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetLevelFromString(tt.levelStr); got != tt.expectedLevel {
				t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expectedLevel)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	SetLevel(WARN)
	output := captureOutput(func() {
		Debug("hidden %d", 1)
		Info("hidden %d", 2)
		Warn("shown %d", 3)
		Error("shown %d", 4)
	})

	if strings.Contains(output, "hidden") {
		t.Errorf("messages below WARN were logged: %q", output)
	}
	if !strings.Contains(output, "[WARN] shown 3") {
		t.Errorf("missing warn message: %q", output)
	}
	if !strings.Contains(output, "[ERROR] shown 4") {
		t.Errorf("missing error message: %q", output)
	}
}

func TestScope(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	output := captureOutput(func() {
		ForRequest("req-42").Info("CONNECT %s", "example.com:443")
	})

	if !strings.Contains(output, "[INFO] [req-42] CONNECT example.com:443") {
		t.Errorf("unexpected scoped output: %q", output)
	}
}

func TestWithRequestID(t *testing.T) {
	got := WithRequestID("abc", "status %d", 200)
	if got != "[abc] status 200" {
		t.Errorf("WithRequestID() = %q", got)
	}
}
