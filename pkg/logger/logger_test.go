package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"gitlab.com/tozd/go/errors"
)

func TestLoggerWritesLogfmt(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Info("file transferred", map[string]any{"task": "invoices", "size": 42})

	line := buf.String()
	assert.Contains(t, line, "level=info")
	assert.Contains(t, line, `msg="file transferred"`)
	assert.True(t, strings.Index(line, "size=42") < strings.Index(line, "task=invoices"), "keys are sorted")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.SetLevel(LevelWarn)

	l.Debug("noise", nil)
	l.Info("noise", nil)
	assert.Empty(t, buf.String())

	l.Warn("kept", nil)
	assert.Contains(t, buf.String(), "level=warn")
}

func TestLoggerWithAndError(t *testing.T) {
	var buf bytes.Buffer
	child := New(&buf).With(map[string]any{"endpoint": "sftp://host/in"})

	child.Error("rename failed", errors.New("permission denied"), map[string]any{"file": "a.txt"})

	line := buf.String()
	assert.Contains(t, line, "endpoint=sftp://host/in")
	assert.Contains(t, line, `error="permission denied"`)
	assert.Contains(t, line, "file=a.txt")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
