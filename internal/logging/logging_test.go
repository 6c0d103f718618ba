package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWritesJSONByDefault(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", "", &buf)

	log.Debug("cache miss", "path", "a.zip")

	assert.Contains(t, buf.String(), `"msg":"cache miss"`)
	assert.Contains(t, buf.String(), `"path":"a.zip"`)
}

func TestNewTextFormatRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", "text", &buf)

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
