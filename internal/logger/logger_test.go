package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Writers: []io.Writer{&buf}})
	require.NoError(t, err)

	l.Info("hello", zap.String("key", "value"))
	l.Debug("hidden")
	require.NoError(t, l.Sync())

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "value")
	assert.NotContains(t, out, "hidden")
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", Writers: []io.Writer{&buf}})
	require.NoError(t, err)
	l.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Format: FormatJSON, Writers: []io.Writer{&buf}})
	require.NoError(t, err)
	l.Named("store").Info("structured", zap.Int("count", 42))

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "structured", parsed["msg"])
	assert.Equal(t, "store", parsed["logger"])
	assert.EqualValues(t, 42, parsed["count"])
}

func TestMultipleWriters(t *testing.T) {
	var a, b bytes.Buffer
	l, err := New(Options{Writers: []io.Writer{&a, &b}})
	require.NoError(t, err)
	l.Warn("both")
	assert.Contains(t, a.String(), "both")
	assert.Contains(t, b.String(), "both")
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]string{"": "info", "DEBUG": "debug", "warn": "warn", "error": "error"} {
		l, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, l.String(), in)
	}
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
