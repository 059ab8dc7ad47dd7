package logger

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput runs fn with stdout redirected to a pipe and returns
// everything written to it.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

func TestLogLineCarriesServiceAndVersion(t *testing.T) {
	log := New("trixellookup", "1.0.0")
	log.colorEnabled = false

	out := captureOutput(t, func() {
		log.Info("schema initialized")
	})

	assert.Contains(t, out, "trixellookup")
	assert.Contains(t, out, "[1.0.0]")
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "schema initialized")
}

func TestSetLevelFiltersBelowMinimum(t *testing.T) {
	log := New("trixellookup", "test")
	log.colorEnabled = false

	out := captureOutput(t, func() {
		log.Debug("hidden at default level")
		log.Info("visible")
	})
	assert.NotContains(t, out, "hidden at default level")
	assert.Contains(t, out, "visible")

	log.SetLevel("DEBUG")
	out = captureOutput(t, func() {
		log.Debug("now visible")
	})
	assert.Contains(t, out, "now visible")
}

func TestSetLevelIgnoresUnknownLevel(t *testing.T) {
	log := New("trixellookup", "test")
	log.colorEnabled = false

	log.SetLevel("LOUD")

	out := captureOutput(t, func() {
		log.Info("still at info")
	})
	assert.Contains(t, out, "still at info")
}

func TestFormatServiceNameTruncatesLongNames(t *testing.T) {
	formatted := formatServiceName("a-service-name-well-beyond-the-column")
	assert.Len(t, []rune(formatted), ServiceNameWidth)

	short := formatServiceName("short")
	assert.Len(t, short, ServiceNameWidth)
}
