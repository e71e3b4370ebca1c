package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false // Disable colors for easier testing
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		output := buf.String()
		assert.Contains(t, output, "debug message")
		assert.Contains(t, output, "info message")
		assert.Contains(t, output, "warn message")
		assert.Contains(t, output, "error message")
	})

	t.Run("InfoLevelFiltersDebug", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")

		Debug("debug message")
		Info("info message")

		output := buf.String()
		assert.NotContains(t, output, "debug message")
		assert.Contains(t, output, "info message")
	})

	t.Run("ErrorLevelFiltersEverythingElse", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		output := buf.String()
		assert.NotContains(t, output, "debug message")
		assert.NotContains(t, output, "info message")
		assert.NotContains(t, output, "warn message")
		assert.Contains(t, output, "error message")

		SetLevel("INFO")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		SetLevel("INFO")
		SetLevel("VERBOSE")
		assert.Equal(t, int32(LevelInfo), currentLevel.Load())
	})
}

func TestJSONFormat(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("json")
	defer SetFormat("text")

	Info("upload accepted", KeyUsername, "alice", KeyFilename, "Music\\a.mp3")

	line := strings.TrimSpace(buf.String())
	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "upload accepted", record["msg"])
	assert.Equal(t, "alice", record[KeyUsername])
	assert.Equal(t, "Music\\a.mp3", record[KeyFilename])
}

func TestTextFormatFields(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("text")

	Info("slot granted", Username("bob"), Group("default"))

	output := buf.String()
	assert.Contains(t, output, "slot granted")
	assert.Contains(t, output, "username=bob")
	assert.Contains(t, output, "group=default")
}

func TestTextFormatIgnoresGroups(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("text")

	getLogger().WithGroup("request").Info("served", "code", 200)

	output := buf.String()
	assert.Contains(t, output, "served")
	assert.Contains(t, output, "code=200")
}

func TestErrFieldNilSafe(t *testing.T) {
	attr := Err(nil)
	assert.Equal(t, KeyError, attr.Key)
	assert.Equal(t, "<nil>", attr.Value.String())
}

func TestWith(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	l := With(KeyTransferID, "abc-123")
	l.Info("progress")

	assert.Contains(t, buf.String(), "transfer_id=abc-123")
}
