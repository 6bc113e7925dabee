package obslog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *stdLogger {
	return &stdLogger{
		level:        "DEBUG",
		debug:        true,
		serviceName:  "aeo-collector-test",
		format:       "json",
		output:       &bytes.Buffer{},
		errorLimiter: newRateLimiter(0),
	}
}

func TestStdLogger_JSON_IncludesComponentAndFields(t *testing.T) {
	l := newTestLogger()
	buf := &bytes.Buffer{}
	l.output = buf

	tagged := l.WithComponent("executor")
	tagged.Info("provider attempt", map[string]interface{}{"provider": "openrouter_claude"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "executor", entry["component"])
	assert.Equal(t, "openrouter_claude", entry["provider"])
	assert.Equal(t, "provider attempt", entry["message"])
}

func TestStdLogger_Debug_SuppressedWhenNotDebugLevel(t *testing.T) {
	l := newTestLogger()
	l.level = "INFO"
	l.debug = false
	buf := &bytes.Buffer{}
	l.output = buf

	l.Debug("should not appear", nil)
	assert.Empty(t, buf.String())
}

func TestStdLogger_Error_RateLimited(t *testing.T) {
	l := newTestLogger()
	l.errorLimiter = newRateLimiter(1_000_000_000) // 1s, effectively "never again this test"
	buf := &bytes.Buffer{}
	l.output = buf

	l.Error("first", nil)
	firstLen := buf.Len()
	l.Error("second", nil)

	assert.Equal(t, firstLen, buf.Len(), "second error within the interval must be dropped")
}

func TestStdLogger_Text_FallsBackToServiceNameWithoutComponent(t *testing.T) {
	l := newTestLogger()
	l.format = "text"
	buf := &bytes.Buffer{}
	l.output = buf

	l.Info("hello", nil)
	assert.True(t, strings.Contains(buf.String(), "aeo-collector-test"))
}

func TestNoOpLogger_NeverPanics(t *testing.T) {
	lg := NoOp()
	lg.Info("x", nil)
	lg.WithComponent("y").Error("z", map[string]interface{}{"k": "v"})
}
