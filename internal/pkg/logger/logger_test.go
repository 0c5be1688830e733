package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "debug", "json")

	l.Info("unlock", "wallet", "0xabc", "password", "hunter2", "private_key", "deadbeef")

	out := buf.String()
	assert.Contains(t, out, `"wallet":"0xabc"`)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "deadbeef")
	assert.Contains(t, out, "[REDACTED]")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn", "text")

	l.Info("quiet")
	l.Warn("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}
