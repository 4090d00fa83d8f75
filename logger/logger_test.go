package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]interface{}{"scene_id", "s1", "DID_API_KEY", "abc", "access_token", "t", "dangling"})
	assert.Equal(t, []interface{}{"scene_id", "s1", "DID_API_KEY", "[REDACTED]", "access_token", "[REDACTED]", "dangling"}, out)
}

func TestNopLoggerWith(t *testing.T) {
	l := Nop().With("function", "tts-generator")
	assert.NotNil(t, l.SugaredLogger)
	l.Info("ok", "password", "x")
}
