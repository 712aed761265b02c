package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		level, format string
		want          zapcore.Level
	}{
		{"", "", zapcore.DebugLevel},
		{"info", "json", zapcore.InfoLevel},
		{"WARN", "console", zapcore.WarnLevel},
		{"error", "Console", zapcore.ErrorLevel},
	} {
		logger, err := New(tc.level, tc.format)
		require.NoError(t, err, "%s/%s", tc.level, tc.format)
		assert.True(t, logger.Core().Enabled(tc.want))
		assert.False(t, logger.Core().Enabled(tc.want-1))
	}
}

func TestNewRejectsUnknown(t *testing.T) {
	_, err := New("chatty", "json")
	require.Error(t, err)

	_, err = New("info", "xml")
	require.ErrorContains(t, err, "unknown log format")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
