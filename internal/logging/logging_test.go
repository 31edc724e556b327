package logging_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/shore-mt/dora/internal/logging"
)

func TestNewDefaultsToInfoLevelAndJSON(t *testing.T) {
	t.Setenv("DORA_LOG_LEVEL", "")
	t.Setenv("DORA_LOG_FORMAT", "")
	l := logging.New()
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestNewHonorsDebugLevel(t *testing.T) {
	t.Setenv("DORA_LOG_LEVEL", "debug")
	l := logging.New()
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel())
}

func TestNewHonorsConsoleFormat(t *testing.T) {
	t.Setenv("DORA_LOG_FORMAT", "console")
	l := logging.New()
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestComponentAddsField(t *testing.T) {
	base := zerolog.Nop()
	child := logging.Component(base, "flusher")
	assert.NotNil(t, child)
}
