package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestSetLevelAndOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, true)
	SetLevel("warn")
	defer SetLevel("info")

	GetSubsystemLogger("test").Info().Msg("hidden")
	assert.Empty(t, buf.String())

	GetSubsystemLogger("test").Warn().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), `"subsystem":"test"`)

	SetLevel("not-a-level")
	assert.Equal(t, zerolog.WarnLevel, GetDefaultLogger().GetLevel())
}
