package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestChildLoggers tests that the child helpers chain directly and
// stamp their field on every line
func TestChildLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("scheduler").Info().Msg("tick")
	WithArtifactID("a-1").Warn().Msg("slow")
	WithJobID("j-1").Error().Msg("failed")

	out := buf.String()
	assert.Contains(t, out, `"component":"scheduler"`)
	assert.Contains(t, out, `"artifact_id":"a-1"`)
	assert.Contains(t, out, `"job_id":"j-1"`)
}

// TestLevelFiltering tests the level switch in Init
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	logger := WithComponent("api")
	logger.Debug().Msg("hidden")
	logger.Warn().Msg("visible")

	require.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}
