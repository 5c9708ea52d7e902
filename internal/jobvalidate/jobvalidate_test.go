package jobvalidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsAllowsEmpty(t *testing.T) {
	require.NoError(t, Options(nil))
	require.NoError(t, Options(map[string]any{}))
}

func TestOptionsAllowsValidFields(t *testing.T) {
	err := Options(map[string]any{
		"top_p":  0.9,
		"stop":   []string{"</done>"},
		"stream": true,
		"seed":   42,
	})
	assert.NoError(t, err)
}

func TestOptionsRejectsOutOfRangeTopP(t *testing.T) {
	err := Options(map[string]any{"top_p": 1.5})
	assert.Error(t, err)
}

func TestOptionsRejectsTooManyStopSequences(t *testing.T) {
	stop := make([]string, 9)
	for i := range stop {
		stop[i] = "x"
	}
	err := Options(map[string]any{"stop": stop})
	assert.Error(t, err)
}

func TestOptionsAllowsUnknownFields(t *testing.T) {
	err := Options(map[string]any{"custom_flag": "anything"})
	assert.NoError(t, err)
}
