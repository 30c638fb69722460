package jsonutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIndentWithNewline(t *testing.T) {
	t.Parallel()

	data, err := MarshalIndentWithNewline(map[string]int{"a": 1}, "", "  ")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Contains(t, string(data), `"a": 1`)
}

func TestMarshalLine(t *testing.T) {
	t.Parallel()

	data, err := MarshalLine(map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"v"}`+"\n", string(data))
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}
