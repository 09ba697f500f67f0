package cmd

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"
)

func TestBuildMapFromStruct(t *testing.T) {
	m := buildMapFromStruct(reflect.TypeOf(Jiggle{}))

	assert.Equal(t, "50ms", m["interval"])
	assert.NotContains(t, m, "bridge")
	serial, ok := m["serial"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "auto", serial["port"])
	assert.Equal(t, int64(115200), serial["defaultBaud"])
	input, ok := m["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "US QWERTY", input["layout"])
	assert.Equal(t, true, input["absoluteMouse"])
	kb, ok := input["keyboard"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, kb["releaseStale"])

	m = buildMapFromStruct(reflect.TypeOf(Script{}))
	assert.NotContains(t, m, "file")
}

func TestConfigInitWritesTemplate(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "conf", "jiggle.yaml")
	c := &ConfigInit{Command: "jiggle", Format: "yaml", Output: dest}
	require.NoError(t, c.Run())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Contains(t, got, "serial")
	assert.Contains(t, got, "duration")

	assert.Error(t, c.Run())
	c.Force = true
	assert.NoError(t, c.Run())

	assert.Error(t, (&ConfigInit{Command: "server", Format: "json", Output: dest}).Run())
}
