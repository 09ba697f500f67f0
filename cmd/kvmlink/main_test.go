package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/kvmlink/internal/config"
	"github.com/Alia5/kvmlink/internal/log"
)

func TestConfigFlag(t *testing.T) {
	t.Setenv("KVMLINK_CONFIG", "")
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"none", []string{"info"}, ""},
		{"equals", []string{"--config=/tmp/a.yaml", "info"}, "/tmp/a.yaml"},
		{"separate", []string{"info", "--config", "b.toml"}, "b.toml"},
		{"dangling", []string{"info", "--config"}, ""},
		{"after terminator", []string{"type", "--", "--config=x.json"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, configFlag(tc.args))
		})
	}

	t.Setenv("KVMLINK_CONFIG", "env.json")
	assert.Equal(t, "env.json", configFlag([]string{"info"}))
	assert.Equal(t, "flag.json", configFlag([]string{"--config=flag.json"}))
}

func TestOpenRawLog(t *testing.T) {
	frame := []byte{0x57, 0xAB, 0x00}

	t.Run("dropped at info", func(t *testing.T) {
		var stderr bytes.Buffer
		raw, c := openRawLog(config.Log{Level: "info"}, &stderr, log.Discard())
		assert.Nil(t, c)
		raw.Log(true, frame)
		assert.Empty(t, stderr.String())
	})

	t.Run("stderr at trace", func(t *testing.T) {
		var stderr bytes.Buffer
		raw, c := openRawLog(config.Log{Level: "trace"}, &stderr, log.Discard())
		assert.Nil(t, c)
		raw.Log(true, frame)
		assert.Contains(t, stderr.String(), "TX  3 bytes: 57 ab 00")
	})

	t.Run("file wins", func(t *testing.T) {
		var stderr bytes.Buffer
		path := filepath.Join(t.TempDir(), "frames.log")
		raw, c := openRawLog(config.Log{Level: "trace", RawFile: path}, &stderr, log.Discard())
		require.NotNil(t, c)
		raw.Log(false, frame)
		require.NoError(t, c.Close())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "RX  3 bytes: 57 ab 00")
		assert.Empty(t, stderr.String())
	})

	t.Run("unwritable file", func(t *testing.T) {
		var stderr bytes.Buffer
		path := filepath.Join(t.TempDir(), "missing", "frames.log")
		raw, c := openRawLog(config.Log{RawFile: path}, &stderr, log.Discard())
		assert.Nil(t, c)
		raw.Log(true, frame)
		assert.Empty(t, stderr.String())
	})
}
