package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/chatcore/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chatcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://chat:secret@db:5432/chat?sslmode=disable", "postgres://chat:xxxxx@db:5432/chat?sslmode=disable"},
		{"postgres://chat@db/chat", "postgres://chat@db/chat"},
		{"postgres://db/chat", "postgres://db/chat"},
		{"", ""},
		{"host=db user=chat password=secret", "host=db user=chat password=secret"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, redactDSN(tt.in), tt.in)
	}
}

func TestPrintConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.DSN = "postgres://chat:secret@db/chat"

	var buf bytes.Buffer
	require.NoError(t, printConfig(&buf, cfg))

	out := buf.String()
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "postgres://chat:xxxxx@db/chat")
	assert.Equal(t, "postgres://chat:secret@db/chat", cfg.Store.DSN, "caller's config untouched")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Contains(t, decoded, "server")
	assert.Contains(t, decoded, "hub")
	assert.Contains(t, decoded, "store")
	assert.Contains(t, decoded, "log")
}

func TestRootCmd_Config(t *testing.T) {
	path := writeConfig(t, `
hub:
  room: lobby
store:
  driver: file
  path: /tmp/chatcore
`)

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"config", "--config", path, "--log-format", "json"})

	require.NoError(t, cmd.Execute())

	var decoded struct {
		Hub struct {
			Room string `yaml:"room"`
		} `yaml:"hub"`
		Store struct {
			Driver string `yaml:"driver"`
		} `yaml:"store"`
		Log struct {
			Format string `yaml:"format"`
		} `yaml:"log"`
	}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "lobby", decoded.Hub.Room)
	assert.Equal(t, "file", decoded.Store.Driver)
	assert.Equal(t, "json", decoded.Log.Format, "flag overrides config")
}

func TestRootCmd_InvalidFlag(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"config", "--log-level", "loud"})

	err := cmd.Execute()
	assert.ErrorContains(t, err, "log.level")
}

func TestRootCmd_MigrateNeedsPostgres(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"migrate"})

	assert.Error(t, cmd.Execute())
}

func TestNewLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closeLog, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
		require.NoError(t, err)
		defer closeLog() //nolint:errcheck

		logger.Info().Msg("hidden")
		logger.Warn().Str("room", "lobby").Msg("shown")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, `"room":"lobby"`)
		assert.Contains(t, out, `"level":"warn"`)
	})

	t.Run("console", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closeLog, err := newLogger(config.LogConfig{Level: "debug", Format: "console"}, &buf)
		require.NoError(t, err)
		defer closeLog() //nolint:errcheck

		logger.Debug().Msg("hello")
		assert.Contains(t, buf.String(), "hello")
		assert.False(t, strings.HasPrefix(buf.String(), "{"))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "chatcore.log")
		var buf bytes.Buffer
		logger, closeLog, err := newLogger(config.LogConfig{Level: "info", Format: "console", File: path}, &buf)
		require.NoError(t, err)

		logger.Info().Msg("to file")
		require.NoError(t, closeLog())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"to file"`)
	})

	t.Run("bad level", func(t *testing.T) {
		_, _, err := newLogger(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Store.Driver = "file"
	cfg.Store.Path = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, zerolog.Nop())
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
