package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(name string) string { return vars[name] }
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_CUEFile(t *testing.T) {
	path := writeFile(t, "bookmarks.cue", `
database:      "/var/lib/bookmarks.db"
relay_url:     "ws://localhost:8787/v1/broadcast"
codec:         "cbor"
user:          "alice"
poll_interval: "1s"
max_warnings:  8
`)

	cfg, err := Load(path, env(nil))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/bookmarks.db", cfg.Database)
	assert.Equal(t, "ws://localhost:8787/v1/broadcast", cfg.RelayURL)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, "alice", cfg.User)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 8, cfg.MaxWarnings)
	assert.Equal(t, Defaults().SnapshotTimeout, cfg.SnapshotTimeout, "unset fields keep defaults")
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeFile(t, "bookmarks.json", `{"user": "bob", "snapshot_timeout": "2m30s"}`)

	cfg, err := Load(path, env(nil))
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.User)
	assert.Equal(t, 150*time.Second, cfg.SnapshotTimeout)
}

func TestParse_RejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", `colour: "red"`},
		{"bad codec", `codec: "msgpack"`},
		{"bad relay scheme", `relay_url: "http://localhost"`},
		{"bad duration", `poll_interval: "soon"`},
		{"zero warnings", `max_warnings: 0`},
		{"empty user", `user: ""`},
		{"syntax", `user: `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bookmarks.cue", []byte(tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "bookmarks.cue", `user: "alice"
codec: "cbor"`)

	cfg, err := Load(path, env(map[string]string{
		"BOOKMARKS_USER":          "carol",
		"BOOKMARKS_POLL_INTERVAL": "50ms",
		"BOOKMARKS_MAX_WARNINGS":  "4",
	}))
	require.NoError(t, err)

	assert.Equal(t, "carol", cfg.User)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 4, cfg.MaxWarnings)
}

func TestLoad_InvalidEnvFallsBack(t *testing.T) {
	cfg, err := Load("", env(map[string]string{
		"BOOKMARKS_POLL_INTERVAL": "often",
		"BOOKMARKS_MAX_WARNINGS":  "many",
	}))
	require.NoError(t, err)
	assert.Equal(t, Defaults().PollInterval, cfg.PollInterval)
	assert.Equal(t, Defaults().MaxWarnings, cfg.MaxWarnings)
}

func TestLoad_Validate(t *testing.T) {
	_, err := Load("", env(map[string]string{"BOOKMARKS_CODEC": "xml"}))
	assert.Error(t, err)

	_, err = Load("", env(map[string]string{"BOOKMARKS_MAX_WARNINGS": "0"}))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"), env(nil))
	assert.Error(t, err)
}
