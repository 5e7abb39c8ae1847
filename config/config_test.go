package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
default:
  base_url: http://netpulse:9000
  api_key: ${TEST_NETPULSE_KEY}
  driver: netmiko
  timeout: 12.5
  connection_args:
    username: admin
    device_type: cisco_ios
profiles:
  lab:
    base_url: http://lab:9000
    max_retries: 0
    connection_args:
      password: ${TEST_LAB_PASSWORD}
      device_type: juniper_junos
  linux:
    driver: paramiko
    connection_args: {}
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func load(t *testing.T, path, profile string, opts ...Option) Profile {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithDotEnvDir(t.TempDir()), WithSearchPaths()}, opts...)
	p, err := Load(path, profile, opts...)
	require.NoError(t, err)
	return p
}

func TestLoadProfiles(t *testing.T) {
	t.Setenv("TEST_NETPULSE_KEY", "k-123")
	t.Setenv("TEST_LAB_PASSWORD", "s3cret")
	path := writeConfig(t, t.TempDir(), "netpulse.yaml", sample)

	tests := []struct {
		name    string
		profile string
		check   func(t *testing.T, p Profile)
	}{
		{"default", "", func(t *testing.T, p Profile) {
			assert.Equal(t, "http://netpulse:9000", p.BaseURL)
			assert.Equal(t, "k-123", p.APIKey)
			assert.Equal(t, 12500*time.Millisecond, p.TimeoutDuration())
			assert.Nil(t, p.MaxRetries)
			assert.Equal(t, map[string]any{"username": "admin", "device_type": "cisco_ios"}, p.ConnectionArgs)
		}},
		{"overlay merges connection args", "lab", func(t *testing.T, p Profile) {
			assert.Equal(t, "http://lab:9000", p.BaseURL)
			assert.Equal(t, "netmiko", p.Driver)
			require.NotNil(t, p.MaxRetries)
			assert.Equal(t, 0, *p.MaxRetries)
			assert.Equal(t, map[string]any{
				"username":    "admin",
				"password":    "s3cret",
				"device_type": "juniper_junos",
			}, p.ConnectionArgs)
		}},
		{"empty overlay keeps defaults", "linux", func(t *testing.T, p Profile) {
			assert.Equal(t, "paramiko", p.Driver)
			assert.Equal(t, "admin", p.ConnectionArgs["username"])
		}},
		{"unknown profile falls back to default", "missing", func(t *testing.T, p Profile) {
			assert.Equal(t, "http://netpulse:9000", p.BaseURL)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := load(t, path, tt.profile)
			assert.Equal(t, path, p.Source)
			tt.check(t, p)
		})
	}
}

func TestLoadSearchPaths(t *testing.T) {
	dir := t.TempDir()
	second := writeConfig(t, dir, "second.yml", "default:\n  base_url: http://second\n")
	p := load(t, "", "", WithSearchPaths(filepath.Join(dir, "first.yaml"), second))
	assert.Equal(t, "http://second", p.BaseURL)
	assert.Equal(t, second, p.Source)
}

func TestLoadExplicitMissingPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "", WithLogger(zerolog.Nop()), WithDotEnvDir(t.TempDir()))
	require.Error(t, err)
	assert.True(t, IsNotExist(err))
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bad.yaml", "default: [unclosed\n")
	_, err := Load(path, "", WithLogger(zerolog.Nop()), WithDotEnvDir(t.TempDir()))
	require.ErrorContains(t, err, "failed to parse config file")
}

func TestLoadEnvironmentFallbacks(t *testing.T) {
	t.Setenv(EnvURL, "http://from-env:9000")
	t.Setenv(EnvAPIKey, "env-key")

	p := load(t, "", "")
	assert.Equal(t, "http://from-env:9000", p.BaseURL)
	assert.Equal(t, "env-key", p.APIKey)
	assert.Empty(t, p.Source)

	path := writeConfig(t, t.TempDir(), "netpulse.yaml", "default:\n  base_url: http://file\n")
	p = load(t, path, "")
	assert.Equal(t, "http://file", p.BaseURL)
	assert.Equal(t, "env-key", p.APIKey)
}

func TestLoadDotEnvFromParent(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, ".env", "TEST_DOTENV_KEY=from-dotenv\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Setenv("TEST_DOTENV_KEY", "")
	require.NoError(t, os.Unsetenv("TEST_DOTENV_KEY"))

	path := writeConfig(t, t.TempDir(), "netpulse.yaml", "default:\n  api_key: ${TEST_DOTENV_KEY}\n")
	p, err := Load(path, "", WithLogger(zerolog.Nop()), WithDotEnvDir(nested), WithSearchPaths())
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", p.APIKey)
}

func TestSubstituteLeavesUnknownEmpty(t *testing.T) {
	t.Setenv("TEST_SUB_A", "a")
	got := substitute(map[string]any{
		"s":    "${TEST_SUB_A}-${TEST_SUB_UNSET_VAR}",
		"list": []any{"${TEST_SUB_A}", 3},
		"n":    5,
	})
	assert.Equal(t, map[string]any{"s": "a-", "list": []any{"a", 3}, "n": 5}, got)
}
