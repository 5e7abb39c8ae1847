package config

// Package config loads client settings from a YAML file with a default
// section and named profiles.
//
//	default:
//	  base_url: http://netpulse:9000
//	  api_key: ${NETPULSE_API_KEY}
//	  connection_args:
//	    username: admin
//	profiles:
//	  lab:
//	    base_url: http://lab:9000
//	    connection_args:
//	      password: ${LAB_PASSWORD}

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProfile = "default"

	EnvURL    = "NETPULSE_URL"
	EnvAPIKey = "NETPULSE_API_KEY"

	dotEnvDepth = 5
)

// Profile is the resolved configuration for one profile.
type Profile struct {
	// API root, e.g. http://netpulse:9000
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Header carrying the API key, X-API-KEY when empty
	APIKeyHeader string `yaml:"api_key_header"`
	// Default driver for submissions
	Driver string `yaml:"driver"`
	// Default connection arguments for every device
	ConnectionArgs map[string]any `yaml:"connection_args"`
	// HTTP timeout in seconds
	Timeout         float64 `yaml:"timeout"`
	PoolConnections int     `yaml:"pool_connections"`
	PoolMaxSize     int     `yaml:"pool_maxsize"`
	MaxRetries      *int    `yaml:"max_retries"`

	// File the profile was read from, empty when none was found
	Source string `yaml:"-"`
}

// TimeoutDuration returns Timeout as a duration.
func (p Profile) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout * float64(time.Second))
}

// DefaultSearchPaths returns the files looked for when no path is given, in
// order of priority.
func DefaultSearchPaths() []string {
	paths := []string{"netpulse.yaml", "netpulse.yml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".netpulse", "config.yaml"),
			filepath.Join(home, ".netpulse", "config.yml"),
		)
	}
	return paths
}

type loader struct {
	logger    zerolog.Logger
	paths     []string
	dotEnvDir string
}

// Option configures Load.
type Option func(*loader)

// WithSearchPaths replaces DefaultSearchPaths.
func WithSearchPaths(paths ...string) Option {
	return func(l *loader) {
		l.paths = paths
	}
}

// WithDotEnvDir sets where the search for a .env file starts. The current
// directory is used by default.
func WithDotEnvDir(dir string) Option {
	return func(l *loader) {
		l.dotEnvDir = dir
	}
}

// WithLogger sets the logger for load diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *loader) {
		l.logger = logger
	}
}

type document struct {
	Default  map[string]any            `yaml:"default"`
	Profiles map[string]map[string]any `yaml:"profiles"`
}

// Load resolves profile from the file at path, or from the first existing
// search path when path is empty. A missing explicit path is an error; no
// file at all yields a profile built from the environment alone.
//
// A .env file in the working directory or one of its parents is loaded first
// without overriding variables already set. ${VAR} references in string
// values are then expanded, and NETPULSE_URL and NETPULSE_API_KEY fill in an
// empty base URL or API key.
func Load(path, profile string, opts ...Option) (Profile, error) {
	l := &loader{logger: log.Logger, paths: DefaultSearchPaths()}
	for _, opt := range opts {
		opt(l)
	}
	if profile == "" {
		profile = DefaultProfile
	}

	l.loadDotEnv()

	file, err := l.find(path)
	if err != nil {
		return Profile{}, err
	}

	var p Profile
	if file != "" {
		p, err = l.read(file, profile)
		if err != nil {
			return Profile{}, err
		}
	}

	if p.BaseURL == "" {
		p.BaseURL = os.Getenv(EnvURL)
	}
	if p.APIKey == "" {
		p.APIKey = os.Getenv(EnvAPIKey)
	}
	return p, nil
}

func (l *loader) find(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("failed to open config file %s: %w", path, err)
		}
		return path, nil
	}
	for _, candidate := range l.paths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	l.logger.Debug().Msg("No config file found")
	return "", nil
}

func (l *loader) read(file, profile string) (Profile, error) {
	l.logger.Debug().Str("file", file).Str("profile", profile).Msg("Loading config")

	data, err := os.ReadFile(file)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to read config file %s: %w", file, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Profile{}, fmt.Errorf("failed to parse config file %s: %w", file, err)
	}

	merged := merge(doc, profile, l.logger)
	expanded, _ := substitute(merged).(map[string]any)

	// Round trip through YAML so the typed profile sees the merged document.
	out, err := yaml.Marshal(expanded)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to encode merged config: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(out, &p); err != nil {
		return Profile{}, fmt.Errorf("invalid config in %s: %w", file, err)
	}
	p.Source = file
	return p, nil
}

// merge overlays the named profile on the default section. connection_args
// is merged key by key, every other key is replaced.
func merge(doc document, profile string, logger zerolog.Logger) map[string]any {
	out := maps.Clone(doc.Default)
	if out == nil {
		out = map[string]any{}
	}
	if profile == DefaultProfile {
		return out
	}

	overlay, ok := doc.Profiles[profile]
	if !ok {
		logger.Warn().Str("profile", profile).Msg("Profile not found in config")
		return out
	}
	for k, v := range overlay {
		if k == "connection_args" {
			base, _ := out[k].(map[string]any)
			extra, _ := v.(map[string]any)
			if base != nil && extra != nil {
				args := maps.Clone(base)
				maps.Copy(args, extra)
				out[k] = args
				continue
			}
		}
		out[k] = v
	}
	return out
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// substitute expands ${VAR} in every string leaf. Unset variables expand to
// the empty string.
func substitute(v any) any {
	switch t := v.(type) {
	case string:
		return envRef.ReplaceAllStringFunc(t, func(ref string) string {
			return os.Getenv(envRef.FindStringSubmatch(ref)[1])
		})
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = substitute(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = substitute(item)
		}
		return out
	}
	return v
}

// loadDotEnv loads the nearest .env file, looking at most dotEnvDepth
// directories up.
func (l *loader) loadDotEnv() {
	dir := l.dotEnvDir
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return
		}
	}
	for range dotEnvDepth {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				l.logger.Warn().Err(err).Str("file", envPath).Msg("Failed to load .env")
			}
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// IsNotExist reports whether err comes from a missing explicit config file.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
