// Package config loads gleaner settings.
//
// Settings are layered: built-in defaults, then an optional YAML file, then
// a .env file and GLEANER_* environment variables. The CLI applies its flags
// last, only for flags the user actually set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tanq16/gleaner/internal/utils"
	"gopkg.in/yaml.v3"
)

// Settings holds every tunable of the server and the CLI.
type Settings struct {
	Listen    string `yaml:"listen"`
	OutputDir string `yaml:"output_dir"`
	Renderer  string `yaml:"renderer"` // browser or http
	// BrowserPath overrides the Chrome binary the browser renderer starts.
	BrowserPath string                 `yaml:"browser_path"`
	HTTP        utils.HTTPClientConfig `yaml:"http"`
	Discovery   Discovery              `yaml:"discovery"`
	Transfer    Transfer               `yaml:"transfer"`
	Mirror      Mirror                 `yaml:"mirror"`
}

// Discovery tunes the page acquirer.
type Discovery struct {
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	ScrollPause     time.Duration `yaml:"scroll_pause"`
	MaxScrolls      int           `yaml:"max_scrolls"`
}

// Transfer tunes the transfer engine.
type Transfer struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	ChunkSize  int           `yaml:"chunk_size"`
}

// Mirror configures the optional S3 copy of every finished file. An empty
// bucket disables it.
type Mirror struct {
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Profile string `yaml:"profile"`
	Region  string `yaml:"region"`
}

func Default() *Settings {
	return &Settings{
		Listen:    ":5000",
		OutputDir: utils.DefaultOutputDir,
		Renderer:  "browser",
		HTTP: utils.HTTPClientConfig{
			Timeout:   3 * time.Minute,
			KATimeout: 90 * time.Second,
			UserAgent: utils.ToolUserAgent,
			Headers:   map[string]string{},
		},
		Discovery: Discovery{
			MaxRetries:      3,
			RetryDelay:      2 * time.Second,
			NavigateTimeout: 30 * time.Second,
			ReadyTimeout:    10 * time.Second,
			ScrollPause:     2 * time.Second,
			MaxScrolls:      50,
		},
		Transfer: Transfer{
			MaxRetries: 3,
			RetryDelay: 2 * time.Second,
			ChunkSize:  utils.DefaultChunkSize,
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies the
// environment. A missing file is not an error; an empty path skips the file.
func Load(path string) (*Settings, error) {
	settings := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, settings); err != nil {
				return nil, fmt.Errorf("error parsing config %s: %w", path, err)
			}
		}
	}
	// .env is optional, variables may already be exported
	_ = godotenv.Load()
	if err := settings.applyEnv(); err != nil {
		return nil, err
	}
	return settings, settings.Validate()
}

func (s *Settings) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("GLEANER_LISTEN", &s.Listen)
	setString("GLEANER_OUTPUT_DIR", &s.OutputDir)
	setString("GLEANER_RENDERER", &s.Renderer)
	setString("GLEANER_BROWSER_PATH", &s.BrowserPath)
	setString("GLEANER_USER_AGENT", &s.HTTP.UserAgent)
	setString("GLEANER_PROXY", &s.HTTP.ProxyURL)
	setString("GLEANER_S3_BUCKET", &s.Mirror.Bucket)
	setString("GLEANER_S3_PREFIX", &s.Mirror.Prefix)
	setString("GLEANER_S3_PROFILE", &s.Mirror.Profile)
	setString("GLEANER_S3_REGION", &s.Mirror.Region)
	if v, ok := os.LookupEnv("GLEANER_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GLEANER_MAX_RETRIES: %w", err)
		}
		s.Transfer.MaxRetries = n
		s.Discovery.MaxRetries = n
	}
	if v, ok := os.LookupEnv("GLEANER_RETRY_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GLEANER_RETRY_DELAY: %w", err)
		}
		s.Transfer.RetryDelay = d
		s.Discovery.RetryDelay = d
	}
	return nil
}

// Validate rejects settings the job core cannot run with.
func (s *Settings) Validate() error {
	if s.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is empty", utils.ErrInvalidInput)
	}
	if s.Renderer != "browser" && s.Renderer != "http" {
		return fmt.Errorf("%w: unknown renderer %q", utils.ErrInvalidInput, s.Renderer)
	}
	if s.Transfer.MaxRetries < 1 || s.Discovery.MaxRetries < 1 {
		return fmt.Errorf("%w: max_retries must be at least 1", utils.ErrInvalidInput)
	}
	if s.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", utils.ErrInvalidInput)
	}
	if s.Discovery.MaxScrolls < 1 {
		return fmt.Errorf("%w: max_scrolls must be at least 1", utils.ErrInvalidInput)
	}
	return nil
}
