// Package config provides configuration management for the highlighter agent.
// Configuration is loaded from environment variables with sensible defaults;
// a .env file in the working directory is honoured when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultPort     = 8750
	DefaultLogLevel = "info"
	DefaultDataDir  = ".highlighter"

	// Environment variable names
	EnvPort          = "HL_PORT"
	EnvLogLevel      = "HL_LOG_LEVEL"
	EnvDataDir       = "HL_DATA_DIR"
	EnvRecordingsDir = "HL_RECORDINGS_DIR"

	// External tool environment variable names
	EnvEnginePath  = "HL_ENGINE_PATH"
	EnvFFmpegPath  = "HL_FFMPEG_PATH"
	EnvFFprobePath = "HL_FFPROBE_PATH"

	// Upload environment variable names
	EnvUploadBaseURL = "HL_UPLOAD_BASE_URL"
	EnvUploadToken   = "HL_UPLOAD_TOKEN"

	// Database filename
	DBFilename = "highlighter.db"

	// External tool defaults
	DefaultEngineBinary = "highlighter-engine"
	DefaultFFmpeg       = "ffmpeg"
	DefaultFFprobe      = "ffprobe"

	// Timeouts (seconds)
	DefaultDetectTimeout = 7200
	DefaultUpdateTimeout = 900
	DefaultRenderTimeout = 7200
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	ClipsDir() string
	ThumbnailsDir() string
	MilestonesDir() string
	ExportsDir() string
	RecordingsDir() string
	EnginePath() string
	FFmpegPath() string
	FFprobePath() string
	UploadBaseURL() string
	UploadToken() string
	DetectTimeout() time.Duration
	UpdateTimeout() time.Duration
	RenderTimeout() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port          int
	logLevel      string
	dataDir       string
	recordingsDir string

	enginePath  string
	ffmpegPath  string
	ffprobePath string

	uploadBaseURL string
	uploadToken   string
}

// New creates a new EnvConfig with defaults and environment variable overrides.
// A .env file in the working directory is loaded first when it exists.
func New() (*EnvConfig, error) {
	_ = godotenv.Load()

	cfg := &EnvConfig{
		port:     DefaultPort,
		logLevel: DefaultLogLevel,
		dataDir:  defaultDataDir(),
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	cfg.recordingsDir = os.Getenv(EnvRecordingsDir)
	cfg.enginePath = os.Getenv(EnvEnginePath)
	cfg.ffmpegPath = os.Getenv(EnvFFmpegPath)
	cfg.ffprobePath = os.Getenv(EnvFFprobePath)
	cfg.uploadBaseURL = os.Getenv(EnvUploadBaseURL)
	cfg.uploadToken = os.Getenv(EnvUploadToken)

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// ClipsDir returns the directory where cut highlight clips are written
func (c *EnvConfig) ClipsDir() string {
	return filepath.Join(c.dataDir, "clips")
}

// ThumbnailsDir returns the directory where scrub thumbnails are written
func (c *EnvConfig) ThumbnailsDir() string {
	return filepath.Join(c.dataDir, "thumbnails")
}

// MilestonesDir returns the directory where per-stream milestone files live
func (c *EnvConfig) MilestonesDir() string {
	return filepath.Join(c.dataDir, "milestones")
}

// ExportsDir returns the directory where exported videos are written
func (c *EnvConfig) ExportsDir() string {
	return filepath.Join(c.dataDir, "exports")
}

// RecordingsDir returns the replay-buffer recordings directory, if configured
func (c *EnvConfig) RecordingsDir() string {
	return c.recordingsDir
}

func (c *EnvConfig) EnginePath() string {
	if c.enginePath != "" {
		return c.enginePath
	}
	return DefaultEngineBinary
}

func (c *EnvConfig) FFmpegPath() string {
	if c.ffmpegPath != "" {
		return c.ffmpegPath
	}
	return DefaultFFmpeg
}

func (c *EnvConfig) FFprobePath() string {
	if c.ffprobePath != "" {
		return c.ffprobePath
	}
	return DefaultFFprobe
}

func (c *EnvConfig) UploadBaseURL() string {
	return c.uploadBaseURL
}

func (c *EnvConfig) UploadToken() string {
	return c.uploadToken
}

func (c *EnvConfig) DetectTimeout() time.Duration {
	return time.Duration(DefaultDetectTimeout) * time.Second
}

func (c *EnvConfig) UpdateTimeout() time.Duration {
	return time.Duration(DefaultUpdateTimeout) * time.Second
}

func (c *EnvConfig) RenderTimeout() time.Duration {
	return time.Duration(DefaultRenderTimeout) * time.Second
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
