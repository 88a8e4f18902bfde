package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cyclopcam/captioner/pkg/caption"
	"github.com/cyclopcam/captioner/pkg/nnload"
)

// Config of the caption service, loaded from a JSON file
type Config struct {
	Listen string `json:"listen"` // eg ":8080"

	ModelDir     string `json:"modelDir"`     // Root of downloaded model bundles
	Bundle       string `json:"bundle"`       // Name of the caption bundle, eg "vgg16_lstm"
	ModelBaseURL string `json:"modelBaseUrl"` // Where missing bundle files are downloaded from. "-" = never download.
	OnnxLibrary  string `json:"onnxLibrary"`  // Path to libonnxruntime.so. Empty = system default.

	NumThreads   int     `json:"numThreads"` // Zero = 2. Negative = let the NN runtime decide.
	MaxResults   int     `json:"maxResults"`
	DecodeWindow int     `json:"decodeWindow"`
	Delegate     string  `json:"delegate"` // "cpu" or "gpu"
	Threshold    float32 `json:"threshold"`

	DBPath     string `json:"dbPath"`     // Caption history sqlite database
	MaxRecords int    `json:"maxRecords"` // Captions beyond this number are purged from history. Zero = keep forever.

	Archive StorageConfig `json:"archive"` // Where uploaded images are kept. Optional.

	CaptionsPerMinute int   `json:"captionsPerMinute"` // Per-IP rate limit of POST /api/caption
	MaxImageBytes     int64 `json:"maxImageBytes"`     // Largest accepted upload
}

// At most one of the storage options may be configured (i.e. either 'filesystem' or 'gcs')
type StorageConfig struct {
	Filesystem *StorageConfigFS  `json:"filesystem"`
	GCS        *StorageConfigGCS `json:"gcs"`
}

type StorageConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type StorageConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
}

// Default returns a config that needs no file
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := caption.NewConfig()
	home, _ := os.UserHomeDir()
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.ModelDir == "" {
		c.ModelDir = filepath.Join(home, "captioner", "models")
	}
	if c.Bundle == "" {
		c.Bundle = "vgg16_lstm"
	}
	if c.ModelBaseURL == "" {
		c.ModelBaseURL = nnload.DefaultBaseURL
	}
	if c.NumThreads == 0 {
		c.NumThreads = def.NumThreads
	}
	if c.MaxResults == 0 {
		c.MaxResults = def.MaxResults
	}
	if c.Threshold == 0 {
		c.Threshold = def.Threshold
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(home, "captioner", "captions.sqlite")
	}
	if c.CaptionsPerMinute == 0 {
		c.CaptionsPerMinute = 30
	}
	if c.MaxImageBytes == 0 {
		c.MaxImageBytes = 20 * 1024 * 1024
	}
}

func (c *Config) Validate() error {
	if c.Archive.Filesystem != nil && c.Archive.GCS != nil {
		return fmt.Errorf("Only one of archive.filesystem and archive.gcs may be configured")
	}
	_, err := c.CaptionConfig()
	return err
}

// CaptionConfig returns the configuration of the caption engine
func (c *Config) CaptionConfig() (caption.Config, error) {
	delegate, err := caption.ParseDelegate(c.Delegate)
	if err != nil {
		return caption.Config{}, err
	}
	return caption.Config{
		Threshold:    c.Threshold,
		NumThreads:   max(c.NumThreads, 0),
		MaxResults:   c.MaxResults,
		DecodeWindow: c.DecodeWindow,
		Delegate:     delegate,
	}, nil
}

// Returns the base URL for downloads, or empty if downloads are disabled
func (c *Config) DownloadURL() string {
	if c.ModelBaseURL == "-" {
		return ""
	}
	return c.ModelBaseURL
}
