package nnload

// Package nnload knows where caption model bundles live on disk and on the network,
// and has concrete references to our neural network implementation (onnxruntime),
// so that you can just call one function to load a model, and not need to know
// about the implementation details.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cyclopcam/captioner/pkg/caption"
	"github.com/cyclopcam/captioner/pkg/nn"
	"github.com/cyclopcam/captioner/pkg/onnx"
	"github.com/cyclopcam/captioner/pkg/vocab"
	"github.com/cyclopcam/logs"
)

const DefaultBaseURL = "https://models.cyclopcam.org/caption"

// BundleConfig is saved as <name>.json, in the same directory as the model files
type BundleConfig struct {
	Extractor  string           `json:"extractor"`  // eg "vgg16_fc2.onnx"
	Decoder    string           `json:"decoder"`    // eg "lstm_decoder.onnx"
	Vocabulary string           `json:"vocabulary"` // eg "wordindex.json"
	StartToken string           `json:"startToken"` // Empty = "startseq"
	EndToken   string           `json:"endToken"`   // Empty = "endseq"
	UnknownID  int32            `json:"unknownId"`  // Id of words that are not in the vocabulary. Zero = pad.
	Image      nn.ModelConfig   `json:"image"`      // Input of the extractor
	Bindings   caption.Bindings `json:"bindings"`   // Empty names are filled in by caption.DefaultBindings
}

// The files (other than the config) that make up the bundle
func (b *BundleConfig) Files() []string {
	return []string{b.Extractor, b.Decoder, b.Vocabulary}
}

// BundleDir returns the directory of the bundle 'name', inside 'modelDir'
func BundleDir(modelDir, name string) string {
	return filepath.Join(modelDir, "caption", name)
}

// Load <dir>/<name>.json
func LoadBundleConfig(dir, name string) (*BundleConfig, error) {
	b, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if err != nil {
		return nil, err
	}
	cfg := &BundleConfig{}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("Invalid bundle config %v: %w", name, err)
	}
	if cfg.StartToken == "" {
		cfg.StartToken = vocab.DefaultStartToken
	}
	if cfg.EndToken == "" {
		cfg.EndToken = vocab.DefaultEndToken
	}
	if err := cfg.Image.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid image config in bundle %v: %w", name, err)
	}
	for _, f := range cfg.Files() {
		if f == "" {
			return nil, fmt.Errorf("Bundle %v must name an extractor, a decoder, and a vocabulary", name)
		}
		if filepath.Base(f) != f {
			return nil, fmt.Errorf("Bundle %v file '%v' must be a plain filename", name, f)
		}
	}
	cfg.Bindings = cfg.Bindings.WithDefaults()
	return cfg, nil
}

// LoadVocabulary loads the word index of the bundle
func LoadVocabulary(dir string, cfg *BundleConfig) (*vocab.Vocabulary, error) {
	return vocab.Load(filepath.Join(dir, cfg.Vocabulary), cfg.StartToken, cfg.EndToken, vocab.Options{UnknownID: cfg.UnknownID})
}

func downloadFile(srcUrl, targetFile string) error {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(file, resp.Body)
	if err != nil {
		os.Remove(tempFile)
		return err
	}
	file.Close()
	return os.Rename(tempFile, targetFile)
}

func ensureFile(log logs.Log, srcUrl, diskPath string) error {
	if _, err := os.Stat(diskPath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Downloading %v to %v", srcUrl, diskPath)
		if err := downloadFile(srcUrl, diskPath); err != nil {
			return fmt.Errorf("Failed to download %v: %w", srcUrl, err)
		}
	} else if err != nil {
		return err
	}
	return nil
}

// If the bundle files are not yet downloaded, then download them now.
// Returns immediately if the files are already downloaded.
// The bundle config is fetched first, because it names the other files.
func DownloadBundle(log logs.Log, baseUrl, dir, name string) error {
	if err := ensureFile(log, baseUrl+"/"+name+"/"+name+".json", filepath.Join(dir, name+".json")); err != nil {
		return err
	}
	cfg, err := LoadBundleConfig(dir, name)
	if err != nil {
		return err
	}
	for _, f := range cfg.Files() {
		if err := ensureFile(log, baseUrl+"/"+name+"/"+f, filepath.Join(dir, f)); err != nil {
			return err
		}
	}
	return nil
}

// Backend loads a single model file
type Backend func(filename string, opts onnx.Options) (nn.Model, error)

// OnnxBackend loads models with ONNX Runtime
func OnnxBackend(filename string, opts onnx.Options) (nn.Model, error) {
	m, err := onnx.Load(filename, opts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Loader loads a caption bundle from disk, downloading it first if BaseURL is not empty.
// Loader implements caption.ModelLoader.
type Loader struct {
	Log         logs.Log
	Dir         string  // Directory of the bundle (see BundleDir)
	Name        string  // Name of the bundle, eg "vgg16_lstm"
	BaseURL     string  // If not empty, then missing files are downloaded from here
	LibraryPath string  // Path to the ONNX Runtime shared library. Empty = system default.
	Backend     Backend // nil = OnnxBackend
}

func (l *Loader) Load(config caption.Config) (*caption.Models, error) {
	if l.BaseURL != "" {
		if err := DownloadBundle(l.Log, l.BaseURL, l.Dir, l.Name); err != nil {
			return nil, fmt.Errorf("Download failed: %w", err)
		}
	}
	cfg, err := LoadBundleConfig(l.Dir, l.Name)
	if err != nil {
		return nil, err
	}
	backend := l.Backend
	if backend == nil {
		backend = OnnxBackend
	}
	opts := onnx.Options{
		LibraryPath:   l.LibraryPath,
		NumThreads:    config.NumThreads,
		ThreadingMode: nn.ThreadingModeParallel,
		UseGPU:        config.Delegate == caption.DelegateGPU,
	}
	if config.NumThreads == 1 {
		opts.ThreadingMode = nn.ThreadingModeSingle
	}

	extractor, err := backend(filepath.Join(l.Dir, cfg.Extractor), opts)
	if err != nil {
		return nil, fmt.Errorf("Failed to load extractor %v: %w", cfg.Extractor, err)
	}
	decoder, err := backend(filepath.Join(l.Dir, cfg.Decoder), opts)
	if err != nil {
		extractor.Close()
		return nil, fmt.Errorf("Failed to load decoder %v: %w", cfg.Decoder, err)
	}
	l.Log.Infof("Loaded caption bundle %v (%v, %v)", l.Name, cfg.Extractor, cfg.Decoder)
	return &caption.Models{
		Extractor:   extractor,
		Decoder:     decoder,
		Bindings:    cfg.Bindings,
		ImageWidth:  cfg.Image.Width,
		ImageHeight: cfg.Image.Height,
		ImageLayout: cfg.Image.Layout,
	}, nil
}
