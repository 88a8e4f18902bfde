package nnload

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/cyclopcam/captioner/pkg/caption"
	"github.com/cyclopcam/captioner/pkg/nn"
	"github.com/cyclopcam/captioner/pkg/onnx"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

const testBundle = `{
	"extractor": "vgg16_fc2.onnx",
	"decoder": "lstm.onnx",
	"vocabulary": "wordindex.json",
	"image": {"architecture": "vgg16", "width": 224, "height": 224},
	"bindings": {"sequenceInput": "tokens"}
}`

const testWordIndex = `{"startseq": 1, "a": 2, "dog": 3, "endseq": 4}`

func bundleServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	files := map[string]string{
		"/tiny/tiny.json":      testBundle,
		"/tiny/vgg16_fc2.onnx": "extractor weights",
		"/tiny/lstm.onnx":      "decoder weights",
		"/tiny/wordindex.json": testWordIndex,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadBundle(t *testing.T) {
	var hits atomic.Int32
	srv := bundleServer(t, &hits)
	dir := filepath.Join(t.TempDir(), "tiny")
	log := logs.NewTestingLog(t)

	require.NoError(t, DownloadBundle(log, srv.URL, dir, "tiny"))
	require.Equal(t, int32(4), hits.Load())
	raw, err := os.ReadFile(filepath.Join(dir, "lstm.onnx"))
	require.NoError(t, err)
	require.Equal(t, "decoder weights", string(raw))
	_, err = os.Stat(filepath.Join(dir, "lstm.onnx.tmp"))
	require.True(t, os.IsNotExist(err))

	// Already present, so nothing is fetched
	require.NoError(t, DownloadBundle(log, srv.URL, dir, "tiny"))
	require.Equal(t, int32(4), hits.Load())

	err = DownloadBundle(log, srv.URL, t.TempDir(), "missing")
	require.ErrorContains(t, err, "404")
}

func TestLoadBundleConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.json"), []byte(testBundle), 0644))
	cfg, err := LoadBundleConfig(dir, "tiny")
	require.NoError(t, err)
	require.Equal(t, "startseq", cfg.StartToken)
	require.Equal(t, "endseq", cfg.EndToken)
	require.Equal(t, nn.LayoutNCHW, cfg.Image.Layout)
	require.Equal(t, "tokens", cfg.Bindings.SequenceInput)
	require.Equal(t, "input_4", cfg.Bindings.ImageInput)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"extractor": "../x.onnx", "decoder": "d", "vocabulary": "v"}`), 0644))
	_, err = LoadBundleConfig(dir, "bad")
	require.ErrorContains(t, err, "plain filename")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "hwc.json"), []byte(`{"extractor": "e", "decoder": "d", "vocabulary": "v", "image": {"layout": "hwc"}}`), 0644))
	_, err = LoadBundleConfig(dir, "hwc")
	require.ErrorContains(t, err, "Unknown tensor layout")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.json"), []byte(`{}`), 0644))
	_, err = LoadBundleConfig(dir, "empty")
	require.Error(t, err)
}

type stubModel struct {
	closed bool
}

func (m *stubModel) Close()                   { m.closed = true }
func (m *stubModel) Inputs() []nn.TensorInfo  { return nil }
func (m *stubModel) Outputs() []nn.TensorInfo { return nil }
func (m *stubModel) Run(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
	return nil, nil
}

func TestLoader(t *testing.T) {
	var hits atomic.Int32
	srv := bundleServer(t, &hits)
	dir := filepath.Join(t.TempDir(), "tiny")

	var loaded []string
	var seenOpts []onnx.Options
	loader := &Loader{
		Log:     logs.NewTestingLog(t),
		Dir:     dir,
		Name:    "tiny",
		BaseURL: srv.URL,
		Backend: func(filename string, opts onnx.Options) (nn.Model, error) {
			loaded = append(loaded, filepath.Base(filename))
			seenOpts = append(seenOpts, opts)
			return &stubModel{}, nil
		},
	}
	config := caption.NewConfig()
	config.Delegate = caption.DelegateGPU
	config.NumThreads = 1
	models, err := loader.Load(config)
	require.NoError(t, err)
	require.Equal(t, []string{"vgg16_fc2.onnx", "lstm.onnx"}, loaded)
	require.True(t, seenOpts[0].UseGPU)
	require.Equal(t, nn.ThreadingModeSingle, seenOpts[0].ThreadingMode)
	require.Equal(t, 224, models.ImageWidth)
	require.Equal(t, "tokens", models.Bindings.SequenceInput)

	cfg, err := LoadBundleConfig(dir, "tiny")
	require.NoError(t, err)
	v, err := LoadVocabulary(dir, cfg)
	require.NoError(t, err)
	require.Equal(t, int32(3), v.IDForToken("dog"))
}

func TestLoaderClosesExtractorOnFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.json"), []byte(testBundle), 0644))
	extractor := &stubModel{}
	loader := &Loader{
		Log:  logs.NewTestingLog(t),
		Dir:  dir,
		Name: "tiny",
		Backend: func(filename string, opts onnx.Options) (nn.Model, error) {
			if filepath.Base(filename) == "lstm.onnx" {
				return nil, os.ErrNotExist
			}
			return extractor, nil
		},
	}
	_, err := loader.Load(caption.NewConfig())
	require.ErrorIs(t, err, os.ErrNotExist)
	require.True(t, extractor.closed)
}
