package caption

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/captioner/pkg/nn"
	"github.com/cyclopcam/captioner/pkg/vocab"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

const testFeatures = 8
const testWindow = 5

type fakeModel struct {
	inputs  []nn.TensorInfo
	outputs []nn.TensorInfo
	run     func(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error)
	calls   int
	closed  bool
}

func (m *fakeModel) Close()                   { m.closed = true }
func (m *fakeModel) Inputs() []nn.TensorInfo  { return m.inputs }
func (m *fakeModel) Outputs() []nn.TensorInfo { return m.outputs }

func (m *fakeModel) Run(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
	if _, err := nn.Bind(m.inputs, inputs); err != nil {
		return nil, err
	}
	m.calls++
	return m.run(inputs)
}

func newFakeExtractor() *fakeModel {
	return &fakeModel{
		inputs:  []nn.TensorInfo{{Name: "input_4", Type: nn.DataTypeFloat32, Shape: []int64{-1, 3, 4, 4}}},
		outputs: []nn.TensorInfo{{Name: "fc2", Type: nn.DataTypeFloat32, Shape: []int64{-1, testFeatures}}},
		run: func(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
			return map[string]nn.Tensor{
				"fc2": nn.NewFloat32Tensor([]int64{1, testFeatures}, make([]float32, testFeatures)),
			}, nil
		},
	}
}

func oneHot(id int) []float32 {
	scores := make([]float32, testWindow)
	scores[id] = 1
	return scores
}

// A decoder that emits 'ids' in order, and then repeats the last one forever
type scriptedDecoder struct {
	*fakeModel
	ids       []int
	sequences [][]int32
}

func newScriptedDecoder(ids ...int) *scriptedDecoder {
	d := &scriptedDecoder{ids: ids}
	d.fakeModel = &fakeModel{
		inputs: []nn.TensorInfo{
			{Name: "input_2", Type: nn.DataTypeFloat32, Shape: []int64{-1, testFeatures}},
			{Name: "input_3", Type: nn.DataTypeInt32, Shape: []int64{-1, testWindow}},
		},
		outputs: []nn.TensorInfo{{Name: "dense_2", Type: nn.DataTypeFloat32, Shape: []int64{-1, testWindow}}},
	}
	d.fakeModel.run = func(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
		d.sequences = append(d.sequences, slices.Clone(inputs["input_3"].I32))
		next := d.ids[min(len(d.sequences), len(d.ids))-1]
		return map[string]nn.Tensor{
			"dense_2": nn.NewFloat32Tensor([]int64{1, testWindow}, oneHot(next)),
		}, nil
	}
	return d
}

type countingListener struct {
	lock    sync.Mutex
	errors  []string
	results []string
}

func (c *countingListener) OnError(message string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.errors = append(c.errors, message)
}

func (c *countingListener) OnResults(text string, inferenceTimeMs int64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.results = append(c.results, text)
}

func testVocab(t *testing.T) *vocab.Vocabulary {
	v, err := vocab.New(map[string]int32{"startseq": 1, "a": 2, "dog": 3, "endseq": 4}, "startseq", "endseq", vocab.Options{})
	require.NoError(t, err)
	return v
}

func testImage() nn.Tensor {
	return nn.NewFloat32Tensor([]int64{1, 3, 4, 4}, make([]float32, 48))
}

func staticLoader(extractor, decoder nn.Model) ModelLoader {
	return LoaderFunc(func(config Config) (*Models, error) {
		return &Models{Extractor: extractor, Decoder: decoder, Bindings: DefaultBindings()}, nil
	})
}

func newTestEngine(t *testing.T, config Config, loader ModelLoader, listener Listener) *Engine {
	e, err := NewEngine(logs.NewTestingLog(t), config, testVocab(t), loader, listener)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func testConfig() Config {
	c := NewConfig()
	c.MaxResults = 5
	return c
}

func TestCaptionDog(t *testing.T) {
	dec := newScriptedDecoder(3, 4)
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), staticLoader(newFakeExtractor(), dec), listener)

	res, err := e.Caption(testImage())
	require.NoError(t, err)
	require.Equal(t, "dog", res.Text)
	require.Equal(t, 2, res.Steps)
	require.True(t, res.StoppedAtEnd)
	require.Equal(t, []string{"startseq", "dog", "endseq"}, res.Tokens)
	require.Equal(t, []string{"dog"}, listener.results)
	require.Empty(t, listener.errors)
	require.Equal(t, StateDone, e.State())
	require.Equal(t, [][]int32{{1, 0, 0, 0, 0}, {1, 3, 0, 0, 0}}, dec.sequences)

	stats := e.Stats()
	require.Equal(t, int64(1), stats.Captions)
	require.Equal(t, 2.0, stats.AvgSteps)
	require.Equal(t, "done", stats.State)
}

func TestCaptionUnknownID(t *testing.T) {
	// id 0 is the pad id, which never maps to a token
	dec := newScriptedDecoder(0)
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), staticLoader(newFakeExtractor(), dec), listener)

	res, err := e.Caption(testImage())
	require.NoError(t, err)
	require.Equal(t, "", res.Text)
	require.Equal(t, 1, res.Steps)
	require.False(t, res.StoppedAtEnd)
	require.Equal(t, []string{""}, listener.results)
	require.Empty(t, listener.errors)
}

func TestCaptionLengthBound(t *testing.T) {
	dec := newScriptedDecoder(2)
	config := testConfig()
	config.MaxResults = 7
	config.DecodeWindow = testWindow
	e := newTestEngine(t, config, staticLoader(newFakeExtractor(), dec), nil)

	res, err := e.Caption(testImage())
	require.NoError(t, err)
	require.Equal(t, "a a a a a a a", res.Text)
	require.Equal(t, 7, res.Steps)
	require.Equal(t, 7, dec.calls)
	require.False(t, res.StoppedAtEnd)
	// Once the sequence is longer than the window, only the most recent tokens are fed
	require.Equal(t, []int32{1, 2, 2, 2, 2}, dec.sequences[4])
	require.Equal(t, []int32{2, 2, 2, 2, 2}, dec.sequences[6])
}

func TestCaptionNaNScores(t *testing.T) {
	dec := newScriptedDecoder(3)
	dec.fakeModel.run = func(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
		scores := []float32{math32.NaN(), math32.NaN(), math32.NaN(), math32.NaN(), math32.NaN()}
		return map[string]nn.Tensor{"dense_2": nn.NewFloat32Tensor([]int64{1, testWindow}, scores)}, nil
	}
	e := newTestEngine(t, testConfig(), staticLoader(newFakeExtractor(), dec), nil)
	res, err := e.Caption(testImage())
	require.NoError(t, err)
	require.Equal(t, "", res.Text)
	require.Equal(t, 1, res.Steps)
}

func TestLazyInitialization(t *testing.T) {
	loads := 0
	loader := LoaderFunc(func(config Config) (*Models, error) {
		loads++
		if loads == 1 {
			return nil, errors.New("weights file is corrupt")
		}
		return &Models{Extractor: newFakeExtractor(), Decoder: newScriptedDecoder(3, 4).fakeModel}, nil
	})
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), loader, listener)
	require.Equal(t, 0, loads)

	_, err := e.Caption(testImage())
	require.ErrorIs(t, err, ErrModelInitialization)
	require.ErrorContains(t, err, "weights file is corrupt")
	require.Equal(t, StateError, e.State())
	require.Len(t, listener.errors, 1)
	require.Empty(t, listener.results)

	res, err := e.Caption(testImage())
	require.NoError(t, err)
	require.Equal(t, "dog", res.Text)
	require.Equal(t, 2, loads)
	require.Len(t, listener.errors, 1)
	require.Len(t, listener.results, 1)

	// Already loaded, so no further loads
	require.NoError(t, e.Load())
	require.Equal(t, 2, loads)
	require.Equal(t, testWindow, e.DecodeWindow())
}

// A loader that misbehaves on its first call, and then succeeds
func flakyLoader(loads *int, first func() *Models) ModelLoader {
	return LoaderFunc(func(config Config) (*Models, error) {
		*loads++
		if *loads == 1 {
			return first(), nil
		}
		return &Models{Extractor: newFakeExtractor(), Decoder: newScriptedDecoder(3, 4).fakeModel}, nil
	})
}

func TestLoaderPanic(t *testing.T) {
	loads := 0
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), flakyLoader(&loads, func() *Models { panic("out of memory") }), listener)

	var err error
	require.NotPanics(t, func() { _, err = e.Caption(testImage()) })
	require.ErrorIs(t, err, ErrModelInitialization)
	require.ErrorContains(t, err, "out of memory")
	require.Equal(t, StateError, e.State())
	require.Len(t, listener.errors, 1)
	require.Empty(t, listener.results)

	res, err := e.Caption(testImage())
	require.NoError(t, err)
	require.Equal(t, "dog", res.Text)
	require.Equal(t, 2, loads)
	require.Len(t, listener.errors, 1)
	require.Len(t, listener.results, 1)
}

func TestLoaderReturnsNoModels(t *testing.T) {
	loads := 0
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), flakyLoader(&loads, func() *Models { return nil }), listener)

	var err error
	require.NotPanics(t, func() { _, err = e.Caption(testImage()) })
	require.ErrorIs(t, err, ErrModelInitialization)
	require.Len(t, listener.errors, 1)

	// Load takes the same path, and retries
	require.NoError(t, e.Load())
	require.Equal(t, 2, loads)
	_, err = e.Caption(testImage())
	require.NoError(t, err)
	require.Len(t, listener.results, 1)
}

// A model whose metadata is unreadable
type panickingModel struct{}

func (panickingModel) Close()                   {}
func (panickingModel) Inputs() []nn.TensorInfo  { panic("corrupt model header") }
func (panickingModel) Outputs() []nn.TensorInfo { panic("corrupt model header") }
func (panickingModel) Run(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
	panic("corrupt model header")
}

func TestBindPanicClosesModels(t *testing.T) {
	extractor := newFakeExtractor()
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), staticLoader(extractor, panickingModel{}), listener)

	var err error
	require.NotPanics(t, func() { _, err = e.Caption(testImage()) })
	require.ErrorIs(t, err, ErrModelInitialization)
	require.ErrorContains(t, err, "corrupt model header")
	require.True(t, extractor.closed)
	require.Len(t, listener.errors, 1)
	require.ErrorIs(t, e.Reset(), ErrModelNotLoaded)
}

func TestBindFailureClosesModels(t *testing.T) {
	extractor := newFakeExtractor()
	decoder := newScriptedDecoder(3)
	// Decoder expects 16 features, but extractor produces 8
	decoder.inputs[0].Shape = []int64{-1, 16}
	e := newTestEngine(t, testConfig(), staticLoader(extractor, decoder), nil)
	err := e.Load()
	require.ErrorIs(t, err, ErrModelInitialization)
	require.True(t, extractor.closed)
	require.True(t, decoder.closed)
}

func TestDecodeWindowMismatch(t *testing.T) {
	config := testConfig()
	config.DecodeWindow = 3
	e := newTestEngine(t, config, staticLoader(newFakeExtractor(), newScriptedDecoder(3)), nil)
	require.ErrorIs(t, e.Load(), ErrModelInitialization)
}

func TestDynamicDecodeWindow(t *testing.T) {
	dec := newScriptedDecoder(3, 4)
	dec.inputs[1].Shape = []int64{1, -1}
	config := testConfig()
	config.MaxResults = 7
	e := newTestEngine(t, config, staticLoader(newFakeExtractor(), dec), nil)
	_, err := e.Caption(testImage())
	require.NoError(t, err)
	require.Equal(t, 7, e.DecodeWindow())
	require.Len(t, dec.sequences[0], 7)
}

func TestClose(t *testing.T) {
	extractor := newFakeExtractor()
	dec := newScriptedDecoder(3, 4)
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), staticLoader(extractor, dec), listener)
	_, err := e.Caption(testImage())
	require.NoError(t, err)

	e.Close()
	require.True(t, extractor.closed)
	require.True(t, dec.closed)

	_, err = e.Caption(testImage())
	require.ErrorIs(t, err, ErrEngineClosed)
	require.ErrorIs(t, e.Reset(), ErrEngineClosed)
	require.ErrorIs(t, e.Load(), ErrEngineClosed)
	require.Len(t, listener.errors, 1)
	require.Len(t, listener.results, 1)
	// Closing twice is harmless
	e.Close()
}

func TestReset(t *testing.T) {
	dec := newScriptedDecoder(3, 4)
	// An auxiliary recurrent state input, which this decoder dirties on every run
	dec.inputs = append(dec.inputs, nn.TensorInfo{Name: "state_h", Type: nn.DataTypeFloat32, Shape: []int64{1, 2}})
	var firstSeen []float32
	scripted := dec.fakeModel.run
	dec.fakeModel.run = func(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
		h := inputs["state_h"].F32
		if len(dec.sequences)%2 == 0 {
			firstSeen = append(firstSeen, h[0])
		}
		h[0] += 1
		return scripted(inputs)
	}
	e := newTestEngine(t, testConfig(), staticLoader(newFakeExtractor(), dec), nil)
	require.ErrorIs(t, e.Reset(), ErrModelNotLoaded)

	_, err := e.Caption(testImage())
	require.NoError(t, err)
	dec.sequences = nil
	_, err = e.Caption(testImage())
	require.NoError(t, err)
	dec.sequences = nil
	require.NoError(t, e.Reset())
	require.Equal(t, StateIdle, e.State())
	_, err = e.Caption(testImage())
	require.NoError(t, err)

	require.Equal(t, []float32{0, 2, 0}, firstSeen)
}

func TestModelPanic(t *testing.T) {
	dec := newScriptedDecoder(3, 4)
	scripted := dec.fakeModel.run
	panicked := false
	dec.fakeModel.run = func(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
		if !panicked {
			panicked = true
			panic("index out of range")
		}
		return scripted(inputs)
	}
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), staticLoader(newFakeExtractor(), dec), listener)

	_, err := e.Caption(testImage())
	require.ErrorContains(t, err, "index out of range")
	require.Equal(t, StateError, e.State())
	require.Len(t, listener.errors, 1)

	res, err := e.Caption(testImage())
	require.NoError(t, err)
	require.Equal(t, "dog", res.Text)
	require.Equal(t, int64(1), e.Stats().Errors)
}

func TestModelError(t *testing.T) {
	extractor := newFakeExtractor()
	extractor.run = func(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
		return nil, errors.New("out of memory")
	}
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), staticLoader(extractor, newScriptedDecoder(3, 4)), listener)
	_, err := e.Caption(testImage())
	require.ErrorContains(t, err, "out of memory")
	require.Len(t, listener.errors, 1)
	require.Empty(t, listener.results)

	// Wrong image shape is rejected before the model runs
	_, err = e.Caption(nn.NewFloat32Tensor([]int64{1, 3, 5, 5}, make([]float32, 75)))
	require.Error(t, err)
	require.Equal(t, 1, extractor.calls)
}

func TestMutualExclusion(t *testing.T) {
	var active, maxActive atomic.Int32
	const delay = 50 * time.Millisecond
	extractor := newFakeExtractor()
	scripted := extractor.run
	extractor.run = func(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(delay)
		active.Add(-1)
		return scripted(inputs)
	}
	listener := &countingListener{}
	e := newTestEngine(t, testConfig(), staticLoader(extractor, newScriptedDecoder(3, 4)), listener)
	require.NoError(t, e.Load())

	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Caption(testImage())
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.GreaterOrEqual(t, time.Since(start), 2*delay)
	require.Equal(t, int32(1), maxActive.Load())
	require.Len(t, listener.results, 2)
}

func TestCaptionImage(t *testing.T) {
	extractor := newFakeExtractor()
	var seenShape []int64
	scripted := extractor.run
	extractor.run = func(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
		seenShape = inputs["input_4"].Shape
		return scripted(inputs)
	}
	e := newTestEngine(t, testConfig(), staticLoader(extractor, newScriptedDecoder(3, 4)), nil)
	img := cimg.NewImage(8, 6, cimg.PixelFormatRGB)
	res, err := e.CaptionImage(img, 90)
	require.NoError(t, err)
	require.Equal(t, "dog", res.Text)
	require.Equal(t, []int64{1, 3, 4, 4}, seenShape)

	_, err = e.CaptionImage(img, 45)
	require.Error(t, err)
	require.Equal(t, StateError, e.State())
}

func TestNewEngineValidation(t *testing.T) {
	loader := staticLoader(newFakeExtractor(), newScriptedDecoder(3))
	config := NewConfig()
	config.MaxResults = 0
	_, err := NewEngine(logs.NewTestingLog(t), config, testVocab(t), loader, nil)
	require.Error(t, err)
	_, err = NewEngine(logs.NewTestingLog(t), NewConfig(), nil, loader, nil)
	require.Error(t, err)
	_, err = NewEngine(logs.NewTestingLog(t), NewConfig(), testVocab(t), nil, nil)
	require.Error(t, err)
}

func TestCaptionText(t *testing.T) {
	require.Equal(t, "a dog", captionText([]string{"startseq", "a", "dog", "endseq"}, "startseq", "endseq"))
	require.Equal(t, "a dog", captionText([]string{"startseq", "a", "dog"}, "startseq", "endseq"))
	require.Equal(t, "", captionText([]string{"startseq"}, "startseq", "endseq"))
	require.Equal(t, "", captionText([]string{"startseq", "endseq"}, "startseq", "endseq"))
}

func TestParseDelegate(t *testing.T) {
	d, err := ParseDelegate("GPU")
	require.NoError(t, err)
	require.Equal(t, DelegateGPU, d)
	d, err = ParseDelegate("")
	require.NoError(t, err)
	require.Equal(t, DelegateCPU, d)
	_, err = ParseDelegate("nnapi")
	require.Error(t, err)
}
