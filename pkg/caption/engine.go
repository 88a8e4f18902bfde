package caption

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/captioner/pkg/imageprep"
	"github.com/cyclopcam/captioner/pkg/log"
	"github.com/cyclopcam/captioner/pkg/nn"
	"github.com/cyclopcam/captioner/pkg/perfstats"
	"github.com/cyclopcam/captioner/pkg/sequence"
	"github.com/cyclopcam/captioner/pkg/vocab"
	"github.com/cyclopcam/logs"
)

// Engine produces captions.
// Calls to Caption, CaptionImage, Reset, Load and Close are serialized by a single lock,
// so at most one of them is executing at any time. Callers block until it is their turn.
type Engine struct {
	log      logs.Log
	config   Config
	vocab    *vocab.Vocabulary
	loader   ModelLoader
	listener Listener

	state atomic.Int32 // State

	// Everything below is guarded by lock
	lock      sync.Mutex
	closed    bool
	extractor *Extractor
	decoder   *Decoder
	window    int
	decode    *decodeState // Non-nil only while a caption is in flight

	statsLock sync.Mutex
	stats     engineStats
}

// decodeState lives for the duration of one call to Caption
type decodeState struct {
	tokens   []string // Starts with the start token
	features []float32
	steps    int // Always len(tokens) - 1
}

type engineStats struct {
	captions   int64
	errors     int64
	extract    perfstats.TimeAccumulator
	decodeStep perfstats.TimeAccumulator
	total      perfstats.TimeAccumulator
	steps      perfstats.Int64Accumulator
}

// Stats is a snapshot of the engine's performance counters
type Stats struct {
	State        string  `json:"state"`
	Captions     int64   `json:"captions"`     // Successful captions
	Errors       int64   `json:"errors"`       // Failed captions
	ExtractMs    float64 `json:"extractMs"`    // Average feature extraction time
	DecodeStepMs float64 `json:"decodeStepMs"` // Average time of a single decoder invocation
	TotalMs      float64 `json:"totalMs"`      // Average time of a successful caption
	AvgSteps     float64 `json:"avgSteps"`     // Average number of decoder invocations per caption
}

// NewEngine creates a caption engine. The models are not loaded until they are first needed,
// or until Load is called. listener may be nil.
func NewEngine(logger logs.Log, config Config, vocabulary *vocab.Vocabulary, loader ModelLoader, listener Listener) (*Engine, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if vocabulary == nil {
		return nil, errors.New("Caption engine needs a vocabulary")
	}
	if loader == nil {
		return nil, errors.New("Caption engine needs a model loader")
	}
	if listener == nil {
		listener = ListenerFuncs{}
	}
	return &Engine{
		log:      log.NewPrefixLogger(logger, "Caption:"),
		config:   config,
		vocab:    vocabulary,
		loader:   loader,
		listener: listener,
	}, nil
}

func (e *Engine) Config() Config {
	return e.config
}

// State returns the state of the most recent operation, without waiting for it to finish
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Stats returns a snapshot of the performance counters, without waiting for an in-flight caption
func (e *Engine) Stats() Stats {
	e.statsLock.Lock()
	defer e.statsLock.Unlock()
	return Stats{
		State:        e.State().String(),
		Captions:     e.stats.captions,
		Errors:       e.stats.errors,
		ExtractMs:    e.stats.extract.AverageMilliseconds(),
		DecodeStepMs: e.stats.decodeStep.AverageMilliseconds(),
		TotalMs:      e.stats.total.AverageMilliseconds(),
		AvgSteps:     e.stats.steps.Average(),
	}
}

// ResetStats zeroes the performance counters
func (e *Engine) ResetStats() {
	e.statsLock.Lock()
	defer e.statsLock.Unlock()
	e.stats = engineStats{}
}

// Load makes sure that both models are loaded.
// It is not necessary to call Load, but doing so moves the loading delay out of the first Caption.
func (e *Engine) Load() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.ensureLoaded(); err != nil {
		e.setState(StateError)
		return err
	}
	return nil
}

// DecodeWindow returns the length of the token sequence that is fed to the decoder.
// Returns 0 if the models have not been loaded yet.
// If Config.DecodeWindow is zero, then we use the decoder's declared sequence length,
// or MaxResults if the decoder's sequence length is dynamic.
func (e *Engine) DecodeWindow() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.window
}

// Caption generates a caption for a preprocessed image tensor (see imageprep.Prepare).
// Exactly one listener event is fired, after the engine lock has been released.
func (e *Engine) Caption(image nn.Tensor) (*Result, error) {
	return e.notify(e.caption(func(*Extractor) (nn.Tensor, error) {
		return image, nil
	}))
}

// CaptionImage preprocesses an RGB image to suit the extractor, and then generates a caption.
// rotationDegrees is the clockwise rotation needed to make the image upright.
func (e *Engine) CaptionImage(img *cimg.Image, rotationDegrees int) (*Result, error) {
	return e.notify(e.caption(func(ex *Extractor) (nn.Tensor, error) {
		return imageprep.Prepare(img, rotationDegrees, ex.Width(), ex.Height(), ex.Layout())
	}))
}

func (e *Engine) notify(result *Result, err error) (*Result, error) {
	if err != nil {
		e.statsLock.Lock()
		e.stats.errors++
		e.statsLock.Unlock()
		e.log.Errorf("%v", err)
		e.listener.OnError(err.Error())
		return nil, err
	}
	e.listener.OnResults(result.Text, result.InferenceTimeMs)
	return result, nil
}

func (e *Engine) caption(prepare func(ex *Extractor) (nn.Tensor, error)) (*Result, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if err := e.ensureLoaded(); err != nil {
		e.setState(StateError)
		return nil, err
	}
	return e.run(prepare)
}

// run must be called with the lock held, and the models loaded
func (e *Engine) run(prepare func(ex *Extractor) (nn.Tensor, error)) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Caption model panicked: %v", r)
		}
		e.decode = nil
		if err != nil {
			e.setState(StateError)
		}
	}()

	start := time.Now()
	e.setState(StateExtracting)
	image, err := prepare(e.extractor)
	if err != nil {
		return nil, fmt.Errorf("Failed to prepare image: %w", err)
	}
	features, err := e.extractor.Extract(image)
	if err != nil {
		return nil, fmt.Errorf("Feature extraction failed: %w", err)
	}
	extractTime := time.Since(start)

	e.setState(StateDecoding)
	e.decode = &decodeState{
		tokens:   []string{e.vocab.Start()},
		features: features,
	}
	iterations := 0
	stoppedAtEnd := false
	var decodeTime time.Duration
	for iterations < e.config.MaxResults {
		stepStart := time.Now()
		next, err := e.step()
		decodeTime += time.Since(stepStart)
		iterations++
		if errors.Is(err, errAbsentToken) {
			e.log.Debugf("Stopping after %v steps: %v", iterations, err)
			break
		} else if err != nil {
			return nil, fmt.Errorf("Decode step %v failed: %w", iterations, err)
		}
		e.decode.tokens = append(e.decode.tokens, next)
		e.decode.steps++
		if next == e.vocab.End() {
			stoppedAtEnd = true
			break
		}
	}

	elapsed := time.Since(start)
	result = &Result{
		Text:            captionText(e.decode.tokens, e.vocab.Start(), e.vocab.End()),
		Tokens:          e.decode.tokens,
		InferenceTimeMs: elapsed.Milliseconds(),
		Steps:           iterations,
		StoppedAtEnd:    stoppedAtEnd,
	}
	e.setState(StateDone)

	e.statsLock.Lock()
	e.stats.captions++
	e.stats.extract.AddSample(extractTime)
	if iterations != 0 {
		e.stats.decodeStep.AddSample(decodeTime / time.Duration(iterations))
	}
	e.stats.total.AddSample(elapsed)
	e.stats.steps.AddSample(int64(iterations))
	e.statsLock.Unlock()

	e.log.Debugf("'%v' in %v ms (%v steps)", result.Text, result.InferenceTimeMs, iterations)
	return result, nil
}

// Run the decoder once, and return the most likely next token
func (e *Engine) step() (string, error) {
	ids := sequence.Encode(e.vocab, e.decode.tokens, e.window)
	scores, err := e.decoder.PredictNext(e.decode.features, ids)
	if err != nil {
		return "", err
	}
	id := nn.Argmax(scores)
	if id < 0 {
		return "", fmt.Errorf("%w (no usable scores)", errAbsentToken)
	}
	token, ok := e.vocab.TokenForID(int32(id))
	if !ok {
		return "", fmt.Errorf("%w (id %v)", errAbsentToken, id)
	}
	return token, nil
}

// Join tokens, excluding the leading start token and a trailing end token
func captionText(tokens []string, start, end string) string {
	if len(tokens) != 0 && tokens[0] == start {
		tokens = tokens[1:]
	}
	if len(tokens) != 0 && tokens[len(tokens)-1] == end {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// Reset discards any decode state, and zeroes the auxiliary inputs of both models.
// Reset fails if the models are not loaded, or the engine is closed.
func (e *Engine) Reset() error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.extractor == nil || e.decoder == nil {
		return ErrModelNotLoaded
	}
	e.decode = nil
	if err := e.extractor.ResetAuxiliary(); err != nil {
		return err
	}
	if err := e.decoder.ResetAuxiliary(); err != nil {
		return err
	}
	e.setState(StateIdle)
	return nil
}

// Close releases both models. It waits for an in-flight caption to finish.
func (e *Engine) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.unload()
	e.log.Infof("Closed")
}

func (e *Engine) unload() {
	if e.extractor != nil {
		e.extractor.Close()
		e.extractor = nil
	}
	if e.decoder != nil {
		e.decoder.Close()
		e.decoder = nil
	}
	e.window = 0
}

// ensureLoaded must be called with the lock held.
// A panic inside the loader is returned as ErrModelInitialization, and the next call retries.
func (e *Engine) ensureLoaded() (err error) {
	if e.extractor != nil && e.decoder != nil {
		return nil
	}
	e.unload()
	var models *Models
	defer func() {
		if r := recover(); r != nil {
			if models != nil && e.extractor == nil {
				models.Close()
			}
			e.unload()
			err = fmt.Errorf("%w: model loader panicked: %v", ErrModelInitialization, r)
		}
	}()
	e.log.Infof("Loading models (threads: %v, delegate: %v)", e.config.NumThreads, e.config.Delegate)
	models, err = e.loader.Load(e.config)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelInitialization, err)
	}
	if models == nil {
		return fmt.Errorf("%w: loader returned no models", ErrModelInitialization)
	}
	if err := e.bind(models); err != nil {
		models.Close()
		return fmt.Errorf("%w: %w", ErrModelInitialization, err)
	}
	e.log.Infof("Models loaded (image %vx%v, %v features, decode window %v)", e.extractor.Width(), e.extractor.Height(), e.extractor.FeatureWidth(), e.window)
	return nil
}

func (e *Engine) bind(models *Models) error {
	b := models.Bindings.WithDefaults()
	extractor, err := NewExtractor(models.Extractor, b.ImageInput, b.FeatureOutput, models.ImageLayout, models.ImageWidth, models.ImageHeight)
	if err != nil {
		return err
	}
	decoder, err := NewDecoder(models.Decoder, b.FeatureInput, b.SequenceInput, b.ScoreOutput, extractor.FeatureWidth())
	if err != nil {
		return err
	}
	window := e.config.DecodeWindow
	declared := decoder.SequenceLength()
	if window == 0 {
		window = declared
		if window <= 0 {
			window = e.config.MaxResults
		}
	} else if declared > 0 && declared != window {
		return fmt.Errorf("Decoder sequence length is %v, but DecodeWindow is %v", declared, window)
	}
	if n := decoder.NumScores(); n > 0 && n <= int(e.vocab.MaxID()) {
		e.log.Warnf("Decoder produces %v scores, so token ids above %v can never be chosen", n, n-1)
	}
	e.extractor = extractor
	e.decoder = decoder
	e.window = window
	return nil
}
