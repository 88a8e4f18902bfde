package caption

// Package caption turns an image into a sentence, using two neural networks.
// The first network (eg VGG16 without its classification head) converts the image into
// a feature vector. The second network is a sequence decoder, which is run repeatedly,
// each time predicting the next word of the caption from the feature vector and the
// words that have been produced so far.

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cyclopcam/captioner/pkg/nn"
)

var ErrModelInitialization = errors.New("Failed to initialize caption models")
var ErrModelNotLoaded = errors.New("Caption model is not loaded")
var ErrEngineClosed = errors.New("Caption engine is closed")

// Returned by a decode step when the predicted id has no token. Decoding stops without error.
var errAbsentToken = errors.New("Predicted token id is not in the vocabulary")

// Delegate is the hardware that the NN runtime should execute on
type Delegate int

const (
	DelegateCPU Delegate = iota
	DelegateGPU
)

func (d Delegate) String() string {
	switch d {
	case DelegateCPU:
		return "cpu"
	case DelegateGPU:
		return "gpu"
	}
	return fmt.Sprintf("Delegate(%d)", int(d))
}

func ParseDelegate(s string) (Delegate, error) {
	switch strings.ToLower(s) {
	case "", "cpu":
		return DelegateCPU, nil
	case "gpu":
		return DelegateGPU, nil
	}
	return DelegateCPU, fmt.Errorf("Unknown delegate '%v' (expected cpu or gpu)", s)
}

// Config is fixed when the Engine is created
type Config struct {
	Threshold    float32  // Carried for parity with the detection models. Not used when captioning.
	NumThreads   int      // Threads used by the NN runtime. Zero = runtime default.
	MaxResults   int      // Maximum number of decode iterations per caption
	DecodeWindow int      // Length of the token sequence fed to the decoder. See Engine.DecodeWindow.
	Delegate     Delegate // Hardware to run on
}

func NewConfig() Config {
	return Config{
		Threshold:  0.5,
		NumThreads: 2,
		MaxResults: 35,
		Delegate:   DelegateCPU,
	}
}

func (c *Config) validate() error {
	if c.MaxResults < 1 {
		return fmt.Errorf("MaxResults must be at least 1 (got %v)", c.MaxResults)
	}
	if c.DecodeWindow < 0 {
		return fmt.Errorf("DecodeWindow may not be negative (got %v)", c.DecodeWindow)
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("NumThreads may not be negative (got %v)", c.NumThreads)
	}
	return nil
}

// State of the engine's most recent (or in-flight) operation
type State int32

const (
	StateIdle State = iota
	StateExtracting
	StateDecoding
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExtracting:
		return "extracting"
	case StateDecoding:
		return "decoding"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result of a successful caption
type Result struct {
	Text            string   // Generated words, without the start and end tokens
	Tokens          []string // Every generated token, starting with the start token
	InferenceTimeMs int64    // Wall clock time from the start of extraction until the end of decoding
	Steps           int      // Number of times that the decoder was run
	StoppedAtEnd    bool     // True if the decoder produced the end token (as opposed to hitting MaxResults, or an unknown id)
}

// Listener receives exactly one event per call to Engine.Caption
type Listener interface {
	OnError(message string)
	OnResults(text string, inferenceTimeMs int64)
}

// ListenerFuncs adapts a pair of functions to the Listener interface. Either function may be nil.
type ListenerFuncs struct {
	Error   func(message string)
	Results func(text string, inferenceTimeMs int64)
}

func (l ListenerFuncs) OnError(message string) {
	if l.Error != nil {
		l.Error(message)
	}
}

func (l ListenerFuncs) OnResults(text string, inferenceTimeMs int64) {
	if l.Results != nil {
		l.Results(text, inferenceTimeMs)
	}
}

// Bindings are the tensor names that we feed and read on the two models
type Bindings struct {
	ImageInput    string `json:"imageInput"`    // Extractor input
	FeatureOutput string `json:"featureOutput"` // Extractor output
	FeatureInput  string `json:"featureInput"`  // Decoder input (receives the extractor output)
	SequenceInput string `json:"sequenceInput"` // Decoder input (padded token ids)
	ScoreOutput   string `json:"scoreOutput"`   // Decoder output (one score per token id)
}

// Tensor names of the Keras VGG16 + LSTM caption model
func DefaultBindings() Bindings {
	return Bindings{
		ImageInput:    "input_4",
		FeatureOutput: "fc2",
		FeatureInput:  "input_2",
		SequenceInput: "input_3",
		ScoreOutput:   "dense_2",
	}
}

// Fill in any empty names from DefaultBindings
func (b Bindings) WithDefaults() Bindings {
	def := DefaultBindings()
	if b.ImageInput == "" {
		b.ImageInput = def.ImageInput
	}
	if b.FeatureOutput == "" {
		b.FeatureOutput = def.FeatureOutput
	}
	if b.FeatureInput == "" {
		b.FeatureInput = def.FeatureInput
	}
	if b.SequenceInput == "" {
		b.SequenceInput = def.SequenceInput
	}
	if b.ScoreOutput == "" {
		b.ScoreOutput = def.ScoreOutput
	}
	return b
}

// Models is the pair of loaded networks, and the information needed to bind them
type Models struct {
	Extractor   nn.Model
	Decoder     nn.Model
	Bindings    Bindings
	ImageWidth  int       // Zero = use the extractor's declared input shape
	ImageHeight int       // Zero = use the extractor's declared input shape
	ImageLayout nn.Layout // Empty = nchw
}

func (m *Models) Close() {
	if m.Extractor != nil {
		m.Extractor.Close()
	}
	if m.Decoder != nil {
		m.Decoder.Close()
	}
}

// ModelLoader loads the two caption models.
// The engine calls Load whenever it needs a model and does not have one.
type ModelLoader interface {
	Load(config Config) (*Models, error)
}

// LoaderFunc adapts a function to the ModelLoader interface
type LoaderFunc func(config Config) (*Models, error)

func (f LoaderFunc) Load(config Config) (*Models, error) {
	return f(config)
}

// Create zeroed tensors for every declared input that we don't feed ourselves
func makeAuxiliary(infos []nn.TensorInfo, fed ...string) map[string]nn.Tensor {
	aux := map[string]nn.Tensor{}
	for _, ti := range infos {
		isFed := false
		for _, name := range fed {
			if ti.Name == name {
				isFed = true
			}
		}
		if !isFed {
			aux[ti.Name] = nn.ZeroTensor(ti)
		}
	}
	return aux
}

func clearAuxiliary(aux map[string]nn.Tensor) {
	for _, t := range aux {
		t.Clear()
	}
}

// Find a declared output of the model
func findOutput(model nn.Model, name string) (nn.TensorInfo, error) {
	ti, ok := nn.FindTensor(model.Outputs(), name)
	if !ok {
		return ti, fmt.Errorf("Model has no output named '%v'", name)
	}
	return ti, nil
}
