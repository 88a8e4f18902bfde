package nn

import (
	"errors"
	"fmt"
)

// Package nn is a Neural Network interface layer
// To load a caption model bundle, use the nnload package.

var ErrClosed = errors.New("Model is closed")

type ThreadingMode int

const (
	ThreadingModeSingle   ThreadingMode = iota // Force the NN library to run inference on a single thread
	ThreadingModeParallel                      // Allow the NN library to run multiple threads while executing a model
)

// Memory layout of an image tensor
type Layout string

const (
	LayoutNCHW Layout = "nchw" // [batch, channels, height, width]
	LayoutNHWC Layout = "nhwc" // [batch, height, width, channels]
)

// Model is a loaded neural network with named inputs and outputs.
// A Model is not safe for concurrent use. The owner must serialize calls to Run.
type Model interface {
	// Close releases the model (you MUST call this when finished, because it's usually a C++ object underneath)
	Close()

	// Declared inputs of the model, in the order that the model expects them
	Inputs() []TensorInfo

	// Declared outputs of the model
	Outputs() []TensorInfo

	// Run the model once. inputs must contain exactly one tensor for every declared input.
	// The returned map is keyed by output name.
	Run(inputs map[string]Tensor) (map[string]Tensor, error)
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string `json:"architecture"` // eg "vgg16"
	Width        int    `json:"width"`        // eg 224
	Height       int    `json:"height"`       // eg 224
	Layout       Layout `json:"layout"`       // eg "nchw". Empty means nchw.
}

// Validate fills in the default layout, and rejects unknown layouts and negative sizes
func (c *ModelConfig) Validate() error {
	if c.Layout == "" {
		c.Layout = LayoutNCHW
	}
	if c.Layout != LayoutNCHW && c.Layout != LayoutNHWC {
		return fmt.Errorf("Unknown tensor layout '%v'", c.Layout)
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("Invalid image size %vx%v", c.Width, c.Height)
	}
	return nil
}

// FindTensor returns the TensorInfo with the given name
func FindTensor(infos []TensorInfo, name string) (TensorInfo, bool) {
	for _, ti := range infos {
		if ti.Name == name {
			return ti, true
		}
	}
	return TensorInfo{}, false
}

// Bind validates a set of named input tensors against the declared inputs of a model,
// and returns them in declaration order.
// Every declared input must be present, and no undeclared input may be present.
func Bind(infos []TensorInfo, inputs map[string]Tensor) ([]Tensor, error) {
	if len(inputs) != len(infos) {
		for name := range inputs {
			if _, ok := FindTensor(infos, name); !ok {
				return nil, fmt.Errorf("Model has no input named '%v'", name)
			}
		}
	}
	bound := make([]Tensor, len(infos))
	for i, ti := range infos {
		t, ok := inputs[ti.Name]
		if !ok {
			return nil, fmt.Errorf("Missing model input '%v'", ti.Name)
		}
		if err := ti.Accepts(t); err != nil {
			return nil, err
		}
		bound[i] = t
	}
	return bound, nil
}
