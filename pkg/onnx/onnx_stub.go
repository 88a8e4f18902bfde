//go:build !onnx

package onnx

import "github.com/cyclopcam/captioner/pkg/nn"

func Initialize(libraryPath string) error {
	return ErrNotCompiled
}

// Model is a placeholder so that callers compile without the onnx build tag
type Model struct{}

func Load(filename string, opts Options) (*Model, error) {
	return nil, ErrNotCompiled
}

func (m *Model) Inputs() []nn.TensorInfo  { return nil }
func (m *Model) Outputs() []nn.TensorInfo { return nil }
func (m *Model) Close()                   {}

func (m *Model) Run(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
	return nil, ErrNotCompiled
}
