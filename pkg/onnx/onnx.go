//go:build onnx

package onnx

// package onnx is a wrapper around https://github.com/yalue/onnxruntime_go
// Build with -tags onnx, and make libonnxruntime.so available at runtime.

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/captioner/pkg/nn"
	ort "github.com/yalue/onnxruntime_go"
)

var initOnce sync.Once
var initErr error

// Initialize loads the ONNX Runtime shared library.
// libraryPath may be empty, in which case the system default is used.
// It is safe to call Initialize more than once. Only the first call has any effect.
func Initialize(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// Model is an ONNX Runtime session that implements nn.Model
type Model struct {
	session     *ort.DynamicAdvancedSession
	sessionOpts *ort.SessionOptions
	inputs      []nn.TensorInfo
	outputs     []nn.TensorInfo
}

// Load an .onnx model file
func Load(filename string, opts Options) (*Model, error) {
	if err := Initialize(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("Failed to initialize ONNX Runtime: %w", err)
	}

	inputInfo, outputInfo, err := ort.GetInputOutputInfo(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to read model info from %v: %w", filename, err)
	}
	m := &Model{}
	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
		m.inputs = append(m.inputs, makeTensorInfo(info.Name, info.DataType, info.Dimensions))
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
		m.outputs = append(m.outputs, makeTensorInfo(info.Name, info.DataType, info.Dimensions))
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("Failed to create session options: %w", err)
	}
	if opts.ThreadingMode == nn.ThreadingModeSingle {
		opts.NumThreads = 1
	}
	if opts.NumThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			sessionOpts.Destroy()
			return nil, fmt.Errorf("Failed to set thread count: %w", err)
		}
	}
	if opts.UseGPU {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err == nil {
			if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				cudaOpts.Destroy()
			} else {
				defer cudaOpts.Destroy()
			}
		}
	}

	session, err := ort.NewDynamicAdvancedSession(filename, inputNames, outputNames, sessionOpts)
	if err != nil {
		sessionOpts.Destroy()
		return nil, fmt.Errorf("Failed to create ONNX session for %v: %w", filename, err)
	}
	m.session = session
	m.sessionOpts = sessionOpts
	return m, nil
}

func (m *Model) Inputs() []nn.TensorInfo {
	return m.inputs
}

func (m *Model) Outputs() []nn.TensorInfo {
	return m.outputs
}

func (m *Model) Close() {
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.sessionOpts != nil {
		m.sessionOpts.Destroy()
		m.sessionOpts = nil
	}
}

func (m *Model) Run(inputs map[string]nn.Tensor) (map[string]nn.Tensor, error) {
	if m.session == nil {
		return nil, nn.ErrClosed
	}
	bound, err := nn.Bind(m.inputs, inputs)
	if err != nil {
		return nil, err
	}

	ortInputs := make([]ort.Value, len(bound))
	defer func() {
		for _, v := range ortInputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	for i, t := range bound {
		ortInputs[i], err = toOrt(t)
		if err != nil {
			return nil, fmt.Errorf("Failed to create input tensor %v: %w", m.inputs[i].Name, err)
		}
	}

	// nil outputs are allocated by onnxruntime
	ortOutputs := make([]ort.Value, len(m.outputs))
	if err := m.session.Run(ortInputs, ortOutputs); err != nil {
		return nil, fmt.Errorf("ONNX inference failed: %w", err)
	}
	defer func() {
		for _, v := range ortOutputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	result := make(map[string]nn.Tensor, len(ortOutputs))
	for i, v := range ortOutputs {
		if v == nil {
			continue
		}
		t, err := fromOrt(v)
		if err != nil {
			return nil, fmt.Errorf("Failed to read output %v: %w", m.outputs[i].Name, err)
		}
		result[m.outputs[i].Name] = t
	}
	return result, nil
}

func makeTensorInfo(name string, dt ort.TensorElementDataType, dims ort.Shape) nn.TensorInfo {
	ti := nn.TensorInfo{
		Name:  name,
		Shape: append([]int64{}, dims...),
	}
	switch dt {
	case ort.TensorElementDataTypeInt64:
		ti.Type = nn.DataTypeInt64
	case ort.TensorElementDataTypeInt32:
		ti.Type = nn.DataTypeInt32
	default:
		ti.Type = nn.DataTypeFloat32
	}
	return ti
}

func toOrt(t nn.Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape...)
	switch t.Type {
	case nn.DataTypeInt32:
		return ort.NewTensor(shape, t.I32)
	case nn.DataTypeInt64:
		return ort.NewTensor(shape, t.I64)
	}
	return ort.NewTensor(shape, t.F32)
}

// Copy the output out of onnxruntime's memory, because it is freed when the ort.Value is destroyed
func fromOrt(v ort.Value) (nn.Tensor, error) {
	shape := append([]int64{}, v.GetShape()...)
	switch tv := v.(type) {
	case *ort.Tensor[float32]:
		return nn.NewFloat32Tensor(shape, append([]float32{}, tv.GetData()...)), nil
	case *ort.Tensor[int32]:
		return nn.NewInt32Tensor(shape, append([]int32{}, tv.GetData()...)), nil
	case *ort.Tensor[int64]:
		return nn.NewInt64Tensor(shape, append([]int64{}, tv.GetData()...)), nil
	}
	return nn.Tensor{}, fmt.Errorf("Unsupported output tensor type %T", v)
}
