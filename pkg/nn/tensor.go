package nn

import (
	"fmt"
	"slices"
)

type DataType int

const (
	DataTypeFloat32 DataType = iota
	DataTypeInt32
	DataTypeInt64
)

func (d DataType) String() string {
	switch d {
	case DataTypeFloat32:
		return "float32"
	case DataTypeInt32:
		return "int32"
	case DataTypeInt64:
		return "int64"
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// TensorInfo describes a model input or output.
// A dimension of -1 is dynamic (eg batch size, or sequence length for some decoders).
type TensorInfo struct {
	Name  string
	Type  DataType
	Shape []int64
}

// Returns the size of the final dimension, or -1 if it is dynamic or the tensor is a scalar
func (ti TensorInfo) LastDim() int64 {
	if len(ti.Shape) == 0 {
		return -1
	}
	return ti.Shape[len(ti.Shape)-1]
}

// ConcreteShape replaces dynamic dimensions with 1
func (ti TensorInfo) ConcreteShape() []int64 {
	shape := slices.Clone(ti.Shape)
	for i := range shape {
		if shape[i] < 0 {
			shape[i] = 1
		}
	}
	return shape
}

// Accepts returns an error if t cannot be fed into this input
func (ti TensorInfo) Accepts(t Tensor) error {
	if t.Type != ti.Type {
		return fmt.Errorf("Input '%v' expects %v, but got %v", ti.Name, ti.Type, t.Type)
	}
	if len(t.Shape) != len(ti.Shape) {
		return fmt.Errorf("Input '%v' expects shape %v, but got %v", ti.Name, ti.Shape, t.Shape)
	}
	for i, d := range ti.Shape {
		if d >= 0 && t.Shape[i] != d {
			return fmt.Errorf("Input '%v' expects shape %v, but got %v", ti.Name, ti.Shape, t.Shape)
		}
	}
	if t.NumElements() != t.dataLen() {
		return fmt.Errorf("Input '%v' has shape %v, but %v elements", ti.Name, t.Shape, t.dataLen())
	}
	return nil
}

// Tensor is a typed, fixed-size buffer. Exactly one of F32, I32, I64 is populated, according to Type.
type Tensor struct {
	Type  DataType
	Shape []int64
	F32   []float32
	I32   []int32
	I64   []int64
}

func NewFloat32Tensor(shape []int64, data []float32) Tensor {
	return Tensor{Type: DataTypeFloat32, Shape: shape, F32: data}
}

func NewInt32Tensor(shape []int64, data []int32) Tensor {
	return Tensor{Type: DataTypeInt32, Shape: shape, I32: data}
}

func NewInt64Tensor(shape []int64, data []int64) Tensor {
	return Tensor{Type: DataTypeInt64, Shape: shape, I64: data}
}

// NewIndexTensor builds a tensor of token ids in whatever element type 'info' declares.
// Some exported decoders take their token sequence as float32, so we support that too.
func NewIndexTensor(info TensorInfo, ids []int32) Tensor {
	shape := info.ConcreteShape()
	if len(shape) > 0 {
		shape[len(shape)-1] = int64(len(ids))
	}
	switch info.Type {
	case DataTypeInt64:
		data := make([]int64, len(ids))
		for i, v := range ids {
			data[i] = int64(v)
		}
		return NewInt64Tensor(shape, data)
	case DataTypeFloat32:
		data := make([]float32, len(ids))
		for i, v := range ids {
			data[i] = float32(v)
		}
		return NewFloat32Tensor(shape, data)
	}
	return NewInt32Tensor(shape, slices.Clone(ids))
}

// ZeroTensor creates a zero-filled tensor that satisfies 'info'
func ZeroTensor(info TensorInfo) Tensor {
	shape := info.ConcreteShape()
	n := shapeElements(shape)
	switch info.Type {
	case DataTypeInt32:
		return NewInt32Tensor(shape, make([]int32, n))
	case DataTypeInt64:
		return NewInt64Tensor(shape, make([]int64, n))
	}
	return NewFloat32Tensor(shape, make([]float32, n))
}

// Number of elements implied by Shape
func (t Tensor) NumElements() int {
	return shapeElements(t.Shape)
}

func (t Tensor) dataLen() int {
	switch t.Type {
	case DataTypeInt32:
		return len(t.I32)
	case DataTypeInt64:
		return len(t.I64)
	}
	return len(t.F32)
}

// Clear sets every element to zero
func (t Tensor) Clear() {
	clear(t.F32)
	clear(t.I32)
	clear(t.I64)
}

// Float32s returns the tensor contents as float32, converting if necessary
func (t Tensor) Float32s() []float32 {
	switch t.Type {
	case DataTypeInt32:
		out := make([]float32, len(t.I32))
		for i, v := range t.I32 {
			out[i] = float32(v)
		}
		return out
	case DataTypeInt64:
		out := make([]float32, len(t.I64))
		for i, v := range t.I64 {
			out[i] = float32(v)
		}
		return out
	}
	return t.F32
}

func shapeElements(shape []int64) int {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}
