package onnx

import (
	"errors"

	"github.com/cyclopcam/captioner/pkg/nn"
)

var ErrNotCompiled = errors.New("ONNX support is not compiled in (build with -tags onnx)")

type Options struct {
	LibraryPath   string // Path to libonnxruntime.so. Empty = system default.
	NumThreads    int    // Intra-op threads. Zero = onnxruntime default.
	ThreadingMode nn.ThreadingMode
	UseGPU        bool // Try the CUDA execution provider, and silently fall back to CPU
}
