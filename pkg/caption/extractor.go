package caption

import (
	"fmt"
	"slices"

	"github.com/cyclopcam/captioner/pkg/nn"
)

// Extractor runs the image feature extraction model
type Extractor struct {
	model         nn.Model
	imageInput    nn.TensorInfo
	featureOutput string
	featureWidth  int
	width         int
	height        int
	layout        nn.Layout
	aux           map[string]nn.Tensor
}

// NewExtractor binds 'model' to its image input and feature output.
// width and height may be zero if the model declares a fixed input size.
func NewExtractor(model nn.Model, imageInput, featureOutput string, layout nn.Layout, width, height int) (*Extractor, error) {
	if model == nil {
		return nil, ErrModelNotLoaded
	}
	if layout == "" {
		layout = nn.LayoutNCHW
	}
	in, ok := nn.FindTensor(model.Inputs(), imageInput)
	if !ok {
		return nil, fmt.Errorf("Extractor has no input named '%v'", imageInput)
	}
	if in.Type != nn.DataTypeFloat32 || len(in.Shape) != 4 {
		return nil, fmt.Errorf("Extractor input '%v' must be a rank 4 float32 tensor, but is %v %v", imageInput, in.Type, in.Shape)
	}
	out, err := findOutput(model, featureOutput)
	if err != nil {
		return nil, fmt.Errorf("Extractor: %w", err)
	}
	if out.LastDim() <= 0 {
		return nil, fmt.Errorf("Extractor output '%v' must have a fixed width, but has shape %v", featureOutput, out.Shape)
	}

	var hDim, wDim, cDim int
	if layout == nn.LayoutNHWC {
		hDim, wDim, cDim = 1, 2, 3
	} else {
		cDim, hDim, wDim = 1, 2, 3
	}
	if c := in.Shape[cDim]; c != 3 && c != -1 {
		return nil, fmt.Errorf("Extractor input '%v' must have 3 channels in %v layout, but has shape %v", imageInput, layout, in.Shape)
	}
	width, err = resolveDim("width", in.Shape[wDim], width)
	if err != nil {
		return nil, err
	}
	height, err = resolveDim("height", in.Shape[hDim], height)
	if err != nil {
		return nil, err
	}

	e := &Extractor{
		model:         model,
		imageInput:    in,
		featureOutput: featureOutput,
		featureWidth:  int(out.LastDim()),
		width:         width,
		height:        height,
		layout:        layout,
		aux:           makeAuxiliary(model.Inputs(), imageInput),
	}
	// A dynamic input size is pinned to the configured size
	e.imageInput.Shape = slices.Clone(in.Shape)
	e.imageInput.Shape[wDim] = int64(width)
	e.imageInput.Shape[hDim] = int64(height)
	return e, nil
}

func resolveDim(name string, declared int64, configured int) (int, error) {
	if declared > 0 {
		if configured != 0 && int64(configured) != declared {
			return 0, fmt.Errorf("Extractor input %v is %v, but %v was configured", name, declared, configured)
		}
		return int(declared), nil
	}
	if configured <= 0 {
		return 0, fmt.Errorf("Extractor input %v is dynamic, so it must be configured", name)
	}
	return configured, nil
}

// Width of the image that Extract expects
func (e *Extractor) Width() int {
	return e.width
}

// Height of the image that Extract expects
func (e *Extractor) Height() int {
	return e.height
}

func (e *Extractor) Layout() nn.Layout {
	return e.layout
}

// Number of elements in the feature vector
func (e *Extractor) FeatureWidth() int {
	return e.featureWidth
}

// Extract runs the model on a single preprocessed image, and returns the feature vector
func (e *Extractor) Extract(image nn.Tensor) ([]float32, error) {
	if e.model == nil {
		return nil, ErrModelNotLoaded
	}
	if err := e.imageInput.Accepts(image); err != nil {
		return nil, err
	}
	inputs := make(map[string]nn.Tensor, len(e.aux)+1)
	for k, v := range e.aux {
		inputs[k] = v
	}
	inputs[e.imageInput.Name] = image
	outputs, err := e.model.Run(inputs)
	if err != nil {
		return nil, err
	}
	features, ok := outputs[e.featureOutput]
	if !ok {
		return nil, fmt.Errorf("Extractor did not produce output '%v'", e.featureOutput)
	}
	vec := features.Float32s()
	if len(vec) != e.featureWidth {
		return nil, fmt.Errorf("Extractor produced %v features, but declared %v", len(vec), e.featureWidth)
	}
	return slices.Clone(vec), nil
}

// ResetAuxiliary zeroes every input that is not the image
func (e *Extractor) ResetAuxiliary() error {
	if e.model == nil {
		return ErrModelNotLoaded
	}
	clearAuxiliary(e.aux)
	return nil
}

// Close releases the model
func (e *Extractor) Close() {
	if e.model != nil {
		e.model.Close()
		e.model = nil
	}
}
