package caption

import (
	"fmt"

	"github.com/cyclopcam/captioner/pkg/nn"
)

// Decoder runs the sequence model, which predicts the next token
type Decoder struct {
	model         nn.Model
	featureInput  nn.TensorInfo
	sequenceInput nn.TensorInfo
	scoreOutput   string
	numScores     int // -1 if dynamic
	aux           map[string]nn.Tensor
}

// NewDecoder binds 'model' to its feature input, sequence input, and score output.
// featureWidth is the width of the extractor's output, which the feature input must match.
func NewDecoder(model nn.Model, featureInput, sequenceInput, scoreOutput string, featureWidth int) (*Decoder, error) {
	if model == nil {
		return nil, ErrModelNotLoaded
	}
	fin, ok := nn.FindTensor(model.Inputs(), featureInput)
	if !ok {
		return nil, fmt.Errorf("Decoder has no input named '%v'", featureInput)
	}
	if fin.Type != nn.DataTypeFloat32 {
		return nil, fmt.Errorf("Decoder input '%v' must be float32, but is %v", featureInput, fin.Type)
	}
	if fin.LastDim() > 0 && fin.LastDim() != int64(featureWidth) {
		return nil, fmt.Errorf("Decoder input '%v' expects %v features, but the extractor produces %v", featureInput, fin.LastDim(), featureWidth)
	}
	seq, ok := nn.FindTensor(model.Inputs(), sequenceInput)
	if !ok {
		return nil, fmt.Errorf("Decoder has no input named '%v'", sequenceInput)
	}
	if len(seq.Shape) == 0 {
		return nil, fmt.Errorf("Decoder input '%v' must not be a scalar", sequenceInput)
	}
	out, err := findOutput(model, scoreOutput)
	if err != nil {
		return nil, fmt.Errorf("Decoder: %w", err)
	}
	fin.Shape = fin.ConcreteShape()
	fin.Shape[len(fin.Shape)-1] = int64(featureWidth)
	return &Decoder{
		model:         model,
		featureInput:  fin,
		sequenceInput: seq,
		scoreOutput:   scoreOutput,
		numScores:     int(out.LastDim()),
		aux:           makeAuxiliary(model.Inputs(), featureInput, sequenceInput),
	}, nil
}

// SequenceLength is the declared length of the token sequence, or -1 if it is dynamic
func (d *Decoder) SequenceLength() int {
	return int(d.sequenceInput.LastDim())
}

// NumScores is the declared size of the score vector, or -1 if it is dynamic
func (d *Decoder) NumScores() int {
	return d.numScores
}

// PredictNext runs one forward pass, and returns a score for every token id
func (d *Decoder) PredictNext(features []float32, paddedIDs []int32) ([]float32, error) {
	if d.model == nil {
		return nil, ErrModelNotLoaded
	}
	inputs := make(map[string]nn.Tensor, len(d.aux)+2)
	for k, v := range d.aux {
		inputs[k] = v
	}
	inputs[d.featureInput.Name] = nn.NewFloat32Tensor(d.featureInput.Shape, features)
	inputs[d.sequenceInput.Name] = nn.NewIndexTensor(d.sequenceInput, paddedIDs)
	outputs, err := d.model.Run(inputs)
	if err != nil {
		return nil, err
	}
	scores, ok := outputs[d.scoreOutput]
	if !ok {
		return nil, fmt.Errorf("Decoder did not produce output '%v'", d.scoreOutput)
	}
	return scores.Float32s(), nil
}

// ResetAuxiliary zeroes every input that is not the features or the sequence
func (d *Decoder) ResetAuxiliary() error {
	if d.model == nil {
		return ErrModelNotLoaded
	}
	clearAuxiliary(d.aux)
	return nil
}

// Close releases the model
func (d *Decoder) Close() {
	if d.model != nil {
		d.model.Close()
		d.model = nil
	}
}
