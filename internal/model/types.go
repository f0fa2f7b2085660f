package model

import (
	"context"

	"github.com/Brownie44l1/foliumscope/internal/preprocess"
)

const (
	EngineGraph     = "graph"
	EngineQuantized = "quantized"

	ActivationNone    = "none"
	ActivationSoftmax = "softmax"
)

// Spec binds a model artifact to everything that must agree with it: the
// ordered labels of its output vector and the shape of its input. It is
// read from the metadata JSON stored next to the artifact.
type Spec struct {
	ModelPath string `json:"-"`
	Engine    string `json:"-"`

	InputName   string  `json:"input_name,omitempty"`
	OutputName  string  `json:"output_name,omitempty"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`

	Classes   []string          `json:"classes"`
	ImageSize int               `json:"image_size"`
	Layout    preprocess.Layout `json:"layout,omitempty"`

	// OutputActivation is "softmax" for models that emit raw logits.
	OutputActivation string `json:"output_activation,omitempty"`
	RawPixels        bool   `json:"raw_pixels,omitempty"`
}

// Engine runs the forward pass of a loaded model. Implementations are safe
// for concurrent use.
type Engine interface {
	Classify(ctx context.Context, tensor preprocess.Tensor) ([]float32, error)
	Spec() Spec
	Close() error
}

func (s Spec) PreprocessOptions(resample string) preprocess.Options {
	return preprocess.Options{
		ImageSize: s.ImageSize,
		Layout:    s.Layout,
		Resample:  resample,
		RawPixels: s.RawPixels,
	}
}
