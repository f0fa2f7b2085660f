package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Brownie44l1/foliumscope/internal/domain"
	"github.com/Brownie44l1/foliumscope/internal/preprocess"
)

// LoadSpec reads the metadata file and merges it over defaults. A missing
// metadata file is not an error: the defaults describe the model.
func LoadSpec(modelPath, metadataPath string, defaults Spec) (Spec, error) {
	spec := defaults
	spec.Classes = append([]string(nil), defaults.Classes...)
	spec.ModelPath = modelPath

	if metadataPath != "" {
		metaFile, err := os.ReadFile(metadataPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Spec{}, fmt.Errorf("failed to read metadata: %w", err)
		default:
			if err := json.Unmarshal(metaFile, &spec); err != nil {
				return Spec{}, domain.WrapError(domain.ErrInvalidInput, "parse metadata", err)
			}
		}
	}

	spec.Layout = preprocess.Layout(strings.ToLower(string(spec.Layout)))
	if spec.Layout == "" {
		spec.Layout = preprocess.NHWC
	}
	if len(spec.InputShape) == 0 {
		spec.InputShape = spec.PreprocessOptions("").Shape()
	}
	if len(spec.OutputShape) == 0 {
		spec.OutputShape = []int64{1, int64(len(spec.Classes))}
	}
	return spec, nil
}

// Validate checks that labels, input shape and output width agree.
func (s Spec) Validate() error {
	if len(s.Classes) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "validate spec", errors.New("no class labels"))
	}
	if len(s.OutputShape) == 0 {
		return domain.WrapError(domain.ErrInvalidInput, "validate spec", errors.New("no output shape"))
	}
	if width := s.OutputShape[len(s.OutputShape)-1]; width != int64(len(s.Classes)) {
		return domain.WrapError(domain.ErrLabelMismatch, "validate spec",
			fmt.Errorf("model emits %d scores but %d labels are configured", width, len(s.Classes)))
	}
	if s.Layout != preprocess.NHWC && s.Layout != preprocess.NCHW {
		return domain.WrapError(domain.ErrInvalidInput, "validate spec", fmt.Errorf("unknown layout %q", s.Layout))
	}
	if s.ImageSize <= 0 {
		return domain.WrapError(domain.ErrInvalidInput, "validate spec", fmt.Errorf("invalid image size %d", s.ImageSize))
	}

	want := s.PreprocessOptions("").Shape()
	if len(s.InputShape) != len(want) {
		return domain.WrapError(domain.ErrInvalidInput, "validate spec",
			fmt.Errorf("input shape %v must have rank %d", s.InputShape, len(want)))
	}
	if b := s.InputShape[0]; b != 1 && b > 0 {
		return domain.WrapError(domain.ErrInvalidInput, "validate spec", fmt.Errorf("batch dimension must be 1, got %d", b))
	}
	for i := 1; i < len(want); i++ {
		if s.InputShape[i] != want[i] {
			return domain.WrapError(domain.ErrInvalidInput, "validate spec",
				fmt.Errorf("input shape %v does not match %s %dx%d RGB", s.InputShape, s.Layout, s.ImageSize, s.ImageSize))
		}
	}

	switch s.OutputActivation {
	case "", ActivationNone, ActivationSoftmax:
	default:
		return domain.WrapError(domain.ErrInvalidInput, "validate spec", fmt.Errorf("unknown output activation %q", s.OutputActivation))
	}
	return nil
}

// inputShape is the concrete input shape with a symbolic batch set to 1.
func (s Spec) inputShape() []int64 {
	return concrete(s.InputShape)
}

func (s Spec) outputShape() []int64 {
	return concrete(s.OutputShape)
}

func concrete(shape []int64) []int64 {
	out := append([]int64(nil), shape...)
	for i, d := range out {
		if d <= 0 {
			out[i] = 1
		}
	}
	return out
}

func checkTensor(s Spec, tensor preprocess.Tensor) error {
	want := s.inputShape()
	if !equalShape(tensor.Shape, want) {
		return domain.WrapError(domain.ErrInvalidInput, "classify",
			fmt.Errorf("tensor shape %v does not match model input %v", tensor.Shape, want))
	}
	var size int64 = 1
	for _, d := range want {
		size *= d
	}
	if int64(len(tensor.Data)) != size {
		return domain.WrapError(domain.ErrInvalidInput, "classify",
			fmt.Errorf("expected %d values, got %d", size, len(tensor.Data)))
	}
	return nil
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tensorInfo is the part of an artifact's declared input or output that
// a Spec is checked against.
type tensorInfo struct {
	Name string
	Dims []int64
}

// bindArtifact resolves input/output names against what the artifact
// declares and rejects fixed dimensions that disagree with s.
func bindArtifact(s Spec, inputs, outputs []tensorInfo) (Spec, error) {
	in, err := pick(s.InputName, inputs, "input")
	if err != nil {
		return Spec{}, err
	}
	out, err := pick(s.OutputName, outputs, "output")
	if err != nil {
		return Spec{}, err
	}
	if err := compatible(in.Dims, s.InputShape); err != nil {
		return Spec{}, domain.WrapError(domain.ErrInvalidInput, "bind input "+in.Name, err)
	}
	if err := compatible(out.Dims, s.OutputShape); err != nil {
		return Spec{}, domain.WrapError(domain.ErrLabelMismatch, "bind output "+out.Name, err)
	}
	s.InputName = in.Name
	s.OutputName = out.Name
	return s, nil
}

func pick(name string, infos []tensorInfo, kind string) (tensorInfo, error) {
	if len(infos) == 0 {
		return tensorInfo{}, domain.WrapError(domain.ErrInvalidInput, "bind "+kind, errors.New("model declares none"))
	}
	if name == "" {
		return infos[0], nil
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
		names = append(names, info.Name)
	}
	return tensorInfo{}, domain.WrapError(domain.ErrInvalidInput, "bind "+kind,
		fmt.Errorf("%q not found, model has %s", name, strings.Join(names, ", ")))
}

func compatible(declared, configured []int64) error {
	if len(declared) == 0 {
		return nil
	}
	if len(declared) != len(configured) {
		return fmt.Errorf("model declares %v, metadata says %v", declared, configured)
	}
	for i := range declared {
		if declared[i] > 0 && configured[i] > 0 && declared[i] != configured[i] {
			return fmt.Errorf("model declares %v, metadata says %v", declared, configured)
		}
	}
	return nil
}
