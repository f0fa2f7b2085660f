package predict

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/Brownie44l1/foliumscope/internal/domain"
	"github.com/Brownie44l1/foliumscope/internal/model"
	"github.com/Brownie44l1/foliumscope/internal/preprocess"
)

// Observer receives timings and outcomes; the metrics package implements it.
type Observer interface {
	ObserveInference(engine string, d time.Duration)
	ObservePrediction(class string)
}

type Service struct {
	engine   model.Engine
	opts     preprocess.Options
	classes  []string
	softmax  bool
	observer Observer
}

// NewService binds an engine to the preprocessing its spec requires. A nil
// engine yields a service whose every call reports ErrModelUnavailable.
func NewService(engine model.Engine, resample string, observer Observer) *Service {
	s := &Service{observer: observer}
	if engine == nil {
		return s
	}
	spec := engine.Spec()
	s.engine = engine
	s.opts = spec.PreprocessOptions(resample)
	s.classes = spec.Classes
	s.softmax = spec.OutputActivation == model.ActivationSoftmax
	return s
}

func (s *Service) Ready() bool {
	return s != nil && s.engine != nil
}

// Spec describes the loaded model, or is zero when none is loaded.
func (s *Service) Spec() model.Spec {
	if !s.Ready() {
		return model.Spec{}
	}
	return s.engine.Spec()
}

func (s *Service) Predict(ctx context.Context, path string) (domain.Prediction, error) {
	if !s.Ready() {
		return domain.Prediction{}, domain.WrapError(domain.ErrModelUnavailable, "predict", fmt.Errorf("no model loaded"))
	}
	tensor, err := preprocess.Load(path, s.opts)
	if err != nil {
		return domain.Prediction{}, err
	}
	return s.classify(ctx, tensor)
}

func (s *Service) PredictImage(ctx context.Context, img image.Image) (domain.Prediction, error) {
	if !s.Ready() {
		return domain.Prediction{}, domain.WrapError(domain.ErrModelUnavailable, "predict", fmt.Errorf("no model loaded"))
	}
	tensor, err := preprocess.FromImage(img, s.opts)
	if err != nil {
		return domain.Prediction{}, err
	}
	return s.classify(ctx, tensor)
}

func (s *Service) classify(ctx context.Context, tensor preprocess.Tensor) (domain.Prediction, error) {
	start := time.Now()
	scores, err := s.engine.Classify(ctx, tensor)
	if s.observer != nil {
		s.observer.ObserveInference(s.engine.Spec().Engine, time.Since(start))
	}
	if err != nil {
		return domain.Prediction{}, err
	}

	if s.softmax {
		scores = Softmax(scores)
	}
	prediction, err := Reduce(scores, s.classes)
	if err != nil {
		return domain.Prediction{}, err
	}
	if s.observer != nil {
		s.observer.ObservePrediction(prediction.Class)
	}
	return prediction, nil
}

// Reduce picks the highest score and maps its index to a label. The score
// vector must have exactly one entry per label.
func Reduce(scores []float32, classes []string) (domain.Prediction, error) {
	if len(scores) != len(classes) {
		return domain.Prediction{}, domain.WrapError(domain.ErrLabelMismatch, "reduce",
			fmt.Errorf("%d scores for %d labels", len(scores), len(classes)))
	}
	if len(scores) == 0 {
		return domain.Prediction{}, domain.WrapError(domain.ErrInference, "reduce", fmt.Errorf("empty score vector"))
	}

	maxIdx := 0
	maxVal := scores[0]
	for i, val := range scores {
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}

	top := float64(maxVal)
	if math.IsNaN(top) || top < 0 || top > 1 {
		return domain.Prediction{}, domain.WrapError(domain.ErrInference, "reduce",
			fmt.Errorf("top score %v is not a probability", maxVal))
	}

	predictions := make(map[string]float32, len(scores))
	for i, val := range scores {
		predictions[classes[i]] = val
	}

	return domain.Prediction{
		Class:      classes[maxIdx],
		Confidence: math.Round(100*top*100) / 100,
		Scores:     predictions,
	}, nil
}

// Softmax turns logits into probabilities.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxVal))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
