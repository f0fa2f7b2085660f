package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/foliumscope/internal/domain"
	"github.com/Brownie44l1/foliumscope/internal/preprocess"
)

// graphEngine runs a full computational graph. Each call gets its own input
// and output tensors, so concurrent calls only share the session.
type graphEngine struct {
	spec Spec

	mu      sync.RWMutex
	session *ort.DynamicAdvancedSession
}

func newGraphEngine(spec Spec, options *ort.SessionOptions) (*graphEngine, error) {
	session, err := ort.NewDynamicAdvancedSession(spec.ModelPath,
		[]string{spec.InputName}, []string{spec.OutputName}, options)
	if err != nil {
		return nil, domain.WrapError(domain.ErrModelUnavailable, "create ONNX session", err)
	}
	return &graphEngine{spec: spec, session: session}, nil
}

func (e *graphEngine) Classify(ctx context.Context, tensor preprocess.Tensor) ([]float32, error) {
	if err := checkTensor(e.spec, tensor); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input, err := ort.NewTensor(ort.NewShape(tensor.Shape...), tensor.Data)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInference, "create input tensor", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(e.spec.outputShape()...))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInference, "create output tensor", err)
	}
	defer output.Destroy()

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return nil, domain.WrapError(domain.ErrModelUnavailable, "classify", fmt.Errorf("engine closed"))
	}
	if err := e.session.Run([]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}); err != nil {
		return nil, domain.WrapError(domain.ErrInference, "run session", err)
	}

	scores := make([]float32, len(output.GetData()))
	copy(scores, output.GetData())
	return scores, nil
}

func (e *graphEngine) Spec() Spec {
	return e.spec
}

func (e *graphEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	return err
}
