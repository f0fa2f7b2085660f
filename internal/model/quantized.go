package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/foliumscope/internal/domain"
	"github.com/Brownie44l1/foliumscope/internal/preprocess"
)

// quantizedEngine runs a compiled model through buffers allocated once at
// load time: the input buffer is bound at index 0, the output at index 0.
// Calls share the buffers, so they are serialised.
type quantizedEngine struct {
	spec Spec

	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newQuantizedEngine(spec Spec, options *ort.SessionOptions) (*quantizedEngine, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.inputShape()...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.outputShape()...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(spec.ModelPath,
		[]string{spec.InputName}, []string{spec.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, domain.WrapError(domain.ErrModelUnavailable, "create ONNX session", err)
	}

	return &quantizedEngine{
		spec:         spec,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (e *quantizedEngine) Classify(ctx context.Context, tensor preprocess.Tensor) ([]float32, error) {
	if err := checkTensor(e.spec, tensor); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.session == nil {
		return nil, domain.WrapError(domain.ErrModelUnavailable, "classify", fmt.Errorf("engine closed"))
	}

	copy(e.inputTensor.GetData(), tensor.Data)
	if err := e.session.Run(); err != nil {
		return nil, domain.WrapError(domain.ErrInference, "run session", err)
	}

	outputData := e.outputTensor.GetData()
	scores := make([]float32, len(outputData))
	copy(scores, outputData)
	return scores, nil
}

func (e *quantizedEngine) Spec() Spec {
	return e.spec
}

func (e *quantizedEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inputTensor != nil {
		e.inputTensor.Destroy()
		e.inputTensor = nil
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	if e.session != nil {
		err := e.session.Destroy()
		e.session = nil
		return err
	}
	return nil
}
