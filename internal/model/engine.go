package model

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/foliumscope/internal/domain"
)

type Options struct {
	Engine string
	// LibraryPath points at the onnxruntime shared library; empty uses the
	// platform default lookup.
	LibraryPath    string
	IntraOpThreads int
}

var envMu sync.Mutex

var (
	_ Engine = (*graphEngine)(nil)
	_ Engine = (*quantizedEngine)(nil)
)

// Open validates spec against the artifact on disk and loads it into the
// engine named by opts. The ONNX Runtime environment is initialised on
// first use and shared by every engine in the process.
func Open(spec Spec, opts Options) (Engine, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(spec.ModelPath); err != nil {
		return nil, domain.WrapError(domain.ErrModelUnavailable, "open model", err)
	}
	if err := initEnvironment(opts.LibraryPath); err != nil {
		return nil, domain.WrapError(domain.ErrModelUnavailable, "open model", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(spec.ModelPath)
	if err != nil {
		return nil, domain.WrapError(domain.ErrModelUnavailable, "inspect model", err)
	}
	spec, err = bindArtifact(spec, infos(inputs), infos(outputs))
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	switch opts.Engine {
	case EngineQuantized:
		spec.Engine = EngineQuantized
		engine, err := newQuantizedEngine(spec, options)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case EngineGraph, "":
		spec.Engine = EngineGraph
		engine, err := newGraphEngine(spec, options)
		if err != nil {
			return nil, err
		}
		return engine, nil
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "open model", fmt.Errorf("unknown engine %q", opts.Engine))
	}
}

func infos(in []ort.InputOutputInfo) []tensorInfo {
	out := make([]tensorInfo, 0, len(in))
	for _, info := range in {
		out = append(out, tensorInfo{Name: info.Name, Dims: []int64(info.Dimensions)})
	}
	return out
}

func initEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// Shutdown releases the process-wide ONNX Runtime environment. Engines must
// be closed first.
func Shutdown() error {
	envMu.Lock()
	defer envMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
