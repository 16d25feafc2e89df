package model

import (
	"errors"
	"fmt"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

// Backend selects the execution provider used for inference.
type Backend string

const (
	BackendCPU  Backend = "cpu"
	BackendCUDA Backend = "cuda"
)

// ErrNoBackend is returned when no usable compute backend could be set up.
var ErrNoBackend = errors.New("no compute backend available")

// RuntimeOptions configures the ONNX Runtime environment and the sessions
// created on top of it.
type RuntimeOptions struct {
	LibraryPath    string
	Backend        Backend
	DeviceID       int
	IntraOpThreads int
}

// InitRuntime loads the ONNX Runtime shared library once per process.
func InitRuntime(opts RuntimeOptions) error {
	if ort.IsInitialized() {
		return nil
	}
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("%w: failed to initialize ONNX environment: %v", ErrNoBackend, err)
	}
	return nil
}

// ShutdownRuntime releases the ONNX Runtime environment. Sessions must be
// closed first.
func ShutdownRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

func newSessionOptions(opts RuntimeOptions) (*ort.SessionOptions, error) {
	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if opts.IntraOpThreads > 0 {
		if err := so.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			so.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	switch opts.Backend {
	case "", BackendCPU:
	case BackendCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			so.Destroy()
			return nil, fmt.Errorf("%w: cuda provider options: %v", ErrNoBackend, err)
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(opts.DeviceID)}); err != nil {
			so.Destroy()
			return nil, fmt.Errorf("%w: cuda device %d: %v", ErrNoBackend, opts.DeviceID, err)
		}
		if err := so.AppendExecutionProviderCUDA(cuda); err != nil {
			so.Destroy()
			return nil, fmt.Errorf("%w: cuda execution provider: %v", ErrNoBackend, err)
		}
	default:
		so.Destroy()
		return nil, fmt.Errorf("%w: unknown backend %q", ErrNoBackend, opts.Backend)
	}
	return so, nil
}

// inferer runs a model over one fixed-size input buffer and exposes its
// output buffer.
type inferer interface {
	input() []float32
	output() []float32
	run() error
	close()
}

// session is an ONNX session bound to one reusable input and one reusable
// output tensor. Every Run overwrites both.
type session struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newSession(modelPath, inputName, outputName string, inputShape, outputShape []int64, opts RuntimeOptions) (*session, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	so, err := newSessionOptions(opts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	defer so.Destroy()

	s, err := ort.NewAdvancedSession(modelPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		so)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &session{
		session:      s,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (s *session) input() []float32  { return s.inputTensor.GetData() }
func (s *session) output() []float32 { return s.outputTensor.GetData() }

func (s *session) run() error {
	if err := s.session.Run(); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	return nil
}

func (s *session) close() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}
