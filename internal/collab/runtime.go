package collab

import (
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Runtime is the process-wide ONNX Runtime environment. Every model session
// acquires it on creation and releases it on close; the environment is torn
// down when the last holder releases.
type Runtime struct {
	mu   sync.Mutex
	refs int

	initialize func() error
	destroy    func() error
}

func NewRuntime(libraryPath string) *Runtime {
	return &Runtime{
		initialize: func() error {
			if libraryPath != "" {
				ort.SetSharedLibraryPath(libraryPath)
			}
			return ort.InitializeEnvironment()
		},
		destroy: ort.DestroyEnvironment,
	}
}

func (r *Runtime) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs == 0 {
		if err := r.initialize(); err != nil {
			return errors.Wrap(err, "initialize onnxruntime environment")
		}
	}
	r.refs++
	return nil
}

func (r *Runtime) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs == 0 {
		return errors.New("onnxruntime released more times than acquired")
	}
	r.refs--
	if r.refs > 0 {
		return nil
	}
	return errors.Wrap(r.destroy(), "destroy onnxruntime environment")
}

func (r *Runtime) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}
