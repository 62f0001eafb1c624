// Package depthgen loads the depth-generator plugin DepthProcessBlock
// drives: a vendor shared object exposing EnqueueProcessRequest (async),
// ExecuteProcessRequest (blocking), and SetResultCallback. The generator
// is resolved by configured library path at session bring-up and can be
// swapped when the file on disk is replaced.
package depthgen

import (
	"fmt"
	"plugin"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/camerarecorder/multicam-hal/internal/logging"
)

// ResultStatus mirrors DepthResultStatus.
type ResultStatus int

const (
	ResultOK ResultStatus = iota
	ResultError
)

// BufferPlane is one CPU-addressable image plane: backing bytes plus the
// stride and scanline count the generator needs to walk them.
type BufferPlane struct {
	Addr     []byte
	Stride   uint32
	Scanline uint32
}

// Buffer is one image buffer handed to the plugin: dimensions, pixel
// format (opaque, vendor-defined), and its planes.
type Buffer struct {
	Format int32
	Planes []BufferPlane
	Width  uint32
	Height uint32
}

// RequestInfo is the depth generation request record: the mapped input
// planes, the output depth buffer, and the opaque settings blobs.
type RequestInfo struct {
	FrameNumber        uint32
	ColorBuffer        []Buffer
	IRBuffer           [][]Buffer
	DepthBuffer        Buffer
	Settings           map[string]interface{}
	ColorBufferMetadata map[string]interface{}
}

// ResultCallback is invoked by the plugin, from a thread other than the one
// that enqueued the request, to report asynchronous completion.
type ResultCallback func(status ResultStatus, frameNumber uint32)

// Generator is the plugin contract DepthProcessBlock consumes.
type Generator interface {
	EnqueueProcessRequest(info RequestInfo) error
	ExecuteProcessRequest(info RequestInfo) error
	SetResultCallback(cb ResultCallback)
}

// CreateFunc is the plugin entry symbol's shape: a package-level
// CreateDepthGenerator func of this type.
type CreateFunc func() Generator

// Loader loads a Generator from a configured shared-object path and
// optionally reloads it if the file is replaced, using the same
// fsnotify.Watcher the ambient config stack uses for hot reload.
type Loader struct {
	logger *logging.Logger

	mu      sync.Mutex
	path    string
	gen     Generator
	watcher *fsnotify.Watcher
}

// NewLoader constructs a Loader. Call Load to resolve the plugin.
func NewLoader(logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.GetLogger("depthgen-loader")
	}
	return &Loader{logger: logger}
}

// Load dlopen/dlsym-equivalents the shared object at path, looking up the
// "CreateDepthGenerator" symbol and invoking it.
func (l *Loader) Load(path string) (Generator, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("depthgen: loading library %q: %w", path, err)
	}
	sym, err := p.Lookup("CreateDepthGenerator")
	if err != nil {
		return nil, fmt.Errorf("depthgen: dlsym CreateDepthGenerator in %q: %w", path, err)
	}
	create, ok := sym.(func() Generator)
	if !ok {
		if cf, ok2 := sym.(CreateFunc); ok2 {
			create = cf
		} else {
			return nil, fmt.Errorf("depthgen: %q exports CreateDepthGenerator with the wrong signature", path)
		}
	}
	gen := create()
	if gen == nil {
		return nil, fmt.Errorf("depthgen: %q's CreateDepthGenerator returned nil", path)
	}

	l.mu.Lock()
	l.path = path
	l.gen = gen
	l.mu.Unlock()

	l.logger.WithFields(logging.Fields{"library_path": path}).Info("depth generator plugin loaded")
	return gen, nil
}

// Current returns the currently loaded generator, if any.
func (l *Loader) Current() Generator {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}

// WatchForReplacement begins watching the loaded library's path and
// reloads it on replacement, so a vendor can hot-swap the depth algorithm
// without a process restart. Errors from a failed reload are logged and the
// previously loaded generator remains in effect.
func (l *Loader) WatchForReplacement() error {
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()
	if path == "" {
		return fmt.Errorf("depthgen: WatchForReplacement called before Load")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("depthgen: creating plugin watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("depthgen: watching %q: %w", path, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := l.Load(path); err != nil {
				l.logger.WithError(err).Warn("depth generator plugin reload failed, keeping previous plugin")
			}
		}
	}()
	return nil
}

// Close stops any active watch.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		_ = l.watcher.Close()
		l.watcher = nil
	}
}
