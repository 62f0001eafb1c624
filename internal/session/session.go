// Package session implements the CaptureSession family that the
// CameraDeviceSession facade in internal/devicesession drives. A
// CaptureSession owns one concrete chain of RequestProcessor/ProcessBlock/
// ResultProcessor stages (or more than one, for the HDR+ and multi-camera
// topologies) and the ResultDispatcher that reorders their async
// completions back into framework delivery order.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/camerarecorder/multicam-hal/internal/dispatcherrors"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
)

// CaptureSession is the dispatch engine's selected strategy for routing one
// configured stream set's requests/results. Exactly one concrete session is
// live per CameraDeviceSession at a time, chosen once at stream
// configuration time by SelectAndCreate.
type CaptureSession interface {
	// ConfiguredHalStreams returns the HAL's realization of every
	// framework-visible stream (internal streams purged), stable for the
	// session's lifetime.
	ConfiguredHalStreams() []hal.HalStream

	// ProcessRequest admits and routes one capture request. Returns an
	// error only for synchronous rejection before any downstream stage
	// has accepted the frame; asynchronous failures are reported through
	// the notify callback as NotifyError instead.
	ProcessRequest(request hal.CaptureRequest) error

	// Flush drains every in-flight request, synchronously where possible
	// and otherwise by forcing an ERROR_REQUEST completion for whatever
	// cannot be drained. Idempotent; safe to call more than once.
	Flush() error

	// Destroy tears down the session's pipelines. Called once, after the
	// session has been replaced or the device session is closing.
	Destroy()
}

// resultRouter is the piece of session bookkeeping every concrete
// CaptureSession shares: a ResultDispatcher instance plus the
// Flush-short-circuit discipline (once flushing, ProcessRequest is
// rejected immediately with ERROR_REQUEST rather than admitted). Embed
// this in each concrete session and call its methods from ProcessRequest/
// Flush/the HWL pipeline callback.
type resultRouter struct {
	dispatcher *pipeline.ResultDispatcher
	flushing   atomic.Bool
	logger     *logging.Logger

	mu       sync.Mutex
	notifyCB pipeline.NotifyCallback
	resultCB pipeline.ResultCallback

	// filterResult, if set, rewrites a result's metadata before it enters
	// the dispatcher (HdrplusCaptureSession's FilterResultMetadata gate).
	filterResult func(hal.CaptureResult) hal.CaptureResult
}

func newResultRouter(processResult pipeline.ResultCallback, notify pipeline.NotifyCallback, logger *logging.Logger) (*resultRouter, error) {
	if logger == nil {
		logger = logging.GetLogger("result-router")
	}
	d, err := pipeline.NewResultDispatcher(1, processResult, notify, logger)
	if err != nil {
		return nil, err
	}
	return &resultRouter{dispatcher: d, notifyCB: notify, resultCB: processResult, logger: logger}, nil
}

// admit registers frame with the dispatcher, or synthesizes an immediate
// ERROR_REQUEST completion if the session is flushing. Returns ok=false
// when the caller must not submit the request downstream.
func (r *resultRouter) admit(request hal.CaptureRequest) (ok bool, err error) {
	if r.flushing.Load() {
		r.rejectImmediately(request)
		return false, nil
	}
	if err := r.dispatcher.AddPendingRequest(request); err != nil {
		return false, err
	}
	return true, nil
}

// rejectImmediately synthesizes the shutter-then-ERROR_REQUEST-then-
// error-status-buffers sequence owed to any request that arrives (or is
// still in flight) once Flush has begun.
func (r *resultRouter) rejectImmediately(request hal.CaptureRequest) {
	r.mu.Lock()
	notify := r.notifyCB
	resultCB := r.resultCB
	r.mu.Unlock()
	if notify != nil {
		notify(hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: request.FrameNumber})
		notify(hal.NotifyMessage{Kind: hal.NotifyError, FrameNumber: request.FrameNumber, ErrorCode: dispatcherrors.ErrorRequest})
	}
	if resultCB != nil && len(request.OutputBuffers) > 0 {
		errored := make([]hal.StreamBuffer, len(request.OutputBuffers))
		for i, b := range request.OutputBuffers {
			errored[i] = hal.StreamBuffer{StreamID: b.StreamID, BufferID: b.BufferID, Status: hal.BufferStatusError}
		}
		resultCB(hal.CaptureResult{FrameNumber: request.FrameNumber, OutputBuffers: errored})
	}
}

// reject drops a frame that failed synchronously after admission (e.g. a
// chain's ProcessRequest returned an error before submitting downstream).
func (r *resultRouter) reject(frame hal.FrameNumber) {
	r.dispatcher.RemovePendingRequest(frame)
}

// flush marks the session flushing (idempotent, non-blocking) and forces
// completion of everything still pending in the dispatcher.
func (r *resultRouter) flush() {
	r.flushing.Store(true)
	r.dispatcher.Flush()
}

// callbacks returns the pipeline.ResultCallbacks a ResultProcessor chain
// should be wired to: every result/notify flows through the dispatcher
// before reaching the framework.
func (r *resultRouter) callbacks() pipeline.ResultCallbacks {
	return pipeline.ResultCallbacks{
		ProcessResult: func(result hal.CaptureResult) {
			if r.filterResult != nil {
				result = r.filterResult(result)
			}
			if err := r.dispatcher.AddResult(result); err != nil {
				r.notifyDrop(err, result.FrameNumber)
			}
		},
		Notify: func(message hal.NotifyMessage) {
			var err error
			switch message.Kind {
			case hal.NotifyShutter:
				err = r.dispatcher.AddShutter(message.FrameNumber, message)
			default:
				err = r.dispatcher.AddError(message)
			}
			if err != nil {
				r.notifyDrop(err, message.FrameNumber)
			}
		},
	}
}

func (r *resultRouter) notifyDrop(err error, frame hal.FrameNumber) {
	r.logger.WithFields(logging.Fields{"frame_number": frame}).WithError(err).Warn("dropping delivery for frame")
}

// sessionFactory pairs a topology's support check with its constructor:
// a (name, IsStreamConfigurationSupported, Create) triple consulted in
// order.
type sessionFactory struct {
	name      string
	supported func(deps Deps) bool
	create    func(deps Deps, resultCB pipeline.ResultCallback, notify pipeline.NotifyCallback) (CaptureSession, error)
}

// selectionOrder is the static ordered list SelectAndCreate consults.
// External creators, were any registered, would run first; the built-in
// list ends in the guaranteed Basic fallback.
var selectionOrder = []sessionFactory{
	{name: "hdrplus", supported: hdrplusSupported, create: createHdrplus},
	{name: "rgbird", supported: rgbirdSupported, create: createRgbird},
	{name: "dualir", supported: dualIrSupported, create: createDualIr},
	{name: "basic", supported: func(Deps) bool { return true }, create: createBasic},
}

// SelectAndCreate implements the CaptureSession dispatch algorithm: try
// each (name, supported, create) entry in order, skipping unsupported
// ones, and return the first one whose Create succeeds. Basic is always
// supported, so this never falls through without a session.
func SelectAndCreate(deps Deps, resultCB pipeline.ResultCallback, notify pipeline.NotifyCallback) (CaptureSession, string, error) {
	var lastErr error
	for _, f := range selectionOrder {
		if !f.supported(deps) {
			continue
		}
		s, err := f.create(deps, resultCB, notify)
		if err != nil {
			lastErr = err
			continue
		}
		return s, f.name, nil
	}
	if lastErr != nil {
		return nil, "", fmt.Errorf("session: no capture session could be created, last error: %w", lastErr)
	}
	return nil, "", fmt.Errorf("session: no capture session supports this stream configuration")
}
