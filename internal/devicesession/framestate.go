package devicesession

import (
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
)

// FrameState is one frame's position in the buffer-management state
// machine: Admitted -> WaitingForBuffers -> Submitted ->
// {MetadataArrived x BuffersArrived} -> Complete | Errored.
type FrameState int

const (
	FrameAdmitted FrameState = iota
	FrameWaitingForBuffers
	FrameSubmitted
	FrameComplete
	FrameErrored
)

func (s FrameState) String() string {
	switch s {
	case FrameAdmitted:
		return "admitted"
	case FrameWaitingForBuffers:
		return "waiting_for_buffers"
	case FrameSubmitted:
		return "submitted"
	case FrameComplete:
		return "complete"
	case FrameErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type frameTracking struct {
	state            FrameState
	metadataArrived  bool
	outstandingBufs  map[hal.StreamID]bool
}

// FrameTracker drives the per-frame state machine. Only meaningful when
// HAL buffer management is active; CameraDeviceSession skips it entirely
// otherwise.
type FrameTracker struct {
	mu     sync.Mutex
	frames map[hal.FrameNumber]*frameTracking
}

// NewFrameTracker constructs an empty tracker.
func NewFrameTracker() *FrameTracker {
	return &FrameTracker{frames: make(map[hal.FrameNumber]*frameTracking)}
}

// Admit registers a freshly-admitted frame awaiting buffer acquisition.
func (t *FrameTracker) Admit(frame hal.FrameNumber, outputStreams []hal.StreamID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	outstanding := make(map[hal.StreamID]bool, len(outputStreams))
	for _, s := range outputStreams {
		outstanding[s] = true
	}
	t.frames[frame] = &frameTracking{state: FrameWaitingForBuffers, outstandingBufs: outstanding}
}

// Submitted transitions frame to Submitted once every output buffer has
// been acquired and the request has gone to the process-block chain.
func (t *FrameTracker) Submitted(frame hal.FrameNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.frames[frame]
	if !ok || f.state == FrameErrored {
		return
	}
	f.state = FrameSubmitted
}

// BufferArrived records one stream's output buffer arriving in a result.
// Returns true once every expected buffer and the metadata have both
// arrived (the Complete transition).
func (t *FrameTracker) BufferArrived(frame hal.FrameNumber, streamID hal.StreamID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.frames[frame]
	if !ok || f.state == FrameErrored {
		return false
	}
	delete(f.outstandingBufs, streamID)
	return t.maybeCompleteLocked(f)
}

// MetadataArrived records the frame's result metadata arriving. Returns
// true once every expected buffer has also arrived.
func (t *FrameTracker) MetadataArrived(frame hal.FrameNumber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.frames[frame]
	if !ok || f.state == FrameErrored {
		return false
	}
	f.metadataArrived = true
	return t.maybeCompleteLocked(f)
}

func (t *FrameTracker) maybeCompleteLocked(f *frameTracking) bool {
	if f.metadataArrived && len(f.outstandingBufs) == 0 {
		f.state = FrameComplete
		return true
	}
	return false
}

// Error transitions frame directly to Errored from any state. Returns
// false if the frame was already Errored (caller should suppress a
// duplicate ERROR_REQUEST).
func (t *FrameTracker) Error(frame hal.FrameNumber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.frames[frame]
	if !ok {
		t.frames[frame] = &frameTracking{state: FrameErrored}
		return true
	}
	if f.state == FrameErrored {
		return false
	}
	f.state = FrameErrored
	return true
}

// IsErrored reports whether frame has already been marked Errored, used to
// suppress further non-error deliveries for it.
func (t *FrameTracker) IsErrored(frame hal.FrameNumber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.frames[frame]
	return ok && f.state == FrameErrored
}

// Forget releases tracking state for a frame that reached Complete or
// Errored and has been fully reported.
func (t *FrameTracker) Forget(frame hal.FrameNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.frames, frame)
}
