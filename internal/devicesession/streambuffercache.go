package devicesession

import (
	"context"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
)

// dummyBufferID is a sentinel BufferID used for substitute buffers handed
// to the HWL when a stream buffer request cannot be filled; it never collides with a
// framework-assigned id because the framework always supplies non-negative
// ids and this is negative.
const dummyBufferID hal.BufferID = -1

// StreamBufferCacheManager keeps, per stream, buffers obtained from the
// framework ahead of need (Prefetch fetches one when the stream has none
// cached; ReturnStreamBuffers adds back every real buffer returned), so an HwlPipelineCallback.RequestStreamBuffers call
// arriving mid-pipeline can be served without blocking on the framework
// round trip. On fetch failure it hands back a dummy buffer and records
// the frame so CameraDeviceSession's result postprocessing reports
// ERROR_REQUEST for it instead of forwarding a bogus completion.
//
// This manager is the CameraDeviceSession-owned implementation of the
// RequestStreamBuffers/ReturnStreamBuffers pair a Pipeline can be rebound
// to via SetSessionCallback.
type StreamBufferCacheManager struct {
	request func(ctx context.Context, streamID hal.StreamID, n int) ([]hal.StreamBuffer, error)
	logger  *logging.Logger

	mu      sync.Mutex
	ahead   map[hal.StreamID][]hal.StreamBuffer
	errored map[hal.FrameNumber]bool
}

// NewStreamBufferCacheManager builds a manager bound to the framework's
// request_stream_buffers callback.
func NewStreamBufferCacheManager(request func(ctx context.Context, streamID hal.StreamID, n int) ([]hal.StreamBuffer, error), logger *logging.Logger) *StreamBufferCacheManager {
	if logger == nil {
		logger = logging.GetLogger("stream-buffer-cache")
	}
	return &StreamBufferCacheManager{
		request: request,
		logger:  logger,
		ahead:   make(map[hal.StreamID][]hal.StreamBuffer),
		errored: make(map[hal.FrameNumber]bool),
	}
}

// Prefetch tops up streamID's one-buffer-ahead cache, best effort; a
// failure here is not reported to the caller, only logged, since the
// speculative fetch is purely an optimization for the next
// RequestStreamBuffers call.
func (m *StreamBufferCacheManager) Prefetch(ctx context.Context, streamID hal.StreamID) {
	m.mu.Lock()
	haveOne := len(m.ahead[streamID]) > 0
	m.mu.Unlock()
	if haveOne || m.request == nil {
		return
	}
	bufs, err := m.request(ctx, streamID, 1)
	if err != nil || len(bufs) == 0 {
		m.logger.WithFields(logging.Fields{"stream_id": streamID}).WithError(err).Debug("speculative stream buffer prefetch failed")
		return
	}
	m.mu.Lock()
	m.ahead[streamID] = append(m.ahead[streamID], bufs...)
	m.mu.Unlock()
}

// RequestStreamBuffers implements the HwlPipelineCallback.RequestStreamBuffers
// contract: serve from the ahead-cache when possible, otherwise fetch
// synchronously, otherwise substitute a dummy buffer and mark frame as
// needing an ERROR_REQUEST report.
func (m *StreamBufferCacheManager) RequestStreamBuffers(ctx context.Context, frame hal.FrameNumber, streamID hal.StreamID, n int) []hal.StreamBuffer {
	m.mu.Lock()
	cached := m.ahead[streamID]
	take := cached
	if len(take) > n {
		take = take[:n]
	}
	m.ahead[streamID] = cached[len(take):]
	remaining := n - len(take)
	m.mu.Unlock()

	result := append([]hal.StreamBuffer{}, take...)
	if remaining > 0 && m.request != nil {
		bufs, err := m.request(ctx, streamID, remaining)
		if err == nil {
			result = append(result, bufs...)
			remaining -= len(bufs)
		}
	}
	if remaining > 0 {
		m.logger.WithFields(logging.Fields{"frame_number": frame, "stream_id": streamID}).
			Warn("stream buffer request exhausted, substituting dummy buffers")
		m.markErrored(frame)
		for i := 0; i < remaining; i++ {
			result = append(result, hal.StreamBuffer{StreamID: streamID, BufferID: dummyBufferID, Status: hal.BufferStatusError})
		}
	}

	go m.Prefetch(context.Background(), streamID)
	return result
}

// ReturnStreamBuffers implements the HwlPipelineCallback.ReturnStreamBuffers
// contract: dummy buffers are discarded, real ones return to the
// ahead-cache for reuse.
func (m *StreamBufferCacheManager) ReturnStreamBuffers(bufs []hal.StreamBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bufs {
		if b.BufferID == dummyBufferID {
			continue
		}
		m.ahead[b.StreamID] = append(m.ahead[b.StreamID], b)
	}
}

// IsDummy reports whether buf was substituted by RequestStreamBuffers
// rather than sourced from the framework.
func IsDummy(buf hal.StreamBuffer) bool { return buf.BufferID == dummyBufferID }

func (m *StreamBufferCacheManager) markErrored(frame hal.FrameNumber) {
	m.mu.Lock()
	m.errored[frame] = true
	m.mu.Unlock()
}

// WasErrored reports and clears whether RequestStreamBuffers substituted
// dummy buffers for frame, consumed once by result postprocessing.
func (m *StreamBufferCacheManager) WasErrored(frame hal.FrameNumber) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.errored[frame]
	delete(m.errored, frame)
	return v
}
