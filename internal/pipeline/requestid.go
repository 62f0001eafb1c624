// Package pipeline provides the plumbing that connects ProcessBlocks,
// RequestProcessors and ResultProcessors into a chain: the
// (pipeline_id, frame_number) -> request_id lookup used to tag HWL
// callbacks correctly, and the ResultDispatcher that reorders asynchronous
// completions into the ordering guarantees the framework requires.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
)

type requestKey struct {
	pipelineID hal.PipelineID
	frame      hal.FrameNumber
}

// RequestIDManager maps (pipeline_id, frame_number) pairs to the caller's
// request_id, so per-pipeline HWL callbacks (tagged only by pipeline_id and
// frame_number) can be routed back to the request_id MultiCameraRtProcessBlock
// handed out at submit time. One mutex guards the map.
type RequestIDManager struct {
	mu sync.Mutex
	m  map[requestKey]hal.RequestID
}

// NewRequestIDManager constructs an empty manager.
func NewRequestIDManager() *RequestIDManager {
	return &RequestIDManager{m: make(map[requestKey]hal.RequestID)}
}

// SetPipelineRequestID records the request_id for (pipelineID, frame).
// Overwriting an existing entry for the same key is an error: a pipeline
// must not reuse a frame number while the previous entry is unresolved.
func (m *RequestIDManager) SetPipelineRequestID(pipelineID hal.PipelineID, frame hal.FrameNumber, requestID hal.RequestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := requestKey{pipelineID, frame}
	if _, exists := m.m[key]; exists {
		return fmt.Errorf("pipeline: request id already set for pipeline %d frame %d", pipelineID, frame)
	}
	m.m[key] = requestID
	return nil
}

// GetPipelineRequestID looks up the request_id for (pipelineID, frame).
// Entries are left in place: a frame may receive several partial results
// and a separate notify callback, each needing the same lookup.
func (m *RequestIDManager) GetPipelineRequestID(pipelineID hal.PipelineID, frame hal.FrameNumber) (hal.RequestID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := requestKey{pipelineID, frame}
	id, ok := m.m[key]
	if !ok {
		return 0, fmt.Errorf("pipeline: no request id recorded for pipeline %d frame %d", pipelineID, frame)
	}
	return id, nil
}

// RemovePipelineRequestID discards the (pipelineID, frame) entry once the
// block has finished delivering every result/notify for that frame.
func (m *RequestIDManager) RemovePipelineRequestID(pipelineID hal.PipelineID, frame hal.FrameNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, requestKey{pipelineID, frame})
}
