// Package resultproc implements the concrete ResultProcessors that sit at
// or near the end of a capture session's processing chain: BasicResultProcessor
// (the terminal stage of every chain), RealtimeZslResultProcessor,
// HdrplusResultProcessor, RgbirdResultRequestProcessor,
// RgbirdDepthResultProcessor, DualIrResultRequestProcessor, and
// DualIrDepthResultProcessor.
package resultproc

import (
	"fmt"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
)

// BasicResultProcessor is the terminal stage of every result-processor
// chain: it forwards results and notifies straight to the session's
// callbacks with no further bookkeeping.
type BasicResultProcessor struct {
	logger *logging.Logger

	mu  sync.Mutex
	cb  pipeline.ResultCallbacks
	set bool
}

// NewBasicResultProcessor constructs an unconfigured terminal processor;
// call SetResultCallback before use.
func NewBasicResultProcessor(logger *logging.Logger) *BasicResultProcessor {
	if logger == nil {
		logger = logging.GetLogger("basic-result-processor")
	}
	return &BasicResultProcessor{logger: logger}
}

func (p *BasicResultProcessor) SetResultCallback(cb pipeline.ResultCallbacks) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set {
		return fmt.Errorf("resultproc: basic result processor callback already set")
	}
	p.cb = cb
	p.set = true
	return nil
}

// AddPendingRequests sanity-checks that, being the terminal stage, this
// chain's block requests account for every output buffer the admitted
// session request asked for.
func (p *BasicResultProcessor) AddPendingRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error {
	requested := make(map[hal.StreamID]bool)
	for _, br := range blockRequests {
		for _, ob := range br.OutputBuffers {
			requested[ob.StreamID] = true
		}
	}
	for _, ob := range remainingSessionRequest.OutputBuffers {
		if !requested[ob.StreamID] {
			return fmt.Errorf("resultproc: basic result processor is terminal but stream %d has no block request covering it", ob.StreamID)
		}
	}
	return nil
}

func (p *BasicResultProcessor) ProcessResult(blockResult hal.ProcessBlockResult) error {
	p.mu.Lock()
	cb, set := p.cb, p.set
	p.mu.Unlock()
	if !set || cb.ProcessResult == nil {
		return fmt.Errorf("resultproc: basic result processor has no callback set, dropping result for frame %d", blockResult.Result.FrameNumber)
	}
	cb.ProcessResult(blockResult.Result)
	return nil
}

func (p *BasicResultProcessor) Notify(blockMessage hal.ProcessBlockNotifyMessage) {
	p.mu.Lock()
	cb, set := p.cb, p.set
	p.mu.Unlock()
	if !set || cb.Notify == nil {
		p.logger.Warn("basic result processor has no notify callback set, dropping message")
		return
	}
	cb.Notify(blockMessage.Message)
}

// FlushPendingRequests is unsupported at the terminal stage: there is no
// pending-request bookkeeping left to flush.
func (p *BasicResultProcessor) FlushPendingRequests() error {
	return fmt.Errorf("resultproc: basic result processor does not support FlushPendingRequests")
}
