package pipeline

import "github.com/camerarecorder/multicam-hal/internal/hal"

// BlockConfig is the subset of the session's stream configuration one
// ProcessBlock owns, handed to ConfigureStreams alongside the full
// OverallConfig for cross-pipeline context.
type BlockConfig struct {
	Streams []hal.Stream
}

// OverallConfig is the whole session configuration, given to every block so
// it can make decisions that depend on sibling blocks (e.g. whether a
// depth stream exists at all).
type OverallConfig struct {
	StreamConfig hal.StreamConfiguration
}

// ResultCallbacks are the pair the terminal ResultProcessor in a chain
// exposes upward, feeding fully-resolved results and notifies into the
// owning CaptureSession's ResultDispatcher.
type ResultCallbacks struct {
	ProcessResult func(hal.CaptureResult)
	Notify        func(hal.NotifyMessage)
}

// ResultProcessor consumes block results at the downstream end of a chain
// segment: SetResultCallback once, then any number of AddPendingRequests /
// ProcessResult / Notify, with an optional FlushPendingRequests.
type ResultProcessor interface {
	// SetResultCallback wires this processor's upward callbacks. Exactly
	// once per lifetime.
	SetResultCallback(cb ResultCallbacks) error

	// AddPendingRequests records what results this processor should expect
	// for a block request it is about to receive results for. A terminal
	// result processor must validate every output buffer in
	// remainingSessionRequest is covered by some entry in blockRequests,
	// failing admission otherwise.
	AddPendingRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error

	// ProcessResult consumes one result from the block below.
	ProcessResult(result hal.ProcessBlockResult) error

	// Notify consumes one notify message from the block below.
	Notify(message hal.ProcessBlockNotifyMessage)

	// FlushPendingRequests cancels outstanding pending requests, delivering
	// error notifications for anything that cannot complete.
	FlushPendingRequests() error
}

// ProcessBlock submits work to one HWL pipeline configuration and hands
// completions to the ResultProcessor installed on it.
type ProcessBlock interface {
	// ConfigureStreams wires this block's HWL pipeline(s). Exactly once.
	ConfigureStreams(blockConfig BlockConfig, overallConfig OverallConfig) error

	// SetResultProcessor installs the downstream result processor. Exactly
	// once, and only after ConfigureStreams.
	SetResultProcessor(rp ResultProcessor) error

	// GetConfiguredHalStreams returns the HAL-side stream list this block
	// negotiated with its HWL pipeline(s). Callable only after
	// ConfigureStreams.
	GetConfiguredHalStreams() ([]hal.HalStream, error)

	// ProcessRequests submits block-level sub-requests asynchronously. The
	// block must, before returning, call
	// ResultProcessor.AddPendingRequests(blockRequests, remainingSessionRequest)
	// so the result processor knows what to expect, and must eventually
	// emit either a complete result or explicit error notifications for
	// every accepted request.
	ProcessRequests(blockRequests []hal.ProcessBlockRequest, remainingSessionRequest hal.CaptureRequest) error

	// Flush is best-effort cancellation of in-flight requests.
	Flush() error
}

// RequestProcessor transforms an incoming per-frame request into the
// block requests its ProcessBlock consumes, possibly augmenting them with
// internal-stream buffers.
type RequestProcessor interface {
	// ConfigureStreams may register new internal streams via
	// streamManager; any it registers appear in the returned BlockConfig
	// but not in streamConfig.
	ConfigureStreams(streamManager StreamRegistrar, streamConfig hal.StreamConfiguration) (BlockConfig, error)

	// SetProcessBlock installs the downstream process block. One-shot.
	SetProcessBlock(pb ProcessBlock) error

	// ProcessRequest translates one framework-level capture request into
	// zero or more block requests, submitted to the configured
	// ProcessBlock.
	ProcessRequest(request hal.CaptureRequest) error

	// Flush is best-effort cancellation, propagated to the process block.
	Flush() error
}

// StreamRegistrar is the narrow InternalStreamManager surface a
// RequestProcessor needs at configure time (registration only; buffer
// traffic happens later through the full Manager).
type StreamRegistrar interface {
	RegisterNewInternalStream(stream hal.Stream) (hal.StreamID, error)
}
