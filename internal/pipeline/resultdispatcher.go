package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/camerarecorder/multicam-hal/internal/dispatcherrors"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
)

// ResultCallback delivers a (possibly partial) CaptureResult to the
// framework.
type ResultCallback func(hal.CaptureResult)

// NotifyCallback delivers a NotifyMessage to the framework.
type NotifyCallback func(hal.NotifyMessage)

type pendingFrame struct {
	frame hal.FrameNumber

	shutterDelivered bool
	shutterTimestamp hal.NotifyMessage

	// expected tracks exactly-once delivery per output stream id.
	expected  map[hal.StreamID]bool
	delivered map[hal.StreamID]bool

	queuedResults []hal.CaptureResult
	queuedErrors  []hal.NotifyMessage

	errored bool // kErrorRequest already delivered; suppress further output
	done    bool

	// poppedFromOrder is true once drainLocked has released this frame's
	// shutter and dequeued it from the ordering queue. A frame can still
	// receive further partial results/errors afterward (e.g. a buffer
	// arriving after its metadata); those must be delivered immediately
	// rather than wait for drainLocked to revisit a queue position the
	// frame no longer occupies.
	poppedFromOrder bool
}

func (p *pendingFrame) remaining() int {
	n := 0
	for id := range p.expected {
		if !p.delivered[id] {
			n++
		}
	}
	return n
}

// ResultDispatcher is the session-scoped component that reorders
// asynchronous block/pipeline completions into the delivery order the
// framework requires: shutter-before-result, monotonic shutters across
// frames, and exactly-once delivery of every output buffer. The
// single-writer queue discipline is realized as one mutex guarding a
// small amount of bookkeeping state;
// delivery itself happens synchronously on the calling goroutine once it is
// safe to do so, which keeps ordering trivially correct without a separate
// notifier thread's own queue to reason about.
type ResultDispatcher struct {
	mu     sync.Mutex
	logger *logging.Logger

	partialResultCount int

	order   []hal.FrameNumber // shutter-ordering queue, ascending by frame
	entries map[hal.FrameNumber]*pendingFrame

	processResult ResultCallback
	notify        NotifyCallback
}

// NewResultDispatcher constructs a dispatcher. partialResultCount is
// informational only: partials are tracked per result processor, not
// validated here.
func NewResultDispatcher(partialResultCount int, processResult ResultCallback, notify NotifyCallback, logger *logging.Logger) (*ResultDispatcher, error) {
	if processResult == nil || notify == nil {
		return nil, fmt.Errorf("pipeline: ResultDispatcher requires non-nil callbacks")
	}
	if logger == nil {
		logger = logging.GetLogger("result-dispatcher")
	}
	return &ResultDispatcher{
		partialResultCount: partialResultCount,
		entries:            make(map[hal.FrameNumber]*pendingFrame),
		processResult:      processResult,
		notify:             notify,
		logger:             logger,
	}, nil
}

// AddPendingRequest registers the output buffers a just-admitted request
// will eventually be reported against.
func (d *ResultDispatcher) AddPendingRequest(request hal.CaptureRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[request.FrameNumber]; exists {
		return fmt.Errorf("pipeline: frame %d already pending in result dispatcher", request.FrameNumber)
	}

	entry := &pendingFrame{
		frame:     request.FrameNumber,
		expected:  make(map[hal.StreamID]bool, len(request.OutputBuffers)),
		delivered: make(map[hal.StreamID]bool, len(request.OutputBuffers)),
	}
	for _, b := range request.OutputBuffers {
		entry.expected[b.StreamID] = true
	}
	d.entries[request.FrameNumber] = entry

	idx := sort.Search(len(d.order), func(i int) bool { return d.order[i] > request.FrameNumber })
	d.order = append(d.order, 0)
	copy(d.order[idx+1:], d.order[idx:])
	d.order[idx] = request.FrameNumber

	return nil
}

// RemovePendingRequest drops a frame that never made it past admission
// (e.g. a chain that failed synchronously before submitting downstream).
func (d *ResultDispatcher) RemovePendingRequest(frame hal.FrameNumber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeFromOrderLocked(frame)
	delete(d.entries, frame)
}

func (d *ResultDispatcher) removeFromOrderLocked(frame hal.FrameNumber) {
	for i, f := range d.order {
		if f == frame {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// AddShutter records the shutter time for frame and releases it (and any
// already-queued results/errors) once every smaller pending frame number
// has already had its shutter released, preserving monotonic shutter order.
func (d *ResultDispatcher) AddShutter(frame hal.FrameNumber, timestamp hal.NotifyMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[frame]
	if !ok {
		return fmt.Errorf("pipeline: shutter for unknown/already-complete frame %d", frame)
	}
	if entry.shutterDelivered {
		return fmt.Errorf("pipeline: duplicate shutter for frame %d", frame)
	}
	entry.shutterDelivered = true
	entry.shutterTimestamp = timestamp

	d.drainLocked()
	return nil
}

// AddResult enqueues one (possibly partial) result. It is dispatched
// immediately if the frame's shutter has already been released, otherwise
// it waits behind the shutter.
func (d *ResultDispatcher) AddResult(result hal.CaptureResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[result.FrameNumber]
	if !ok {
		return fmt.Errorf("pipeline: result for unknown/already-complete frame %d", result.FrameNumber)
	}
	if entry.errored {
		d.logger.WithFields(logging.Fields{"frame_number": result.FrameNumber}).
			Debug("suppressing result for already-errored frame")
		return nil
	}

	for _, b := range result.OutputBuffers {
		if entry.delivered[b.StreamID] {
			return fmt.Errorf("pipeline: duplicate delivery of stream %d for frame %d", b.StreamID, result.FrameNumber)
		}
		entry.delivered[b.StreamID] = true
	}

	entry.queuedResults = append(entry.queuedResults, result)
	d.drainLocked()
	d.flushIfPoppedLocked(result.FrameNumber)
	return nil
}

// AddError enqueues a notify message carrying an error. kErrorRequest marks
// the whole frame terminal: every remaining undelivered buffer is reported
// as errored and subsequent non-error output for the frame is suppressed.
func (d *ResultDispatcher) AddError(message hal.NotifyMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[message.FrameNumber]
	if !ok {
		return fmt.Errorf("pipeline: error for unknown/already-complete frame %d", message.FrameNumber)
	}
	if entry.errored {
		return nil
	}

	entry.queuedErrors = append(entry.queuedErrors, message)

	if message.ErrorCode == dispatcherrors.ErrorRequest {
		entry.errored = true
		var errored []hal.StreamBuffer
		for id := range entry.expected {
			if entry.delivered[id] {
				continue
			}
			entry.delivered[id] = true
			errored = append(errored, hal.StreamBuffer{StreamID: id, Status: hal.BufferStatusError})
		}
		if len(errored) > 0 {
			entry.queuedResults = append(entry.queuedResults, hal.CaptureResult{
				FrameNumber:   message.FrameNumber,
				OutputBuffers: errored,
			})
		}
	}

	d.drainLocked()
	d.flushIfPoppedLocked(message.FrameNumber)
	return nil
}

// flushIfPoppedLocked delivers any newly-queued results/errors for a frame
// that has already had its shutter released and been dequeued from the
// ordering queue, since drainLocked's head-of-queue walk no longer
// considers it.
func (d *ResultDispatcher) flushIfPoppedLocked(frame hal.FrameNumber) {
	entry, ok := d.entries[frame]
	if !ok || !entry.poppedFromOrder {
		return
	}
	for _, m := range entry.queuedErrors {
		d.notify(m)
	}
	for _, r := range entry.queuedResults {
		d.processResult(r)
	}
	entry.queuedErrors = nil
	entry.queuedResults = nil
	if entry.errored || entry.remaining() == 0 {
		delete(d.entries, frame)
	}
}

// drainLocked releases the front of the shutter-ordering queue as far as
// it can: while the oldest pending frame's shutter has been delivered, emit
// it and its queued results/errors, then pop it so the next frame's shutter
// (if already recorded) can go out in turn. Entries are only removed from
// the bookkeeping map once every expected buffer has been delivered.
func (d *ResultDispatcher) drainLocked() {
	for len(d.order) > 0 {
		frame := d.order[0]
		entry := d.entries[frame]
		if entry == nil || !entry.shutterDelivered {
			break
		}

		d.order = d.order[1:]

		d.notify(entry.shutterTimestamp)
		for _, m := range entry.queuedErrors {
			d.notify(m)
		}
		for _, r := range entry.queuedResults {
			d.processResult(r)
		}
		entry.queuedErrors = nil
		entry.queuedResults = nil
		entry.poppedFromOrder = true

		if entry.errored || entry.remaining() == 0 {
			delete(d.entries, frame)
		}
	}
}

// Flush terminates every frame still waiting in the shutter-ordering queue:
// it releases the frame's shutter (synthesizing one when none was recorded)
// and any results/errors queued behind it, then, unless the frame already
// carries kErrorRequest, delivers kErrorRequest and an error-status buffer
// for each output not yet delivered. It then clears all bookkeeping.
// Idempotent.
func (d *ResultDispatcher) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, frame := range d.order {
		entry := d.entries[frame]
		if entry == nil {
			continue
		}
		if !entry.shutterDelivered {
			entry.shutterDelivered = true
			entry.shutterTimestamp = hal.NotifyMessage{Kind: hal.NotifyShutter, FrameNumber: frame}
		}
		d.notify(entry.shutterTimestamp)
		for _, m := range entry.queuedErrors {
			d.notify(m)
		}
		for _, r := range entry.queuedResults {
			d.processResult(r)
		}
		if entry.errored {
			continue
		}
		var errored []hal.StreamBuffer
		for id := range entry.expected {
			if !entry.delivered[id] {
				errored = append(errored, hal.StreamBuffer{StreamID: id, Status: hal.BufferStatusError})
			}
		}
		entry.errored = true
		d.notify(hal.NotifyMessage{Kind: hal.NotifyError, FrameNumber: frame, ErrorCode: dispatcherrors.ErrorRequest})
		if len(errored) > 0 {
			d.processResult(hal.CaptureResult{FrameNumber: frame, OutputBuffers: errored})
		}
	}
	d.order = nil
	d.entries = make(map[hal.FrameNumber]*pendingFrame)
}
