// Package hal defines the data model and the hardware-wrapper-layer (HWL)
// contract this dispatch engine consumes. Everything here is pure data and
// interfaces; concrete HWL pipelines, the graphics allocator, and the depth
// plugin live outside this package (internal/bufferio, internal/depthgen,
// and whatever vendor HWL binding is wired in at runtime).
package hal

import (
	"time"

	"github.com/camerarecorder/multicam-hal/internal/dispatcherrors"
)

// StreamDirection is the direction of an image channel.
type StreamDirection int

const (
	StreamOutput StreamDirection = iota
	StreamInput
)

// DataSpace is an opaque vendor/platform colorspace+transfer tag. The
// dispatch engine never interprets it, only compares and forwards it.
type DataSpace int32

// Rotation is a 0/90/180/270 degree output rotation.
type Rotation int32

const (
	Rotation0 Rotation = iota
	Rotation90
	Rotation180
	Rotation270
)

// PixelFormat identifies a buffer's pixel layout (vendor-defined numeric
// space; this engine treats it as an opaque comparable value).
type PixelFormat int32

// UsageFlags are gralloc-style producer/consumer usage bits.
type UsageFlags uint64

// StreamID identifies a stream within one StreamConfiguration.
type StreamID int32

// Stream describes one input or output image channel.
//
// Invariant: stream identity is unique within a configuration; for
// multi-camera logical devices each stream is either logical or tagged to
// exactly one physical camera id (PhysicalCameraID == "" means logical).
type Stream struct {
	ID               StreamID
	Direction        StreamDirection
	Width            uint32
	Height           uint32
	Format           PixelFormat
	Usage            UsageFlags
	Rotation         Rotation
	DataSpace        DataSpace
	PhysicalCameraID string
}

// IsLogical reports whether the stream is not tagged to one physical camera.
func (s Stream) IsLogical() bool { return s.PhysicalCameraID == "" }

// StreamConfiguration is the ordered set of streams a session was
// configured with, immutable for the session's lifetime.
type StreamConfiguration struct {
	Streams         []Stream
	OperationMode   int32
	SessionParams   map[string]interface{}
	ConfigCounter   uint64
}

// HalStream is the HAL's chosen realization of a configured stream,
// produced by a ProcessBlock after it configures its pipeline. Immutable
// once returned from ConfigureStreams.
type HalStream struct {
	ID               StreamID
	OverrideFormat   PixelFormat
	ProducerUsage    UsageFlags
	ConsumerUsage    UsageFlags
	MaxBuffers       uint32
	OverrideDataSpace DataSpace
}

// BufferStatus is the completion status of one StreamBuffer.
type BufferStatus int

const (
	BufferStatusOK BufferStatus = iota
	BufferStatusError
)

// Fence is an opaque synchronization handle (an fd-like value in a real
// HWL binding; here just an opaque int since this package never executes
// a wait itself; it hands fences to the HWL/allocator to wait on).
type Fence int

// NoFence indicates "already signaled" / "no fence supplied".
const NoFence Fence = -1

// NativeHandle is an opaque graphics buffer handle, imported once per
// (StreamID, BufferID) pair by the buffer cache (see internal/bufferio).
type NativeHandle interface{}

// BufferID is a per-buffer identity chosen by the producer. The same
// NativeHandle may appear under multiple BufferIDs across requests, but
// within one request a stream contributes at most one StreamBuffer.
type BufferID int64

// StreamBuffer is an opaque native buffer handle in flight between one
// producer and one consumer for one stream.
type StreamBuffer struct {
	StreamID     StreamID
	BufferID     BufferID
	Handle       NativeHandle
	Status       BufferStatus
	AcquireFence Fence
	ReleaseFence Fence
}

// FrameNumber is a strictly-increasing per-session frame identifier.
type FrameNumber uint32

// Metadata is an opaque, clonable key/value capture-settings or
// capture-result payload. The dispatch engine never interprets most of its
// contents; it reads/writes a small set of vendor tags (see
// internal/hal/vendortags.go) and otherwise treats it as an immutable blob
// to be cloned on fan-out.
type Metadata map[string]interface{}

// Clone returns a deep-enough copy for independent mutation by one fan-out
// branch. Settings metadata is cloned on every fan-out, never shared by
// reference across blocks.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PhysicalCameraMetadata is a per-physical-camera metadata entry attached
// to a logical CaptureResult.
type PhysicalCameraMetadata struct {
	PhysicalCameraID string
	Metadata         Metadata
}

// CaptureRequest is one framework-issued per-frame request.
type CaptureRequest struct {
	FrameNumber      FrameNumber
	Settings         Metadata // nil means "inherit sticky baseline"
	InputBuffers     []StreamBuffer
	InputMetadata    []Metadata // parallel to InputBuffers
	OutputBuffers    []StreamBuffer
	PhysicalSettings map[string]Metadata // physical camera id -> settings
}

// PartialResultIndex is the 1-based partial_result counter on CaptureResult.
type PartialResultIndex int32

// CaptureResult is one (possibly partial) result delivery for one frame.
type CaptureResult struct {
	FrameNumber      FrameNumber
	Metadata         Metadata
	IsPartial        bool
	PartialResult    PartialResultIndex
	OutputBuffers    []StreamBuffer
	InputBuffers     []StreamBuffer
	PhysicalMetadata []PhysicalCameraMetadata
}

// NotifyKind distinguishes the two NotifyMessage payload shapes.
type NotifyKind int

const (
	NotifyShutter NotifyKind = iota
	NotifyError
)

// NotifyMessage is either a shutter or an error notification.
type NotifyMessage struct {
	Kind        NotifyKind
	FrameNumber FrameNumber

	// Shutter fields.
	Timestamp time.Time

	// Error fields.
	ErrorStreamID StreamID // meaningful only when HasStreamID is true
	HasStreamID   bool
	ErrorCode     dispatcherrors.ErrorKind
}

// RequestID is an identifier a ProcessBlock assigns to one outgoing
// ProcessBlockRequest so its ResultProcessor can disambiguate results when
// one frame fans out across multiple HWL pipelines.
type RequestID int64

// Well-known RequestID values the three-sensor rgbird topology uses to tag
// which physical camera a sub-request belongs to, since neither
// ProcessBlockRequest nor CaptureResult otherwise carries a physical camera
// id once a request has been split and resubmitted to MultiCameraRtProcessBlock.
const (
	RgbSubRequestID RequestID = iota + 1
	Ir1SubRequestID
	Ir2SubRequestID
)

// Well-known RequestID values the two-sensor dual-IR topology uses to tag
// which of its two physical cameras a sub-request/result belongs to, for
// the same reason the rgbird constants above exist.
const (
	DualIrLeadSubRequestID RequestID = iota + 101
	DualIrSecondSubRequestID
)

// ProcessBlockRequest is the internal carrier from a RequestProcessor (or
// CaptureSession) to a ProcessBlock.
type ProcessBlockRequest struct {
	RequestID     RequestID
	FrameNumber   FrameNumber
	Settings      Metadata
	InputBuffers  []StreamBuffer
	InputMetadata []Metadata
	OutputBuffers []StreamBuffer
	PhysicalCameraID string // empty for logical/single-camera blocks
}

// ProcessBlockResult is the internal carrier from a ProcessBlock to its
// ResultProcessor.
type ProcessBlockResult struct {
	RequestID RequestID
	Result    CaptureResult
}

// ProcessBlockNotifyMessage pairs a NotifyMessage with the RequestID of the
// ProcessBlockRequest it concerns.
type ProcessBlockNotifyMessage struct {
	RequestID RequestID
	Message   NotifyMessage
}
