// Package devicesession implements CameraDeviceSession, the per-open-device
// facade a framework binding talks to directly. It owns buffer
// import/caching, the buffer-management admission/tracking machinery, the
// sticky-settings/thermal/output-intent/zoom-ratio request preprocessing
// pass and the mirrored result postprocessing pass, and holds the single
// active session.CaptureSession chosen by session.SelectAndCreate for the
// current stream configuration.
package devicesession

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/camerarecorder/multicam-hal/internal/bufferio"
	"github.com/camerarecorder/multicam-hal/internal/config"
	"github.com/camerarecorder/multicam-hal/internal/dispatcherrors"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/camerarecorder/multicam-hal/internal/logging"
	"github.com/camerarecorder/multicam-hal/internal/pipeline"
	"github.com/camerarecorder/multicam-hal/internal/session"
	"github.com/camerarecorder/multicam-hal/internal/thermal"
)

// Usage-flag bits this facade uses to classify a request's output intent
// from its buffer set. hal.Stream treats Usage as an opaque vendor
// bitmask, so only these three bits are given meaning here.
const (
	usageVideoEncoder hal.UsageFlags = 1 << 0
	usageCPURead      hal.UsageFlags = 1 << 1
	usageZSL          hal.UsageFlags = 1 << 2
)

// FrameworkCallbacks is the framework-facing callback surface
// SetSessionCallback installs: result delivery, notify delivery, and the
// two buffer-management re-entry functions. The thermal callback is
// realized by internal/thermal.Monitor rather than threaded through here,
// since this build samples host sensors directly instead of receiving a
// push from a device thermal HAL.
type FrameworkCallbacks struct {
	ProcessCaptureResult pipeline.ResultCallback
	Notify               pipeline.NotifyCallback
	RequestStreamBuffers func(ctx context.Context, streamID hal.StreamID, n int) ([]hal.StreamBuffer, error)
	ReturnStreamBuffers  func([]hal.StreamBuffer)
}

// CameraDeviceSession is the per-open-device facade. One instance exists
// per opened logical camera for the device binding's lifetime; stream
// reconfiguration replaces the active CaptureSession in place without
// recreating this facade.
type CameraDeviceSession struct {
	logger *logging.Logger

	// Separate locks per collaborator: session configuration, buffer
	// cache, pending-request bookkeeping, session-callback pointer
	// (shared lock), capture-session pointer (shared lock). The buffer
	// cache and pending-request locks live inside
	// BufferCache/PendingRequestTracker themselves.
	configMu sync.RWMutex
	cfg      config.SessionConfig

	callbackMu sync.RWMutex
	fw         FrameworkCallbacks

	sessionMu      sync.RWMutex
	active         session.CaptureSession
	activeName     string
	halStreams     []hal.HalStream
	zoomMapper     hal.ZoomRatioMapper
	reconfigCheck  func(old, new hal.Metadata) bool

	bufferCache    *BufferCache
	tracker        *PendingRequestTracker
	streamBufCache *StreamBufferCacheManager
	frames         *FrameTracker

	thermalMonitor *thermal.Monitor
	thermalEdge    atomic.Bool

	stickyMu sync.Mutex
	sticky   hal.Metadata

	diagMu  sync.RWMutex
	diagTap DiagnosticsTap
}

// DiagnosticsTap optionally mirrors the live notify/result stream to an
// observer such as internal/diag.Hub. Tapping never influences dispatch:
// both fields are best-effort and may be nil.
type DiagnosticsTap struct {
	Notify func(hal.NotifyMessage)
	Result func(hal.CaptureResult)
}

// SetDiagnosticsTap installs (or clears, with a zero-value tap) the
// diagnostics observer. Safe to call at any time.
func (s *CameraDeviceSession) SetDiagnosticsTap(tap DiagnosticsTap) {
	s.diagMu.Lock()
	defer s.diagMu.Unlock()
	s.diagTap = tap
}

func (s *CameraDeviceSession) tapNotify(message hal.NotifyMessage) {
	s.diagMu.RLock()
	tap := s.diagTap
	s.diagMu.RUnlock()
	if tap.Notify != nil {
		tap.Notify(message)
	}
}

func (s *CameraDeviceSession) tapResult(result hal.CaptureResult) {
	s.diagMu.RLock()
	tap := s.diagTap
	s.diagMu.RUnlock()
	if tap.Result != nil {
		tap.Result(result)
	}
}

// New constructs a facade bound to one session policy and graphics
// allocator backend. Call SetSessionCallback before ConfigureStreams.
func New(cfg config.SessionConfig, thermalCfg thermal.Config, interop bufferio.BufferInterop, logger *logging.Logger) *CameraDeviceSession {
	if logger == nil {
		logger = logging.GetLogger("camera-device-session")
	}
	s := &CameraDeviceSession{
		logger:         logger,
		cfg:            cfg,
		bufferCache:    NewBufferCache(interop),
		tracker:        NewPendingRequestTracker(cfg),
		frames:         NewFrameTracker(),
		thermalMonitor: thermal.NewMonitor(thermalCfg, logger.WithFields(logging.Fields{"component": "thermal"})),
	}
	s.thermalMonitor.RegisterCallback(s.onThermalSample)
	return s
}

// Start begins thermal sampling. Stop tears it down.
func (s *CameraDeviceSession) Start(ctx context.Context) { s.thermalMonitor.Start(ctx) }
func (s *CameraDeviceSession) Stop()                     { s.thermalMonitor.Stop() }

func (s *CameraDeviceSession) onThermalSample(sev thermal.Severity) {
	if sev.SevereOrAbove() {
		s.thermalEdge.Store(true)
	}
}

// SetSessionCallback installs the framework's result/notify/buffer
// callbacks, replacing any previously set ones.
func (s *CameraDeviceSession) SetSessionCallback(fw FrameworkCallbacks) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.fw = fw
	s.streamBufCache = NewStreamBufferCacheManager(fw.RequestStreamBuffers, s.logger)
}

func (s *CameraDeviceSession) frameworkCallbacks() FrameworkCallbacks {
	s.callbackMu.RLock()
	defer s.callbackMu.RUnlock()
	return s.fw
}

// ConfigureStreams selects and creates a CaptureSession for deps via
// session.SelectAndCreate, tears down the previously active one, and
// returns the framework-visible HAL streams.
func (s *CameraDeviceSession) ConfigureStreams(deps session.Deps) ([]hal.HalStream, error) {
	active, name, err := session.SelectAndCreate(deps, s.deliverResult, s.deliverNotify)
	if err != nil {
		return nil, dispatcherrors.NewSessionErrorWithOp(dispatcherrors.CodeBadValue, "no capture session supports this configuration", err.Error(), "ConfigureStreams")
	}
	halStreams := active.ConfiguredHalStreams()

	s.tracker = NewPendingRequestTracker(s.currentConfig())
	for _, hs := range halStreams {
		s.tracker.SetStreamQuota(hs.ID, hs.MaxBuffers)
	}

	var zoomMapper hal.ZoomRatioMapper
	var reconfigCheck func(old, new hal.Metadata) bool
	if deps.Pipeline != nil {
		zoomMapper = deps.Pipeline.GetZoomRatioMapper()
		reconfigCheck = deps.Pipeline.IsReconfigurationRequired
	}

	s.sessionMu.Lock()
	previous := s.active
	s.active = active
	s.activeName = name
	s.halStreams = halStreams
	s.zoomMapper = zoomMapper
	s.reconfigCheck = reconfigCheck
	s.sessionMu.Unlock()

	if previous != nil {
		previous.Destroy()
	}
	s.logger.WithFields(logging.Fields{"topology": name, "hal_stream_count": len(halStreams)}).Info("capture session configured")
	return halStreams, nil
}

func (s *CameraDeviceSession) currentConfig() config.SessionConfig {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.cfg
}

// IsReconfigurationRequired delegates to the active topology's single HWL
// pipeline when one exists (Basic/Hdrplus); the multi-camera topologies
// (Rgbird/DualIr) own one pipeline per physical camera with no single
// answer to delegate to, so this conservatively reports no forced
// reconfiguration for them.
func (s *CameraDeviceSession) IsReconfigurationRequired(old, new hal.Metadata) bool {
	s.sessionMu.RLock()
	check := s.reconfigCheck
	s.sessionMu.RUnlock()
	if check == nil {
		return false
	}
	return check(old, new)
}

// ConstructDefaultRequestSettings delegates to the active single-pipeline
// topology's HWL pipeline; multi-camera topologies return an empty
// baseline since no single physical camera is authoritative.
func (s *CameraDeviceSession) ConstructDefaultRequestSettings(deps session.Deps, template int32) (hal.Metadata, error) {
	if deps.Pipeline == nil {
		return hal.Metadata{}, nil
	}
	return deps.Pipeline.ConstructDefaultRequestSettings(template)
}

// ProcessCaptureRequest runs per-request preprocessing (buffer import,
// sticky settings, thermal tag, output-intent classification, zoom
// mapping), blocks on the pending-request tracker if buffer management is
// active, then forwards to the active CaptureSession.
func (s *CameraDeviceSession) ProcessCaptureRequest(ctx context.Context, request hal.CaptureRequest) error {
	s.sessionMu.RLock()
	active := s.active
	zoomMapper := s.zoomMapper
	s.sessionMu.RUnlock()
	if active == nil {
		return dispatcherrors.NewSessionErrorWithOp(dispatcherrors.CodeNotInitialized, "no capture session configured", "", "ProcessCaptureRequest")
	}

	if err := s.importBuffers(ctx, &request); err != nil {
		return dispatcherrors.NewSessionErrorWithOp(dispatcherrors.CodeAllocationFailed, "buffer import failed", err.Error(), "ProcessCaptureRequest")
	}

	request.Settings = s.applySticky(request.Settings)
	s.stampThermal(request.Settings)
	s.stampOutputIntent(&request)
	if zoomMapper != nil {
		request.Settings = zoomMapper.ApplyZoomRatio("", request.Settings)
		for camID, settings := range request.PhysicalSettings {
			request.PhysicalSettings[camID] = zoomMapper.ApplyZoomRatio(camID, settings)
		}
	}

	streamIDs := make([]hal.StreamID, len(request.OutputBuffers))
	for i, b := range request.OutputBuffers {
		streamIDs[i] = b.StreamID
	}
	buffersOn := s.currentConfig().HalBufferManagementSupported
	if buffersOn {
		if err := s.tracker.Admit(ctx, request.OutputBuffers); err != nil {
			return dispatcherrors.NewSessionErrorWithOp(dispatcherrors.CodeAllocationFailed, "buffer admission timed out", err.Error(), "ProcessCaptureRequest")
		}
		s.frames.Admit(request.FrameNumber, streamIDs)
	}

	if err := active.ProcessRequest(request); err != nil {
		if buffersOn {
			s.tracker.Release(request.OutputBuffers)
			s.frames.Forget(request.FrameNumber)
		}
		return err
	}
	if buffersOn {
		s.frames.Submitted(request.FrameNumber)
	}
	return nil
}

func (s *CameraDeviceSession) importBuffers(ctx context.Context, request *hal.CaptureRequest) error {
	for i, b := range request.OutputBuffers {
		imported, err := s.bufferCache.Import(ctx, b.StreamID, b.BufferID, b.Handle)
		if err != nil {
			return err
		}
		request.OutputBuffers[i].Handle = imported
	}
	for i, b := range request.InputBuffers {
		imported, err := s.bufferCache.Import(ctx, b.StreamID, b.BufferID, b.Handle)
		if err != nil {
			return err
		}
		request.InputBuffers[i].Handle = imported
	}
	return nil
}

// applySticky keeps a clone of the most recent non-null settings as the
// session's sticky baseline and returns a fresh clone of that baseline for
// every null request that follows.
func (s *CameraDeviceSession) applySticky(settings hal.Metadata) hal.Metadata {
	s.stickyMu.Lock()
	defer s.stickyMu.Unlock()
	if settings != nil {
		s.sticky = settings.Clone()
		return settings
	}
	if s.sticky != nil {
		return s.sticky.Clone()
	}
	return nil
}

// stampThermal sets TagThermalThrottling on the first request after
// thermal severity crosses severe-or-above, consuming the edge flag so
// later requests don't redundantly restamp it.
func (s *CameraDeviceSession) stampThermal(settings hal.Metadata) {
	if settings == nil {
		return
	}
	if s.thermalEdge.CompareAndSwap(true, false) {
		hal.SetBoolTag(settings, hal.TagThermalThrottling, true)
	}
}

// stampOutputIntent classifies the request's output-buffer set and writes
// the resulting OutputIntent vendor tag onto its settings.
func (s *CameraDeviceSession) stampOutputIntent(request *hal.CaptureRequest) {
	if request.Settings == nil {
		return
	}
	request.Settings[hal.TagOutputIntent] = s.classifyOutputIntent(*request)
}

// classifyOutputIntent looks up each output buffer's configured HAL stream
// to read back the consumer-usage bits ConfigureStreams recorded, and
// combines them with the ZSL settings tag into one OutputIntent for the
// whole request. ZSL outranks everything else; a video-encoder buffer
// together with a CPU-read buffer classifies as video-snapshot, and
// otherwise video outranks a bare CPU-read snapshot buffer; a request
// touching none of those usage bits (e.g. a plain preview stream) defaults
// to preview.
func (s *CameraDeviceSession) classifyOutputIntent(request hal.CaptureRequest) hal.OutputIntent {
	if hal.BoolTag(request.Settings, hal.TagEnableZsl) {
		return hal.OutputIntentZSL
	}

	s.sessionMu.RLock()
	halStreams := s.halStreams
	s.sessionMu.RUnlock()

	var hasVideo, hasSnapshot bool
	for _, b := range request.OutputBuffers {
		for _, hs := range halStreams {
			if hs.ID != b.StreamID {
				continue
			}
			if hs.ConsumerUsage&usageZSL != 0 {
				return hal.OutputIntentZSL
			}
			if hs.ConsumerUsage&usageVideoEncoder != 0 {
				hasVideo = true
			}
			if hs.ConsumerUsage&usageCPURead != 0 {
				hasSnapshot = true
			}
			break
		}
	}
	switch {
	case hasVideo && hasSnapshot:
		return hal.OutputIntentVideoSnapshot
	case hasVideo:
		return hal.OutputIntentVideo
	case hasSnapshot:
		return hal.OutputIntentSnapshot
	default:
		return hal.OutputIntentPreview
	}
}

// Flush drains the active CaptureSession.
func (s *CameraDeviceSession) Flush() error {
	s.sessionMu.RLock()
	active := s.active
	s.sessionMu.RUnlock()
	if active == nil {
		return nil
	}
	return active.Flush()
}

// Snapshot reports a point-in-time, JSON-marshalable view of this facade's
// state for a read-only diagnostics surface (internal/diag.Hub). It takes
// no lock ordering risk with dispatch: each field is read under its own
// collaborator's lock and copied out.
func (s *CameraDeviceSession) Snapshot() map[string]interface{} {
	s.sessionMu.RLock()
	activeName := s.activeName
	halStreamCount := len(s.halStreams)
	s.sessionMu.RUnlock()

	return map[string]interface{}{
		"active_session": activeName,
		"hal_streams":    halStreamCount,
		"thermal_edge":   s.thermalEdge.Load(),
	}
}

// Destroy tears down the active CaptureSession and stops thermal sampling.
func (s *CameraDeviceSession) Destroy() {
	s.sessionMu.RLock()
	active := s.active
	s.sessionMu.RUnlock()
	if active != nil {
		active.Destroy()
	}
	s.Stop()
}

// deliverResult is the active CaptureSession's ResultCallback: it runs
// postprocessing (zoom inverse-map, pending-tracker release, dummy/errored
// buffer rewrite) before forwarding to the framework.
func (s *CameraDeviceSession) deliverResult(result hal.CaptureResult) {
	s.sessionMu.RLock()
	zoomMapper := s.zoomMapper
	s.sessionMu.RUnlock()

	if zoomMapper != nil {
		result.Metadata = zoomMapper.ApplyZoomRatioInverse("", result.Metadata)
		for i, pm := range result.PhysicalMetadata {
			result.PhysicalMetadata[i].Metadata = zoomMapper.ApplyZoomRatioInverse(pm.PhysicalCameraID, pm.Metadata)
		}
	}

	buffersOn := s.currentConfig().HalBufferManagementSupported
	if buffersOn {
		s.tracker.Release(result.OutputBuffers)
	}

	fw := s.frameworkCallbacks()
	streamBufCacheErrored := false
	if s.streamBufCache != nil {
		streamBufCacheErrored = s.streamBufCache.WasErrored(result.FrameNumber)
	}
	frameErrored := buffersOn && (streamBufCacheErrored || s.frames.IsErrored(result.FrameNumber))
	if frameErrored {
		errMsg := hal.NotifyMessage{Kind: hal.NotifyError, FrameNumber: result.FrameNumber, ErrorCode: dispatcherrors.ErrorRequest}
		if fw.Notify != nil {
			fw.Notify(errMsg)
		}
		s.tapNotify(errMsg)
		s.frames.Forget(result.FrameNumber)
		return
	}

	for i, b := range result.OutputBuffers {
		if IsDummy(b) {
			result.OutputBuffers[i].Status = hal.BufferStatusError
			errMsg := hal.NotifyMessage{Kind: hal.NotifyError, FrameNumber: result.FrameNumber, HasStreamID: true, ErrorStreamID: b.StreamID, ErrorCode: dispatcherrors.ErrorBuffer}
			if fw.Notify != nil {
				fw.Notify(errMsg)
			}
			s.tapNotify(errMsg)
		}
	}

	if buffersOn {
		for _, b := range result.OutputBuffers {
			s.frames.BufferArrived(result.FrameNumber, b.StreamID)
		}
		if !result.IsPartial {
			if s.frames.MetadataArrived(result.FrameNumber) {
				s.frames.Forget(result.FrameNumber)
			}
		}
	}

	if fw.ProcessCaptureResult != nil {
		fw.ProcessCaptureResult(result)
	}
	s.tapResult(result)
}

// deliverNotify is the active CaptureSession's NotifyCallback: it folds
// ERROR_REQUEST into the frame state machine (suppressing a duplicate
// once a frame has already been reported errored) before forwarding.
func (s *CameraDeviceSession) deliverNotify(message hal.NotifyMessage) {
	buffersOn := s.currentConfig().HalBufferManagementSupported
	if buffersOn && message.Kind == hal.NotifyError && message.ErrorCode == dispatcherrors.ErrorRequest {
		if !s.frames.Error(message.FrameNumber) {
			return
		}
	}
	fw := s.frameworkCallbacks()
	if fw.Notify != nil {
		fw.Notify(message)
	}
	s.tapNotify(message)
}
